// Package base provides common functionality shared by exchange gateway
// implementations: HTTP request execution, polling/streaming lifecycle
// helpers, and small parsing utilities.
package base

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/pkg/wsclient"
)

// SignRequestFunc signs an outgoing request with exchange-specific auth.
type SignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc turns a non-2xx response body into an *apperrors.ExchangeError.
type ParseErrorFunc func(statusCode int, body []byte) error

// BaseAdapter provides common functionality for exchange gateway
// implementations built on top of it.
type BaseAdapter struct {
	Name       string
	Logger     core.Logger
	HTTPClient *http.Client

	SignRequestFunc SignRequestFunc
	ParseError      ParseErrorFunc
}

// NewBaseAdapter creates a new base adapter with a pooled HTTP client.
func NewBaseAdapter(name string, logger core.Logger) *BaseAdapter {
	return &BaseAdapter{
		Name:   name,
		Logger: logger.WithField("exchange", name),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (b *BaseAdapter) SetSignRequest(fn SignRequestFunc) { b.SignRequestFunc = fn }
func (b *BaseAdapter) SetParseError(fn ParseErrorFunc)   { b.ParseError = fn }

// ExecuteRequest signs, sends, and reads an HTTP request, translating any
// non-2xx response through ParseError.
func (b *BaseAdapter) ExecuteRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if b.SignRequestFunc != nil {
		if err := b.SignRequestFunc(req, body); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if b.ParseError != nil {
			if parseErr := b.ParseError(resp.StatusCode, respBody); parseErr != nil {
				return nil, parseErr
			}
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// StartWebSocketStream starts a reconnecting WebSocket stream and ties its
// lifecycle to ctx.
func (b *BaseAdapter) StartWebSocketStream(ctx context.Context, wsURL string, onMessage func([]byte), onConnected func(), streamName string) error {
	return b.StartWebSocketStreamWithDisconnect(ctx, wsURL, onMessage, onConnected, nil, streamName)
}

// StartWebSocketStreamWithDisconnect is StartWebSocketStream plus a callback
// invoked each time the underlying connection is lost to a read error.
func (b *BaseAdapter) StartWebSocketStreamWithDisconnect(ctx context.Context, wsURL string, onMessage func([]byte), onConnected func(), onDisconnect func(error), streamName string) error {
	client := wsclient.NewClient(wsURL, onMessage, b.Logger)
	if onConnected != nil {
		client.SetOnConnected(onConnected)
	}
	if onDisconnect != nil {
		client.SetOnDisconnect(onDisconnect)
	}
	client.Start()

	go func() {
		<-ctx.Done()
		b.Logger.Info(streamName + " websocket stopping")
		client.Stop()
	}()

	b.Logger.Info(streamName + " websocket started")
	return nil
}

// ParseDecimal parses s, logging and returning zero on failure rather than
// propagating a parse error through every call site.
func (b *BaseAdapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp converts exchange epoch-milliseconds to time.Time.
func (b *BaseAdapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
