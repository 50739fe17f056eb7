// Package bybit implements core.ExchangeGateway against the Bybit V5 API
// (linear USDT perpetuals, unified trading account, hedge mode).
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/internal/exchange/base"
	apperrors "market_maker/pkg/errors"
	"market_maker/pkg/httpx"
	"market_maker/pkg/wsclient"
)

const (
	defaultRESTURL   = "https://api.bybit.com"
	defaultPublicWS  = "wss://stream.bybit.com/v5/public/linear"
	defaultPrivateWS = "wss://stream.bybit.com/v5/private"
	category         = "linear"
	recvWindow       = "5000"
)

// Gateway implements core.ExchangeGateway against the Bybit V5 REST and
// WebSocket surface.
type Gateway struct {
	*base.BaseAdapter

	apiKey    string
	apiSecret string
	rest      *httpx.Client
	publicWS  string
	privateWS string

	mu              sync.RWMutex
	instrumentCache map[string]core.InstrumentInfo

	public  *publicStream
	private *privateStream

	disconnectMu  sync.Mutex
	disconnectCbs []func(error)
}

// NewGateway builds a Bybit gateway. baseURL/publicWS/privateWS empty strings
// fall back to Bybit's production endpoints; demo/testnet callers pass their
// own.
func NewGateway(apiKey, apiSecret, baseURL, publicWS, privateWS string, logger core.Logger) *Gateway {
	if baseURL == "" {
		baseURL = defaultRESTURL
	}
	if publicWS == "" {
		publicWS = defaultPublicWS
	}
	if privateWS == "" {
		privateWS = defaultPrivateWS
	}

	g := &Gateway{
		BaseAdapter:     base.NewBaseAdapter("bybit", logger),
		apiKey:          apiKey,
		apiSecret:       apiSecret,
		publicWS:        publicWS,
		privateWS:       privateWS,
		instrumentCache: make(map[string]core.InstrumentInfo),
	}
	g.rest = httpx.NewClient(baseURL, 10*time.Second, &hmacSigner{gw: g})
	g.public = newPublicStream(g)
	g.private = newPrivateStream(g)
	return g
}

// hmacSigner implements httpx.Signer with Bybit's
// timestamp+apiKey+recvWindow+body HMAC-SHA256 scheme.
type hmacSigner struct {
	gw *Gateway
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	var bodyStr string
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read request body for signing: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		bodyStr = string(body)
	}

	var signPayload string
	if req.Method == http.MethodGet || req.Method == http.MethodDelete {
		signPayload = req.URL.RawQuery
	} else {
		signPayload = bodyStr
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := timestamp + s.gw.apiKey + recvWindow + signPayload

	mac := hmac.New(sha256.New, []byte(s.gw.apiSecret))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", s.gw.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	if req.Method != http.MethodGet && req.Method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/json")
	}
	return nil
}

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// parseError maps a Bybit retCode/retMsg pair to an *apperrors.ExchangeError.
// https://bybit-exchange.github.io/docs/v5/error
func parseError(retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}
	switch retCode {
	case 10001, 10002, 130006:
		return &apperrors.ExchangeError{Kind: apperrors.KindInvalid, Code: strconv.Itoa(retCode), Message: retMsg, Err: apperrors.ErrInvalidOrderParameter}
	case 10003, 10004:
		return &apperrors.ExchangeError{Kind: apperrors.KindRejected, Code: strconv.Itoa(retCode), Message: retMsg, Err: apperrors.ErrAuthenticationFailed}
	case 10006:
		return &apperrors.ExchangeError{Kind: apperrors.KindTransport, Code: strconv.Itoa(retCode), Message: retMsg, Err: apperrors.ErrRateLimitExceeded}
	case 110007:
		return &apperrors.ExchangeError{Kind: apperrors.KindRejected, Code: strconv.Itoa(retCode), Message: retMsg, Err: apperrors.ErrInsufficientFunds}
	case 110001:
		return &apperrors.ExchangeError{Kind: apperrors.KindRejected, Code: strconv.Itoa(retCode), Message: retMsg, Err: apperrors.ErrOrderNotFound}
	case 170193, 170194:
		return &apperrors.ExchangeError{Kind: apperrors.KindRejected, Code: strconv.Itoa(retCode), Message: retMsg, Err: apperrors.ErrOrderRejected}
	case 110043, 110025:
		// "leverage not modified" / "position mode not modified": the
		// requested state already holds, treat as success.
		return &apperrors.ExchangeError{Kind: apperrors.KindRejected, Code: strconv.Itoa(retCode), Message: retMsg, Err: apperrors.ErrAlreadySet}
	default:
		return &apperrors.ExchangeError{Kind: apperrors.KindRejected, Code: strconv.Itoa(retCode), Message: retMsg, Err: fmt.Errorf("bybit error %d: %s", retCode, retMsg)}
	}
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "Created", "New":
		return core.OrderStatusNew
	case "PartiallyFilled":
		return core.OrderStatusPartiallyFilled
	case "Filled":
		return core.OrderStatusFilled
	case "Cancelled":
		return core.OrderStatusCancelled
	case "Rejected":
		return core.OrderStatusRejected
	default:
		return core.OrderStatusNew
	}
}

func sideToBybit(s core.OrderSide) string {
	if s == core.Buy {
		return "Buy"
	}
	return "Sell"
}

func bybitToSide(s string) core.OrderSide {
	if strings.EqualFold(s, "Buy") {
		return core.Buy
	}
	return core.Sell
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// InstrumentInfo fetches and caches per-symbol exchange metadata.
func (g *Gateway) InstrumentInfo(ctx context.Context, symbol string) (core.InstrumentInfo, error) {
	g.mu.RLock()
	info, ok := g.instrumentCache[symbol]
	g.mu.RUnlock()
	if ok {
		return info, nil
	}

	body, err := g.rest.Get(ctx, "/v5/market/instruments-info", map[string]string{
		"category": category,
		"symbol":   symbol,
	})
	if err != nil {
		return core.InstrumentInfo{}, transportErr(err)
	}

	var resp bybitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.InstrumentInfo{}, transportErr(err)
	}
	if err := parseError(resp.RetCode, resp.RetMsg); err != nil {
		return core.InstrumentInfo{}, err
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return core.InstrumentInfo{}, transportErr(err)
	}
	if len(result.List) == 0 {
		return core.InstrumentInfo{}, &apperrors.ExchangeError{Kind: apperrors.KindInvalid, Message: "symbol not found: " + symbol, Err: apperrors.ErrInvalidSymbol}
	}

	raw := result.List[0]
	tickSize := parseDecimal(raw.PriceFilter.TickSize)
	info = core.InstrumentInfo{
		Symbol:        raw.Symbol,
		MinQty:        parseDecimal(raw.LotSizeFilter.MinOrderQty),
		QtyStep:       parseDecimal(raw.LotSizeFilter.QtyStep),
		MaxQty:        parseDecimal(raw.LotSizeFilter.MaxOrderQty),
		PriceDecimals: int(-tickSize.Exponent()),
	}

	g.mu.Lock()
	g.instrumentCache[symbol] = info
	g.mu.Unlock()
	return info, nil
}

// SetPositionMode puts symbol into hedge mode (BothSide, mode=3), so Long and
// Short can be held simultaneously.
func (g *Gateway) SetPositionMode(ctx context.Context, symbol string) error {
	body := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"mode":     3,
	}
	if err := g.postAndCheck(ctx, "/v5/position/switch-mode", body); err != nil {
		if errors.Is(err, apperrors.ErrAlreadySet) {
			return nil
		}
		return err
	}
	return nil
}

// SetLeverage sets both buy and sell leverage for symbol to the same value,
// as required by hedge mode.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	if err := g.postAndCheck(ctx, "/v5/position/set-leverage", body); err != nil {
		if errors.Is(err, apperrors.ErrAlreadySet) {
			return nil
		}
		return err
	}
	return nil
}

func (g *Gateway) postAndCheck(ctx context.Context, path string, body interface{}) error {
	respBody, err := g.rest.Post(ctx, path, body)
	if err != nil {
		return transportErr(err)
	}
	var resp bybitResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return transportErr(err)
	}
	return parseError(resp.RetCode, resp.RetMsg)
}

// WalletSnapshot reads the unified-trading-account wallet balance.
func (g *Gateway) WalletSnapshot(ctx context.Context) (core.WalletSnapshot, error) {
	body, err := g.rest.Get(ctx, "/v5/account/wallet-balance", map[string]string{"accountType": "UNIFIED"})
	if err != nil {
		return core.WalletSnapshot{}, transportErr(err)
	}

	var resp bybitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.WalletSnapshot{}, transportErr(err)
	}
	if err := parseError(resp.RetCode, resp.RetMsg); err != nil {
		return core.WalletSnapshot{}, err
	}

	var result struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
			TotalMaintenanceMargin string `json:"totalMaintenanceMargin"`
			AccountMMRate         string `json:"accountMMRate"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return core.WalletSnapshot{}, transportErr(err)
	}
	if len(result.List) == 0 {
		return core.WalletSnapshot{}, &apperrors.ExchangeError{Kind: apperrors.KindInvalid, Message: "empty wallet list"}
	}

	raw := result.List[0]
	return core.WalletSnapshot{
		AvailableBalance:  parseDecimal(raw.TotalAvailableBalance),
		InitialMargin:     parseDecimal(raw.TotalInitialMargin),
		MaintenanceMargin: parseDecimal(raw.TotalMaintenanceMargin),
		MMRate:            parseDecimal(raw.AccountMMRate),
	}, nil
}

// ActivePositions reads the exchange's current hedge-mode Long/Short
// position snapshot for symbol.
func (g *Gateway) ActivePositions(ctx context.Context, symbol string) (core.ActivePositions, error) {
	body, err := g.rest.Get(ctx, "/v5/position/list", map[string]string{
		"category": category,
		"symbol":   symbol,
	})
	if err != nil {
		return core.ActivePositions{}, transportErr(err)
	}

	var resp bybitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.ActivePositions{}, transportErr(err)
	}
	if err := parseError(resp.RetCode, resp.RetMsg); err != nil {
		return core.ActivePositions{}, err
	}

	var result struct {
		List []struct {
			Size        string `json:"size"`
			AvgPrice    string `json:"avgPrice"`
			PositionIdx int    `json:"positionIdx"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return core.ActivePositions{}, transportErr(err)
	}

	var out core.ActivePositions
	for _, raw := range result.List {
		size := parseDecimal(raw.Size)
		if size.IsZero() {
			continue
		}
		pos := &core.ExchangePosition{Size: size, AvgPrice: parseDecimal(raw.AvgPrice)}
		switch raw.PositionIdx {
		case core.Long.PositionIdx():
			out.Long = pos
		case core.Short.PositionIdx():
			out.Short = pos
		}
	}
	return out, nil
}

// OrderHistory returns the symbol's recent order history, most recent first,
// used for startup grid-level reconstruction.
func (g *Gateway) OrderHistory(ctx context.Context, symbol string, filledOnly bool, limit int) ([]core.HistoricOrder, error) {
	params := map[string]string{
		"category": category,
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}
	if filledOnly {
		params["orderStatus"] = "Filled"
	}

	body, err := g.rest.Get(ctx, "/v5/order/history", params)
	if err != nil {
		return nil, transportErr(err)
	}

	var resp bybitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, transportErr(err)
	}
	if err := parseError(resp.RetCode, resp.RetMsg); err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Side        string `json:"side"`
			PositionIdx int    `json:"positionIdx"`
			Qty         string `json:"qty"`
			AvgPrice    string `json:"avgPrice"`
			ReduceOnly  bool   `json:"reduceOnly"`
			OrderStatus string `json:"orderStatus"`
			CreatedTime string `json:"createdTime"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, transportErr(err)
	}

	orders := make([]core.HistoricOrder, len(result.List))
	for i, raw := range result.List {
		cts, _ := strconv.ParseInt(raw.CreatedTime, 10, 64)
		uts, _ := strconv.ParseInt(raw.UpdatedTime, 10, 64)
		orders[i] = core.HistoricOrder{
			OrderID:       raw.OrderID,
			Side:          bybitToSide(raw.Side),
			PositionIdx:   raw.PositionIdx,
			Qty:           parseDecimal(raw.Qty),
			AvgPrice:      parseDecimal(raw.AvgPrice),
			ReduceOnly:    raw.ReduceOnly,
			Status:        mapOrderStatus(raw.OrderStatus),
			CreatedTimeMs: cts,
			UpdatedTimeMs: uts,
		}
	}
	return orders, nil
}

// PlaceOrder submits a single order and returns the exchange order id.
func (g *Gateway) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (string, error) {
	body := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        sideToBybit(req.Side),
		"qty":         req.Qty.String(),
		"positionIdx": req.PositionIdx,
	}
	if req.Type == core.Limit {
		body["orderType"] = "Limit"
		body["price"] = req.Price.String()
		if req.TimeInForce != "" {
			body["timeInForce"] = req.TimeInForce
		} else {
			body["timeInForce"] = "GTC"
		}
	} else {
		body["orderType"] = "Market"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		body["orderLinkId"] = req.ClientOrderID
	}

	respBody, err := g.rest.Post(ctx, "/v5/order/create", body)
	if err != nil {
		return "", transportErr(err)
	}

	var resp bybitResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", transportErr(err)
	}
	if err := parseError(resp.RetCode, resp.RetMsg); err != nil {
		return "", err
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", transportErr(err)
	}
	return result.OrderID, nil
}

// CancelOrder cancels one order. A not-found response is treated as success
// since cancellation is idempotent (§7).
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	err := g.postAndCheck(ctx, "/v5/order/cancel", body)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil
	}
	return err
}

// CancelAllReduceOnly cancels every open reduce-only order on one side of
// symbol (i.e. the side's active TP order, plus any stragglers).
func (g *Gateway) CancelAllReduceOnly(ctx context.Context, symbol string, positionIdx int) error {
	body, err := g.rest.Get(ctx, "/v5/order/realtime", map[string]string{
		"category": category,
		"symbol":   symbol,
	})
	if err != nil {
		return transportErr(err)
	}

	var resp bybitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return transportErr(err)
	}
	if err := parseError(resp.RetCode, resp.RetMsg); err != nil {
		return err
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			PositionIdx int    `json:"positionIdx"`
			ReduceOnly  bool   `json:"reduceOnly"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return transportErr(err)
	}

	for _, raw := range result.List {
		if raw.PositionIdx != positionIdx || !raw.ReduceOnly {
			continue
		}
		if err := g.CancelOrder(ctx, symbol, raw.OrderID); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeTicker subscribes to the public ticker stream for symbol. Several
// symbols on the same gateway share one underlying connection.
func (g *Gateway) SubscribeTicker(ctx context.Context, symbol string, cb func(core.TickerEvent)) error {
	return g.public.subscribe(ctx, symbol, cb)
}

func (g *Gateway) SubscribeExecution(ctx context.Context, cb func(core.ExecutionEvent)) error {
	return g.private.subscribeExecution(ctx, cb)
}

func (g *Gateway) SubscribePosition(ctx context.Context, cb func(core.PositionEvent)) error {
	return g.private.subscribePosition(ctx, cb)
}

func (g *Gateway) SubscribeWallet(ctx context.Context, cb func(core.WalletEvent)) error {
	return g.private.subscribeWallet(ctx, cb)
}

func (g *Gateway) SubscribeOrder(ctx context.Context, cb func(core.OrderEvent)) error {
	return g.private.subscribeOrder(ctx, cb)
}

// OnDisconnect registers cb to be invoked whenever any stream owned by this
// gateway (public or private) loses its connection to a read error.
func (g *Gateway) OnDisconnect(cb func(err error)) {
	g.disconnectMu.Lock()
	defer g.disconnectMu.Unlock()
	g.disconnectCbs = append(g.disconnectCbs, cb)
}

func (g *Gateway) fireDisconnect(err error) {
	g.disconnectMu.Lock()
	cbs := append([]func(error){}, g.disconnectCbs...)
	g.disconnectMu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func transportErr(err error) error {
	var exErr *apperrors.ExchangeError
	if errors.As(err, &exErr) {
		return exErr
	}
	return &apperrors.ExchangeError{Kind: apperrors.KindTransport, Err: err}
}

func signPrivateAuth(apiKey, apiSecret string) (map[string]interface{}, int64) {
	expires := time.Now().UnixMilli() + 10000
	val := fmt.Sprintf("GET/realtime%d", expires)
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(val))
	signature := hex.EncodeToString(mac.Sum(nil))
	return map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{apiKey, expires, signature},
	}, expires
}

// publicStream multiplexes SubscribeTicker calls over one reconnecting
// public WebSocket connection.
type publicStream struct {
	gw *Gateway

	mu      sync.Mutex
	started bool
	client  *wsclient.Client
	symbols map[string][]func(core.TickerEvent)
}

func newPublicStream(gw *Gateway) *publicStream {
	return &publicStream{gw: gw, symbols: make(map[string][]func(core.TickerEvent))}
}

func (p *publicStream) subscribe(ctx context.Context, symbol string, cb func(core.TickerEvent)) error {
	p.mu.Lock()
	p.symbols[symbol] = append(p.symbols[symbol], cb)
	needStart := !p.started
	p.mu.Unlock()

	if !needStart {
		p.resubscribe()
		return nil
	}

	client := wsclient.NewClient(p.gw.publicWS, p.handleMessage, p.gw.Logger)
	client.SetOnConnected(p.resubscribe)
	client.SetOnDisconnect(p.gw.fireDisconnect)
	client.Start()

	p.mu.Lock()
	p.client = client
	p.started = true
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		client.Stop()
	}()
	return nil
}

func (p *publicStream) resubscribe() {
	p.mu.Lock()
	client := p.client
	args := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		args = append(args, "tickers."+s)
	}
	p.mu.Unlock()

	if client == nil || len(args) == 0 {
		return
	}
	msg := map[string]interface{}{"op": "subscribe", "args": args}
	if err := client.Send(msg); err != nil {
		p.gw.Logger.Error("ticker resubscribe failed", "error", err)
	}
}

func (p *publicStream) handleMessage(message []byte) {
	var event struct {
		Topic string `json:"topic"`
		TS    int64  `json:"ts"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		return
	}
	if !strings.HasPrefix(event.Topic, "tickers.") {
		return
	}

	price := parseDecimal(event.Data.LastPrice)
	if price.IsZero() {
		return
	}

	p.mu.Lock()
	cbs := append([]func(core.TickerEvent){}, p.symbols[event.Data.Symbol]...)
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(core.TickerEvent{Symbol: event.Data.Symbol, Price: price})
	}
}

// privateStream multiplexes order/position/wallet/execution subscriptions
// over one authenticated private WebSocket connection, per account.
type privateStream struct {
	gw *Gateway

	mu      sync.Mutex
	started bool
	client  *wsclient.Client
	topics  map[string]bool

	executionCbs []func(core.ExecutionEvent)
	positionCbs  []func(core.PositionEvent)
	walletCbs    []func(core.WalletEvent)
	orderCbs     []func(core.OrderEvent)
}

func newPrivateStream(gw *Gateway) *privateStream {
	return &privateStream{gw: gw, topics: make(map[string]bool)}
}

func (p *privateStream) ensureStarted(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}

	client := wsclient.NewClient(p.gw.privateWS, p.handleMessage, p.gw.Logger)
	client.SetOnConnected(p.authenticateAndSubscribe)
	client.SetOnDisconnect(p.gw.fireDisconnect)
	client.Start()

	p.client = client
	p.started = true

	go func() {
		<-ctx.Done()
		client.Stop()
	}()
}

func (p *privateStream) authenticateAndSubscribe() {
	p.mu.Lock()
	client := p.client
	topics := make([]string, 0, len(p.topics))
	for t := range p.topics {
		topics = append(topics, t)
	}
	p.mu.Unlock()

	authMsg, _ := signPrivateAuth(p.gw.apiKey, p.gw.apiSecret)
	if err := client.Send(authMsg); err != nil {
		p.gw.Logger.Error("private stream auth failed", "error", err)
		return
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		if len(topics) == 0 {
			return
		}
		if err := client.Send(map[string]interface{}{"op": "subscribe", "args": topics}); err != nil {
			p.gw.Logger.Error("private stream subscribe failed", "error", err)
		}
	}()
}

func (p *privateStream) addTopic(ctx context.Context, topic string) {
	p.mu.Lock()
	isNew := !p.topics[topic]
	p.topics[topic] = true
	p.mu.Unlock()

	p.ensureStarted(ctx)
	if !isNew {
		return
	}
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client != nil {
		// Best-effort immediate subscribe; authenticateAndSubscribe covers
		// the case this races a reconnect.
		client.Send(map[string]interface{}{"op": "subscribe", "args": []string{topic}})
	}
}

func (p *privateStream) subscribeExecution(ctx context.Context, cb func(core.ExecutionEvent)) error {
	p.mu.Lock()
	p.executionCbs = append(p.executionCbs, cb)
	p.mu.Unlock()
	p.addTopic(ctx, "execution")
	return nil
}

func (p *privateStream) subscribePosition(ctx context.Context, cb func(core.PositionEvent)) error {
	p.mu.Lock()
	p.positionCbs = append(p.positionCbs, cb)
	p.mu.Unlock()
	p.addTopic(ctx, "position")
	return nil
}

func (p *privateStream) subscribeWallet(ctx context.Context, cb func(core.WalletEvent)) error {
	p.mu.Lock()
	p.walletCbs = append(p.walletCbs, cb)
	p.mu.Unlock()
	p.addTopic(ctx, "wallet")
	return nil
}

func (p *privateStream) subscribeOrder(ctx context.Context, cb func(core.OrderEvent)) error {
	p.mu.Lock()
	p.orderCbs = append(p.orderCbs, cb)
	p.mu.Unlock()
	p.addTopic(ctx, "order")
	return nil
}

func (p *privateStream) handleMessage(message []byte) {
	var envelope struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return
	}

	switch envelope.Topic {
	case "execution":
		p.handleExecution(envelope.Data)
	case "position":
		p.handlePosition(envelope.Data)
	case "wallet":
		p.handleWallet(envelope.Data)
	case "order":
		p.handleOrder(envelope.Data)
	}
}

func (p *privateStream) handleExecution(data json.RawMessage) {
	var entries []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		OrderID       string `json:"orderId"`
		PositionIdx   int    `json:"positionIdx"`
		OrderType     string `json:"orderType"`
		ExecType      string `json:"execType"`
		StopOrderType string `json:"stopOrderType"`
		ExecQty       string `json:"execQty"`
		ExecPrice     string `json:"execPrice"`
		ExecPnl       string `json:"execPnl"`
		ClosedSize    string `json:"closedSize"`
		ExecTime      string `json:"execTime"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}

	p.mu.Lock()
	cbs := append([]func(core.ExecutionEvent){}, p.executionCbs...)
	p.mu.Unlock()

	for _, raw := range entries {
		execTime, _ := strconv.ParseInt(raw.ExecTime, 10, 64)
		event := core.ExecutionEvent{
			Symbol:        raw.Symbol,
			Side:          bybitToSide(raw.Side),
			PositionIdx:   raw.PositionIdx,
			OrderID:       raw.OrderID,
			OrderType:     core.OrderType(strings.ToUpper(raw.OrderType)),
			ExecType:      core.ExecType(raw.ExecType),
			StopOrderType: core.StopOrderType(raw.StopOrderType),
			ExecQty:       parseDecimal(raw.ExecQty),
			ExecPrice:     parseDecimal(raw.ExecPrice),
			ExecPnl:       parseDecimal(raw.ExecPnl),
			ClosedSize:    parseDecimal(raw.ClosedSize),
			ExecTimeMs:    execTime,
		}
		for _, cb := range cbs {
			cb(event)
		}
	}
}

func (p *privateStream) handlePosition(data json.RawMessage) {
	var entries []struct {
		Symbol      string `json:"symbol"`
		PositionIdx int    `json:"positionIdx"`
		Size        string `json:"size"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}

	p.mu.Lock()
	cbs := append([]func(core.PositionEvent){}, p.positionCbs...)
	p.mu.Unlock()

	for _, raw := range entries {
		event := core.PositionEvent{
			Symbol:      raw.Symbol,
			PositionIdx: raw.PositionIdx,
			Size:        parseDecimal(raw.Size),
			AvgPrice:    parseDecimal(raw.EntryPrice),
		}
		for _, cb := range cbs {
			cb(event)
		}
	}
}

func (p *privateStream) handleWallet(data json.RawMessage) {
	var entries []struct {
		TotalAvailableBalance  string `json:"totalAvailableBalance"`
		TotalInitialMargin     string `json:"totalInitialMargin"`
		TotalMaintenanceMargin string `json:"totalMaintenanceMargin"`
		AccountMMRate          string `json:"accountMMRate"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}

	p.mu.Lock()
	cbs := append([]func(core.WalletEvent){}, p.walletCbs...)
	p.mu.Unlock()

	for _, raw := range entries {
		event := core.WalletEvent{
			AvailableBalance:  parseDecimal(raw.TotalAvailableBalance),
			InitialMargin:     parseDecimal(raw.TotalInitialMargin),
			MaintenanceMargin: parseDecimal(raw.TotalMaintenanceMargin),
			MMRate:            parseDecimal(raw.AccountMMRate),
		}
		for _, cb := range cbs {
			cb(event)
		}
	}
}

func (p *privateStream) handleOrder(data json.RawMessage) {
	var entries []struct {
		Symbol      string `json:"symbol"`
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		Side        string `json:"side"`
		PositionIdx int    `json:"positionIdx"`
		OrderStatus string `json:"orderStatus"`
		Price       string `json:"price"`
		Qty         string `json:"qty"`
		ReduceOnly  bool   `json:"reduceOnly"`
		UpdatedTime string `json:"updatedTime"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}

	p.mu.Lock()
	cbs := append([]func(core.OrderEvent){}, p.orderCbs...)
	p.mu.Unlock()

	for _, raw := range entries {
		updateTime, _ := strconv.ParseInt(raw.UpdatedTime, 10, 64)
		event := core.OrderEvent{
			Symbol:        raw.Symbol,
			OrderID:       raw.OrderID,
			ClientOrderID: raw.OrderLinkID,
			Side:          bybitToSide(raw.Side),
			PositionIdx:   raw.PositionIdx,
			Status:        mapOrderStatus(raw.OrderStatus),
			Price:         parseDecimal(raw.Price),
			Qty:           parseDecimal(raw.Qty),
			ReduceOnly:    raw.ReduceOnly,
			UpdateTimeMs:  updateTime,
		}
		for _, cb := range cbs {
			cb(event)
		}
	}
}
