package statestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, 7)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveLoadBookRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := core.BookSnapshot{
		Timestamp: time.Now(),
		LongPositions: []core.GridEntry{
			{Side: core.Long, EntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), GridLevel: 0},
		},
		LongTPOrderID:         "tp-1",
		ReferenceQtyPerLevel:  map[int]string{0: "1"},
		CumulativeRealizedPnl: "12.5",
	}

	require.NoError(t, s.SaveBook(ctx, 7, "BTCUSDT", snap))

	loaded, ok, err := s.LoadBook(ctx, 7, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tp-1", loaded.LongTPOrderID)
	assert.Len(t, loaded.LongPositions, 1)
	assert.Equal(t, "12.5", loaded.CumulativeRealizedPnl)
}

func TestStore_LoadBookMissingSymbolReturnsNotOK(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LoadBook(context.Background(), 7, "ETHUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SaveBookKeepsOtherSymbolsIntact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBook(ctx, 7, "BTCUSDT", core.BookSnapshot{Timestamp: time.Now(), LongTPOrderID: "btc-tp"}))
	require.NoError(t, s.SaveBook(ctx, 7, "ETHUSDT", core.BookSnapshot{Timestamp: time.Now(), LongTPOrderID: "eth-tp"}))

	btc, ok, err := s.LoadBook(ctx, 7, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "btc-tp", btc.LongTPOrderID)

	eth, ok, err := s.LoadBook(ctx, 7, "ETHUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "eth-tp", eth.LongTPOrderID)
}

func TestStore_SaveBookNeverLeavesTempFileBehind(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBook(context.Background(), 7, "BTCUSDT", core.BookSnapshot{Timestamp: time.Now()}))

	entries, err := os.ReadDir(s.dataDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestStore_RecordTradeWritesHeaderOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := core.TradeRow{Timestamp: time.Now(), Symbol: "BTCUSDT", Side: "long", Action: "OPEN", Price: "100", Quantity: "1"}
	require.NoError(t, s.RecordTrade(ctx, 7, row))
	require.NoError(t, s.RecordTrade(ctx, 7, row))

	data, err := os.ReadFile(s.tradesPath())
	require.NoError(t, err)
	lines := splitLines(string(data))
	require.Len(t, lines, 3) // header + 2 rows
	assert.Equal(t, "timestamp,symbol,side,action,price,quantity,reason,pnl,open_fee,close_fee,funding_fee", lines[0])
}

func TestStore_RecordMetricsAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := core.MetricsRow{Timestamp: time.Now(), Symbol: "BTCUSDT", Price: "100", LongPositions: 2, Balance: "1000"}
	require.NoError(t, s.RecordMetrics(ctx, 7, row))

	data, err := os.ReadFile(s.metricsPath())
	require.NoError(t, err)
	lines := splitLines(string(data))
	require.Len(t, lines, 2)
}

func TestStore_IdempotencyLedgerPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 3)
	require.NoError(t, err)
	ctx := context.Background()

	processed, err := s.WasProcessed(ctx, "order-1:Filled")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, s.MarkProcessed(ctx, "order-1:Filled"))
	require.NoError(t, s.Close())

	s2, err := New(dir, 3)
	require.NoError(t, err)
	defer s2.Close()

	processed, err = s2.WasProcessed(ctx, "order-1:Filled")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestStore_MarkProcessedTwiceIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkProcessed(ctx, "dup-key"))
	require.NoError(t, s.MarkProcessed(ctx, "dup-key"))

	processed, err := s.WasProcessed(ctx, "dup-key")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestStore_SeparateAccountsUseSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir, 1)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := New(dir, 2)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s1.SaveBook(context.Background(), 1, "BTCUSDT", core.BookSnapshot{LongTPOrderID: "acct1"}))
	require.NoError(t, s2.SaveBook(context.Background(), 2, "BTCUSDT", core.BookSnapshot{LongTPOrderID: "acct2"}))

	assert.FileExists(t, filepath.Join(dir, "001_bot_state.json"))
	assert.FileExists(t, filepath.Join(dir, "002_bot_state.json"))

	b1, _, err := s1.LoadBook(context.Background(), 1, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "acct1", b1.LongTPOrderID)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
