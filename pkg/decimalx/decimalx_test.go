package decimalx

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundToStep(t *testing.T) {
	step := decimal.NewFromFloat(0.001)
	got := RoundToStep(decimal.NewFromFloat(1.2347), step)
	assert.True(t, decimal.NewFromFloat(1.234).Equal(got), "got %s", got)
}

func TestRoundToStep_ZeroStep(t *testing.T) {
	qty := decimal.NewFromFloat(1.23456)
	assert.True(t, qty.Equal(RoundToStep(qty, decimal.Zero)))
}

func TestClampQty(t *testing.T) {
	min := decimal.NewFromFloat(0.01)
	max := decimal.NewFromFloat(10)
	step := decimal.NewFromFloat(0.01)

	assert.True(t, decimal.Zero.Equal(ClampQty(decimal.NewFromFloat(0.001), min, max, step)))
	assert.True(t, decimal.NewFromFloat(10).Equal(ClampQty(decimal.NewFromFloat(15), min, max, step)))
	assert.True(t, decimal.NewFromFloat(1.23).Equal(ClampQty(decimal.NewFromFloat(1.234), min, max, step)))
}

func TestNewClientOrderID_Unique(t *testing.T) {
	a := NewClientOrderID(7, "BTCUSDT")
	b := NewClientOrderID(7, "BTCUSDT")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "BTCUSDT-7-")
}
