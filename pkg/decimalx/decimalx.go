// Package decimalx collects the fixed-point rounding and client-order-id
// helpers shared by the exchange gateway and grid engine. All trading math
// in this module goes through shopspring/decimal; nothing here touches
// float64 except where an OTel gauge callback requires it at the very edge.
package decimalx

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoundToStep floors qty down to the nearest multiple of step. Exchanges
// reject orders whose quantity isn't an exact multiple of the instrument's
// qty step, so every order size must pass through here before submission.
func RoundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	units := qty.Div(step).Floor()
	return units.Mul(step)
}

// RoundPrice rounds price to the instrument's quoted decimal precision.
func RoundPrice(price decimal.Decimal, decimals int32) decimal.Decimal {
	return price.Round(decimals)
}

// ClampQty constrains qty to [min, max], rounding to step first. Returns
// decimal.Zero if the clamped quantity would fall below min.
func ClampQty(qty, min, max, step decimal.Decimal) decimal.Decimal {
	q := RoundToStep(qty, step)
	if q.LessThan(min) {
		return decimal.Zero
	}
	if !max.IsZero() && q.GreaterThan(max) {
		q = RoundToStep(max, step)
	}
	return q
}

// NewClientOrderID returns a fresh client order id for one order submission.
// Every call returns a distinct random id, so each limit attempt and the
// market fallback of the limit-first executor reach the exchange as separate
// orders; the id does not link a later attempt to an earlier one.
func NewClientOrderID(accountID int, symbol string) string {
	raw := uuid.New().String()
	compact := strings.ReplaceAll(raw, "-", "")
	return symbol + "-" + itoa(accountID) + "-" + compact[:20]
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
