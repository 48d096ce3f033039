// Package stability implements the stability control loop's evaluator: the
// pure function that turns a reference price and a channel snapshot into a
// payment decision.
package stability

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcutil"
)

// Sat is a satoshi amount, carrying the same typed-integer discipline
// btcutil.Amount applies throughout. It is defined (rather than aliased)
// so that it can carry the ValueAt method below.
type Sat btcutil.Amount

// String renders the amount the same way btcutil.Amount does.
func (s Sat) String() string {
	return btcutil.Amount(s).String()
}

// usdScale is the number of fractional digits MicroUSD carries: 1e6, i.e.
// micro-dollars. This comfortably exceeds spec's "at least 10 fractional
// digits" requirement when combined with ReferencePrice's own 1e10 internal
// scale (see Price), since the evaluator only ever divides a
// MicroUSD delta by a Price, never the other way around.
const usdScale = 1_000_000

// MicroUSD is a fixed-point USD amount scaled by 1e6. All fiat arithmetic in
// the evaluator is performed on this type. Binary floating point is used
// only for human-readable display and in Agreement.maxPayment, which
// multiplies the peg by the float64 MaxPaymentFraction.
type MicroUSD int64

// USD constructs a MicroUSD from a whole-and-cents USD value, e.g.
// USD(100, 50) == $100.50.
func USD(dollars int64, cents int64) MicroUSD {
	return MicroUSD(dollars*usdScale + cents*(usdScale/100))
}

// Abs returns the absolute value.
func (u MicroUSD) Abs() MicroUSD {
	if u < 0 {
		return -u
	}
	return u
}

// String renders the amount as a signed, two-decimal USD string.
func (u MicroUSD) String() string {
	sign := ""
	v := u
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := int64(v) / usdScale
	frac := (int64(v) % usdScale) / (usdScale / 100)
	return fmt.Sprintf("%s$%d.%02d", sign, whole, frac)
}

// Min returns the smaller of a and b.
func (u MicroUSD) Min(b MicroUSD) MicroUSD {
	if u < b {
		return u
	}
	return b
}

// satPerBTC is the number of satoshis in one bitcoin.
const satPerBTC = 100_000_000

// ToSatFloor converts a MicroUSD amount to satoshis at the given price,
// always rounding toward zero (floor for positive amounts). Spec.md's
// numeric policy requires floor rounding chosen to be conservative for the
// payer: the payer never sends a satoshi more than this computation yields.
//
//	sat = floor(usd / (usd_per_btc) * 1e8)
//
// Carried out in integer arithmetic via the Price's own 1e10 fixed-point
// scale to avoid any binary float.
func (u MicroUSD) ToSatFloor(p Price) Sat {
	if u <= 0 || p <= 0 {
		return 0
	}
	// sat = u * satPerBTC * priceScale / (p * usdScale)
	// Done with big.Int to avoid overflow across the combined scales.
	num := big.NewInt(int64(u))
	num.Mul(num, big.NewInt(satPerBTC))
	num.Mul(num, big.NewInt(int64(priceScale)))

	den := big.NewInt(int64(p))
	den.Mul(den, big.NewInt(usdScale))

	num.Div(num, den)
	return Sat(num.Int64())
}

// ValueAt returns the USD value of a satoshi amount at the given price.
func (s Sat) ValueAt(p Price) MicroUSD {
	if p <= 0 {
		return 0
	}
	num := big.NewInt(int64(s))
	num.Mul(num, big.NewInt(int64(p)))
	num.Mul(num, big.NewInt(usdScale))

	den := big.NewInt(satPerBTC)
	den.Mul(den, big.NewInt(int64(priceScale)))

	num.Div(num, den)
	return MicroUSD(num.Int64())
}
