package stability

import "fmt"

// priceScale is Price's internal fixed-point scale: 1e10, satisfying
// spec.md's "stored representation is at least 10 fractional digits"
// requirement for the USD-per-BTC reference price.
const priceScale = 10_000_000_000

// Price is a USD-per-BTC quote scaled by 1e10. Source quotes, the median,
// and the final reference price are all represented with this type; the
// aggregator's outlier check computes each quote's relative deviation from
// the median as a float64 ratio.
type Price int64

// PriceFromFloat constructs a Price from a float64 USD-per-BTC quote. This is
// the one place in the stack where a float is allowed in: it is the shape an
// exchange's JSON API hands back, and the conversion happens once, at the
// boundary, before anything is combined or compared.
func PriceFromFloat(usdPerBTC float64) Price {
	return Price(usdPerBTC * priceScale)
}

// Float64 renders the price as a float for display only.
func (p Price) Float64() float64 {
	return float64(p) / priceScale
}

// String renders the price as "$N.NN/BTC" for logs.
func (p Price) String() string {
	cents := int64(p) / (priceScale / 100)
	return fmt.Sprintf("$%d.%02d/BTC", cents/100, cents%100)
}
