package portfolio

// Sizer converts available capital and a price into a share quantity
// under min/max position-value limits. Integer truncation guarantees the
// computed cost never exceeds the target value.
type Sizer struct {
	MinPositionValue float64 // below this, the entry is not worth opening (0 disables)
	MaxPositionValue float64 // target dollar cap per position
	MinCashReserve   float64 // cash floor the ledger keeps untouched
}

// NewSizer builds a sizer; a non-positive max falls back to the default
// $3,000 cap.
func NewSizer(minValue, maxValue, cashReserve float64) *Sizer {
	if maxValue <= 0 {
		maxValue = 3000
	}
	return &Sizer{
		MinPositionValue: minValue,
		MaxPositionValue: maxValue,
		MinCashReserve:   cashReserve,
	}
}

// CalculatePositionSize returns the share count and resulting cost for an
// entry at price with the given available cash. Shares are truncated so
// cost <= min(MaxPositionValue, cash).
func (s *Sizer) CalculatePositionSize(price, cash float64) (shares int, cost float64) {
	if price <= 0 {
		return 0, 0
	}
	target := s.MaxPositionValue
	if cash < target {
		target = cash
	}
	if s.MinPositionValue > 0 && target < s.MinPositionValue {
		return 0, 0
	}
	shares = int(target / price)
	return shares, float64(shares) * price
}
