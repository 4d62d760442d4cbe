package risk

import (
	"errors"
	"fmt"
)

// ErrEmergencyStop marks the latched halt condition. Drivers stop
// accepting new entries until the stop is manually cleared.
var ErrEmergencyStop = errors.New("emergency stop active")

// Parameters are the risk limits enforced before and after every trade.
type Parameters struct {
	MaxPositionSize      float64 `yaml:"max_position_size"`      // max dollar amount per position
	MaxPortfolioExposure float64 `yaml:"max_portfolio_exposure"` // fraction of equity, [0,1]
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	MinAccountBalance    float64 `yaml:"min_account_balance"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`   // fraction, e.g. 0.05
	TakeProfitPct        float64 `yaml:"take_profit_pct"` // fraction, e.g. 0.15
	RiskPerTrade         float64 `yaml:"risk_per_trade"`  // fraction of equity risked per trade, [0,1]
}

// DefaultParameters are the conservative defaults used when config
// leaves fields unset.
func DefaultParameters() Parameters {
	return Parameters{
		MaxPositionSize:      10000,
		MaxPortfolioExposure: 0.8,
		MaxDailyLoss:         1000,
		MaxOpenPositions:     10,
		MinAccountBalance:    5000,
		StopLossPct:          0.05,
		TakeProfitPct:        0.15,
		RiskPerTrade:         0.02,
	}
}

// Validate rejects out-of-range limits. A validation failure is fatal to
// the call that supplied the parameters, not to any running driver.
func (p Parameters) Validate() error {
	if p.MaxPortfolioExposure < 0 || p.MaxPortfolioExposure > 1 {
		return fmt.Errorf("max_portfolio_exposure must be between 0 and 1, got %v", p.MaxPortfolioExposure)
	}
	if p.RiskPerTrade < 0 || p.RiskPerTrade > 1 {
		return fmt.Errorf("risk_per_trade must be between 0 and 1, got %v", p.RiskPerTrade)
	}
	if p.MaxDailyLoss <= 0 {
		return fmt.Errorf("max_daily_loss must be positive, got %v", p.MaxDailyLoss)
	}
	return nil
}
