package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openquant/turtle/internal/risk"
)

type Sizing struct {
	MinPositionValue float64 `yaml:"min_position_value"`
	MaxPositionValue float64 `yaml:"max_position_value"`
	MinCashReserve   float64 `yaml:"min_cash_reserve"`
}

type Selector struct {
	MaxPositions int    `yaml:"max_positions"`
	MinRanking   int    `yaml:"min_ranking"`
	Strategy     string `yaml:"strategy"`
}

type Paper struct {
	LatencyMsMin       int     `yaml:"latency_ms_min"`
	LatencyMsMax       int     `yaml:"latency_ms_max"`
	SlippageBpsMin     int     `yaml:"slippage_bps_min"`
	SlippageBpsMax     int     `yaml:"slippage_bps_max"`
	RequestsPerSecond  int     `yaml:"requests_per_second"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
}

type Live struct {
	PollIntervalSecs int `yaml:"poll_interval_seconds"`
	MaxRetries       int `yaml:"max_retries"`
	RetryDelaySecs   int `yaml:"retry_delay_seconds"`
}

type Audit struct {
	Sink        string `yaml:"sink"` // none | jsonl | postgres
	JSONLPath   string `yaml:"jsonl_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type Backtest struct {
	Start string `yaml:"start"` // YYYY-MM-DD
	End   string `yaml:"end"`
}

type Root struct {
	TradingMode    string          `yaml:"trading_mode"` // backtest | live
	InitialCapital float64         `yaml:"initial_capital"`
	SlippagePct    float64         `yaml:"slippage_pct"` // percent, e.g. 0.3
	Universe       []string        `yaml:"universe"`
	Sizing         Sizing          `yaml:"sizing"`
	Selector       Selector        `yaml:"selector"`
	Risk           risk.Parameters `yaml:"risk"`
	Paper          Paper           `yaml:"paper"`
	Live           Live            `yaml:"live"`
	Audit          Audit           `yaml:"audit"`
	Backtest       Backtest        `yaml:"backtest"`
}

// ValidationError names the offending field so callers can surface it.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.TradingMode == "" {
		c.TradingMode = "backtest"
	}
	if c.InitialCapital == 0 {
		c.InitialCapital = 30000
	}
	if c.Sizing.MinPositionValue == 0 {
		c.Sizing.MinPositionValue = 1500
	}
	if c.Sizing.MaxPositionValue == 0 {
		c.Sizing.MaxPositionValue = 3000
	}
	if c.Selector.MaxPositions == 0 {
		c.Selector.MaxPositions = 10
	}
	if c.Selector.MinRanking == 0 {
		c.Selector.MinRanking = 70
	}
	if c.Selector.Strategy == "" {
		c.Selector.Strategy = "fixtures"
	}

	def := risk.DefaultParameters()
	if c.Risk.MaxPositionSize == 0 {
		c.Risk.MaxPositionSize = def.MaxPositionSize
	}
	if c.Risk.MaxPortfolioExposure == 0 {
		c.Risk.MaxPortfolioExposure = def.MaxPortfolioExposure
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = def.MaxDailyLoss
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = def.MaxOpenPositions
	}
	if c.Risk.MinAccountBalance == 0 {
		c.Risk.MinAccountBalance = def.MinAccountBalance
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = def.StopLossPct
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = def.TakeProfitPct
	}
	if c.Risk.RiskPerTrade == 0 {
		c.Risk.RiskPerTrade = def.RiskPerTrade
	}

	if c.Paper.LatencyMsMin == 0 {
		c.Paper.LatencyMsMin = 10
	}
	if c.Paper.LatencyMsMax == 0 {
		c.Paper.LatencyMsMax = 50
	}
	if c.Paper.RequestsPerSecond == 0 {
		c.Paper.RequestsPerSecond = 50
	}

	if c.Live.PollIntervalSecs == 0 {
		c.Live.PollIntervalSecs = 60
	}
	if c.Live.MaxRetries == 0 {
		c.Live.MaxRetries = 3
	}
	if c.Live.RetryDelaySecs == 0 {
		c.Live.RetryDelaySecs = 5
	}

	if c.Audit.Sink == "" {
		c.Audit.Sink = "none"
	}
	if c.Audit.JSONLPath == "" {
		c.Audit.JSONLPath = "data/audit.jsonl"
	}
}

func (c Root) Validate() error {
	switch c.TradingMode {
	case "backtest", "live":
	default:
		return ValidationError{"trading_mode", "must be backtest or live"}
	}
	if c.InitialCapital <= 0 {
		return ValidationError{"initial_capital", "must be positive"}
	}
	if c.SlippagePct < 0 {
		return ValidationError{"slippage_pct", "must not be negative"}
	}
	if c.Sizing.MinPositionValue > c.Sizing.MaxPositionValue {
		return ValidationError{"sizing", "min_position_value exceeds max_position_value"}
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	switch c.Audit.Sink {
	case "none", "jsonl", "postgres":
	default:
		return ValidationError{"audit.sink", "must be none, jsonl or postgres"}
	}
	if c.TradingMode == "backtest" {
		start, end, err := c.BacktestWindow()
		if err != nil {
			return err
		}
		if start.After(end) {
			return ValidationError{"backtest", "start date is after end date"}
		}
	}
	return nil
}

// BacktestWindow parses the configured date range.
func (c Root) BacktestWindow() (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", c.Backtest.Start)
	if err != nil {
		return time.Time{}, time.Time{}, ValidationError{"backtest.start", "expected YYYY-MM-DD"}
	}
	end, err := time.Parse("2006-01-02", c.Backtest.End)
	if err != nil {
		return time.Time{}, time.Time{}, ValidationError{"backtest.end", "expected YYYY-MM-DD"}
	}
	return start, end, nil
}
