package audit

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/order"
	"github.com/openquant/turtle/internal/portfolio"
	"github.com/openquant/turtle/internal/session"
)

// OrderRow mirrors one tracked order; upserted on every status change.
type OrderRow struct {
	ClientOrderID string    `gorm:"primaryKey;size:64"`
	BrokerID      string    `gorm:"size:64;index"`
	SessionID     string    `gorm:"size:64;index;not null"`
	Ticker        string    `gorm:"size:16;not null;index"`
	Side          string    `gorm:"size:8;not null"`
	OrderType     string    `gorm:"size:20;not null"`
	Quantity      int       `gorm:"not null"`
	LimitPrice    float64   `gorm:"type:decimal(20,8)"`
	StopPrice     float64   `gorm:"type:decimal(20,8)"`
	TimeInForce   string    `gorm:"size:10"`
	Status        string    `gorm:"size:20;not null"`
	FilledPrice   float64   `gorm:"type:decimal(20,8)"`
	FilledQty     int
	Commission    float64 `gorm:"type:decimal(20,8)"`
	SignalID      string  `gorm:"size:64"`
	Note          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (OrderRow) TableName() string { return "live_orders" }

// PositionRow mirrors one open position per ticker and session.
type PositionRow struct {
	SessionID     string  `gorm:"primaryKey;size:64"`
	Ticker        string  `gorm:"primaryKey;size:16"`
	Shares        int     `gorm:"not null"`
	IsShort       bool
	EntryPrice    float64 `gorm:"type:decimal(20,8)"`
	CurrentPrice  float64 `gorm:"type:decimal(20,8)"`
	MarketValue   float64 `gorm:"type:decimal(20,8)"`
	UnrealizedPnL float64 `gorm:"type:decimal(20,8)"`
	EntryDate     time.Time
	Note          string
	UpdatedAt     time.Time
}

func (PositionRow) TableName() string { return "live_positions" }

// ClosedPositionRow is one finished trade; insert-only.
type ClosedPositionRow struct {
	ID             uint   `gorm:"primaryKey"`
	SessionID      string `gorm:"size:64;index;not null"`
	Ticker         string `gorm:"size:16;not null"`
	Shares         int
	IsShort        bool
	EntryDate      time.Time
	EntryPrice     float64 `gorm:"type:decimal(20,8)"`
	ExitDate       time.Time
	ExitPrice      float64 `gorm:"type:decimal(20,8)"`
	ExitReason     string  `gorm:"size:64"`
	RealizedPnL    float64 `gorm:"type:decimal(20,8)"`
	RealizedPnLPct float64 `gorm:"type:decimal(10,4)"`
	HoldingDays    int
	CreatedAt      time.Time
}

func (ClosedPositionRow) TableName() string { return "closed_positions" }

// ExecutionRow is one execution report; insert-only.
type ExecutionRow struct {
	ExecutionID string  `gorm:"primaryKey;size:64"`
	OrderID     string  `gorm:"size:64;index"`
	SessionID   string  `gorm:"size:64;index;not null"`
	Ticker      string  `gorm:"size:16;not null"`
	Side        string  `gorm:"size:8"`
	Quantity    int
	Price       float64 `gorm:"type:decimal(20,8)"`
	Commission  float64 `gorm:"type:decimal(20,8)"`
	ExecutedAt  time.Time
	CreatedAt   time.Time
}

func (ExecutionRow) TableName() string { return "executions" }

// RiskEventRow is one risk event; insert-only.
type RiskEventRow struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"size:64;index;not null"`
	EventType   string `gorm:"size:64;not null"`
	Severity    string `gorm:"size:16;not null"`
	Message     string
	Ticker      string `gorm:"size:16"`
	OrderID     string `gorm:"size:64"`
	ActionTaken string
	OccurredAt  time.Time
	CreatedAt   time.Time
}

func (RiskEventRow) TableName() string { return "risk_events" }

// AccountSnapshotRow is one broker account snapshot; insert-only.
type AccountSnapshotRow struct {
	ID               uint   `gorm:"primaryKey"`
	SessionID        string `gorm:"size:64;index;not null"`
	AccountID        string `gorm:"size:64"`
	Equity           float64 `gorm:"type:decimal(20,8)"`
	Cash             float64 `gorm:"type:decimal(20,8)"`
	BuyingPower      float64 `gorm:"type:decimal(20,8)"`
	PortfolioValue   float64 `gorm:"type:decimal(20,8)"`
	LongMarketValue  float64 `gorm:"type:decimal(20,8)"`
	ShortMarketValue float64 `gorm:"type:decimal(20,8)"`
	DayTradeCount    int
	TradingBlocked   bool
	CreatedAt        time.Time
}

func (AccountSnapshotRow) TableName() string { return "account_snapshots" }

// SessionRow mirrors the trading session; upserted at start, per update,
// and at close.
type SessionRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	StrategyName   string `gorm:"size:64"`
	StartTime      time.Time
	EndTime        *time.Time
	InitialBalance float64 `gorm:"type:decimal(20,8)"`
	CurrentBalance float64 `gorm:"type:decimal(20,8)"`
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	TotalPnL       float64 `gorm:"type:decimal(20,8)"`
	MaxDrawdown    float64 `gorm:"type:decimal(20,8)"`
	IsActive       bool
	PaperTrading   bool
	Note           string
	UpdatedAt      time.Time
}

func (SessionRow) TableName() string { return "trading_sessions" }

// Postgres persists audit records through gorm. Schema is migrated on
// open; all writes swallow errors after counting them.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres connects and migrates the audit schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&OrderRow{}, &PositionRow{}, &ClosedPositionRow{},
		&ExecutionRow{}, &RiskEventRow{}, &AccountSnapshotRow{}, &SessionRow{},
	); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) LogOrder(sessionID string, o order.Order, note string) {
	row := OrderRow{
		ClientOrderID: o.ClientOrderID,
		BrokerID:      o.ID,
		SessionID:     sessionID,
		Ticker:        o.Ticker,
		Side:          string(o.Side),
		OrderType:     string(o.Type),
		Quantity:      o.Quantity,
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		TimeInForce:   o.TimeInForce,
		Status:        string(o.Status),
		FilledPrice:   o.FilledPrice,
		FilledQty:     o.FilledQty,
		Commission:    o.Commission,
		SignalID:      o.SignalID,
		Note:          note,
		CreatedAt:     o.CreatedAt,
	}
	err := p.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"broker_id", "status", "filled_price", "filled_qty", "commission", "note", "updated_at",
		}),
	}).Create(&row).Error
	p.check("order", err)
}

func (p *Postgres) LogPosition(sessionID string, pos portfolio.Position, note string) {
	row := PositionRow{
		SessionID:     sessionID,
		Ticker:        pos.Ticker,
		Shares:        pos.Shares,
		IsShort:       pos.IsShort,
		EntryPrice:    pos.EntryPrice,
		CurrentPrice:  pos.CurrentPrice,
		MarketValue:   pos.MarketValue(),
		UnrealizedPnL: pos.UnrealizedPnL(),
		EntryDate:     pos.EntryDate,
		Note:          note,
	}
	err := p.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}, {Name: "ticker"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"shares", "current_price", "market_value", "unrealized_pn_l", "note", "updated_at",
		}),
	}).Create(&row).Error
	p.check("position", err)
}

func (p *Postgres) LogClosedPosition(sessionID string, c portfolio.ClosedPosition) {
	row := ClosedPositionRow{
		SessionID:      sessionID,
		Ticker:         c.Ticker,
		Shares:         c.Shares,
		IsShort:        c.IsShort,
		EntryDate:      c.EntryDate,
		EntryPrice:     c.EntryPrice,
		ExitDate:       c.ExitDate,
		ExitPrice:      c.ExitPrice,
		ExitReason:     c.ExitReason,
		RealizedPnL:    c.RealizedPnL,
		RealizedPnLPct: c.RealizedPnLPct,
		HoldingDays:    c.HoldingDays,
	}
	p.check("closed_position", p.db.Create(&row).Error)
}

func (p *Postgres) LogExecution(sessionID string, r order.ExecutionReport) {
	row := ExecutionRow{
		ExecutionID: r.ExecutionID,
		OrderID:     r.OrderID,
		SessionID:   sessionID,
		Ticker:      r.Ticker,
		Side:        string(r.Side),
		Quantity:    r.Quantity,
		Price:       r.Price,
		Commission:  r.Commission,
		ExecutedAt:  r.Timestamp,
	}
	p.check("execution", p.db.Create(&row).Error)
}

func (p *Postgres) LogRiskEvent(e RiskEventRecord) {
	row := RiskEventRow{
		SessionID:   e.SessionID,
		EventType:   e.EventType,
		Severity:    e.Severity,
		Message:     e.Message,
		Ticker:      e.Ticker,
		OrderID:     e.OrderID,
		ActionTaken: e.ActionTaken,
		OccurredAt:  e.Timestamp,
	}
	p.check("risk_event", p.db.Create(&row).Error)
}

func (p *Postgres) LogAccountSnapshot(sessionID string, a broker.AccountInfo) {
	row := AccountSnapshotRow{
		SessionID:        sessionID,
		AccountID:        a.AccountID,
		Equity:           a.Equity,
		Cash:             a.Cash,
		BuyingPower:      a.BuyingPower,
		PortfolioValue:   a.PortfolioValue,
		LongMarketValue:  a.LongMarketValue,
		ShortMarketValue: a.ShortMarketValue,
		DayTradeCount:    a.DayTradeCount,
		TradingBlocked:   a.TradingBlocked,
	}
	p.check("account_snapshot", p.db.Create(&row).Error)
}

func (p *Postgres) LogSession(s session.Session, note string) {
	row := SessionRow{
		ID:             s.ID,
		StrategyName:   s.StrategyName,
		StartTime:      s.StartTime,
		InitialBalance: s.InitialBalance,
		CurrentBalance: s.CurrentBalance,
		TotalTrades:    s.TotalTrades,
		WinningTrades:  s.WinningTrades,
		LosingTrades:   s.LosingTrades,
		TotalPnL:       s.TotalPnL,
		MaxDrawdown:    s.MaxDrawdown,
		IsActive:       s.IsActive,
		PaperTrading:   s.PaperTrading,
		Note:           note,
	}
	if !s.EndTime.IsZero() {
		end := s.EndTime
		row.EndTime = &end
	}
	err := p.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"end_time", "current_balance", "total_trades", "winning_trades",
			"losing_trades", "total_pn_l", "max_drawdown", "is_active", "note", "updated_at",
		}),
	}).Create(&row).Error
	p.check("session", err)
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) check(recordType string, err error) {
	if err == nil {
		return
	}
	observ.IncCounter("audit_write_errors_total", map[string]string{"sink": "postgres", "type": recordType})
	observ.Error("audit_write_failed", map[string]any{"sink": "postgres", "type": recordType, "error": err.Error()})
}
