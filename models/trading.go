package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Run statuses shared by strategy runs and job runs.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// StrategyRun records one strategy execution against the backtest provider
type StrategyRun struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Task         string          `gorm:"index" json:"task"` // oscar, roger_weekly, roger_monthly
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	AnnualReturn decimal.Decimal `gorm:"type:decimal(15,6)" json:"annual_return"`
	MaxDrawdown  decimal.Decimal `gorm:"type:decimal(15,6)" json:"max_drawdown"`
	SharpeRatio  decimal.Decimal `gorm:"type:decimal(15,6)" json:"sharpe_ratio"`
	Holdings     string          `gorm:"type:text" json:"holdings"` // JSON list of symbols held on the last day
	Metrics      string          `gorm:"type:text" json:"metrics"`  // raw provider metrics
	ReportURL    string          `json:"report_url,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at"`
}

// BacktestResult is one row of a research executor run (single stock or max-stocks sweep)
type BacktestResult struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	RunKey          string    `gorm:"index" json:"run_key"`
	Kind            string    `json:"kind"` // single_stock, max_stocks
	StockID         string    `json:"stock_id,omitempty"`
	MaxStocks       int       `json:"max_stocks,omitempty"`
	TotalTrades     int       `json:"total_trades"`
	AnnualReturn    float64   `json:"annual_return"`
	MaxDrawdown     float64   `json:"max_drawdown"`
	SharpeRatio     *float64  `json:"sharpe_ratio"`
	SortinoRatio    *float64  `json:"sortino_ratio"`
	CalmarRatio     *float64  `json:"calmar_ratio"`
	Volatility      *float64  `json:"volatility"`
	ProfitFactor    *float64  `json:"profit_factor"`
	WinRate         *float64  `json:"win_rate"`
	Expectancy      *float64  `json:"expectancy"`
	MAE             *float64  `json:"mae"`
	MFE             *float64  `json:"mfe"`
	AvgDrawdown     *float64  `json:"avg_drawdown"`
	AvgDrawdownDays *float64  `json:"avg_drawdown_days"`
	Alpha           *float64  `json:"alpha"`
	Beta            *float64  `json:"beta"`
	TotalDays       int       `json:"total_days"`
	HoldingDays     int       `json:"holding_days"`
	CreatedAt       time.Time `json:"created_at"`
}

// Order sides and statuses.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderPending   = "pending"
	OrderSubmitted = "submitted"
	OrderFilled    = "filled"
	OrderRejected  = "rejected"
	OrderCancelled = "cancelled"
	OrderDryRun    = "dry_run"
)

// Order represents an order sent to (or planned for) a broker
type Order struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	Broker        string          `gorm:"index" json:"broker"`
	ClientOrderID string          `gorm:"uniqueIndex;size:64" json:"client_order_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Task          string          `gorm:"index" json:"task"`
	StockID       string          `gorm:"index;size:16" json:"stock_id"`
	Side          string          `json:"side"`
	Quantity      int64           `json:"quantity"` // shares
	Price         decimal.Decimal `gorm:"type:decimal(15,2)" json:"price"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MigrateTradingModels runs database migrations for trading-related models
func MigrateTradingModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&StrategyRun{},
		&BacktestResult{},
		&Order{},
	)
}
