// Package provider talks to the external market-data and backtest service.
package provider

import (
	"context"
	"errors"

	"tw_autotrade/services/frame"
)

// ErrNotFound is returned when the provider does not know a dataset or indicator.
var ErrNotFound = errors.New("provider: not found")

// Dataset keys understood by the provider.
const (
	DatasetClose         = "price:收盤價"
	DatasetOpen          = "price:開盤價"
	DatasetVolume        = "price:成交股數"
	DatasetAdjClose      = "etl:adj_close"
	DatasetAdjHigh       = "etl:adj_high"
	DatasetAdjLow        = "etl:adj_low"
	DatasetForeignNetBuy = "institutional_investors_trading_summary:外陸資買賣超股數(不含外資自營商)"
	DatasetTrustNetBuy   = "institutional_investors_trading_summary:投信買賣超股數"
	DatasetDealerNetBuy  = "institutional_investors_trading_summary:自營商買賣超股數(自行買賣)"
)

// Trade price selectors for SimRequest.TradeAt.
const (
	TradeAtClose = "close"
	TradeAtOpen  = "open"
)

// Client is the contract with the data/backtest engine.
type Client interface {
	// Dataset returns one date x symbol table restricted to the market universe.
	Dataset(ctx context.Context, name, universe string) (*frame.Float, error)
	// Indicator computes a technical indicator on adjusted prices. Multi-output
	// indicators (MACD) return their outputs in the engine's order.
	Indicator(ctx context.Context, name string, params map[string]any) ([]*frame.Float, error)
	// Simulate backtests a position.
	Simulate(ctx context.Context, req SimRequest) (*Report, error)
}

// SimRequest describes one backtest.
type SimRequest struct {
	Position       *frame.Bool `json:"position"`
	Resample       string      `json:"resample,omitempty"`
	FeeRatio       float64     `json:"fee_ratio"`
	TaxRatio       float64     `json:"tax_ratio"`
	PositionLimit  float64     `json:"position_limit,omitempty"`
	TradeAt        string      `json:"trade_at,omitempty"`
	Market         string      `json:"market,omitempty"`
	SaveReportPath string      `json:"save_report_path,omitempty"`
}

type Profitability struct {
	AnnualReturn float64  `json:"annualReturn"`
	Alpha        *float64 `json:"alpha,omitempty"`
	Beta         *float64 `json:"beta,omitempty"`
}

type Risk struct {
	MaxDrawdown     float64  `json:"maxDrawdown"`
	AvgDrawdown     *float64 `json:"avgDrawdown,omitempty"`
	AvgDrawdownDays *float64 `json:"avgDrawdownDays,omitempty"`
}

type Ratio struct {
	Sharpe       *float64 `json:"sharpeRatio,omitempty"`
	Sortino      *float64 `json:"sortinoRatio,omitempty"`
	Calmar       *float64 `json:"calmarRatio,omitempty"`
	Volatility   *float64 `json:"volatility,omitempty"`
	ProfitFactor *float64 `json:"profitFactor,omitempty"`
}

type WinRate struct {
	WinRate    *float64 `json:"winRate,omitempty"`
	Expectancy *float64 `json:"expectancy,omitempty"`
	MAE        *float64 `json:"mae,omitempty"`
	MFE        *float64 `json:"mfe,omitempty"`
}

// Metrics mirrors the engine's grouped report metrics.
type Metrics struct {
	Profitability Profitability `json:"profitability"`
	Risk          Risk          `json:"risk"`
	Ratio         Ratio         `json:"ratio"`
	WinRate       WinRate       `json:"winrate"`
}

type Trade struct {
	StockID    string  `json:"stock_id"`
	EntryDate  string  `json:"entry_date"`
	ExitDate   string  `json:"exit_date,omitempty"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price,omitempty"`
	Return     float64 `json:"return"`
}

// Report is the result of Simulate.
type Report struct {
	Metrics   Metrics `json:"metrics"`
	Trades    []Trade `json:"trades"`
	ReportURL string  `json:"report_url,omitempty"`
}
