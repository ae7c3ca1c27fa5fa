// Package backtesting runs research sweeps over a strategy's base position:
// one simulation per symbol, or one per holding limit.
package backtesting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tw_autotrade/logging"
	"tw_autotrade/models"
	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
)

// Result kinds.
const (
	KindSingleStock = "single_stock"
	KindMaxStocks   = "max_stocks"
)

// DefaultPool is the number of simulations in flight.
const DefaultPool = 20

// Config holds executor settings.
type Config struct {
	Pool      int
	FeeRatio  float64
	TaxRatio  float64
	Market    string
	OutputDir string // CSV results
	ReportDir string // per-symbol HTML reports, empty to skip
}

// Run is one completed sweep.
type Run struct {
	Key       string
	Kind      string
	Attempted int
	Results   []models.BacktestResult
	CSVPath   string
}

// BacktestEngine fans simulations out to the provider.
type BacktestEngine struct {
	client provider.Client
	db     *gorm.DB
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewBacktestEngine creates an engine. db may be nil to skip persistence.
func NewBacktestEngine(client provider.Client, db *gorm.DB, cfg Config) *BacktestEngine {
	if cfg.Pool <= 0 {
		cfg.Pool = DefaultPool
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "assets/OscarTWStrategy"
	}
	return &BacktestEngine{
		client: client,
		db:     db,
		cfg:    cfg,
		logger: logging.WithComponent("backtesting"),
		now:    time.Now,
	}
}

// RunSingleStock simulates every symbol that ever holds in base, alone and
// fully invested. Failed symbols are logged and skipped. Results are sorted
// by annual return, best first.
func (be *BacktestEngine) RunSingleStock(ctx context.Context, base *frame.Bool) (*Run, error) {
	symbols := base.ActiveColumns()
	be.logger.Info().Int("symbols", len(symbols)).Int("pool", be.cfg.Pool).Msg("Starting single stock backtests")

	results, err := be.fanOut(ctx, len(symbols), func(ctx context.Context, i int) (*models.BacktestResult, error) {
		return be.testSingleStock(ctx, base, symbols[i])
	}, func(i int) string { return symbols[i] })
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].AnnualReturn > results[j].AnnualReturn
	})

	run := &Run{Key: uuid.NewString(), Kind: KindSingleStock, Attempted: len(symbols), Results: results}
	name := fmt.Sprintf("oscar_single_stock_results_%s.csv", be.now().Format("20060102_150405"))
	if err := be.finish(ctx, run, name); err != nil {
		return nil, err
	}
	be.logger.Info().
		Int("succeeded", len(results)).
		Int("attempted", len(symbols)).
		Str("csv", run.CSVPath).
		Msg("Single stock backtests finished")
	return run, nil
}

func (be *BacktestEngine) testSingleStock(ctx context.Context, base *frame.Bool, symbol string) (*models.BacktestResult, error) {
	pos := base.OnlyColumn(symbol)
	req := provider.SimRequest{
		Position:      pos,
		Resample:      "D",
		FeeRatio:      be.cfg.FeeRatio,
		TaxRatio:      be.cfg.TaxRatio,
		PositionLimit: 1.0,
		TradeAt:       provider.TradeAtOpen,
		Market:        be.cfg.Market,
	}
	if be.cfg.ReportDir != "" {
		req.SaveReportPath = fmt.Sprintf("%s/%s_report.html", be.cfg.ReportDir, symbol)
	}
	report, err := be.client.Simulate(ctx, req)
	if err != nil {
		return nil, err
	}

	res := fromReport(report)
	res.Kind = KindSingleStock
	res.StockID = symbol
	res.TotalDays = base.Rows()
	res.HoldingDays = pos.CountTrue(symbol)
	return res, nil
}

// RunMaxStocks simulates base capped to n holdings for every n in [minStocks,
// maxStocks], with an equal 1/n allocation, trading at the close. Results are
// sorted by n.
func (be *BacktestEngine) RunMaxStocks(ctx context.Context, base *frame.Bool, minStocks, maxStocks int) (*Run, error) {
	if minStocks < 1 || maxStocks < minStocks {
		return nil, fmt.Errorf("invalid max stocks range %d-%d", minStocks, maxStocks)
	}
	count := maxStocks - minStocks + 1
	be.logger.Info().Int("min", minStocks).Int("max", maxStocks).Msg("Starting max stocks sweep")

	results, err := be.fanOut(ctx, count, func(ctx context.Context, i int) (*models.BacktestResult, error) {
		n := minStocks + i
		report, err := be.client.Simulate(ctx, provider.SimRequest{
			Position:      base.Cap(n),
			Resample:      "D",
			FeeRatio:      be.cfg.FeeRatio,
			TaxRatio:      be.cfg.TaxRatio,
			PositionLimit: 1.0 / float64(n),
			TradeAt:       provider.TradeAtClose,
			Market:        be.cfg.Market,
		})
		if err != nil {
			return nil, err
		}
		res := fromReport(report)
		res.Kind = KindMaxStocks
		res.MaxStocks = n
		return res, nil
	}, func(i int) string { return fmt.Sprintf("max_stocks=%d", minStocks+i) })
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].MaxStocks < results[j].MaxStocks })

	run := &Run{Key: uuid.NewString(), Kind: KindMaxStocks, Attempted: count, Results: results}
	name := fmt.Sprintf("max_stock_test_%dto%d_%s.csv", minStocks, maxStocks, be.now().Format("20060102_150405"))
	if err := be.finish(ctx, run, name); err != nil {
		return nil, err
	}
	return run, nil
}

// fanOut runs task for 0..n-1 with bounded parallelism. A failed task is
// logged and dropped; only context cancellation aborts the sweep.
func (be *BacktestEngine) fanOut(
	ctx context.Context,
	n int,
	task func(ctx context.Context, i int) (*models.BacktestResult, error),
	label func(i int) string,
) ([]models.BacktestResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(be.cfg.Pool)

	var (
		mu      sync.Mutex
		results []models.BacktestResult
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := task(gctx, i)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				be.logger.Warn().Err(err).Str("target", label(i)).Msg("Backtest failed")
				return nil
			}
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (be *BacktestEngine) finish(ctx context.Context, run *Run, filename string) error {
	for i := range run.Results {
		run.Results[i].RunKey = run.Key
	}
	if len(run.Results) == 0 {
		be.logger.Warn().Str("kind", run.Kind).Msg("No successful backtest results")
		return nil
	}

	path, err := WriteCSV(be.cfg.OutputDir, filename, run.Kind, run.Results)
	if err != nil {
		return err
	}
	run.CSVPath = path

	if be.db != nil {
		if err := be.db.WithContext(ctx).CreateInBatches(run.Results, 100).Error; err != nil {
			return fmt.Errorf("save backtest results: %w", err)
		}
	}
	return nil
}

func fromReport(r *provider.Report) *models.BacktestResult {
	m := r.Metrics
	return &models.BacktestResult{
		TotalTrades:     len(r.Trades),
		AnnualReturn:    m.Profitability.AnnualReturn,
		MaxDrawdown:     m.Risk.MaxDrawdown,
		SharpeRatio:     m.Ratio.Sharpe,
		SortinoRatio:    m.Ratio.Sortino,
		CalmarRatio:     m.Ratio.Calmar,
		Volatility:      m.Ratio.Volatility,
		ProfitFactor:    m.Ratio.ProfitFactor,
		WinRate:         m.WinRate.WinRate,
		Expectancy:      m.WinRate.Expectancy,
		MAE:             m.WinRate.MAE,
		MFE:             m.WinRate.MFE,
		AvgDrawdown:     m.Risk.AvgDrawdown,
		AvgDrawdownDays: m.Risk.AvgDrawdownDays,
		Alpha:           m.Profitability.Alpha,
		Beta:            m.Profitability.Beta,
	}
}
