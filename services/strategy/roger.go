package strategy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/models"
	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
)

// ErrNoRecommendations means no usable recommendation exists for the task.
var ErrNoRecommendations = errors.New("no recommendations")

// RecommendationSource loads stored recommendations for a frequency.
type RecommendationSource interface {
	Load(ctx context.Context, frequency string) ([]models.Recommendation, error)
}

// Roger follows published weekly or monthly recommendation lists.
type Roger struct {
	task      string
	params    config.RogerTask
	recs      RecommendationSource
	client    provider.Client
	market    string
	reportDir string
	logger    zerolog.Logger
}

// NewRoger builds the strategy for task "weekly" or "monthly".
func NewRoger(task string, params config.RogerTask, recs RecommendationSource, client provider.Client, providerCfg config.ProviderConfig) *Roger {
	return &Roger{
		task:      task,
		params:    params,
		recs:      recs,
		client:    client,
		market:    providerCfg.Market,
		reportDir: providerCfg.ReportDir,
		logger:    logging.WithComponent("strategy.roger").With().Str("task", task).Logger(),
	}
}

func (r *Roger) Name() string {
	return "roger_" + r.task
}

// Run builds the position from recommendations and simulates it.
func (r *Roger) Run(ctx context.Context) (*Result, error) {
	buy, sell := r.params.BuyWeekday-1, r.params.SellWeekday-1
	r.logger.Info().
		Int("max_stocks", r.params.MaxStocks).
		Int("buy_weekday", r.params.BuyWeekday).
		Int("sell_weekday", r.params.SellWeekday).
		Msg("Running recommendation strategy")

	universe, err := r.client.Dataset(ctx, provider.DatasetClose, r.market)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}

	records, err := r.recs.Load(ctx, r.task)
	if err != nil {
		return nil, fmt.Errorf("load %s recommendations: %w", r.task, err)
	}

	pos, err := BuildRogerPosition(records, r.params.MaxStocks, universe)
	if err != nil {
		return nil, err
	}

	windowed := ApplyTradingWindow(pos, buy, sell)
	final := windowed.Shift(-1)

	report, err := r.client.Simulate(ctx, provider.SimRequest{
		Position:       final,
		FeeRatio:       DefaultFeeRatio,
		TaxRatio:       DefaultTaxRatio,
		Market:         r.market,
		SaveReportPath: filepath.Join(r.reportDir, "RogerTWStrategy", r.task+"_report.html"),
	})
	if err != nil {
		return nil, err
	}

	asOf := universe.LastDate()
	next := nextWeekday(asOf)
	var targets []string
	if tradingWindow(buy, sell)(next) {
		targets = pos.TrueAt(rowAtOrBefore(pos, next))
	}

	return &Result{
		Task:     r.Name(),
		Position: final,
		Report:   report,
		Targets:  targets,
		AsOf:     asOf,
	}, nil
}

type batch struct {
	original time.Time
	stocks   []models.RecommendedStock
}

// alignToSunday moves a date forward to the Sunday closing its week.
func alignToSunday(t time.Time) time.Time {
	d := frame.Day(t)
	return d.AddDate(0, 0, 6-mondayIndex(d))
}

// BuildRogerPosition pivots recommendation records into a daily position over
// the market universe. Records are aligned to the following Sunday; when two
// records share a Sunday the one with the later original date wins.
func BuildRogerPosition(records []models.Recommendation, maxStocks int, universe *frame.Float) (*frame.Bool, error) {
	batches := make(map[time.Time]batch)
	for _, rec := range records {
		if rec.Date.IsZero() || len(rec.Stocks) == 0 {
			continue
		}
		aligned := alignToSunday(rec.Date)
		if prev, ok := batches[aligned]; ok && !rec.Date.After(prev.original) {
			continue
		}
		batches[aligned] = batch{original: rec.Date, stocks: rec.Stocks}
	}

	dates := make([]time.Time, 0, len(batches))
	picks := make(map[time.Time][]string, len(batches))
	seen := make(map[string]bool)
	var columns []string
	for aligned, b := range batches {
		ids := selectStocks(b.stocks, maxStocks)
		if len(ids) == 0 {
			continue
		}
		dates = append(dates, aligned)
		picks[aligned] = ids
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				columns = append(columns, id)
			}
		}
	}
	if len(dates) == 0 {
		return nil, ErrNoRecommendations
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	sort.Strings(columns)

	pivot := frame.NewBool(dates, columns)
	for _, d := range dates {
		for _, id := range picks[d] {
			pivot.Set(d, id, true)
		}
	}

	return pivot.ResampleDaily(universe.LastDate()).ReindexColumns(universe.Columns), nil
}

// selectStocks orders picks by priority (missing last), keeps the first
// maxStocks and drops empty or duplicate ids.
func selectStocks(stocks []models.RecommendedStock, maxStocks int) []string {
	sorted := make([]models.RecommendedStock, len(stocks))
	copy(sorted, stocks)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Priority, sorted[j].Priority
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return *pi < *pj
		}
	})
	if maxStocks > 0 && len(sorted) > maxStocks {
		sorted = sorted[:maxStocks]
	}

	var ids []string
	seen := make(map[string]bool)
	for _, s := range sorted {
		if s.StockID == "" || seen[s.StockID] {
			continue
		}
		seen[s.StockID] = true
		ids = append(ids, s.StockID)
	}
	return ids
}

// tradingWindow returns the day filter for 0-based (Monday) buy/sell weekdays.
func tradingWindow(buy, sell int) func(time.Time) bool {
	return func(t time.Time) bool {
		dow := mondayIndex(t)
		switch {
		case buy == sell:
			return true
		case buy < sell:
			return dow >= buy && dow < sell
		default:
			return dow >= buy || dow < sell
		}
	}
}

// ApplyTradingWindow keeps positions only on days between the buy weekday
// (inclusive) and the sell weekday (exclusive). Weekdays are 0-based from Monday.
func ApplyTradingWindow(pos *frame.Bool, buy, sell int) *frame.Bool {
	if buy == sell {
		return pos
	}
	return pos.MaskRows(tradingWindow(buy, sell))
}

func rowAtOrBefore(b *frame.Bool, t time.Time) int {
	t = frame.Day(t)
	row := -1
	for i, d := range b.Index {
		if d.After(t) {
			break
		}
		row = i
	}
	return row
}
