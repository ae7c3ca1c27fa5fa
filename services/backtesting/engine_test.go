package backtesting

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tw_autotrade/models"
	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
	"tw_autotrade/services/provider/providertest"
	"tw_autotrade/testutil"
)

func basePosition() *frame.Bool {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := make([]time.Time, 4)
	for i := range idx {
		idx[i] = start.AddDate(0, 0, i)
	}
	b := frame.NewBool(idx, []string{"1101", "2330", "2454", "9999"})
	// 9999 never holds
	b.Data[0] = []bool{true, true, false, false}
	b.Data[1] = []bool{true, true, true, false}
	b.Data[2] = []bool{false, true, true, false}
	b.Data[3] = []bool{false, false, true, false}
	return b
}

// returnsBySymbol reports the only held symbol's return, or fails for "2454".
func returnsBySymbol(req provider.SimRequest) (*provider.Report, error) {
	held := req.Position.ActiveColumns()
	if len(held) == 1 && held[0] == "2454" {
		return nil, errors.New("engine error")
	}
	ret := map[string]float64{"1101": -0.05, "2330": 0.2}[held[0]]
	return &provider.Report{
		Metrics: provider.Metrics{
			Profitability: provider.Profitability{AnnualReturn: ret},
			Risk:          provider.Risk{MaxDrawdown: -0.1},
			Ratio:         provider.Ratio{Sharpe: providertest.Float(ret * 10)},
		},
		Trades: []provider.Trade{{StockID: held[0]}},
	}, nil
}

func newEngine(t *testing.T, client provider.Client, withDB bool) (*BacktestEngine, string) {
	dir := t.TempDir()
	cfg := Config{Pool: 2, FeeRatio: 0.001425, TaxRatio: 0.003, OutputDir: dir}
	var be *BacktestEngine
	if withDB {
		be = NewBacktestEngine(client, testutil.NewDB(t), cfg)
	} else {
		be = NewBacktestEngine(client, nil, cfg)
	}
	be.now = func() time.Time { return time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC) }
	return be, dir
}

func TestRunSingleStock(t *testing.T) {
	client := &providertest.Static{SimulateFunc: returnsBySymbol}
	be, dir := newEngine(t, client, true)

	run, err := be.RunSingleStock(context.Background(), basePosition())
	require.NoError(t, err)

	assert.Equal(t, 3, run.Attempted)
	require.Len(t, run.Results, 2)
	assert.Equal(t, "2330", run.Results[0].StockID)
	assert.Equal(t, "1101", run.Results[1].StockID)
	assert.Equal(t, 4, run.Results[0].TotalDays)
	assert.Equal(t, 3, run.Results[0].HoldingDays)
	assert.Equal(t, 1, run.Results[0].TotalTrades)

	for _, req := range client.Requests() {
		assert.Equal(t, 1.0, req.PositionLimit)
		assert.Equal(t, "D", req.Resample)
		assert.Equal(t, provider.TradeAtOpen, req.TradeAt)
		assert.Len(t, req.Position.ActiveColumns(), 1)
	}

	assert.Equal(t, filepath.Join(dir, "oscar_single_stock_results_20250506_070809.csv"), run.CSVPath)
	raw, err := os.ReadFile(run.CSVPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("\xef\xbb\xbf")), "csv must start with a BOM")
	lines := strings.Split(strings.TrimSpace(string(raw[3:])), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "stock_id,total_trades,annual_return"))
	assert.True(t, strings.HasPrefix(lines[1], "2330,1,0.2,"))
	assert.True(t, strings.HasSuffix(lines[1], ",4,3"))

	var stored []models.BacktestResult
	require.NoError(t, be.db.Where("run_key = ?", run.Key).Find(&stored).Error)
	assert.Len(t, stored, 2)
}

func TestRunMaxStocks(t *testing.T) {
	client := &providertest.Static{SimulateFunc: func(req provider.SimRequest) (*provider.Report, error) {
		n := 0
		for i := range req.Position.Data {
			if c := len(req.Position.TrueAt(i)); c > n {
				n = c
			}
		}
		return &provider.Report{Metrics: provider.Metrics{
			Profitability: provider.Profitability{AnnualReturn: float64(n) / 100},
		}}, nil
	}}
	be, dir := newEngine(t, client, false)

	run, err := be.RunMaxStocks(context.Background(), basePosition(), 1, 3)
	require.NoError(t, err)
	require.Len(t, run.Results, 3)
	for i, r := range run.Results {
		assert.Equal(t, i+1, r.MaxStocks)
		assert.InDelta(t, float64(i+1)/100, r.AnnualReturn, 1e-9, "cap %d", r.MaxStocks)
	}
	assert.Equal(t, filepath.Join(dir, "max_stock_test_1to3_20250506_070809.csv"), run.CSVPath)

	limits := map[float64]bool{}
	for _, req := range client.Requests() {
		limits[req.PositionLimit] = true
		assert.Equal(t, provider.TradeAtClose, req.TradeAt, "sweep trades at the close")
	}
	assert.True(t, limits[0.5])
	assert.True(t, limits[1.0])

	_, err = be.RunMaxStocks(context.Background(), basePosition(), 3, 2)
	assert.Error(t, err)
}

func TestRunWithoutResultsWritesNothing(t *testing.T) {
	client := &providertest.Static{SimulateFunc: func(provider.SimRequest) (*provider.Report, error) {
		return nil, errors.New("down")
	}}
	be, dir := newEngine(t, client, false)

	run, err := be.RunSingleStock(context.Background(), basePosition())
	require.NoError(t, err)
	assert.Empty(t, run.Results)
	assert.Empty(t, run.CSVPath)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestCancelledContextAborts(t *testing.T) {
	be, _ := newEngine(t, &providertest.Static{}, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := be.RunSingleStock(ctx, basePosition())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderBest(t *testing.T) {
	results := []models.BacktestResult{
		{MaxStocks: 5, AnnualReturn: 0.12, MaxDrawdown: -0.2, SharpeRatio: providertest.Float(0.9)},
		{MaxStocks: 6, AnnualReturn: 0.18, MaxDrawdown: -0.3, SharpeRatio: providertest.Float(0.7)},
		{MaxStocks: 7, AnnualReturn: 0.05, MaxDrawdown: -0.1},
	}
	var buf bytes.Buffer
	RenderBest(&buf, results)
	out := buf.String()
	assert.Contains(t, out, "Best annual return: max_stocks=6 (18.00%, max drawdown -30.00%)")
	assert.Contains(t, out, "Best sharpe: max_stocks=5 (0.90, annual return 12.00%)")

	buf.Reset()
	RenderBest(&buf, results[2:])
	assert.Contains(t, buf.String(), "max_stocks=7")
	assert.NotContains(t, buf.String(), "Best sharpe")

	buf.Reset()
	RenderBest(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestSummarizeAndTop(t *testing.T) {
	results := []models.BacktestResult{
		{StockID: "A", AnnualReturn: 0.3, MaxDrawdown: -0.2, TotalTrades: 4, SharpeRatio: providertest.Float(0.5)},
		{StockID: "B", AnnualReturn: -0.1, MaxDrawdown: -0.4, TotalTrades: 2},
		{StockID: "C", AnnualReturn: 0.1, MaxDrawdown: -0.3, TotalTrades: 3, SharpeRatio: providertest.Float(1.5)},
	}
	s := Summarize(results)
	assert.Equal(t, 3, s.Count)
	assert.InDelta(t, 0.1, s.MeanReturn, 1e-9)
	assert.InDelta(t, -0.3, s.MeanDrawdown, 1e-9)
	assert.InDelta(t, 3.0, s.MeanTrades, 1e-9)
	require.NotNil(t, s.MeanSharpe)
	assert.InDelta(t, 1.0, *s.MeanSharpe, 1e-9)
	assert.Equal(t, 2, s.PositiveCount)

	assert.Equal(t, "A", TopByReturn(results, 1)[0].StockID)
	top := TopBySharpe(results, 5)
	require.Len(t, top, 2)
	assert.Equal(t, "C", top[0].StockID)

	assert.Nil(t, Summarize(nil).MeanSharpe)

	var buf bytes.Buffer
	RenderSummary(&buf, s)
	RenderResults(&buf, "Top by return", KindSingleStock, TopByReturn(results, 3))
	out := buf.String()
	assert.Contains(t, out, "10.00%")
	assert.Contains(t, out, "N/A")
	assert.Contains(t, out, "Top by return")
}
