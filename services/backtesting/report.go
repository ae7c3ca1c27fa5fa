package backtesting

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"tw_autotrade/models"
)

// utf8BOM lets spreadsheet tools detect the encoding.
const utf8BOM = "\ufeff"

var metricHeader = []string{
	"total_trades", "annual_return", "max_drawdown", "sharpe_ratio", "sortino_ratio",
	"calmar_ratio", "volatility", "profit_factor", "win_rate", "expectancy", "mae", "mfe",
	"avg_drawdown", "avg_drawdown_days", "alpha", "beta",
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func csvRow(kind string, r models.BacktestResult) []string {
	var row []string
	switch kind {
	case KindMaxStocks:
		row = append(row, strconv.Itoa(r.MaxStocks), strconv.FormatFloat(100/float64(r.MaxStocks), 'f', 2, 64))
	default:
		row = append(row, r.StockID)
	}
	row = append(row,
		strconv.Itoa(r.TotalTrades),
		strconv.FormatFloat(r.AnnualReturn, 'f', -1, 64),
		strconv.FormatFloat(r.MaxDrawdown, 'f', -1, 64),
		optional(r.SharpeRatio), optional(r.SortinoRatio), optional(r.CalmarRatio),
		optional(r.Volatility), optional(r.ProfitFactor), optional(r.WinRate),
		optional(r.Expectancy), optional(r.MAE), optional(r.MFE),
		optional(r.AvgDrawdown), optional(r.AvgDrawdownDays),
		optional(r.Alpha), optional(r.Beta),
	)
	if kind == KindSingleStock {
		row = append(row, strconv.Itoa(r.TotalDays), strconv.Itoa(r.HoldingDays))
	}
	return row
}

func csvHeader(kind string) []string {
	var header []string
	switch kind {
	case KindMaxStocks:
		header = append(header, "max_stocks", "position_limit_pct")
	default:
		header = append(header, "stock_id")
	}
	header = append(header, metricHeader...)
	if kind == KindSingleStock {
		header = append(header, "total_days", "holding_days")
	}
	return header
}

// WriteCSV writes results in their current order to dir/name and returns the path.
func WriteCSV(dir, name, kind string, results []models.BacktestResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	if err := writeCSV(f, kind, results); err != nil {
		return "", err
	}
	return path, f.Close()
}

func writeCSV(w io.Writer, kind string, results []models.BacktestResult) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader(kind)); err != nil {
		return err
	}
	for _, r := range results {
		if err := cw.Write(csvRow(kind, r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary aggregates a sweep.
type Summary struct {
	Count         int
	MeanReturn    float64
	MeanDrawdown  float64
	MeanSharpe    *float64
	MeanTrades    float64
	PositiveCount int
	PositivePct   float64
}

// Summarize computes the aggregate statistics of results.
func Summarize(results []models.BacktestResult) Summary {
	s := Summary{Count: len(results)}
	if s.Count == 0 {
		return s
	}
	var sharpeSum float64
	var sharpeN int
	for _, r := range results {
		s.MeanReturn += r.AnnualReturn
		s.MeanDrawdown += r.MaxDrawdown
		s.MeanTrades += float64(r.TotalTrades)
		if r.AnnualReturn > 0 {
			s.PositiveCount++
		}
		if r.SharpeRatio != nil {
			sharpeSum += *r.SharpeRatio
			sharpeN++
		}
	}
	n := float64(s.Count)
	s.MeanReturn /= n
	s.MeanDrawdown /= n
	s.MeanTrades /= n
	s.PositivePct = float64(s.PositiveCount) / n * 100
	if sharpeN > 0 {
		mean := sharpeSum / float64(sharpeN)
		s.MeanSharpe = &mean
	}
	return s
}

// TopByReturn returns up to n results with the highest annual return.
func TopByReturn(results []models.BacktestResult, n int) []models.BacktestResult {
	out := append([]models.BacktestResult(nil), results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AnnualReturn > out[j].AnnualReturn })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// TopBySharpe returns up to n results with the highest sharpe ratio; results
// without a sharpe ratio are left out.
func TopBySharpe(results []models.BacktestResult, n int) []models.BacktestResult {
	var out []models.BacktestResult
	for _, r := range results {
		if r.SharpeRatio != nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].SharpeRatio > *out[j].SharpeRatio })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }

func sharpeText(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", *v)
}

// RenderSummary prints the aggregate statistics.
func RenderSummary(w io.Writer, s Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Summary")
	t.AppendRow(table.Row{"Symbols tested", s.Count})
	t.AppendRow(table.Row{"Mean annual return", pct(s.MeanReturn)})
	t.AppendRow(table.Row{"Mean max drawdown", pct(s.MeanDrawdown)})
	if s.MeanSharpe != nil {
		t.AppendRow(table.Row{"Mean sharpe", fmt.Sprintf("%.2f", *s.MeanSharpe)})
	}
	t.AppendRow(table.Row{"Mean trades", fmt.Sprintf("%.1f", s.MeanTrades)})
	t.AppendRow(table.Row{"Positive return", fmt.Sprintf("%d (%.1f%%)", s.PositiveCount, s.PositivePct)})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// RenderResults prints one row per result with the headline metrics.
func RenderResults(w io.Writer, title, kind string, results []models.BacktestResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	key := "Stock"
	if kind == KindMaxStocks {
		key = "Max stocks"
	}
	t.AppendHeader(table.Row{key, "Annual return", "Max drawdown", "Sharpe", "Trades"})
	for _, r := range results {
		var id any = r.StockID
		if kind == KindMaxStocks {
			id = r.MaxStocks
		}
		t.AppendRow(table.Row{id, pct(r.AnnualReturn), pct(r.MaxDrawdown), sharpeText(r.SharpeRatio), r.TotalTrades})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// RenderBest prints the holding limit with the best annual return and the
// one with the best sharpe ratio. The sharpe line is omitted when no result
// has one.
func RenderBest(w io.Writer, results []models.BacktestResult) {
	if best := TopByReturn(results, 1); len(best) == 1 {
		r := best[0]
		fmt.Fprintf(w, "Best annual return: max_stocks=%d (%s, max drawdown %s)\n", r.MaxStocks, pct(r.AnnualReturn), pct(r.MaxDrawdown))
	}
	if best := TopBySharpe(results, 1); len(best) == 1 {
		r := best[0]
		fmt.Fprintf(w, "Best sharpe: max_stocks=%d (%s, annual return %s)\n", r.MaxStocks, sharpeText(r.SharpeRatio), pct(r.AnnualReturn))
	}
}
