package strategy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
)

// Oscar indicator thresholds.
const (
	sarAcceleration   = 0.02
	sarMaximum        = 0.2
	newHighWindow     = 120
	newHighRatioLimit = 0.3
	volumeWindow      = 30
	minAvgVolume      = 1_000_000
)

// MarketData is the input of the four-indicator signal builder.
type MarketData struct {
	AdjClose      *frame.Float
	Volume        *frame.Float
	ForeignNetBuy *frame.Float
	TrustNetBuy   *frame.Float
	DealerNetBuy  *frame.Float
	SAR           *frame.Float
	MACDFast      *frame.Float // DIF
	MACDSignal    *frame.Float // DEA
}

// Signals holds the shifted entry/exit signals and the resulting holdings.
type Signals struct {
	Buy  *frame.Bool
	Sell *frame.Bool
	Base *frame.Bool
}

// Oscar combines SAR, MACD, volume and institutional flow.
type Oscar struct {
	params    config.OscarConfig
	client    provider.Client
	market    string
	reportDir string
	logger    zerolog.Logger
}

func NewOscar(params config.OscarConfig, client provider.Client, providerCfg config.ProviderConfig) *Oscar {
	return &Oscar{
		params:    params,
		client:    client,
		market:    providerCfg.Market,
		reportDir: providerCfg.ReportDir,
		logger:    logging.WithComponent("strategy.oscar"),
	}
}

func (o *Oscar) Name() string { return "oscar" }

// Params returns the parameters the strategy was built with.
func (o *Oscar) Params() config.OscarConfig { return o.params }

// LoadMarketData fetches every dataset and indicator the signals need.
func (o *Oscar) LoadMarketData(ctx context.Context) (*MarketData, error) {
	md := &MarketData{}
	datasets := []struct {
		name string
		dst  **frame.Float
	}{
		{provider.DatasetAdjClose, &md.AdjClose},
		{provider.DatasetVolume, &md.Volume},
		{provider.DatasetForeignNetBuy, &md.ForeignNetBuy},
		{provider.DatasetTrustNetBuy, &md.TrustNetBuy},
		{provider.DatasetDealerNetBuy, &md.DealerNetBuy},
	}
	for _, ds := range datasets {
		f, err := o.client.Dataset(ctx, ds.name, o.market)
		if err != nil {
			return nil, err
		}
		*ds.dst = f
	}

	sar, err := o.client.Indicator(ctx, "SAR", map[string]any{
		"acceleration": sarAcceleration,
		"maximum":      sarMaximum,
		"adjust_price": true,
	})
	if err != nil {
		return nil, err
	}
	if len(sar) == 0 {
		return nil, fmt.Errorf("indicator SAR: no outputs")
	}
	md.SAR = sar[0]

	macd, err := o.client.Indicator(ctx, "MACD", map[string]any{
		"fastperiod":   12,
		"slowperiod":   26,
		"signalperiod": 9,
		"adjust_price": true,
	})
	if err != nil {
		return nil, err
	}
	if len(macd) < 2 {
		return nil, fmt.Errorf("indicator MACD: expected dif and dea outputs, got %d", len(macd))
	}
	md.MACDFast, md.MACDSignal = macd[0], macd[1]
	return md, nil
}

// BuildSignals computes buy/sell conditions, shifts them one day forward and
// holds each entry until its exit. All frames are aligned on AdjClose.
func BuildSignals(md *MarketData, sarMaxDots int) *Signals {
	// SAR: a fresh run of dots below price, excluding stocks that keep making new highs.
	belowPrice := md.AdjClose.Compare(md.SAR, frame.Gt)
	streak := belowPrice.Streak()
	inBuyZone := streak.CompareScalar(1, frame.Ge).And(streak.CompareScalar(float64(sarMaxDots), frame.Le))
	isNewHigh := md.AdjClose.Compare(md.AdjClose.RollingMax(newHighWindow), frame.Ge)
	constantlyNewHigh := isNewHigh.RollingMean(newHighWindow).CompareScalar(newHighRatioLimit, frame.Gt)
	sarBuy := inBuyZone.And(constantlyNewHigh.Not())
	sarSell := belowPrice.Not()

	// MACD crosses.
	dif, dea := md.MACDFast, md.MACDSignal
	prevDif, prevDea := dif.Shift(1), dea.Shift(1)
	macdBuy := dif.Compare(dea, frame.Gt).And(prevDif.Compare(prevDea, frame.Le))
	macdSell := dif.Compare(dea, frame.Lt).And(prevDif.Compare(prevDea, frame.Ge))

	// Volume.
	avg := md.Volume.RollingMean(volumeWindow)
	volumeOK := md.Volume.Compare(avg.Scale(0.5), frame.Gt).
		And(avg.CompareScalar(minAvgVolume, frame.Gt)).
		And(md.Volume.Compare(avg.Scale(10), frame.Lt))

	// At least two of the three institutional groups net buying.
	institutional := frame.PositiveCount(md.ForeignNetBuy, md.TrustNetBuy, md.DealerNetBuy).
		CompareScalar(2, frame.Ge)

	buy := sarBuy.And(macdBuy).And(volumeOK).And(institutional).Shift(1)
	sell := sarSell.Or(macdSell).Shift(1)

	return &Signals{Buy: buy, Sell: sell, Base: buy.HoldUntil(sell)}
}

// BasePosition loads data and returns the uncapped position from start.
func (o *Oscar) BasePosition(ctx context.Context, start time.Time) (*frame.Bool, error) {
	md, err := o.LoadMarketData(ctx)
	if err != nil {
		return nil, err
	}
	sig := BuildSignals(md, o.params.SARMaxDots)
	o.logger.Info().
		Int("symbols", sig.Base.Cols()).
		Int("active", len(sig.Base.ActiveColumns())).
		Msg("Built base position")
	return sig.Base.From(start), nil
}

// Run caps the base position to max_stocks per day and simulates it at the open.
func (o *Oscar) Run(ctx context.Context) (*Result, error) {
	start, err := frame.ParseDay(o.params.StartDate)
	if err != nil {
		return nil, err
	}
	base, err := o.BasePosition(ctx, start)
	if err != nil {
		return nil, err
	}

	final := base.Cap(o.params.MaxStocks)
	report, err := o.client.Simulate(ctx, provider.SimRequest{
		Position:       final,
		Resample:       "D",
		FeeRatio:       o.params.FeeRatio,
		TaxRatio:       o.params.TaxRatio,
		PositionLimit:  1 / float64(o.params.MaxStocks),
		TradeAt:        provider.TradeAtOpen,
		Market:         o.market,
		SaveReportPath: filepath.Join(o.reportDir, "OscarTWStrategy", "report.html"),
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Task:     o.Name(),
		Position: final,
		Report:   report,
		Targets:  final.TrueAt(final.Rows() - 1),
		AsOf:     final.LastDate(),
	}, nil
}
