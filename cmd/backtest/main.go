// Command backtest runs research sweeps over the Oscar base position: every
// symbol on its own, or every holding limit in a range.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gorm.io/gorm"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/models"
	"tw_autotrade/services/archive"
	"tw_autotrade/services/backtesting"
	"tw_autotrade/services/cache"
	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
	"tw_autotrade/services/secrets"
	"tw_autotrade/services/strategy"
)

const usage = `usage: backtest [--config path] <single|max-stocks> [flags]`

// Modes
const (
	modeSingle    = "single"
	modeMaxStocks = "max-stocks"
)

type options struct {
	configPath string
	mode       string
	start      time.Time
	outputDir  string
	reportDir  string
	pool       int
	top        int
	minStocks  int
	maxStocks  int
	sarMaxDots int // 0 keeps the configured value
	noDB       bool
}

func parseOptions(args []string, out io.Writer) (*options, error) {
	global := pflag.NewFlagSet("backtest", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(out)
	configPath := global.StringP("config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	if err := global.Parse(args); err != nil {
		return nil, err
	}
	rest := global.Args()
	if len(rest) == 0 {
		return nil, errors.New(usage)
	}

	opts := &options{configPath: *configPath, mode: rest[0]}
	fs := pflag.NewFlagSet(opts.mode, pflag.ContinueOnError)
	fs.SetOutput(out)
	var start string
	fs.IntVar(&opts.pool, "pool", backtesting.DefaultPool, "simulations in flight")
	fs.BoolVar(&opts.noDB, "no-db", false, "do not store results in the database")

	switch opts.mode {
	case modeSingle:
		fs.StringVar(&start, "start-date", "1970-01-01", "first day of the base position")
		fs.StringVar(&opts.outputDir, "output-dir", "assets/OscarTWStrategy", "CSV output directory")
		fs.StringVar(&opts.reportDir, "report-dir", "", "directory for per-symbol HTML reports")
		fs.IntVar(&opts.top, "top", 10, "rows in the top-N tables")
		fs.IntVar(&opts.sarMaxDots, "sar-max-dots", 0, "override oscar.sar_max_dots")
	case modeMaxStocks:
		fs.StringVar(&start, "start-date", "2020-01-01", "first day of the base position")
		fs.StringVar(&opts.outputDir, "output-dir", "assets/OscarTWStrategy/max_stock_tests", "CSV output directory")
		fs.IntVar(&opts.minStocks, "min-stocks", 5, "smallest holding limit")
		fs.IntVar(&opts.maxStocks, "max-stocks", 20, "largest holding limit")
	default:
		return nil, fmt.Errorf("unknown mode %q\n%s", opts.mode, usage)
	}
	if err := fs.Parse(rest[1:]); err != nil {
		return nil, err
	}

	var err error
	if opts.start, err = frame.ParseDay(start); err != nil {
		return nil, fmt.Errorf("--start-date: %w", err)
	}
	if opts.pool < 1 {
		return nil, errors.New("--pool must be at least 1")
	}
	if opts.mode == modeMaxStocks && (opts.minStocks < 1 || opts.maxStocks < opts.minStocks) {
		return nil, fmt.Errorf("invalid holding range %d-%d", opts.minStocks, opts.maxStocks)
	}
	return opts, nil
}

func main() {
	logging.Configure(logging.Config{Format: "console", Output: os.Stderr, Service: "backtest"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	log := logging.WithComponent("backtest")

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	vault, err := secrets.NewVaultResolver(cfg.Vault)
	if err != nil {
		return err
	}
	var resolver config.SecretResolver
	if vault != nil {
		resolver = vault
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return err
	}
	if opts.sarMaxDots > 0 {
		cfg.Oscar.SARMaxDots = opts.sarMaxDots
	}

	var db *gorm.DB
	if !opts.noDB {
		if db, err = config.InitDB(cfg); err != nil {
			return err
		}
		if err := models.MigrateAll(db); err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
	}

	snapshots, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot cache unavailable, reading datasets from the provider")
		snapshots = nil
	}
	defer snapshots.Close()

	upstream, err := provider.NewHTTPClient(cfg.Provider)
	if err != nil {
		return err
	}
	client := cache.NewClient(upstream, snapshots)

	base, err := strategy.NewOscar(cfg.Oscar, client, cfg.Provider).BasePosition(ctx, opts.start)
	if err != nil {
		return fmt.Errorf("build base position: %w", err)
	}

	engine := backtesting.NewBacktestEngine(client, db, backtesting.Config{
		Pool:      opts.pool,
		FeeRatio:  cfg.Oscar.FeeRatio,
		TaxRatio:  cfg.Oscar.TaxRatio,
		Market:    cfg.Provider.Market,
		OutputDir: opts.outputDir,
		ReportDir: opts.reportDir,
	})

	var result *backtesting.Run
	switch opts.mode {
	case modeSingle:
		if result, err = engine.RunSingleStock(ctx, base); err != nil {
			return err
		}
		backtesting.RenderSummary(out, backtesting.Summarize(result.Results))
		backtesting.RenderResults(out, fmt.Sprintf("Top %d by annual return", opts.top), result.Kind,
			backtesting.TopByReturn(result.Results, opts.top))
		if top := backtesting.TopBySharpe(result.Results, opts.top); len(top) > 0 {
			backtesting.RenderResults(out, fmt.Sprintf("Top %d by sharpe", opts.top), result.Kind, top)
		}
	case modeMaxStocks:
		if result, err = engine.RunMaxStocks(ctx, base, opts.minStocks, opts.maxStocks); err != nil {
			return err
		}
		backtesting.RenderResults(out, "Holding limit sweep", result.Kind, result.Results)
		backtesting.RenderBest(out, result.Results)
	}

	fmt.Fprintf(out, "%d/%d simulations succeeded, run %s\n", len(result.Results), result.Attempted, result.Key)
	if result.CSVPath != "" {
		fmt.Fprintln(out, "results written to", result.CSVPath)
	}

	arc, err := archive.Connect(ctx, cfg.MongoDB)
	if err != nil {
		log.Warn().Err(err).Msg("Report archive unavailable, run not archived")
		return nil
	}
	defer arc.Close(context.WithoutCancel(ctx))
	if arc.Enabled() && len(result.Results) > 0 {
		if err := arc.SaveBacktestRun(ctx, result); err != nil {
			log.Warn().Err(err).Msg("Failed to archive backtest run")
		}
	}
	return nil
}
