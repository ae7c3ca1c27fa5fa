package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/models"
	"tw_autotrade/services/archive"
	"tw_autotrade/services/cache"
	"tw_autotrade/services/events"
	"tw_autotrade/services/metrics"
	"tw_autotrade/services/overview"
	"tw_autotrade/services/provider"
	"tw_autotrade/services/recommendation"
	"tw_autotrade/services/strategy"
	"tw_autotrade/services/trading"
)

// Job names
const (
	JobDataRefresh  = "data_refresh"
	JobOscar        = "oscar_run"
	JobRogerWeekly  = "roger_weekly"
	JobRogerMonthly = "roger_monthly"
	JobRebalance    = "rebalance"
	JobSnapshot     = "snapshot"
	JobCleanup      = "cleanup"
)

// ErrNoTargets means the traded strategy has no successful run to follow.
var ErrNoTargets = errors.New("no successful strategy run")

// RefreshedDatasets are pulled from the provider after every close.
var RefreshedDatasets = []string{
	provider.DatasetClose,
	provider.DatasetOpen,
	provider.DatasetVolume,
	provider.DatasetAdjClose,
}

// Deps are the services the jobs work with. Archive and Snapshots may be nil.
type Deps struct {
	DB              *gorm.DB
	Client          *cache.Client
	Recommendations *recommendation.DAO
	Bot             *trading.TradingBot
	Archive         *archive.Archive
	Snapshots       *cache.Snapshots
	Hub             *events.Hub
	Overview        overview.Paths
}

// Tasks implements the scheduled jobs against the current configuration.
type Tasks struct {
	deps   Deps
	mu     sync.RWMutex
	cfg    *config.Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewTasks wires the jobs and reports every stored order to metrics and the
// event feed.
func NewTasks(cfg *config.Config, deps Deps) *Tasks {
	t := &Tasks{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.WithComponent("jobs"),
	}
	if deps.Bot != nil {
		deps.Bot.OnOrder(func(o models.Order) {
			metrics.RecordOrder(o.Broker, o.Side, o.Status)
			deps.Hub.Publish(events.Event{Type: events.OrderStored, Job: JobRebalance, Status: o.Status, Data: o})
		})
	}
	return t
}

// SetConfig swaps the configuration used by the next runs.
func (t *Tasks) SetConfig(cfg *config.Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

func (t *Tasks) config() *config.Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// Specs maps job names to their cron specs.
func Specs(cfg config.SchedulerConfig) map[string]string {
	return map[string]string{
		JobDataRefresh:  cfg.DataRefresh,
		JobOscar:        cfg.OscarRun,
		JobRogerWeekly:  cfg.RogerWeekly,
		JobRogerMonthly: cfg.RogerMonthly,
		JobRebalance:    cfg.Rebalance,
		JobSnapshot:     cfg.Snapshot,
		JobCleanup:      cfg.Cleanup,
	}
}

// Jobs returns every job with its current schedule.
func (t *Tasks) Jobs() []Job {
	specs := Specs(t.config().Scheduler)
	return []Job{
		{Name: JobDataRefresh, Spec: specs[JobDataRefresh], When: IsTradingDay, Run: t.RefreshData},
		{Name: JobOscar, Spec: specs[JobOscar], When: IsTradingDay, Run: t.RunOscar},
		{Name: JobRogerWeekly, Spec: specs[JobRogerWeekly], When: IsTradingDay, Run: t.rogerRunner(recommendation.Weekly)},
		{Name: JobRogerMonthly, Spec: specs[JobRogerMonthly], When: IsFirstTradingDayOfMonth, Run: t.rogerRunner(recommendation.Monthly)},
		{Name: JobRebalance, Spec: specs[JobRebalance], When: IsTradingDay, Run: t.Rebalance},
		{Name: JobSnapshot, Spec: specs[JobSnapshot], Run: t.Snapshot},
		{Name: JobCleanup, Spec: specs[JobCleanup], Run: t.Cleanup},
	}
}

// RegisterAll registers every job on s.
func RegisterAll(s *Scheduler, t *Tasks) error {
	for _, job := range t.Jobs() {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// RefreshData replaces the cached copies of the daily price datasets.
func (t *Tasks) RefreshData(ctx context.Context) error {
	market := t.config().Provider.Market
	for _, name := range RefreshedDatasets {
		f, err := t.deps.Client.Refresh(ctx, name, market)
		if err != nil {
			return err
		}
		t.logger.Info().Str("dataset", name).Int("rows", f.Rows()).Msg("Dataset refreshed")
	}
	return nil
}

// RunOscar runs the technical strategy and stores its result.
func (t *Tasks) RunOscar(ctx context.Context) error {
	cfg := t.config()
	return t.runStrategy(ctx, strategy.NewOscar(cfg.Oscar, t.deps.Client, cfg.Provider))
}

func (t *Tasks) rogerRunner(frequency string) func(context.Context) error {
	return func(ctx context.Context) error {
		cfg := t.config()
		params, _ := cfg.Roger.Task(frequency)
		return t.runStrategy(ctx, strategy.NewRoger(frequency, params, t.deps.Recommendations, t.deps.Client, cfg.Provider))
	}
}

// runStrategy records a StrategyRun around s.Run and archives the report.
func (t *Tasks) runStrategy(ctx context.Context, s strategy.Strategy) error {
	db := t.deps.DB.WithContext(ctx)
	run := &models.StrategyRun{Task: s.Name(), Status: models.StatusRunning, StartedAt: t.now()}
	if err := db.Create(run).Error; err != nil {
		return fmt.Errorf("record strategy run: %w", err)
	}

	res, err := s.Run(ctx)
	finished := t.now()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = models.StatusFailed
		run.Error = err.Error()
		if serr := t.deps.DB.Save(run).Error; serr != nil {
			t.logger.Error().Err(serr).Msg("Failed to update strategy run")
		}
		return fmt.Errorf("%s: %w", s.Name(), err)
	}

	if err := fillRun(run, res); err != nil {
		return err
	}
	if err := db.Save(run).Error; err != nil {
		return fmt.Errorf("update strategy run: %w", err)
	}
	t.logger.Info().
		Str("task", run.Task).
		Strs("targets", res.Targets).
		Str("annual_return", run.AnnualReturn.String()).
		Msg("Strategy run stored")

	if t.deps.Archive.Enabled() {
		if err := t.deps.Archive.SaveStrategyReport(ctx, res); err != nil {
			t.logger.Warn().Err(err).Str("task", run.Task).Msg("Report archive failed")
		}
	}
	return nil
}

func fillRun(run *models.StrategyRun, res *strategy.Result) error {
	run.Status = models.StatusSucceeded
	targets := res.Targets
	if targets == nil {
		targets = []string{}
	}
	holdings, err := json.Marshal(targets)
	if err != nil {
		return err
	}
	run.Holdings = string(holdings)
	if res.Report == nil {
		return nil
	}
	m := res.Report.Metrics
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	run.Metrics = string(raw)
	run.AnnualReturn = decimal.NewFromFloat(m.Profitability.AnnualReturn)
	run.MaxDrawdown = decimal.NewFromFloat(m.Risk.MaxDrawdown)
	if m.Ratio.Sharpe != nil {
		run.SharpeRatio = decimal.NewFromFloat(*m.Ratio.Sharpe)
	}
	run.ReportURL = res.Report.ReportURL
	return nil
}

// LatestTargets returns the holdings of the newest successful run of task.
func LatestTargets(ctx context.Context, db *gorm.DB, task string) ([]string, *models.StrategyRun, error) {
	var run models.StrategyRun
	err := db.WithContext(ctx).
		Where("task = ? AND status = ?", task, models.StatusSucceeded).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w for %s", ErrNoTargets, task)
	}
	if err != nil {
		return nil, nil, err
	}
	var targets []string
	if run.Holdings != "" {
		if err := json.Unmarshal([]byte(run.Holdings), &targets); err != nil {
			return nil, nil, fmt.Errorf("decode holdings of run %d: %w", run.ID, err)
		}
	}
	return targets, &run, nil
}

// Rebalance moves the broker account to the traded strategy's latest targets.
func (t *Tasks) Rebalance(ctx context.Context) error {
	if t.deps.Bot == nil {
		return errors.New("trading bot not configured")
	}
	task := t.config().Brokers.Strategy
	targets, run, err := LatestTargets(ctx, t.deps.DB, task)
	if err != nil {
		return err
	}
	orders, err := t.deps.Bot.Rebalance(ctx, task, targets)
	if err != nil {
		return err
	}
	t.logger.Info().
		Str("task", task).
		Uint("strategy_run", run.ID).
		Int("orders", len(orders)).
		Bool("dry_run", t.deps.Bot.DryRun()).
		Msg("Rebalance complete")
	return nil
}

// Snapshot rebuilds the cached dashboard overview.
func (t *Tasks) Snapshot(ctx context.Context) error {
	_, err := overview.Refresh(ctx, t.deps.DB, t.deps.Snapshots, t.deps.Overview)
	return err
}

// Cleanup drops job runs older than the retention window and expired admin
// sessions.
func (t *Tasks) Cleanup(ctx context.Context) error {
	db := t.deps.DB.WithContext(ctx)
	now := t.now()
	cutoff := now.AddDate(0, 0, -t.config().Scheduler.RetainDays)

	runs := db.Where("started_at < ? AND status <> ?", cutoff, models.StatusRunning).Delete(&models.JobRun{})
	if runs.Error != nil {
		return fmt.Errorf("delete old job runs: %w", runs.Error)
	}
	sessions := db.Where("expires_at < ?", now).Delete(&models.AdminSession{})
	if sessions.Error != nil {
		return fmt.Errorf("delete expired sessions: %w", sessions.Error)
	}
	t.logger.Info().
		Int64("job_runs", runs.RowsAffected).
		Int64("sessions", sessions.RowsAffected).
		Time("cutoff", cutoff).
		Msg("Cleanup complete")
	return nil
}
