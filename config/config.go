package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"tw_autotrade/logging"
)

// ErrMissingFile is returned when an explicitly requested config file does not exist.
var ErrMissingFile = errors.New("config file not found")

// DefaultPath is used when no config path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MongoDB   MongoDBConfig   `yaml:"mongodb"`
	Vault     VaultConfig     `yaml:"vault"`
	Provider  ProviderConfig  `yaml:"provider"`
	Brokers   BrokersConfig   `yaml:"brokers"`
	Roger     RogerConfig     `yaml:"roger"`
	Oscar     OscarConfig     `yaml:"oscar"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port        string `yaml:"port" env:"PORT"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER"` // postgres, sqlite
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     string `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE"`
	Path     string `yaml:"path" env:"DB_PATH"` // sqlite only
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type MongoDBConfig struct {
	URI      string `yaml:"uri" env:"MONGODB_URI"`
	Database string `yaml:"database" env:"MONGODB_DATABASE"`
}

type VaultConfig struct {
	Addr  string `yaml:"addr" env:"VAULT_ADDR"`
	Token string `yaml:"token" env:"VAULT_TOKEN"`
	Mount string `yaml:"mount" env:"VAULT_MOUNT"`
}

// ProviderConfig points at the market-data/backtest service.
type ProviderConfig struct {
	BaseURL       string        `yaml:"base_url" env:"PROVIDER_BASE_URL"`
	APIToken      string        `yaml:"api_token" env:"PROVIDER_API_TOKEN"`
	Market        string        `yaml:"market" env:"PROVIDER_MARKET"`
	Timeout       time.Duration `yaml:"timeout" env:"PROVIDER_TIMEOUT"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"PROVIDER_RATE"`
	ReportDir     string        `yaml:"report_dir" env:"PROVIDER_REPORT_DIR"`
}

type BrokerEndpoint struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	AccountID string `yaml:"account_id"`
}

type BrokersConfig struct {
	Active   string         `yaml:"active" env:"BROKER"` // fugle, sinopac, paper
	DryRun   bool           `yaml:"dry_run" env:"BROKER_DRY_RUN"`
	Capital  float64        `yaml:"capital" env:"BROKER_CAPITAL"`
	Strategy string         `yaml:"strategy" env:"BROKER_STRATEGY"` // task whose targets are traded
	Fugle    BrokerEndpoint `yaml:"fugle"`
	Sinopac  BrokerEndpoint `yaml:"sinopac"`
}

// RogerTask holds the parameters of one recommendation-driven task.
// Weekdays are 1 (Monday) to 5 (Friday).
type RogerTask struct {
	MaxStocks   int `yaml:"max_stocks"`
	BuyWeekday  int `yaml:"buy_weekday"`
	SellWeekday int `yaml:"sell_weekday"`
}

type RogerConfig struct {
	Weekly  RogerTask `yaml:"weekly"`
	Monthly RogerTask `yaml:"monthly"`
}

// Task returns the parameters for "weekly" or "monthly".
func (r RogerConfig) Task(name string) (RogerTask, bool) {
	switch name {
	case "weekly":
		return r.Weekly, true
	case "monthly":
		return r.Monthly, true
	}
	return RogerTask{}, false
}

type OscarConfig struct {
	SARMaxDots    int     `yaml:"sar_max_dots"`
	SARRejectDots int     `yaml:"sar_reject_dots"`
	MaxStocks     int     `yaml:"max_stocks"`
	StartDate     string  `yaml:"start_date"`
	FeeRatio      float64 `yaml:"fee_ratio"`
	TaxRatio      float64 `yaml:"tax_ratio"`
}

// SchedulerConfig holds standard five-field cron specs evaluated in Timezone.
type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled" env:"SCHEDULER_ENABLED"`
	Timezone     string `yaml:"timezone" env:"SCHEDULER_TZ"`
	DataRefresh  string `yaml:"data_refresh"`
	OscarRun     string `yaml:"oscar_run"`
	RogerWeekly  string `yaml:"roger_weekly"`
	RogerMonthly string `yaml:"roger_monthly"`
	Rebalance    string `yaml:"rebalance"`
	Snapshot     string `yaml:"snapshot"`
	Cleanup      string `yaml:"cleanup"`
	RetainDays   int    `yaml:"retain_days"`
}

type DeployConfig struct {
	Image         string        `yaml:"image" env:"IMAGE_NAME"`
	ComposeFile   string        `yaml:"compose_file" env:"COMPOSE_FILE"`
	Services      []string      `yaml:"services"`
	VersionFile   string        `yaml:"version_file"`
	RecordFile    string        `yaml:"record_file"`
	Keep          int           `yaml:"keep"`
	SourceDir     string        `yaml:"source_dir"`
	HealthURL     string        `yaml:"health_url" env:"HEALTH_URL"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	DashboardURL  string        `yaml:"dashboard_url" env:"DASHBOARD_URL"`
}

type DashboardConfig struct {
	AdminUser         string        `yaml:"admin_user" env:"ADMIN_USER"`
	AdminPasswordHash string        `yaml:"admin_password_hash" env:"ADMIN_PASSWORD_HASH"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	DeployTokenSecret string        `yaml:"deploy_token_secret" env:"DEPLOY_TOKEN_SECRET"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

var AppConfig *Config

// LoadConfig builds the configuration in layers: .env, then the YAML file with
// ${VAR} placeholders expanded, then environment overrides, then defaults.
// An empty path falls back to DefaultPath and tolerates its absence.
func LoadConfig(path string) (*Config, error) {
	logger := logging.WithComponent("config")

	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("No .env file found, using environment variables")
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := newConfig()
	if err := loadFile(path, cfg); err != nil {
		if errors.Is(err, ErrMissingFile) && !explicit {
			logger.Info().Str("path", path).Msg("No config file, using environment and defaults")
		} else {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	AppConfig = cfg
	return cfg, nil
}

// loadFile decodes the YAML file strictly: unknown keys are rejected.
func loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("config parse error: %w", err)
	}
	if root.Kind == 0 {
		return nil
	}
	expandNode(&root, os.LookupEnv)

	// Node.Decode cannot reject unknown keys, so the expanded tree is
	// re-encoded and decoded strictly.
	expanded, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("encode expanded config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	return nil
}

// Default trading costs. They are preset before the file is read, since a
// configured ratio of 0 is valid.
const (
	DefaultFeeRatio = 0.001425
	DefaultTaxRatio = 0.003
)

func newConfig() *Config {
	return &Config{Oscar: OscarConfig{FeeRatio: DefaultFeeRatio, TaxRatio: DefaultTaxRatio}}
}

func applyDefaults(cfg *Config) {
	setString(&cfg.Server.Port, "8080")
	setString(&cfg.Server.Environment, "development")

	setString(&cfg.Database.Driver, "postgres")
	setString(&cfg.Database.Host, "localhost")
	setString(&cfg.Database.Port, "5432")
	setString(&cfg.Database.User, "postgres")
	setString(&cfg.Database.Name, "autotrade")
	setString(&cfg.Database.SSLMode, "disable")
	setString(&cfg.Database.Path, "data/autotrade.db")

	setString(&cfg.MongoDB.Database, "autotrade")
	setString(&cfg.Vault.Mount, "secret")

	setString(&cfg.Provider.Market, "TSE_OTC")
	setString(&cfg.Provider.ReportDir, "assets")
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = 5 * time.Minute
	}
	if cfg.Provider.RatePerSecond <= 0 {
		cfg.Provider.RatePerSecond = 2
	}

	setString(&cfg.Brokers.Active, "paper")
	setString(&cfg.Brokers.Strategy, "oscar")
	if cfg.Brokers.Capital <= 0 {
		cfg.Brokers.Capital = 1_000_000
	}

	defaultRoger(&cfg.Roger.Weekly)
	defaultRoger(&cfg.Roger.Monthly)

	setInt(&cfg.Oscar.SARMaxDots, 2)
	setInt(&cfg.Oscar.SARRejectDots, 3)
	setInt(&cfg.Oscar.MaxStocks, 10)
	setString(&cfg.Oscar.StartDate, "2020-01-01")

	s := &cfg.Scheduler
	setString(&s.Timezone, "Asia/Taipei")
	setString(&s.DataRefresh, "0 15 * * 1-5")
	setString(&s.OscarRun, "30 15 * * 1-5")
	setString(&s.RogerWeekly, "0 16 * * 5")
	// cron ORs day-of-month with day-of-week; the job itself checks for the
	// first trading day of the month.
	setString(&s.RogerMonthly, "0 16 * * 1-5")
	setString(&s.Rebalance, "0 20 * * 1-5")
	setString(&s.Snapshot, "*/10 * * * *")
	setString(&s.Cleanup, "0 1 * * 0")
	setInt(&s.RetainDays, 90)

	d := &cfg.Deploy
	setString(&d.Image, "tw-autotrade")
	setString(&d.ComposeFile, "docker-compose.yml")
	setString(&d.VersionFile, "VERSION")
	setString(&d.RecordFile, "version.json")
	setString(&d.SourceDir, ".")
	setString(&d.HealthURL, "http://localhost:"+cfg.Server.Port+"/health")
	setInt(&d.Keep, 3)
	if d.HealthTimeout <= 0 {
		d.HealthTimeout = 60 * time.Second
	}
	if len(d.Services) == 0 {
		d.Services = []string{"app"}
	}

	setString(&cfg.Dashboard.AdminUser, "admin")
	if cfg.Dashboard.SessionTTL <= 0 {
		cfg.Dashboard.SessionTTL = 24 * time.Hour
	}

	setString(&cfg.Log.Level, "info")
}

func defaultRoger(t *RogerTask) {
	setInt(&t.MaxStocks, 5)
	setInt(&t.BuyWeekday, 1)
	setInt(&t.SellWeekday, 5)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for name, t := range map[string]RogerTask{"weekly": c.Roger.Weekly, "monthly": c.Roger.Monthly} {
		if t.MaxStocks <= 0 {
			return fmt.Errorf("roger.%s.max_stocks must be positive", name)
		}
		if t.BuyWeekday < 1 || t.BuyWeekday > 5 {
			return fmt.Errorf("roger.%s.buy_weekday must be 1-5, got %d", name, t.BuyWeekday)
		}
		if t.SellWeekday < 1 || t.SellWeekday > 5 {
			return fmt.Errorf("roger.%s.sell_weekday must be 1-5, got %d", name, t.SellWeekday)
		}
	}

	if c.Oscar.MaxStocks <= 0 {
		return errors.New("oscar.max_stocks must be positive")
	}
	if c.Oscar.SARMaxDots < 1 {
		return errors.New("oscar.sar_max_dots must be at least 1")
	}
	if c.Oscar.FeeRatio < 0 || c.Oscar.FeeRatio >= 1 {
		return fmt.Errorf("oscar.fee_ratio must be in [0, 1), got %g", c.Oscar.FeeRatio)
	}
	if c.Oscar.TaxRatio < 0 || c.Oscar.TaxRatio >= 1 {
		return fmt.Errorf("oscar.tax_ratio must be in [0, 1), got %g", c.Oscar.TaxRatio)
	}
	if _, err := time.Parse("2006-01-02", c.Oscar.StartDate); err != nil {
		return fmt.Errorf("oscar.start_date: %w", err)
	}

	switch c.Brokers.Active {
	case "fugle", "sinopac", "paper":
	default:
		return fmt.Errorf("brokers.active: unknown broker %q", c.Brokers.Active)
	}

	switch c.Brokers.Strategy {
	case "oscar", "roger_weekly", "roger_monthly":
	default:
		return fmt.Errorf("brokers.strategy: unknown task %q", c.Brokers.Strategy)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	specs := map[string]string{
		"data_refresh":  c.Scheduler.DataRefresh,
		"oscar_run":     c.Scheduler.OscarRun,
		"roger_weekly":  c.Scheduler.RogerWeekly,
		"roger_monthly": c.Scheduler.RogerMonthly,
		"rebalance":     c.Scheduler.Rebalance,
		"snapshot":      c.Scheduler.Snapshot,
		"cleanup":       c.Scheduler.Cleanup,
	}
	for name, spec := range specs {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("scheduler.%s: %w", name, err)
		}
	}

	if c.Deploy.Keep < 1 {
		return errors.New("deploy.keep must be at least 1")
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// SecretResolver turns an external secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// SecretPrefix marks a value that must be fetched from the secret store.
const SecretPrefix = "vault:"

// ResolveSecrets replaces "vault:<path>#<key>" broker credentials in place.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	fields := []*string{
		&c.Brokers.Fugle.APIKey, &c.Brokers.Fugle.APISecret,
		&c.Brokers.Sinopac.APIKey, &c.Brokers.Sinopac.APISecret,
		&c.Provider.APIToken,
		&c.Dashboard.DeployTokenSecret,
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f, SecretPrefix) {
			continue
		}
		if r == nil {
			return fmt.Errorf("secret reference %q but no secret store configured", *f)
		}
		v, err := r.Resolve(ctx, strings.TrimPrefix(*f, SecretPrefix))
		if err != nil {
			return fmt.Errorf("resolve secret: %w", err)
		}
		*f = v
	}
	return nil
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}
