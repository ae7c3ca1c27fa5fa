package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gorm.io/gorm"

	"tw_autotrade/config"
	"tw_autotrade/controllers"
	"tw_autotrade/logging"
	"tw_autotrade/middleware"
	"tw_autotrade/models"
	"tw_autotrade/routes"
	"tw_autotrade/scheduler"
	"tw_autotrade/services/archive"
	"tw_autotrade/services/broker"
	"tw_autotrade/services/cache"
	"tw_autotrade/services/events"
	"tw_autotrade/services/overview"
	"tw_autotrade/services/provider"
	"tw_autotrade/services/recommendation"
	"tw_autotrade/services/release"
	"tw_autotrade/services/secrets"
	"tw_autotrade/services/trading"
)

const cleanupInterval = 5 * time.Minute

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		base := logging.Base()
		base.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Configure(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.WithComponent("main")
	log.Info().Str("environment", cfg.Server.Environment).Msg("TW autotrade daemon starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver, err := secretResolver(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create secret store client")
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve secrets")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	log.Info().Msg("Running database migrations...")
	if err := models.MigrateAll(db); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	if err := models.SeedDefaultAdminUser(db, cfg.Dashboard.AdminUser, cfg.Dashboard.AdminPasswordHash); err != nil {
		log.Warn().Err(err).Msg("Could not seed admin user")
	}

	// Redis and MongoDB are optional; the daemon degrades to direct provider
	// reads and no report archive.
	snapshots, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot cache unavailable, continuing without it")
		snapshots = nil
	}
	arc, err := archive.Connect(ctx, cfg.MongoDB)
	if err != nil {
		log.Warn().Err(err).Msg("Report archive unavailable, continuing without it")
		arc = nil
	}

	upstream, err := provider.NewHTTPClient(cfg.Provider)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create provider client")
	}
	client := cache.NewClient(upstream, snapshots)

	b, err := broker.New(cfg.Brokers, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create broker")
	}
	bot := trading.NewTradingBot(db, b, client, cfg.Brokers, cfg.Provider.Market)

	hub := events.NewHub(originChecker(cfg.Dashboard.AllowedOrigins))

	versionFile, recordFile := release.Paths(cfg.Deploy)
	paths := overview.Paths{VersionFile: versionFile, RecordFile: recordFile}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scheduler timezone")
	}
	sched := scheduler.NewScheduler(db, hub, loc)
	tasks := scheduler.NewTasks(cfg, scheduler.Deps{
		DB:              db,
		Client:          client,
		Recommendations: recommendation.NewDAO(db),
		Bot:             bot,
		Archive:         arc,
		Snapshots:       snapshots,
		Hub:             hub,
		Overview:        paths,
	})
	if err := scheduler.RegisterAll(sched, tasks); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}

	health := controllers.NewHealthController(db, snapshots, arc, func() string {
		v, _ := release.ReadVersionFile(versionFile)
		return v
	})

	limiter := middleware.NewRateLimiter(routes.DefaultLoginAttempts, routes.DefaultLoginWindow, routes.DefaultLoginLock)
	csrf := middleware.NewCSRFStore(routes.DefaultCSRFTTL)
	go limiter.RunCleanup(ctx, cleanupInterval)
	go csrf.RunCleanup(ctx, cleanupInterval)

	router, err := routes.NewRouter(routes.Deps{
		DB:                db,
		Jobs:              sched,
		Snapshots:         snapshots,
		Archive:           arc,
		Hub:               hub,
		Health:            health,
		Paths:             paths,
		AllowedOrigins:    cfg.Dashboard.AllowedOrigins,
		DeployTokenSecret: cfg.Dashboard.DeployTokenSecret,
		SessionTTL:        cfg.Dashboard.SessionTTL,
		SecureCookies:     cfg.IsProduction(),
		Limiter:           limiter,
		CSRF:              csrf,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build router")
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	if cfg.Scheduler.Enabled {
		sched.Start()
	} else {
		log.Warn().Msg("Scheduler disabled, jobs run only when triggered")
	}

	if *configPath != "" {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			reload(ctx, next, resolver, tasks, sched, log)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload unavailable")
		}
	}

	health.MarkStarted()
	log.Info().Msg("Application fully initialized")

	<-ctx.Done()
	shutdown(server, sched, hub, arc, snapshots, db, log)
}

// secretResolver returns nil when no Vault address is configured.
func secretResolver(cfg *config.Config) (config.SecretResolver, error) {
	vault, err := secrets.NewVaultResolver(cfg.Vault)
	if err != nil || vault == nil {
		return nil, err
	}
	return vault, nil
}

// reload applies a changed config file. Database, broker and listener
// settings need a restart; schedules and strategy parameters do not.
func reload(ctx context.Context, next *config.Config, resolver config.SecretResolver, tasks *scheduler.Tasks, sched *scheduler.Scheduler, log zerolog.Logger) {
	if err := next.ResolveSecrets(ctx, resolver); err != nil {
		log.Error().Err(err).Msg("Reloaded config has unresolvable secrets, keeping previous config")
		return
	}
	tasks.SetConfig(next)
	if err := sched.Reschedule(scheduler.Specs(next.Scheduler)); err != nil {
		log.Error().Err(err).Msg("Failed to apply new job schedules")
	}
}

// originChecker allows websocket upgrades from the configured origins. With
// none configured the websocket library's same-host check applies.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

func shutdown(server *http.Server, sched *scheduler.Scheduler, hub *events.Hub, arc *archive.Archive, snapshots *cache.Snapshots, db *gorm.DB, log zerolog.Logger) {
	log.Info().Msg("Shutting down server...")

	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.Shutdown()
	if err := arc.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close report archive")
	}
	if err := snapshots.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close snapshot cache")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info().Msg("Server exited")
}
