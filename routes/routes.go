package routes

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"tw_autotrade/admin"
	"tw_autotrade/admin/templates"
	"tw_autotrade/controllers"
	"tw_autotrade/middleware"
	"tw_autotrade/services/archive"
	"tw_autotrade/services/cache"
	"tw_autotrade/services/events"
	"tw_autotrade/services/overview"
)

// Login throttling and CSRF token lifetime.
const (
	DefaultLoginAttempts = 5
	DefaultLoginWindow   = 15 * time.Minute
	DefaultLoginLock     = 30 * time.Minute
	DefaultCSRFTTL       = 30 * time.Minute
)

// Deps are the services behind the HTTP surface. Snapshots, Archive and Hub
// may be nil.
type Deps struct {
	DB        *gorm.DB
	Jobs      controllers.JobRunner
	Snapshots *cache.Snapshots
	Archive   *archive.Archive
	Hub       *events.Hub
	Health    *controllers.HealthController
	Paths     overview.Paths

	AllowedOrigins    []string
	DeployTokenSecret string
	SessionTTL        time.Duration
	SecureCookies     bool

	Limiter *middleware.RateLimiter
	CSRF    *middleware.CSRFStore
}

// NewRouter builds the engine with middleware and templates, then mounts
// every route.
func NewRouter(deps Deps) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())
	if len(deps.AllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = deps.AllowedOrigins
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-CSRF-Token"}
		corsConfig.AllowCredentials = true
		router.Use(cors.New(corsConfig))
	}

	tmpl, err := templates.Load()
	if err != nil {
		return nil, err
	}
	router.SetHTMLTemplate(tmpl)

	SetupRoutes(router, deps)
	return router, nil
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.Limiter == nil {
		deps.Limiter = middleware.NewRateLimiter(DefaultLoginAttempts, DefaultLoginWindow, DefaultLoginLock)
	}
	if deps.CSRF == nil {
		deps.CSRF = middleware.NewCSRFStore(DefaultCSRFTTL)
	}

	authController := admin.NewAuthController(deps.DB, deps.SessionTTL, deps.SecureCookies, deps.Limiter, deps.CSRF)
	adminController := admin.NewAdminController(deps.DB, deps.Jobs, deps.Snapshots, deps.Paths, deps.CSRF)
	apiController := controllers.NewAPIController(deps.DB, deps.Jobs, deps.Snapshots, deps.Archive, deps.Hub, deps.Paths)

	// Probes and metrics
	router.GET("/health", deps.Health.Health)
	router.GET("/ready", deps.Health.Ready)
	router.GET("/startup", deps.Health.Startup)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 group
	api := router.Group("/api/v1")
	{
		api.GET("/overview", apiController.GetOverview)
		api.GET("/version", apiController.GetVersion)

		api.GET("/recommendations/:frequency", apiController.GetRecommendation)
		api.POST("/recommendations", authController.RequireSession(), apiController.SaveRecommendation)

		api.GET("/strategy-runs", apiController.GetStrategyRuns)
		api.GET("/strategy-runs/:task/report", apiController.GetStrategyReport)
		api.GET("/backtest-results", apiController.GetBacktestResults)
		api.GET("/orders", apiController.GetOrders)

		jobs := api.Group("/jobs")
		{
			jobs.GET("", apiController.GetJobs)
			jobs.GET("/:name/runs", apiController.GetJobRuns)
			jobs.POST("/:name/run", authController.RequireSession(), apiController.TriggerJob)
		}

		deployments := api.Group("/deployments")
		{
			deployments.GET("", apiController.GetDeployments)
			deployments.POST("", middleware.DeployTokenAuth(deps.DeployTokenSecret), apiController.RecordDeployment)
		}
	}

	// Live job and order events
	if deps.Hub != nil {
		router.GET("/ws/jobs", authController.RequireSession(), gin.WrapF(deps.Hub.HandleWebSocket))
	}

	// Admin UI routes
	router.GET("/admin/login", authController.LoginPage)
	router.POST("/admin/login", middleware.LoginRateLimit(deps.Limiter), middleware.CSRF(deps.CSRF), authController.Login)

	adminRoutes := router.Group("/admin", authController.AuthMiddleware())
	{
		adminRoutes.GET("", adminController.Dashboard)
		adminRoutes.POST("/logout", middleware.CSRF(deps.CSRF), authController.Logout)
		adminRoutes.POST("/actions/jobs/:name", middleware.CSRF(deps.CSRF), adminController.TriggerJobAction)
	}

	// Root redirect to admin
	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/admin")
	})
}
