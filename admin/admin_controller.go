package admin

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tw_autotrade/logging"
	"tw_autotrade/middleware"
	"tw_autotrade/models"
	"tw_autotrade/scheduler"
	"tw_autotrade/services/cache"
	"tw_autotrade/services/overview"
)

// JobRunner is the part of the scheduler the dashboard drives.
type JobRunner interface {
	Jobs(ctx context.Context) []scheduler.JobInfo
	TriggerAsync(name string) (string, error)
}

// AdminController handles admin UI requests
type AdminController struct {
	db        *gorm.DB
	jobs      JobRunner
	snapshots *cache.Snapshots
	paths     overview.Paths
	csrf      *middleware.CSRFStore
	logger    zerolog.Logger
}

// NewAdminController creates a new admin controller
func NewAdminController(db *gorm.DB, jobs JobRunner, snapshots *cache.Snapshots, paths overview.Paths, csrf *middleware.CSRFStore) *AdminController {
	return &AdminController{
		db:        db,
		jobs:      jobs,
		snapshots: snapshots,
		paths:     paths,
		csrf:      csrf,
		logger:    logging.WithComponent("admin"),
	}
}

// Dashboard shows the latest runs, orders, jobs and the deployed version.
func (ac *AdminController) Dashboard(c *gin.Context) {
	ov, err := overview.Load(c.Request.Context(), ac.db, ac.snapshots, ac.paths)
	if err != nil {
		ac.logger.Error().Err(err).Msg("Failed to build overview")
		ov = &overview.Overview{}
	}
	c.HTML(http.StatusOK, "dashboard.html", gin.H{
		"title":      "Dashboard",
		"page":       "dashboard",
		"adminUser":  adminUser(c),
		"overview":   ov,
		"jobs":       ac.jobs.Jobs(c.Request.Context()),
		"flash":      c.Query("flash"),
		"csrf_token": middleware.SetCSRFToken(c, ac.csrf),
	})
}

// TriggerJobAction starts a job from the dashboard.
func (ac *AdminController) TriggerJobAction(c *gin.Context) {
	name := c.Param("name")
	runID, err := ac.jobs.TriggerAsync(name)
	msg := "Started " + name + " (run " + runID + ")"
	if err != nil {
		msg = err.Error()
		if !errors.Is(err, scheduler.ErrUnknownJob) {
			ac.logger.Error().Err(err).Str("job", name).Msg("Manual trigger failed")
		}
	} else if user := adminUser(c); user != nil {
		ac.logger.Info().Str("job", name).Str("run_id", runID).Str("admin", user.Username).Msg("Job triggered from dashboard")
	}
	c.Redirect(http.StatusFound, "/admin?flash="+url.QueryEscape(msg))
}

// adminUser retrieves the admin user from context
func adminUser(c *gin.Context) *models.AdminUser {
	if user, exists := c.Get("admin_user"); exists {
		if u, ok := user.(models.AdminUser); ok {
			return &u
		}
	}
	return nil
}
