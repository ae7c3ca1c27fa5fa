package controllers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"tw_autotrade/services/archive"
	"tw_autotrade/services/cache"
)

// HealthController serves the liveness, readiness and startup probes.
type HealthController struct {
	db        *gorm.DB
	snapshots *cache.Snapshots
	archive   *archive.Archive
	version   func() string
	started   atomic.Bool
	startedAt time.Time
}

// NewHealthController builds the probes. version reports the deployed version.
func NewHealthController(db *gorm.DB, snapshots *cache.Snapshots, arc *archive.Archive, version func() string) *HealthController {
	return &HealthController{db: db, snapshots: snapshots, archive: arc, version: version, startedAt: time.Now()}
}

// MarkStarted flips the startup probe once the scheduler is running.
func (hc *HealthController) MarkStarted() {
	hc.started.Store(true)
}

// Health is the liveness probe used by the deploy health gate.
// GET /health
func (hc *HealthController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": hc.version(),
		"uptime":  time.Since(hc.startedAt).Round(time.Second).String(),
	})
}

// Ready checks the database and reports the optional stores.
// GET /ready
func (hc *HealthController) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	sqlDB, err := hc.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not_ready",
			"message": "Database ping failed",
		})
		return
	}

	redis := "disabled"
	if hc.snapshots != nil {
		redis = "ok"
		if err := hc.snapshots.Ping(ctx); err != nil {
			redis = err.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"redis":   redis,
		"mongodb": hc.archive.Status(),
	})
}

// Startup reports whether initialization has finished.
// GET /startup
func (hc *HealthController) Startup(c *gin.Context) {
	if !hc.started.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}
