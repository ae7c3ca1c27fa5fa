package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tw_autotrade/logging"
	"tw_autotrade/middleware"
	"tw_autotrade/models"
	"tw_autotrade/scheduler"
	"tw_autotrade/services/archive"
	"tw_autotrade/services/cache"
	"tw_autotrade/services/events"
	"tw_autotrade/services/metrics"
	"tw_autotrade/services/overview"
	"tw_autotrade/services/recommendation"
	"tw_autotrade/services/release"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// JobRunner is the part of the scheduler the API exposes.
type JobRunner interface {
	Jobs(ctx context.Context) []scheduler.JobInfo
	TriggerAsync(name string) (string, error)
}

// APIController serves the read API, manual job triggers and deployment
// reports.
type APIController struct {
	db        *gorm.DB
	recs      *recommendation.DAO
	jobs      JobRunner
	snapshots *cache.Snapshots
	archive   *archive.Archive
	hub       *events.Hub
	paths     overview.Paths
	logger    zerolog.Logger
}

// NewAPIController creates the API controller. snapshots, arc and hub may be nil.
func NewAPIController(db *gorm.DB, jobs JobRunner, snapshots *cache.Snapshots, arc *archive.Archive, hub *events.Hub, paths overview.Paths) *APIController {
	return &APIController{
		db:        db,
		recs:      recommendation.NewDAO(db),
		jobs:      jobs,
		snapshots: snapshots,
		archive:   arc,
		hub:       hub,
		paths:     paths,
		logger:    logging.WithComponent("api"),
	}
}

func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// GetRecommendation returns the newest list of a frequency.
// GET /api/v1/recommendations/:frequency
func (ac *APIController) GetRecommendation(c *gin.Context) {
	rec, err := ac.recs.Latest(c.Request.Context(), c.Param("frequency"))
	switch {
	case errors.Is(err, recommendation.ErrInvalidFrequency):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, recommendation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No recommendation found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch recommendation"})
	default:
		c.JSON(http.StatusOK, gin.H{"data": rec})
	}
}

// SaveRecommendation stores a published list, replacing one for the same date.
// POST /api/v1/recommendations
func (ac *APIController) SaveRecommendation(c *gin.Context) {
	var rec models.Recommendation
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(rec.Stocks) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stocks must not be empty"})
		return
	}
	if !recommendation.ValidFrequency(rec.Frequency) || rec.Date.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frequency (weekly|monthly) and date are required"})
		return
	}
	if err := ac.recs.Save(c.Request.Context(), &rec); err != nil {
		ac.logger.Error().Err(err).Str("frequency", rec.Frequency).Msg("Failed to save recommendation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save recommendation"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": rec})
}

// GetStrategyRuns lists strategy runs, newest first.
// GET /api/v1/strategy-runs?task=oscar&status=succeeded&limit=20
func (ac *APIController) GetStrategyRuns(c *gin.Context) {
	q := ac.db.WithContext(c.Request.Context()).Order("started_at DESC").Limit(limitParam(c))
	if task := c.Query("task"); task != "" {
		q = q.Where("task = ?", task)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var runs []models.StrategyRun
	if err := q.Find(&runs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch strategy runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// GetStrategyReport returns the archived report of a task's newest run.
// GET /api/v1/strategy-runs/:task/report
func (ac *APIController) GetStrategyReport(c *gin.Context) {
	doc, err := ac.archive.LatestStrategyReport(c.Request.Context(), c.Param("task"))
	switch {
	case errors.Is(err, archive.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Report archive is not configured"})
	case errors.Is(err, archive.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No archived report"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch report"})
	default:
		c.JSON(http.StatusOK, gin.H{"data": doc})
	}
}

// GetBacktestResults lists research results.
// GET /api/v1/backtest-results?run_key=...&kind=max_stocks&limit=100
func (ac *APIController) GetBacktestResults(c *gin.Context) {
	q := ac.db.WithContext(c.Request.Context()).Order("id DESC").Limit(limitParam(c))
	if key := c.Query("run_key"); key != "" {
		q = q.Where("run_key = ?", key)
	}
	if kind := c.Query("kind"); kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var results []models.BacktestResult
	if err := q.Find(&results).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch backtest results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results})
}

// GetOrders lists stored orders.
// GET /api/v1/orders?task=oscar&status=filled&limit=50
func (ac *APIController) GetOrders(c *gin.Context) {
	q := ac.db.WithContext(c.Request.Context()).Order("id DESC").Limit(limitParam(c))
	if task := c.Query("task"); task != "" {
		q = q.Where("task = ?", task)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var orders []models.Order
	if err := q.Find(&orders).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": orders})
}

// GetJobs lists the scheduled jobs.
// GET /api/v1/jobs
func (ac *APIController) GetJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": ac.jobs.Jobs(c.Request.Context())})
}

// GetJobRuns lists recorded runs of one job.
// GET /api/v1/jobs/:name/runs
func (ac *APIController) GetJobRuns(c *gin.Context) {
	var runs []models.JobRun
	err := ac.db.WithContext(c.Request.Context()).
		Where("job = ?", c.Param("name")).
		Order("started_at DESC").
		Limit(limitParam(c)).
		Find(&runs).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch job runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// TriggerJob starts a job in the background.
// POST /api/v1/jobs/:name/run
func (ac *APIController) TriggerJob(c *gin.Context) {
	name := c.Param("name")
	runID, err := ac.jobs.TriggerAsync(name)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"job": name, "run_id": runID}})
}

// GetOverview returns the dashboard summary.
// GET /api/v1/overview
func (ac *APIController) GetOverview(c *gin.Context) {
	ov, err := overview.Load(c.Request.Context(), ac.db, ac.snapshots, ac.paths)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build overview"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ov})
}

// GetVersion reports the deployed version and its record.
// GET /api/v1/version
func (ac *APIController) GetVersion(c *gin.Context) {
	resp := gin.H{"version": ""}
	if v, err := release.ReadVersionFile(ac.paths.VersionFile); err == nil {
		resp["version"] = v
	}
	if rec, err := release.ReadRecord(ac.paths.RecordFile); err == nil {
		resp["record"] = rec
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// GetDeployments lists reported deployments.
// GET /api/v1/deployments
func (ac *APIController) GetDeployments(c *gin.Context) {
	var deployments []models.Deployment
	if err := ac.db.WithContext(c.Request.Context()).Order("id DESC").Limit(limitParam(c)).Find(&deployments).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch deployments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": deployments})
}

// RecordDeployment stores a deployment reported by the deploy tool. The
// token must have been issued for the reported version.
// POST /api/v1/deployments
func (ac *APIController) RecordDeployment(c *gin.Context) {
	var d models.Deployment
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := release.Normalize(d.Version)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.Version = v
	if d.Action != models.ActionDeploy && d.Action != models.ActionRollback {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be deploy or rollback"})
		return
	}
	if claims, ok := middleware.GetDeployClaims(c); !ok || claims.Version != d.Version {
		c.JSON(http.StatusForbidden, gin.H{"error": "token was issued for another version"})
		return
	}
	if d.DeployedAt.IsZero() {
		d.DeployedAt = time.Now()
	}
	d.ID = 0

	if err := ac.db.WithContext(c.Request.Context()).Create(&d).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store deployment"})
		return
	}
	metrics.RecordDeployment(d.Action, d.Healthy)
	ac.hub.Publish(events.Event{Type: events.Deployment, Status: d.Action, Data: d})
	if err := ac.snapshots.Delete(c.Request.Context(), cache.KeyDashboard); err != nil {
		ac.logger.Warn().Err(err).Msg("Failed to invalidate dashboard snapshot")
	}
	ac.logger.Info().
		Str("version", d.Version).
		Str("action", d.Action).
		Str("from", d.FromVersion).
		Bool("healthy", d.Healthy).
		Msg("Deployment recorded")
	c.JSON(http.StatusCreated, gin.H{"data": d})
}
