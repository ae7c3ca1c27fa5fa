package models

import (
	"time"

	"gorm.io/gorm"
)

// JobRun is one execution of a scheduled (or manually triggered) job.
type JobRun struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	RunID      string     `gorm:"uniqueIndex;size:36" json:"run_id"`
	Job        string     `gorm:"index" json:"job"`
	Trigger    string     `json:"trigger"` // schedule, manual
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `gorm:"index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Duration returns how long the run took, or zero while it is still running.
func (r *JobRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Deployment actions.
const (
	ActionDeploy   = "deploy"
	ActionRollback = "rollback"
)

// Deployment is an entry in the rollout history reported by the deploy tool.
type Deployment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Version     string    `gorm:"index" json:"version"`
	Commit      string    `json:"commit"`
	Action      string    `json:"action"`
	FromVersion string    `json:"from_version,omitempty"`
	Healthy     bool      `json:"healthy"`
	DeployedAt  time.Time `json:"deployed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// MigrateJobModels runs database migrations for job and deployment models
func MigrateJobModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&JobRun{},
		&Deployment{},
	)
}

// MigrateAll runs every model migration in dependency order.
func MigrateAll(db *gorm.DB) error {
	steps := []func(*gorm.DB) error{
		MigrateRecommendationModels,
		MigrateTradingModels,
		MigrateJobModels,
		MigrateAdminModels,
	}
	for _, step := range steps {
		if err := step(db); err != nil {
			return err
		}
	}
	return nil
}
