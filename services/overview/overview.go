// Package overview assembles the dashboard summary shown on the admin page
// and served by the API.
package overview

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tw_autotrade/models"
	"tw_autotrade/services/cache"
	"tw_autotrade/services/release"
)

// Overview is the dashboard snapshot.
type Overview struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Version     string               `json:"version"`
	Record      *release.Record      `json:"record,omitempty"`
	Runs        []models.StrategyRun `json:"runs"`
	Orders      []models.Order       `json:"orders"`
	Jobs        []models.JobRun      `json:"jobs"`
	Deployments []models.Deployment  `json:"deployments"`
}

// Paths locates the release metadata files.
type Paths struct {
	VersionFile string
	RecordFile  string
}

const recentLimit = 20

// Build queries the database and the release files.
func Build(ctx context.Context, db *gorm.DB, paths Paths) (*Overview, error) {
	o := &Overview{GeneratedAt: time.Now().UTC()}
	if v, err := release.ReadVersionFile(paths.VersionFile); err == nil {
		o.Version = v
	}
	if rec, err := release.ReadRecord(paths.RecordFile); err == nil {
		o.Record = rec
	}

	db = db.WithContext(ctx)
	latest := db.Model(&models.StrategyRun{}).Select("MAX(id)").Group("task")
	if err := db.Where("id IN (?)", latest).Order("task").Find(&o.Runs).Error; err != nil {
		return nil, fmt.Errorf("load strategy runs: %w", err)
	}
	if err := db.Order("id DESC").Limit(recentLimit).Find(&o.Orders).Error; err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	if err := db.Order("started_at DESC").Limit(recentLimit).Find(&o.Jobs).Error; err != nil {
		return nil, fmt.Errorf("load job runs: %w", err)
	}
	if err := db.Order("id DESC").Limit(5).Find(&o.Deployments).Error; err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	return o, nil
}

// Refresh builds the overview and stores it in the snapshot cache.
func Refresh(ctx context.Context, db *gorm.DB, snapshots *cache.Snapshots, paths Paths) (*Overview, error) {
	o, err := Build(ctx, db, paths)
	if err != nil {
		return nil, err
	}
	if err := snapshots.Put(ctx, cache.KeyDashboard, o, cache.DefaultTTL); err != nil {
		return o, err
	}
	return o, nil
}

// Load serves the cached overview, building it on a miss.
func Load(ctx context.Context, db *gorm.DB, snapshots *cache.Snapshots, paths Paths) (*Overview, error) {
	var o Overview
	if ok, err := snapshots.Get(ctx, cache.KeyDashboard, &o); err == nil && ok {
		return &o, nil
	}
	return Build(ctx, db, paths)
}
