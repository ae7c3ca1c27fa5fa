package overview

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tw_autotrade/models"
	"tw_autotrade/services/cache"
	"tw_autotrade/services/release"
	"tw_autotrade/testutil"
)

func TestBuild(t *testing.T) {
	db := testutil.NewDB(t)
	dir := t.TempDir()
	paths := Paths{VersionFile: filepath.Join(dir, "VERSION"), RecordFile: filepath.Join(dir, "version.json")}
	require.NoError(t, release.WriteVersionFile(paths.VersionFile, "v1.2.3"))

	now := time.Now()
	runs := []models.StrategyRun{
		{Task: "oscar", Status: models.StatusFailed, StartedAt: now.Add(-48 * time.Hour)},
		{Task: "roger_weekly", Status: models.StatusSucceeded, StartedAt: now.Add(-24 * time.Hour)},
		{Task: "oscar", Status: models.StatusSucceeded, StartedAt: now},
	}
	require.NoError(t, db.Create(&runs).Error)
	require.NoError(t, db.Create(&models.Order{Broker: "paper", ClientOrderID: "c1", StockID: "2330", Side: models.SideBuy, Quantity: 1000, Price: decimal.NewFromInt(800), Status: models.OrderFilled}).Error)

	o, err := Build(context.Background(), db, paths)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", o.Version)
	assert.Nil(t, o.Record)
	require.Len(t, o.Runs, 2)
	assert.Equal(t, "oscar", o.Runs[0].Task)
	assert.Equal(t, models.StatusSucceeded, o.Runs[0].Status, "latest run per task")
	assert.Len(t, o.Orders, 1)
}

func TestRefreshAndLoadFromCache(t *testing.T) {
	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	snaps := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	paths := Paths{VersionFile: filepath.Join(t.TempDir(), "VERSION")}

	_, err := Refresh(context.Background(), db, snaps, paths)
	require.NoError(t, err)
	assert.True(t, mr.Exists("autotrade:"+cache.KeyDashboard))

	// rows added after the refresh are not visible until the next one
	require.NoError(t, db.Create(&models.StrategyRun{Task: "oscar", Status: models.StatusSucceeded}).Error)
	o, err := Load(context.Background(), db, snaps, paths)
	require.NoError(t, err)
	assert.Empty(t, o.Runs)

	o, err = Load(context.Background(), db, nil, paths)
	require.NoError(t, err)
	assert.Len(t, o.Runs, 1)
}
