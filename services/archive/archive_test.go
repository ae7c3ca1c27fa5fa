package archive

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"tw_autotrade/config"
	"tw_autotrade/models"
	"tw_autotrade/services/backtesting"
	"tw_autotrade/services/provider"
	"tw_autotrade/services/strategy"
)

func TestDisabledArchive(t *testing.T) {
	a, err := Connect(context.Background(), config.MongoDBConfig{})
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.False(t, a.Enabled())
	assert.Equal(t, false, a.Status()["configured"])

	ctx := context.Background()
	assert.ErrorIs(t, a.SaveStrategyReport(ctx, &strategy.Result{}), ErrNotConfigured)
	_, err = a.LatestStrategyReport(ctx, "oscar")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, a.Close(ctx))
}

func TestReportID(t *testing.T) {
	asOf := time.Date(2024, 5, 3, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, "roger_weekly_2024-05-03", reportID("roger_weekly", asOf))
}

func TestArchiveWithMockDeployment(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("save strategy report", func(mt *mtest.T) {
		a := NewWithDatabase(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		err := a.SaveStrategyReport(context.Background(), &strategy.Result{
			Task:    "oscar",
			AsOf:    time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
			Targets: []string{"2330"},
			Report:  &provider.Report{Metrics: provider.Metrics{Risk: provider.Risk{MaxDrawdown: -0.2}}},
		})
		require.NoError(t, err)
		assert.Nil(t, a.Status()["error"])
	})

	mt.Run("missing report", func(mt *mtest.T) {
		a := NewWithDatabase(mt.DB)
		ns := mt.DB.Name() + "." + StrategyReportsCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err := a.LatestStrategyReport(context.Background(), "roger_monthly")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	mt.Run("latest report", func(mt *mtest.T) {
		a := NewWithDatabase(mt.DB)
		ns := mt.DB.Name() + "." + StrategyReportsCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "oscar_2024-05-03"},
			{Key: "task", Value: "oscar"},
			{Key: "targets", Value: bson.A{"2330", "2454"}},
		}))

		doc, err := a.LatestStrategyReport(context.Background(), "oscar")
		require.NoError(t, err)
		assert.Equal(t, "oscar_2024-05-03", doc.ID)
		assert.Equal(t, []string{"2330", "2454"}, doc.Targets)
	})

	mt.Run("backtest runs", func(mt *mtest.T) {
		a := NewWithDatabase(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		run := &backtesting.Run{
			Key:     uuid.NewString(),
			Kind:    backtesting.KindMaxStocks,
			Results: []models.BacktestResult{{MaxStocks: 5, AnnualReturn: 0.12}},
		}
		require.NoError(t, a.SaveBacktestRun(context.Background(), run))

		ns := mt.DB.Name() + "." + BacktestRunsCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "_id", Value: run.Key}, {Key: "kind", Value: backtesting.KindMaxStocks}, {Key: "attempted", Value: 3}},
		))
		runs, err := a.RecentBacktestRuns(context.Background(), backtesting.KindMaxStocks, 5)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, run.Key, runs[0].ID)
		assert.Equal(t, 3, runs[0].Attempted)
	})

	mt.Run("write failure is reported", func(mt *mtest.T) {
		a := NewWithDatabase(mt.DB)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11000, Message: "duplicate key"}))
		err := a.SaveBacktestRun(context.Background(), &backtesting.Run{Key: uuid.NewString()})
		require.Error(t, err)
		assert.Contains(t, a.Status()["error"], "duplicate key")
	})
}
