// Package archive keeps full strategy reports and research runs in MongoDB.
// Relational tables hold the headline numbers; the archive holds the trades
// and grouped metrics the provider returned.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/models"
	"tw_autotrade/services/backtesting"
	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
	"tw_autotrade/services/strategy"
)

// Collection names
const (
	StrategyReportsCollection = "strategy_reports"
	BacktestRunsCollection    = "backtest_runs"
)

var (
	// ErrNotConfigured is returned by every operation when MongoDB is disabled.
	ErrNotConfigured = errors.New("archive: mongodb not configured")
	ErrNotFound      = errors.New("archive: not found")
)

// StrategyReport is the archived outcome of one strategy run.
type StrategyReport struct {
	ID        string           `bson:"_id" json:"id"`
	Task      string           `bson:"task" json:"task"`
	AsOf      time.Time        `bson:"as_of" json:"as_of"`
	Targets   []string         `bson:"targets" json:"targets"`
	Metrics   provider.Metrics `bson:"metrics" json:"metrics"`
	Trades    []provider.Trade `bson:"trades" json:"trades"`
	ReportURL string           `bson:"report_url,omitempty" json:"report_url,omitempty"`
	UpdatedAt time.Time        `bson:"updated_at" json:"updated_at"`
}

// BacktestRun is one archived research executor run.
type BacktestRun struct {
	ID        string                  `bson:"_id" json:"id"`
	Kind      string                  `bson:"kind" json:"kind"`
	Attempted int                     `bson:"attempted" json:"attempted"`
	CSVPath   string                  `bson:"csv_path,omitempty" json:"csv_path,omitempty"`
	Results   []models.BacktestResult `bson:"results" json:"results"`
	CreatedAt time.Time               `bson:"created_at" json:"created_at"`
}

// Archive handles the MongoDB connection and documents. A nil *Archive
// behaves as a disabled archive.
type Archive struct {
	client    *mongo.Client
	database  *mongo.Database
	logger    zerolog.Logger
	mu        sync.RWMutex
	lastError string
}

// Connect opens the archive. An empty URI returns (nil, nil).
func Connect(ctx context.Context, cfg config.MongoDBConfig) (*Archive, error) {
	logger := logging.WithComponent("archive")
	if cfg.URI == "" {
		logger.Info().Msg("MongoDB URI not set, report archive disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	a := NewWithDatabase(client.Database(cfg.Database))
	a.client = client
	a.createIndexes(ctx)
	logger.Info().Str("database", cfg.Database).Msg("MongoDB report archive connected")
	return a, nil
}

// NewWithDatabase wraps an already connected database.
func NewWithDatabase(db *mongo.Database) *Archive {
	return &Archive{database: db, logger: logging.WithComponent("archive")}
}

func (a *Archive) createIndexes(ctx context.Context) {
	_, err := a.database.Collection(StrategyReportsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "task", Value: 1}, {Key: "as_of", Value: -1}},
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to create report index")
	}
}

// Enabled reports whether documents are stored.
func (a *Archive) Enabled() bool {
	return a != nil && a.database != nil
}

// Status describes the connection for the health endpoints.
func (a *Archive) Status() map[string]any {
	if !a.Enabled() {
		return map[string]any{"configured": false}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	status := map[string]any{"configured": true, "database": a.database.Name()}
	if a.lastError != "" {
		status["error"] = a.lastError
	}
	return status
}

func (a *Archive) record(err error) error {
	a.mu.Lock()
	if err != nil {
		a.lastError = err.Error()
	} else {
		a.lastError = ""
	}
	a.mu.Unlock()
	return err
}

// Close disconnects the client.
func (a *Archive) Close(ctx context.Context) error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Disconnect(ctx)
}

func reportID(task string, asOf time.Time) string {
	return task + "_" + frame.Day(asOf).Format(frame.DateLayout)
}

// SaveStrategyReport upserts the report of res, keyed by task and date.
func (a *Archive) SaveStrategyReport(ctx context.Context, res *strategy.Result) error {
	if !a.Enabled() {
		return ErrNotConfigured
	}
	if res == nil || res.Report == nil {
		return errors.New("archive: strategy result has no report")
	}

	doc := StrategyReport{
		ID:        reportID(res.Task, res.AsOf),
		Task:      res.Task,
		AsOf:      frame.Day(res.AsOf),
		Targets:   res.Targets,
		Metrics:   res.Report.Metrics,
		Trades:    res.Report.Trades,
		ReportURL: res.Report.ReportURL,
		UpdatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := a.database.Collection(StrategyReportsCollection).
		ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err := a.record(err); err != nil {
		return fmt.Errorf("save strategy report %s: %w", doc.ID, err)
	}
	a.logger.Info().Str("task", doc.Task).Int("trades", len(doc.Trades)).Msg("Archived strategy report")
	return nil
}

// LatestStrategyReport returns the most recent report of task.
func (a *Archive) LatestStrategyReport(ctx context.Context, task string) (*StrategyReport, error) {
	if !a.Enabled() {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var doc StrategyReport
	err := a.database.Collection(StrategyReportsCollection).
		FindOne(ctx, bson.M{"task": task}, options.FindOne().SetSort(bson.D{{Key: "as_of", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("report for %s: %w", task, ErrNotFound)
	}
	if err := a.record(err); err != nil {
		return nil, fmt.Errorf("load report for %s: %w", task, err)
	}
	return &doc, nil
}

// SaveBacktestRun stores a research run with every result row.
func (a *Archive) SaveBacktestRun(ctx context.Context, run *backtesting.Run) error {
	if !a.Enabled() {
		return ErrNotConfigured
	}
	doc := BacktestRun{
		ID:        run.Key,
		Kind:      run.Kind,
		Attempted: run.Attempted,
		CSVPath:   run.CSVPath,
		Results:   run.Results,
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := a.database.Collection(BacktestRunsCollection).InsertOne(ctx, doc)
	if err := a.record(err); err != nil {
		return fmt.Errorf("save backtest run %s: %w", doc.ID, err)
	}
	a.logger.Info().Str("run_key", doc.ID).Str("kind", doc.Kind).Int("results", len(doc.Results)).Msg("Archived backtest run")
	return nil
}

// RecentBacktestRuns lists the newest runs of kind (all kinds when empty).
func (a *Archive) RecentBacktestRuns(ctx context.Context, kind string, limit int64) ([]BacktestRun, error) {
	if !a.Enabled() {
		return nil, ErrNotConfigured
	}
	filter := bson.M{}
	if kind != "" {
		filter["kind"] = kind
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cursor, err := a.database.Collection(BacktestRunsCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit))
	if err := a.record(err); err != nil {
		return nil, fmt.Errorf("list backtest runs: %w", err)
	}
	defer cursor.Close(ctx)

	var runs []BacktestRun
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("decode backtest runs: %w", err)
	}
	return runs, nil
}
