// Package artifacts archives terminal research tasks to a relational
// store. Postgres is the production backend; SQLite serves single-node
// deployments and local development with the same schema.
package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/models"
)

// Config selects the backend and its connection settings.
type Config struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "sqlite3"
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// ErrNotFound is returned by Load for unknown task IDs.
var ErrNotFound = errors.New("task not found")

// SQLStore implements adapters.ArtifactStore on sqlx.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS research_tasks (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	scope        TEXT NOT NULL,
	query        TEXT NOT NULL,
	task_json    TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_research_tasks_created ON research_tasks (created_at);
`

// New opens the database, applies pool settings, and ensures the schema.
func New(cfg Config, logger *zap.Logger) (*SQLStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
		if cfg.DSN == "" {
			cfg.DSN = "file:deepresearch.db?_journal_mode=WAL"
		}
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("Artifact store ready", zap.String("driver", cfg.Driver))
	return &SQLStore{db: db, driver: cfg.Driver, logger: logger}, nil
}

// NewFromDB wraps an existing connection; used by tests with sqlmock.
func NewFromDB(db *sql.DB, driver string, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, driver), driver: driver, logger: logger}
}

// Save upserts the full task record. The row carries a JSON snapshot plus
// the columns queries filter on.
func (s *SQLStore) Save(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO research_tasks (id, status, scope, query, task_json, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			task_json = excluded.task_json,
			completed_at = excluded.completed_at`)

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Status,
		task.Request.Params.Scope,
		task.Request.Query,
		string(data),
		task.CreatedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// Load rehydrates a task by ID.
func (s *SQLStore) Load(ctx context.Context, taskID string) (*models.Task, error) {
	var raw string
	query := s.db.Rebind(`SELECT task_json FROM research_tasks WHERE id = ?`)
	if err := s.db.GetContext(ctx, &raw, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	var task models.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

// PurgeBefore deletes archived tasks older than cutoff and reports the
// number removed.
func (s *SQLStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind(`DELETE FROM research_tasks WHERE created_at < ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Purged archived tasks", zap.Int64("count", n))
	}
	return n, nil
}

// Close releases the pool.
func (s *SQLStore) Close() error { return s.db.Close() }
