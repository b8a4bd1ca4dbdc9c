package experiment

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb"
	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/models"
)

// DuckOptions tunes the embedded database.
type DuckOptions struct {
	Threads     int
	MemoryLimit string
}

// DuckRepository stores experiments in a DuckDB file.
type DuckRepository struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		id          VARCHAR PRIMARY KEY,
		title       VARCHAR NOT NULL,
		description VARCHAR NOT NULL DEFAULT '',
		type        VARCHAR NOT NULL,
		status      VARCHAR NOT NULL,
		sample      VARCHAR NOT NULL DEFAULT '',
		electrolyte VARCHAR NOT NULL DEFAULT '',
		electrode   VARCHAR NOT NULL DEFAULT '',
		temperature VARCHAR NOT NULL DEFAULT '',
		notes       VARCHAR NOT NULL DEFAULT '',
		owner_id    VARCHAR NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_created ON experiments(created_at)`,
}

// OpenDuckRepository opens (or creates) the database at dbPath. An empty
// path opens an in-memory database.
func OpenDuckRepository(dbPath string, opts DuckOptions) (*DuckRepository, error) {
	if opts.Threads <= 0 {
		opts.Threads = 4
	}
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "1GB"
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit),
			fmt.Sprintf("PRAGMA threads=%d", opts.Threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &DuckRepository{db: db}, nil
}

// Close closes the database.
func (r *DuckRepository) Close() error {
	return r.db.Close()
}

// Create inserts e, assigning its ID and CreatedAt.
func (r *DuckRepository) Create(ctx context.Context, e *models.Experiment) error {
	id := uuid.New().String()
	createdAt := time.Now().UTC().Truncate(time.Microsecond)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO experiments (id, title, description, type, status,
			sample, electrolyte, electrode, temperature, notes, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.Title, e.Description, string(e.Type), string(e.Status),
		e.Conditions.Sample, e.Conditions.Electrolyte, e.Conditions.Electrode,
		e.Conditions.Temperature, e.Conditions.Notes, e.OwnerID, createdAt,
	)
	if err != nil {
		return apperr.Internal("experiment.create", err)
	}

	e.ID = id
	e.CreatedAt = createdAt
	return nil
}

const selectColumns = `SELECT id, title, description, type, status,
	sample, electrolyte, electrode, temperature, notes, owner_id, created_at
	FROM experiments`

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(s scanner) (models.Experiment, error) {
	var e models.Experiment
	var typ, status string
	err := s.Scan(&e.ID, &e.Title, &e.Description, &typ, &status,
		&e.Conditions.Sample, &e.Conditions.Electrolyte, &e.Conditions.Electrode,
		&e.Conditions.Temperature, &e.Conditions.Notes, &e.OwnerID, &e.CreatedAt)
	e.Type = models.ExperimentType(typ)
	e.Status = models.ExperimentStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, err
}

// List returns up to limit experiments, newest first.
func (r *DuckRepository) List(ctx context.Context, limit int) ([]models.Experiment, error) {
	const op = "experiment.list"

	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	defer rows.Close()

	out := make([]models.Experiment, 0, limit)
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, apperr.Internal(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(op, err)
	}
	return out, nil
}

// Count returns the number of stored experiments.
func (r *DuckRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments`).Scan(&n); err != nil {
		return 0, apperr.Internal("experiment.count", err)
	}
	return n, nil
}

// Get returns one experiment by ID.
func (r *DuckRepository) Get(ctx context.Context, id string) (*models.Experiment, error) {
	const op = "experiment.get"

	e, err := scanExperiment(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "experiment", id)
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return &e, nil
}
