// Package catalog persists the dataset index and the downloader's
// state machine in Postgres. The catalog answers "which stored object
// holds model X, parameter Y, level Z at time T" for the renderer and
// the EDR planner; the download store tracks source files through
// pending -> in_progress -> completed/failed.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

// Catalog is the dataset index. Writes are keyed by (model, parameter,
// level, reference_time, forecast_hour): a re-ingest overwrites the row
// atomically.
type Catalog interface {
	Upsert(ctx context.Context, e gridmodel.DatasetEntry) error
	// FindValid resolves the dataset valid at the given time.
	FindValid(ctx context.Context, model, parameter, level string, validTime time.Time) (*gridmodel.DatasetEntry, error)
	// Latest resolves the most recently valid dataset.
	Latest(ctx context.Context, model, parameter, level string) (*gridmodel.DatasetEntry, error)
	// ValidTimes lists distinct valid times for a model, ascending.
	ValidTimes(ctx context.Context, model string) ([]time.Time, error)
	// ReferenceTimes lists distinct reference times for a model, descending.
	ReferenceTimes(ctx context.Context, model string) ([]time.Time, error)
	// ForReference lists datasets for one model and reference time.
	ForReference(ctx context.Context, model string, ref time.Time) ([]gridmodel.DatasetEntry, error)
	// DeleteOlderThan removes catalog rows whose valid time predates the
	// cutoff, returning their storage paths for the retention sweep.
	DeleteOlderThan(ctx context.Context, model string, cutoff time.Time) ([]string, error)
}

// ErrNotFound is returned when no catalog row matches.
var ErrNotFound = errors.New("dataset not found")

// Schema is the DDL for both the catalog and the download state
// relations, applied by the ingester at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS datasets (
    id              BIGSERIAL PRIMARY KEY,
    model           TEXT NOT NULL,
    parameter       TEXT NOT NULL,
    level           TEXT NOT NULL,
    reference_time  TIMESTAMPTZ NOT NULL,
    forecast_hour   INT NOT NULL,
    valid_time      TIMESTAMPTZ NOT NULL,
    storage_path    TEXT NOT NULL,
    bbox_west       DOUBLE PRECISION NOT NULL,
    bbox_south      DOUBLE PRECISION NOT NULL,
    bbox_east       DOUBLE PRECISION NOT NULL,
    bbox_north      DOUBLE PRECISION NOT NULL,
    grid_width      INT NOT NULL,
    grid_height     INT NOT NULL,
    chunk_size      INT NOT NULL,
    units           TEXT NOT NULL DEFAULT '',
    fill_value      DOUBLE PRECISION NOT NULL DEFAULT 'NaN',
    UNIQUE (model, parameter, level, reference_time, forecast_hour)
);
CREATE INDEX IF NOT EXISTS datasets_valid_idx ON datasets (model, parameter, level, valid_time);

CREATE TABLE IF NOT EXISTS downloads (
    id               BIGSERIAL PRIMARY KEY,
    url              TEXT NOT NULL UNIQUE,
    filename         TEXT NOT NULL,
    model            TEXT NOT NULL,
    total_bytes      BIGINT NOT NULL DEFAULT 0,
    downloaded_bytes BIGINT NOT NULL DEFAULT 0,
    retry_count      INT NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'pending',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS completed_downloads (
    id               BIGSERIAL PRIMARY KEY,
    url              TEXT NOT NULL UNIQUE,
    filename         TEXT NOT NULL,
    model            TEXT NOT NULL,
    total_bytes      BIGINT NOT NULL DEFAULT 0,
    downloaded_bytes BIGINT NOT NULL DEFAULT 0,
    retry_count      INT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL,
    completed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    ingested         BOOLEAN NOT NULL DEFAULT FALSE
);
`

// PG is the pgxpool-backed Catalog.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG wraps a pool. The pool's concurrency already tolerates multiple
// writers; the unique constraint makes racing ingests last-writer-wins.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// Migrate applies the schema.
func (c *PG) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, Schema); err != nil {
		return apperr.New(apperr.KindUnavailable, "catalog.migrate", err)
	}
	return nil
}

func (c *PG) Upsert(ctx context.Context, e gridmodel.DatasetEntry) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO datasets (model, parameter, level, reference_time, forecast_hour, valid_time,
		    storage_path, bbox_west, bbox_south, bbox_east, bbox_north,
		    grid_width, grid_height, chunk_size, units, fill_value)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (model, parameter, level, reference_time, forecast_hour) DO UPDATE SET
		    valid_time = EXCLUDED.valid_time,
		    storage_path = EXCLUDED.storage_path,
		    bbox_west = EXCLUDED.bbox_west, bbox_south = EXCLUDED.bbox_south,
		    bbox_east = EXCLUDED.bbox_east, bbox_north = EXCLUDED.bbox_north,
		    grid_width = EXCLUDED.grid_width, grid_height = EXCLUDED.grid_height,
		    chunk_size = EXCLUDED.chunk_size, units = EXCLUDED.units,
		    fill_value = EXCLUDED.fill_value`,
		e.Model, e.Parameter, e.Level, e.ReferenceTime, e.ForecastHour, e.ValidTime(),
		e.StoragePath, e.BBox.West, e.BBox.South, e.BBox.East, e.BBox.North,
		e.GridWidth, e.GridHeight, e.ChunkSize, e.Units, e.FillValue)
	if err != nil {
		return apperr.New(apperr.KindUnavailable, "catalog.upsert", err)
	}
	return nil
}

const datasetColumns = `model, parameter, level, reference_time, forecast_hour,
	storage_path, bbox_west, bbox_south, bbox_east, bbox_north,
	grid_width, grid_height, chunk_size, units, fill_value`

func scanDataset(row pgx.Row) (*gridmodel.DatasetEntry, error) {
	var e gridmodel.DatasetEntry
	err := row.Scan(&e.Model, &e.Parameter, &e.Level, &e.ReferenceTime, &e.ForecastHour,
		&e.StoragePath, &e.BBox.West, &e.BBox.South, &e.BBox.East, &e.BBox.North,
		&e.GridWidth, &e.GridHeight, &e.ChunkSize, &e.Units, &e.FillValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "catalog.find", ErrNotFound)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "catalog.find", err)
	}
	return &e, nil
}

func (c *PG) FindValid(ctx context.Context, model, parameter, level string, validTime time.Time) (*gridmodel.DatasetEntry, error) {
	// Among datasets valid at that instant, prefer the freshest run.
	row := c.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM datasets
		WHERE model = $1 AND parameter = $2 AND level = $3 AND valid_time = $4
		ORDER BY reference_time DESC LIMIT 1`, datasetColumns),
		model, parameter, level, validTime)
	return scanDataset(row)
}

func (c *PG) Latest(ctx context.Context, model, parameter, level string) (*gridmodel.DatasetEntry, error) {
	row := c.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM datasets
		WHERE model = $1 AND parameter = $2 AND level = $3
		ORDER BY valid_time DESC, reference_time DESC LIMIT 1`, datasetColumns),
		model, parameter, level)
	return scanDataset(row)
}

func (c *PG) ValidTimes(ctx context.Context, model string) ([]time.Time, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT DISTINCT valid_time FROM datasets WHERE model = $1 ORDER BY valid_time`, model)
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "catalog.validTimes", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "catalog.validTimes", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *PG) ReferenceTimes(ctx context.Context, model string) ([]time.Time, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT DISTINCT reference_time FROM datasets WHERE model = $1 ORDER BY reference_time DESC`, model)
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "catalog.referenceTimes", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "catalog.referenceTimes", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *PG) ForReference(ctx context.Context, model string, ref time.Time) ([]gridmodel.DatasetEntry, error) {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM datasets WHERE model = $1 AND reference_time = $2
		ORDER BY parameter, level, forecast_hour`, datasetColumns), model, ref)
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "catalog.forReference", err)
	}
	defer rows.Close()
	var out []gridmodel.DatasetEntry
	for rows.Next() {
		e, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (c *PG) DeleteOlderThan(ctx context.Context, model string, cutoff time.Time) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		DELETE FROM datasets WHERE model = $1 AND valid_time < $2
		RETURNING storage_path`, model, cutoff)
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "catalog.deleteOlderThan", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "catalog.deleteOlderThan", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
