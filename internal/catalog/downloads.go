package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcom-dev/gridweather/internal/apperr"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
)

// DownloadStore drives the resumable fetch state machine. A record
// lives in exactly one of downloads / completed_downloads: Complete
// moves it between the relations in a single transaction.
type DownloadStore interface {
	Enqueue(ctx context.Context, url, filename, model string) (*gridmodel.DownloadRecord, error)
	// Claimable returns pending/retrying records plus in_progress ones
	// (interrupted by a crash; their byte offset resumes the fetch).
	Claimable(ctx context.Context, limit int) ([]gridmodel.DownloadRecord, error)
	MarkInProgress(ctx context.Context, id int64) error
	UpdateProgress(ctx context.Context, id int64, downloaded, total int64) error
	MarkRetrying(ctx context.Context, id int64, cause string) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	Complete(ctx context.Context, id int64) error
	// NextToIngest lists completed records not yet ingested.
	NextToIngest(ctx context.Context, limit int) ([]gridmodel.DownloadRecord, error)
	MarkIngested(ctx context.Context, id int64) error
}

// PGDownloads is the Postgres DownloadStore.
type PGDownloads struct {
	pool *pgxpool.Pool
}

func NewPGDownloads(pool *pgxpool.Pool) *PGDownloads {
	return &PGDownloads{pool: pool}
}

func (s *PGDownloads) Enqueue(ctx context.Context, url, filename, model string) (*gridmodel.DownloadRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO downloads (url, filename, model)
		VALUES ($1, $2, $3)
		ON CONFLICT (url) DO UPDATE SET updated_at = now()
		RETURNING id, url, filename, model, total_bytes, downloaded_bytes, retry_count, status, created_at, updated_at, last_error`,
		url, filename, model)
	return scanDownload(row)
}

func scanDownload(row pgx.Row) (*gridmodel.DownloadRecord, error) {
	var r gridmodel.DownloadRecord
	var status string
	err := row.Scan(&r.ID, &r.URL, &r.Filename, &r.Model, &r.TotalBytes, &r.DownloadedBytes,
		&r.RetryCount, &status, &r.CreatedAt, &r.UpdatedAt, &r.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "downloads.scan", ErrNotFound)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "downloads.scan", err)
	}
	r.Status = gridmodel.DownloadStatus(status)
	return &r, nil
}

func (s *PGDownloads) Claimable(ctx context.Context, limit int) ([]gridmodel.DownloadRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, url, filename, model, total_bytes, downloaded_bytes, retry_count, status, created_at, updated_at, last_error
		FROM downloads
		WHERE status IN ('pending', 'retrying', 'in_progress')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "downloads.claimable", err)
	}
	defer rows.Close()
	var out []gridmodel.DownloadRecord
	for rows.Next() {
		r, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PGDownloads) setStatus(ctx context.Context, id int64, status gridmodel.DownloadStatus, cause string, bumpRetry bool) error {
	retry := 0
	if bumpRetry {
		retry = 1
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE downloads SET status = $2, last_error = $3,
		    retry_count = retry_count + $4, updated_at = now()
		WHERE id = $1`, id, string(status), cause, retry)
	if err != nil {
		return apperr.New(apperr.KindUnavailable, "downloads.setStatus", err)
	}
	return nil
}

func (s *PGDownloads) MarkInProgress(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, gridmodel.DownloadInProgress, "", false)
}

func (s *PGDownloads) MarkRetrying(ctx context.Context, id int64, cause string) error {
	return s.setStatus(ctx, id, gridmodel.DownloadRetrying, cause, true)
}

func (s *PGDownloads) MarkFailed(ctx context.Context, id int64, cause string) error {
	return s.setStatus(ctx, id, gridmodel.DownloadFailed, cause, false)
}

func (s *PGDownloads) UpdateProgress(ctx context.Context, id int64, downloaded, total int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE downloads SET downloaded_bytes = $2, total_bytes = $3, updated_at = now()
		WHERE id = $1`, id, downloaded, total)
	if err != nil {
		return apperr.New(apperr.KindUnavailable, "downloads.updateProgress", err)
	}
	return nil
}

// Complete moves the row into completed_downloads with ingested=false.
// The two statements share a transaction so the record is never in both
// relations and never in neither.
func (s *PGDownloads) Complete(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.New(apperr.KindUnavailable, "downloads.complete", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO completed_downloads (url, filename, model, total_bytes, downloaded_bytes, retry_count, created_at)
		SELECT url, filename, model, total_bytes, downloaded_bytes, retry_count, created_at
		FROM downloads WHERE id = $1
		ON CONFLICT (url) DO UPDATE SET
		    total_bytes = EXCLUDED.total_bytes,
		    downloaded_bytes = EXCLUDED.downloaded_bytes,
		    completed_at = now(),
		    ingested = FALSE`, id)
	if err != nil {
		return apperr.New(apperr.KindUnavailable, "downloads.complete", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "downloads.complete", ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM downloads WHERE id = $1`, id); err != nil {
		return apperr.New(apperr.KindUnavailable, "downloads.complete", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.New(apperr.KindUnavailable, "downloads.complete", err)
	}
	return nil
}

func (s *PGDownloads) NextToIngest(ctx context.Context, limit int) ([]gridmodel.DownloadRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, url, filename, model, total_bytes, downloaded_bytes, retry_count, created_at, completed_at, ingested
		FROM completed_downloads
		WHERE NOT ingested
		ORDER BY completed_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindUnavailable, "downloads.nextToIngest", err)
	}
	defer rows.Close()
	var out []gridmodel.DownloadRecord
	for rows.Next() {
		var r gridmodel.DownloadRecord
		if err := rows.Scan(&r.ID, &r.URL, &r.Filename, &r.Model, &r.TotalBytes, &r.DownloadedBytes,
			&r.RetryCount, &r.CreatedAt, &r.UpdatedAt, &r.Ingested); err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "downloads.nextToIngest", err)
		}
		r.Status = gridmodel.DownloadCompleted
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGDownloads) MarkIngested(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE completed_downloads SET ingested = TRUE WHERE id = $1`, id)
	if err != nil {
		return apperr.New(apperr.KindUnavailable, "downloads.markIngested", err)
	}
	return nil
}

// MemoryDownloads is the in-process DownloadStore used by tests.
type MemoryDownloads struct {
	mu        sync.Mutex
	nextID    int64
	active    map[int64]*gridmodel.DownloadRecord
	completed map[int64]*gridmodel.DownloadRecord
}

func NewMemoryDownloads() *MemoryDownloads {
	return &MemoryDownloads{
		active:    map[int64]*gridmodel.DownloadRecord{},
		completed: map[int64]*gridmodel.DownloadRecord{},
	}
}

func (s *MemoryDownloads) Enqueue(_ context.Context, url, filename, model string) (*gridmodel.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.active {
		if r.URL == url {
			cp := *r
			return &cp, nil
		}
	}
	s.nextID++
	r := &gridmodel.DownloadRecord{
		ID: s.nextID, URL: url, Filename: filename, Model: model,
		Status: gridmodel.DownloadPending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	s.active[r.ID] = r
	cp := *r
	return &cp, nil
}

func (s *MemoryDownloads) Claimable(_ context.Context, limit int) ([]gridmodel.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gridmodel.DownloadRecord
	for _, r := range s.active {
		switch r.Status {
		case gridmodel.DownloadPending, gridmodel.DownloadRetrying, gridmodel.DownloadInProgress:
			out = append(out, *r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDownloads) update(id int64, f func(*gridmodel.DownloadRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "downloads.update", ErrNotFound)
	}
	f(r)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryDownloads) MarkInProgress(_ context.Context, id int64) error {
	return s.update(id, func(r *gridmodel.DownloadRecord) { r.Status = gridmodel.DownloadInProgress })
}

func (s *MemoryDownloads) UpdateProgress(_ context.Context, id int64, downloaded, total int64) error {
	return s.update(id, func(r *gridmodel.DownloadRecord) {
		r.DownloadedBytes = downloaded
		r.TotalBytes = total
	})
}

func (s *MemoryDownloads) MarkRetrying(_ context.Context, id int64, cause string) error {
	return s.update(id, func(r *gridmodel.DownloadRecord) {
		r.Status = gridmodel.DownloadRetrying
		r.LastError = cause
		r.RetryCount++
	})
}

func (s *MemoryDownloads) MarkFailed(_ context.Context, id int64, cause string) error {
	return s.update(id, func(r *gridmodel.DownloadRecord) {
		r.Status = gridmodel.DownloadFailed
		r.LastError = cause
	})
}

func (s *MemoryDownloads) Complete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "downloads.complete", ErrNotFound)
	}
	delete(s.active, id)
	r.Status = gridmodel.DownloadCompleted
	r.Ingested = false
	s.completed[id] = r
	return nil
}

func (s *MemoryDownloads) NextToIngest(_ context.Context, limit int) ([]gridmodel.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gridmodel.DownloadRecord
	for _, r := range s.completed {
		if !r.Ingested {
			out = append(out, *r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDownloads) MarkIngested(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.completed[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "downloads.markIngested", ErrNotFound)
	}
	r.Ingested = true
	return nil
}
