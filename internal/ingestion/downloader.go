package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jcom-dev/gridweather/internal/catalog"
	"github.com/jcom-dev/gridweather/internal/gridmodel"
	"github.com/jcom-dev/gridweather/internal/gridstore"
)

// maxDownloadRetries before a record goes to failed.
const maxDownloadRetries = 5

// Downloader drives the fetch state machine: claim records, fetch with
// range resume, land the bytes on object storage under a staging
// prefix, then hand completed records to the ingest trigger.
type Downloader struct {
	state       catalog.DownloadStore
	staging     gridstore.ObjectStore
	client      *http.Client
	concurrency int
	group       singleflight.Group
}

// NewDownloader wires the downloader. The staging store receives raw
// source files under "staging/{model}/{filename}".
func NewDownloader(state catalog.DownloadStore, staging gridstore.ObjectStore, client *http.Client, concurrency int) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Downloader{state: state, staging: staging, client: client, concurrency: concurrency}
}

func stagingKey(rec gridmodel.DownloadRecord) string {
	return "staging/" + rec.Model + "/" + rec.Filename
}

// RunCycle claims every eligible record and fetches them with bounded
// concurrency. In-flight records interrupted by a previous crash resume
// from their recorded byte offset via a ranged request. Per-record
// failures mark the record retrying/failed and never abort the cycle.
func (d *Downloader) RunCycle(ctx context.Context) error {
	records, err := d.state.Claimable(ctx, 256)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			// Coalesce duplicate claims of the same URL inside one cycle.
			_, err, _ := d.group.Do(rec.URL, func() (any, error) {
				return nil, d.fetchOne(ctx, rec)
			})
			if err != nil {
				slog.Warn("download failed this cycle", "url", rec.URL, "error", err)
			}
			return nil // per-record errors do not fail the cycle
		})
	}
	return g.Wait()
}

// fetchOne downloads a single record, resuming at its byte offset.
func (d *Downloader) fetchOne(ctx context.Context, rec gridmodel.DownloadRecord) error {
	if err := d.state.MarkInProgress(ctx, rec.ID); err != nil {
		return err
	}

	var existing []byte
	offset := int64(0)
	if rec.DownloadedBytes > 0 {
		if data, err := d.staging.Get(ctx, stagingKey(rec)); err == nil && int64(len(data)) == rec.DownloadedBytes {
			existing = data
			offset = rec.DownloadedBytes
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		return d.recordFailure(ctx, rec, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return d.recordFailure(ctx, rec, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range; start over.
		existing = nil
		offset = 0
	case http.StatusPartialContent:
	default:
		return d.recordFailure(ctx, rec, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// Keep whatever arrived so the next cycle resumes further along.
		partial := append(existing, body...)
		if putErr := d.staging.Put(ctx, stagingKey(rec), partial); putErr == nil {
			_ = d.state.UpdateProgress(ctx, rec.ID, int64(len(partial)), totalFor(rec, resp, offset))
		}
		return d.recordFailure(ctx, rec, err)
	}

	full := append(existing, body...)
	total := totalFor(rec, resp, offset)
	if total == 0 {
		total = int64(len(full))
	}
	if err := d.staging.Put(ctx, stagingKey(rec), full); err != nil {
		return d.recordFailure(ctx, rec, err)
	}
	if err := d.state.UpdateProgress(ctx, rec.ID, int64(len(full)), total); err != nil {
		return err
	}
	if err := d.state.Complete(ctx, rec.ID); err != nil {
		return err
	}
	slog.Info("download completed", "url", rec.URL, "bytes", len(full), "resumed_from", offset)
	return nil
}

func totalFor(rec gridmodel.DownloadRecord, resp *http.Response, offset int64) int64 {
	if resp.ContentLength > 0 {
		return offset + resp.ContentLength
	}
	return rec.TotalBytes
}

func (d *Downloader) recordFailure(ctx context.Context, rec gridmodel.DownloadRecord, cause error) error {
	if rec.RetryCount+1 >= maxDownloadRetries {
		_ = d.state.MarkFailed(ctx, rec.ID, cause.Error())
	} else {
		_ = d.state.MarkRetrying(ctx, rec.ID, cause.Error())
	}
	return cause
}

// IngestTrigger pulls completed, not-yet-ingested downloads from the
// state store, reads their staged bytes and runs the ingester. It is
// called synchronously after each download cycle, which naturally
// bounds its fanout to the download concurrency.
type IngestTrigger struct {
	state    catalog.DownloadStore
	staging  gridstore.ObjectStore
	ingester *Ingester
}

func NewIngestTrigger(state catalog.DownloadStore, staging gridstore.ObjectStore, ingester *Ingester) *IngestTrigger {
	return &IngestTrigger{state: state, staging: staging, ingester: ingester}
}

// Run ingests every pending completed download. Per-file failures are
// logged and left pending so the next sweep retries them; individual
// malformed messages are already skipped inside the decoder.
func (t *IngestTrigger) Run(ctx context.Context) error {
	records, err := t.state.NextToIngest(ctx, 64)
	if err != nil {
		return err
	}
	for _, rec := range records {
		data, err := t.staging.Get(ctx, stagingKey(rec))
		if err != nil {
			slog.Error("staged file missing, skipping ingest", "url", rec.URL, "error", err)
			continue
		}
		if _, err := t.ingester.IngestGRIB2(ctx, data, rec.Model); err != nil {
			slog.Error("ingest failed", "url", rec.URL, "error", err)
			continue
		}
		if err := t.state.MarkIngested(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}
