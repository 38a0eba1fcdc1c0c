package gridmodel

import "time"

// DatasetEntry is one row of the dataset catalog: a single decoded
// parameter field persisted as a chunked object. The unique key is
// (Model, Parameter, Level, ReferenceTime, ForecastHour).
type DatasetEntry struct {
	Model         string    `json:"model"`
	Parameter     string    `json:"parameter"`
	Level         string    `json:"level"`
	ReferenceTime time.Time `json:"reference_time"`
	ForecastHour  int       `json:"forecast_hour"`
	StoragePath   string    `json:"storage_path"`
	BBox          BBox      `json:"bbox"`
	GridWidth     int       `json:"grid_width"`
	GridHeight    int       `json:"grid_height"`
	ChunkSize     int       `json:"chunk_size"`
	Units         string    `json:"units"`
	FillValue     float64   `json:"fill_value"`
}

// ValidTime is the time the field is valid for: reference + lead.
func (e DatasetEntry) ValidTime() time.Time {
	return e.ReferenceTime.Add(time.Duration(e.ForecastHour) * time.Hour)
}

// DownloadStatus is the state of a download record.
type DownloadStatus string

const (
	DownloadPending    DownloadStatus = "pending"
	DownloadInProgress DownloadStatus = "in_progress"
	DownloadRetrying   DownloadStatus = "retrying"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

// DownloadRecord tracks one source file through the fetch state machine.
// A record lives in exactly one of the downloads / completed_downloads
// relations; Ingested is only meaningful after completion.
type DownloadRecord struct {
	ID              int64          `json:"id"`
	URL             string         `json:"url"`
	Filename        string         `json:"filename"`
	Model           string         `json:"model"`
	TotalBytes      int64          `json:"total_bytes"`
	DownloadedBytes int64          `json:"downloaded_bytes"`
	RetryCount      int            `json:"retry_count"`
	Status          DownloadStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastError       string         `json:"last_error,omitempty"`
	Ingested        bool           `json:"ingested"`
}
