package store

import (
	"context"

	"github.com/dataveil/dataveil/internal/model"
)

// Datasets persists dataset metadata. Source file content lives on disk
// and is owned by the ingestion service, not the store.
type Datasets interface {
	CreateDataset(ctx context.Context, d *model.Dataset) error
	GetDataset(ctx context.Context, id int64) (*model.Dataset, error)
}

// Detections persists classification runs. Runs are append-only; Latest
// returns the most recent record for a dataset.
type Detections interface {
	CreateDetection(ctx context.Context, r *model.DetectionResult) error
	LatestDetection(ctx context.Context, datasetID int64) (*model.DetectionResult, error)
}

// Jobs persists anonymization jobs with last-write-wins update semantics.
type Jobs interface {
	CreateJob(ctx context.Context, j *model.AnonymizationJob) error
	GetJob(ctx context.Context, id int64) (*model.AnonymizationJob, error)
	UpdateJob(ctx context.Context, j *model.AnonymizationJob) error
}

// Reports persists risk reports, one per (dataset, job) pair.
type Reports interface {
	CreateReport(ctx context.Context, r *model.RiskReport) error
	LatestReport(ctx context.Context, datasetID int64) (*model.RiskReport, error)
	ReportForJob(ctx context.Context, datasetID, jobID int64) (*model.RiskReport, error)
}

// Store bundles the four entity repositories. Any implementation
// satisfying these contracts can back the pipeline.
type Store interface {
	Datasets
	Detections
	Jobs
	Reports
	Close() error
}
