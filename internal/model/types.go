package model

import "time"

// Dataset describes an uploaded tabular source file. Row count and column
// names are filled in after the first parse; everything else is immutable.
type Dataset struct {
	ID          int64     `json:"id" db:"id"`
	FileName    string    `json:"fileName" db:"file_name"`
	FileSize    int64     `json:"fileSize" db:"file_size"`
	SourcePath  string    `json:"-" db:"source_path"`
	RowCount    int       `json:"rowCount" db:"row_count"`
	ColumnNames []string  `json:"columnNames" db:"-"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// SensitivityLabel classifies a column's privacy sensitivity.
type SensitivityLabel string

const (
	LabelPII   SensitivityLabel = "PII"
	LabelQuasi SensitivityLabel = "QUASI"
	LabelSafe  SensitivityLabel = "SAFE"
)

// ColumnFinding is the classification of a single column.
type ColumnFinding struct {
	Column     string           `json:"column"`
	Type       string           `json:"type"`
	Label      SensitivityLabel `json:"label"`
	Confidence float64          `json:"confidence"`
}

// DetectionResult is one classification run over a dataset's columns.
// Runs are append-only; consumers read the most recent record.
type DetectionResult struct {
	ID        int64           `json:"id" db:"id"`
	DatasetID int64           `json:"datasetId" db:"dataset_id"`
	Results   []ColumnFinding `json:"results" db:"-"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// JobStatus is the lifecycle state of an anonymization job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AnonymizationJob tracks one execution of the rule engine over a dataset.
// The rule set is snapshotted at creation and never changes afterwards.
type AnonymizationJob struct {
	ID           int64     `json:"id" db:"id"`
	DatasetID    int64     `json:"datasetId" db:"dataset_id"`
	Rules        RuleSet   `json:"rules" db:"-"`
	Status       JobStatus `json:"status" db:"status"`
	OutputPath   string    `json:"outputPath,omitempty" db:"output_path"`
	ErrorMessage string    `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// RiskMetrics holds the aggregate privacy metrics for a completed job.
// LDiversity is nil when no sensitive column survives anonymization.
type RiskMetrics struct {
	Uniqueness float64 `json:"uniqueness"`
	KAnonymity int     `json:"kAnonymity"`
	LDiversity *int    `json:"lDiversity,omitempty"`
}

// AttackerRisk is a single qualitative re-identification finding.
type AttackerRisk struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// RiskReport scores the anonymized output of a completed job.
type RiskReport struct {
	ID            int64          `json:"id" db:"id"`
	DatasetID     int64          `json:"datasetId" db:"dataset_id"`
	JobID         int64          `json:"jobId" db:"job_id"`
	OverallScore  int            `json:"overallScore" db:"overall_score"`
	Metrics       RiskMetrics    `json:"metrics" db:"-"`
	AttackerRisks []AttackerRisk `json:"attackerRisks" db:"-"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
}
