package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/model"
)

// PostgresConfig contains database connection configuration.
type PostgresConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// Postgres is the production store backed by PostgreSQL.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	id           BIGSERIAL PRIMARY KEY,
	file_name    TEXT NOT NULL,
	file_size    BIGINT NOT NULL,
	source_path  TEXT NOT NULL,
	row_count    INTEGER NOT NULL DEFAULT 0,
	column_names TEXT[] NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS detection_results (
	id         BIGSERIAL PRIMARY KEY,
	dataset_id BIGINT NOT NULL REFERENCES datasets(id),
	results    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS anonymization_jobs (
	id            BIGSERIAL PRIMARY KEY,
	dataset_id    BIGINT NOT NULL REFERENCES datasets(id),
	rules         JSONB NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	output_path   TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS risk_reports (
	id             BIGSERIAL PRIMARY KEY,
	dataset_id     BIGINT NOT NULL REFERENCES datasets(id),
	job_id         BIGINT NOT NULL REFERENCES anonymization_jobs(id),
	overall_score  INTEGER NOT NULL,
	metrics        JSONB NOT NULL,
	attacker_risks JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// NewPostgres connects to PostgreSQL and ensures the schema exists.
func NewPostgres(config *PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	s := &Postgres{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Postgres store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return s, nil
}

func (s *Postgres) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

// CreateDataset inserts a dataset and fills in its id and timestamp.
func (s *Postgres) CreateDataset(ctx context.Context, d *model.Dataset) error {
	query := `
		INSERT INTO datasets (file_name, file_size, source_path, row_count, column_names)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		d.FileName, d.FileSize, d.SourcePath, d.RowCount, pq.Array(d.ColumnNames),
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dataset: %w", err)
	}
	return nil
}

// GetDataset fetches a dataset by id.
func (s *Postgres) GetDataset(ctx context.Context, id int64) (*model.Dataset, error) {
	query := `
		SELECT id, file_name, file_size, source_path, row_count, column_names, created_at
		FROM datasets WHERE id = $1`

	var d model.Dataset
	var columns pq.StringArray
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.FileName, &d.FileSize, &d.SourcePath, &d.RowCount, &columns, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	d.ColumnNames = []string(columns)
	return &d, nil
}

// CreateDetection appends a classification run.
func (s *Postgres) CreateDetection(ctx context.Context, r *model.DetectionResult) error {
	payload, err := json.Marshal(r.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal detection results: %w", err)
	}

	query := `
		INSERT INTO detection_results (dataset_id, results)
		VALUES ($1, $2)
		RETURNING id, created_at`

	if err := s.db.QueryRowContext(ctx, query, r.DatasetID, payload).Scan(&r.ID, &r.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert detection result: %w", err)
	}
	return nil
}

// LatestDetection returns the most recent run for a dataset.
func (s *Postgres) LatestDetection(ctx context.Context, datasetID int64) (*model.DetectionResult, error) {
	query := `
		SELECT id, dataset_id, results, created_at
		FROM detection_results
		WHERE dataset_id = $1
		ORDER BY id DESC
		LIMIT 1`

	var r model.DetectionResult
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, datasetID).Scan(&r.ID, &r.DatasetID, &payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection result: %w", err)
	}
	if err := json.Unmarshal(payload, &r.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal detection results: %w", err)
	}
	return &r, nil
}

// CreateJob inserts a job record.
func (s *Postgres) CreateJob(ctx context.Context, j *model.AnonymizationJob) error {
	rules, err := json.Marshal(j.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rule set: %w", err)
	}

	query := `
		INSERT INTO anonymization_jobs (dataset_id, rules, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	if err := s.db.QueryRowContext(ctx, query, j.DatasetID, rules, j.Status).
		Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id int64) (*model.AnonymizationJob, error) {
	query := `
		SELECT id, dataset_id, rules, status, output_path, error_message, created_at, updated_at
		FROM anonymization_jobs WHERE id = $1`

	var j model.AnonymizationJob
	var rules []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.DatasetID, &rules, &j.Status, &j.OutputPath, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if err := json.Unmarshal(rules, &j.Rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule set: %w", err)
	}
	return &j, nil
}

// UpdateJob overwrites a job's mutable fields, last write wins.
func (s *Postgres) UpdateJob(ctx context.Context, j *model.AnonymizationJob) error {
	query := `
		UPDATE anonymization_jobs
		SET status = $2, output_path = $3, error_message = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := s.db.QueryRowContext(ctx, query, j.ID, j.Status, j.OutputPath, j.ErrorMessage).
		Scan(&j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// CreateReport inserts a risk report.
func (s *Postgres) CreateReport(ctx context.Context, r *model.RiskReport) error {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	risks, err := json.Marshal(r.AttackerRisks)
	if err != nil {
		return fmt.Errorf("failed to marshal attacker risks: %w", err)
	}

	query := `
		INSERT INTO risk_reports (dataset_id, job_id, overall_score, metrics, attacker_risks)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	if err := s.db.QueryRowContext(ctx, query, r.DatasetID, r.JobID, r.OverallScore, metrics, risks).
		Scan(&r.ID, &r.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert risk report: %w", err)
	}
	return nil
}

// LatestReport returns the most recent report for a dataset.
func (s *Postgres) LatestReport(ctx context.Context, datasetID int64) (*model.RiskReport, error) {
	query := `
		SELECT id, dataset_id, job_id, overall_score, metrics, attacker_risks, created_at
		FROM risk_reports
		WHERE dataset_id = $1
		ORDER BY id DESC
		LIMIT 1`

	return s.scanReport(s.db.QueryRowContext(ctx, query, datasetID))
}

// ReportForJob returns the report for a (dataset, job) pair, if any.
func (s *Postgres) ReportForJob(ctx context.Context, datasetID, jobID int64) (*model.RiskReport, error) {
	query := `
		SELECT id, dataset_id, job_id, overall_score, metrics, attacker_risks, created_at
		FROM risk_reports
		WHERE dataset_id = $1 AND job_id = $2
		ORDER BY id
		LIMIT 1`

	return s.scanReport(s.db.QueryRowContext(ctx, query, datasetID, jobID))
}

func (s *Postgres) scanReport(row *sql.Row) (*model.RiskReport, error) {
	var r model.RiskReport
	var metrics, risks []byte
	err := row.Scan(&r.ID, &r.DatasetID, &r.JobID, &r.OverallScore, &metrics, &risks, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk report: %w", err)
	}
	if err := json.Unmarshal(metrics, &r.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal(risks, &r.AttackerRisks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attacker risks: %w", err)
	}
	return &r, nil
}

// Close closes the database connection.
func (s *Postgres) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password in a database URL for logging.
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
