package dataset

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/model"
	"github.com/dataveil/dataveil/internal/store"
)

// OutputFormat selects the encoding of anonymized job output.
type OutputFormat string

const (
	OutputCSV     OutputFormat = "csv"
	OutputParquet OutputFormat = "parquet"
)

// Config contains ingestion and file layout configuration.
type Config struct {
	UploadDir     string       `yaml:"upload_dir" mapstructure:"upload_dir"`
	ProcessedDir  string       `yaml:"processed_dir" mapstructure:"processed_dir"`
	MaxUploadSize int64        `yaml:"max_upload_size" mapstructure:"max_upload_size"`
	PreviewRows   int          `yaml:"preview_rows" mapstructure:"preview_rows"`
	OutputFormat  OutputFormat `yaml:"output_format" mapstructure:"output_format"`
}

// Service owns dataset source files on disk and their metadata records.
// Source content is read-only after ingestion; jobs only ever read it.
type Service struct {
	config   Config
	datasets store.Datasets
	logger   *zap.Logger
}

// NewService creates the ingestion service and its storage directories.
func NewService(config Config, datasets store.Datasets, logger *zap.Logger) (*Service, error) {
	for _, dir := range []string{config.UploadDir, config.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return &Service{config: config, datasets: datasets, logger: logger}, nil
}

// Ingest parses uploaded CSV content, persists the source file and the
// dataset record, and returns the dataset with a row preview.
func (s *Service) Ingest(ctx context.Context, fileName string, content []byte) (*model.Dataset, [][]string, error) {
	if int64(len(content)) > s.config.MaxUploadSize {
		return nil, nil, &model.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("file exceeds maximum upload size of %d bytes", s.config.MaxUploadSize),
		}
	}

	table, err := parseCSV(bytes.NewReader(content))
	if err != nil {
		return nil, nil, &model.ValidationError{Field: "file", Message: err.Error()}
	}
	if len(table.Header) == 0 {
		return nil, nil, &model.ValidationError{Field: "file", Message: "empty CSV file"}
	}

	sourcePath := filepath.Join(s.config.UploadDir, uuid.New().String()+".csv")
	if err := os.WriteFile(sourcePath, content, 0o644); err != nil {
		return nil, nil, fmt.Errorf("failed to store uploaded file: %w", err)
	}

	ds := &model.Dataset{
		FileName:    fileName,
		FileSize:    int64(len(content)),
		SourcePath:  sourcePath,
		RowCount:    len(table.Rows),
		ColumnNames: table.Header,
	}
	if err := s.datasets.CreateDataset(ctx, ds); err != nil {
		return nil, nil, fmt.Errorf("failed to persist dataset: %w", err)
	}

	s.logger.Info("Dataset ingested",
		zap.Int64("dataset_id", ds.ID),
		zap.String("file_name", fileName),
		zap.Int("rows", ds.RowCount),
		zap.Int("columns", len(ds.ColumnNames)),
		zap.Int("skipped_rows", table.Skipped))

	return ds, s.preview(table), nil
}

// Get returns a dataset with a preview of its source rows.
func (s *Service) Get(ctx context.Context, id int64) (*model.Dataset, [][]string, error) {
	ds, err := s.datasets.GetDataset(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	table, err := s.ReadRows(ds.SourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dataset source: %w", err)
	}
	return ds, s.preview(table), nil
}

// ReadRows loads the full row set from a dataset source or job output
// file. Malformed rows are skipped and counted, never fatal.
func (s *Service) ReadRows(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	table, err := parseCSV(f)
	if err != nil {
		return nil, err
	}
	if table.Skipped > 0 {
		s.logger.Warn("Skipped malformed rows",
			zap.String("path", path),
			zap.Int("skipped", table.Skipped))
	}
	return table, nil
}

// WriteOutput persists anonymized rows for a job and returns the output
// path. The format is fixed by configuration, csv by default.
func (s *Service) WriteOutput(datasetID, jobID int64, header []string, rows [][]string) (string, error) {
	name := fmt.Sprintf("anonymized_%d_%d", datasetID, jobID)

	switch s.config.OutputFormat {
	case OutputParquet:
		path := filepath.Join(s.config.ProcessedDir, name+".parquet")
		if err := writeParquet(path, header, rows); err != nil {
			return "", err
		}
		return path, nil
	default:
		path := filepath.Join(s.config.ProcessedDir, name+".csv")
		if err := writeCSV(path, header, rows); err != nil {
			return "", err
		}
		return path, nil
	}
}

func (s *Service) preview(table *Table) [][]string {
	n := s.config.PreviewRows
	if n <= 0 || n > len(table.Rows) {
		n = len(table.Rows)
	}
	return table.Rows[:n]
}
