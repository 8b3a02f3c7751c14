package detect

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/model"
)

// keywordRule maps column-name keywords to a sensitivity label. Rules are
// evaluated in order; the first match wins, so PII keywords take
// precedence over quasi-identifier keywords.
type keywordRule struct {
	Label      model.SensitivityLabel
	Confidence float64
	Keywords   []string
}

func defaultRules() []keywordRule {
	return []keywordRule{
		{Label: model.LabelPII, Confidence: 0.99, Keywords: []string{"email", "phone", "ssn"}},
		{Label: model.LabelQuasi, Confidence: 0.85, Keywords: []string{"zip", "dob", "gender", "age"}},
	}
}

// Classify labels every column by name. It is a pure function: the same
// column names always produce the same findings, and every column gets
// exactly one classification. Row values are never inspected; the type is
// a fixed placeholder until sampled type inference exists.
func Classify(columns []string) []model.ColumnFinding {
	rules := defaultRules()
	findings := make([]model.ColumnFinding, 0, len(columns))

	for _, column := range columns {
		lower := strings.ToLower(column)
		finding := model.ColumnFinding{
			Column:     column,
			Type:       "string",
			Label:      model.LabelSafe,
			Confidence: 0.99,
		}

	match:
		for _, rule := range rules {
			for _, keyword := range rule.Keywords {
				if strings.Contains(lower, keyword) {
					finding.Label = rule.Label
					finding.Confidence = rule.Confidence
					break match
				}
			}
		}

		findings = append(findings, finding)
	}
	return findings
}

// QuasiColumns filters a detection result down to quasi-identifier
// column names, preserving input order.
func QuasiColumns(findings []model.ColumnFinding) []string {
	var columns []string
	for _, f := range findings {
		if f.Label == model.LabelQuasi {
			columns = append(columns, f.Column)
		}
	}
	return columns
}

// SensitiveColumns filters a detection result down to directly
// identifying column names, preserving input order.
func SensitiveColumns(findings []model.ColumnFinding) []string {
	var columns []string
	for _, f := range findings {
		if f.Label == model.LabelPII {
			columns = append(columns, f.Column)
		}
	}
	return columns
}

// Store is the persistence surface the detection service needs.
type Store interface {
	GetDataset(ctx context.Context, id int64) (*model.Dataset, error)
	CreateDetection(ctx context.Context, r *model.DetectionResult) error
	LatestDetection(ctx context.Context, datasetID int64) (*model.DetectionResult, error)
}

// Service runs classification over stored datasets and persists results.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a detection service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Run classifies the dataset's columns and persists a new detection
// result. Each run appends a record; readers see only the latest.
func (s *Service) Run(ctx context.Context, datasetID int64) (*model.DetectionResult, error) {
	ds, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	result := &model.DetectionResult{
		DatasetID: datasetID,
		Results:   Classify(ds.ColumnNames),
	}
	if err := s.store.CreateDetection(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist detection result: %w", err)
	}

	pii, quasi := 0, 0
	for _, f := range result.Results {
		switch f.Label {
		case model.LabelPII:
			pii++
		case model.LabelQuasi:
			quasi++
		}
	}
	s.logger.Info("Column classification completed",
		zap.Int64("dataset_id", datasetID),
		zap.Int("columns", len(result.Results)),
		zap.Int("pii", pii),
		zap.Int("quasi", quasi))

	return result, nil
}

// Latest returns the most recent detection result for a dataset.
func (s *Service) Latest(ctx context.Context, datasetID int64) (*model.DetectionResult, error) {
	return s.store.LatestDetection(ctx, datasetID)
}
