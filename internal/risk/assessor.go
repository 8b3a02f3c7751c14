package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/dataset"
	"github.com/dataveil/dataveil/internal/detect"
	"github.com/dataveil/dataveil/internal/model"
)

// tupleSep joins quasi-identifier values into an equivalence class key.
// A unit separator avoids collisions with values containing commas.
const tupleSep = "\x1f"

// Store is the persistence surface the assessor needs.
type Store interface {
	GetDataset(ctx context.Context, id int64) (*model.Dataset, error)
	GetJob(ctx context.Context, id int64) (*model.AnonymizationJob, error)
	LatestDetection(ctx context.Context, datasetID int64) (*model.DetectionResult, error)
	CreateReport(ctx context.Context, r *model.RiskReport) error
	LatestReport(ctx context.Context, datasetID int64) (*model.RiskReport, error)
	ReportForJob(ctx context.Context, datasetID, jobID int64) (*model.RiskReport, error)
}

// Assessor scores the re-identification risk of a completed job's output.
type Assessor struct {
	store  Store
	files  *dataset.Service
	logger *zap.Logger
}

// New creates a risk assessor.
func New(store Store, files *dataset.Service, logger *zap.Logger) *Assessor {
	return &Assessor{store: store, files: files, logger: logger}
}

// Assess computes a risk report for the (dataset, job) pair. The job must
// be completed; the assessor never polls or waits. Re-assessing a pair
// that already has a report returns the existing report unchanged.
func (a *Assessor) Assess(ctx context.Context, datasetID, jobID int64) (*model.RiskReport, error) {
	ds, err := a.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.DatasetID != datasetID {
		return nil, model.ErrNotFound
	}
	if job.Status != model.JobCompleted {
		return nil, &model.ValidationError{
			Field:   "jobId",
			Message: fmt.Sprintf("job %d is %s, not completed", jobID, job.Status),
		}
	}

	if existing, err := a.store.ReportForJob(ctx, datasetID, jobID); err == nil {
		return existing, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	table, err := a.files.ReadRows(job.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read job output: %w", err)
	}

	findings := a.columnFindings(ctx, ds)
	quasi := presentColumns(detect.QuasiColumns(findings), table.Header)
	sensitive := presentColumns(detect.SensitiveColumns(findings), table.Header)

	metrics := computeMetrics(table.Header, table.Rows, quasi, sensitive)
	report := &model.RiskReport{
		DatasetID:     datasetID,
		JobID:         jobID,
		OverallScore:  score(metrics),
		Metrics:       metrics,
		AttackerRisks: attackerRisks(metrics, quasi, sensitive, job.Rules),
	}
	if err := a.store.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to persist risk report: %w", err)
	}

	a.logger.Info("Risk report created",
		zap.Int64("dataset_id", datasetID),
		zap.Int64("job_id", jobID),
		zap.Int("overall_score", report.OverallScore),
		zap.Float64("uniqueness", metrics.Uniqueness),
		zap.Int("k_anonymity", metrics.KAnonymity))

	return report, nil
}

// Latest returns the most recent report for a dataset.
func (a *Assessor) Latest(ctx context.Context, datasetID int64) (*model.RiskReport, error) {
	return a.store.LatestReport(ctx, datasetID)
}

// columnFindings prefers the latest stored detection run; when none
// exists it classifies the dataset's column names directly, which is
// deterministic and side-effect free.
func (a *Assessor) columnFindings(ctx context.Context, ds *model.Dataset) []model.ColumnFinding {
	if result, err := a.store.LatestDetection(ctx, ds.ID); err == nil {
		return result.Results
	}
	return detect.Classify(ds.ColumnNames)
}

// presentColumns keeps only columns that survived anonymization.
func presentColumns(columns, header []string) []string {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var out []string
	for _, c := range columns {
		if present[c] {
			out = append(out, c)
		}
	}
	return out
}

// computeMetrics derives uniqueness, k-anonymity and optional l-diversity
// over the quasi-identifier equivalence classes of the output rows.
func computeMetrics(header []string, rows [][]string, quasi, sensitive []string) model.RiskMetrics {
	if len(rows) == 0 {
		// Nothing to measure; report the conservative floor.
		return model.RiskMetrics{Uniqueness: 0, KAnonymity: 1}
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[h] = i
	}

	classes := make(map[string][]int)
	for r, row := range rows {
		parts := make([]string, len(quasi))
		for i, col := range quasi {
			parts[i] = row[index[col]]
		}
		key := strings.Join(parts, tupleSep)
		classes[key] = append(classes[key], r)
	}

	unique := 0
	k := len(rows)
	for _, members := range classes {
		if len(members) == 1 {
			unique++
		}
		if len(members) < k {
			k = len(members)
		}
	}

	metrics := model.RiskMetrics{
		Uniqueness: float64(unique) / float64(len(rows)),
		KAnonymity: k,
	}

	if len(sensitive) > 0 {
		l := lDiversity(rows, index, classes, sensitive)
		metrics.LDiversity = &l
	}
	return metrics
}

// lDiversity is the minimum number of distinct sensitive values within
// any equivalence class, over all sensitive columns.
func lDiversity(rows [][]string, index map[string]int, classes map[string][]int, sensitive []string) int {
	l := 0
	first := true
	for _, col := range sensitive {
		ci := index[col]
		for _, members := range classes {
			distinct := make(map[string]bool, len(members))
			for _, r := range members {
				distinct[rows[r][ci]] = true
			}
			if first || len(distinct) < l {
				l = len(distinct)
				first = false
			}
		}
	}
	return l
}

// score maps metrics to [0,100]. Higher uniqueness lowers the score;
// higher k-anonymity raises it. The constants are illustrative; only the
// monotonicity matters.
func score(m model.RiskMetrics) int {
	k := m.KAnonymity
	if k < 1 {
		k = 1
	}
	s := 100.0 - 70.0*m.Uniqueness - 30.0/float64(k)
	clamped := int(math.Round(math.Min(100, math.Max(0, s))))
	return clamped
}

// attackerRisks enumerates qualitative findings in a fixed order. An
// empty slice is a valid result; the field is always present.
func attackerRisks(m model.RiskMetrics, quasi, sensitive []string, rules model.RuleSet) []model.AttackerRisk {
	risks := []model.AttackerRisk{}

	if len(quasi) >= 2 {
		risks = append(risks, model.AttackerRisk{
			Type: "quasi_linkage",
			Description: fmt.Sprintf("Possible re-identification via %s + %s linkage against external data",
				quasi[0], quasi[1]),
		})
	}
	if m.KAnonymity < 5 {
		risks = append(risks, model.AttackerRisk{
			Type: "small_equivalence_class",
			Description: fmt.Sprintf("Smallest quasi-identifier group has only %d record(s); k-anonymity below 5",
				m.KAnonymity),
		})
	}
	if m.Uniqueness > 0.5 {
		risks = append(risks, model.AttackerRisk{
			Type: "high_uniqueness",
			Description: fmt.Sprintf("%.0f%% of rows have a unique quasi-identifier combination",
				m.Uniqueness*100),
		})
	}
	for _, col := range sensitive {
		if rule, ok := rules[col]; !ok || rule.Action == model.ActionNone {
			risks = append(risks, model.AttackerRisk{
				Type:        "residual_identifier",
				Description: fmt.Sprintf("Directly identifying column %q was left untransformed", col),
			})
		}
	}
	return risks
}
