package store

import (
	"context"
	"sync"
	"time"

	"github.com/dataveil/dataveil/internal/model"
)

// Memory is a mutex-guarded in-process store. It is the default backend
// and the one used by tests; production deployments point at Postgres.
type Memory struct {
	mu         sync.RWMutex
	nextID     int64
	datasets   map[int64]*model.Dataset
	detections map[int64]*model.DetectionResult
	jobs       map[int64]*model.AnonymizationJob
	reports    map[int64]*model.RiskReport
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nextID:     1,
		datasets:   make(map[int64]*model.Dataset),
		detections: make(map[int64]*model.DetectionResult),
		jobs:       make(map[int64]*model.AnonymizationJob),
		reports:    make(map[int64]*model.RiskReport),
	}
}

func (m *Memory) allocID() int64 {
	id := m.nextID
	m.nextID++
	return id
}

// CreateDataset assigns an id and stores the dataset.
func (m *Memory) CreateDataset(ctx context.Context, d *model.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d.ID = m.allocID()
	d.CreatedAt = time.Now().UTC()
	copied := *d
	copied.ColumnNames = append([]string(nil), d.ColumnNames...)
	m.datasets[d.ID] = &copied
	return nil
}

// GetDataset returns the dataset or model.ErrNotFound.
func (m *Memory) GetDataset(ctx context.Context, id int64) (*model.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.datasets[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	copied := *d
	copied.ColumnNames = append([]string(nil), d.ColumnNames...)
	return &copied, nil
}

// CreateDetection appends a new classification run.
func (m *Memory) CreateDetection(ctx context.Context, r *model.DetectionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.allocID()
	r.CreatedAt = time.Now().UTC()
	copied := *r
	copied.Results = append([]model.ColumnFinding(nil), r.Results...)
	m.detections[r.ID] = &copied
	return nil
}

// LatestDetection returns the most recent run for the dataset. Ids are
// monotonic, so the highest id is the latest record.
func (m *Memory) LatestDetection(ctx context.Context, datasetID int64) (*model.DetectionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *model.DetectionResult
	for _, r := range m.detections {
		if r.DatasetID != datasetID {
			continue
		}
		if latest == nil || r.ID > latest.ID {
			latest = r
		}
	}
	if latest == nil {
		return nil, model.ErrNotFound
	}
	copied := *latest
	copied.Results = append([]model.ColumnFinding(nil), latest.Results...)
	return &copied, nil
}

// CreateJob stores a new job.
func (m *Memory) CreateJob(ctx context.Context, j *model.AnonymizationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j.ID = m.allocID()
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

// GetJob returns the job or model.ErrNotFound. The returned value is a
// copy, so concurrent execution updates never race with readers.
func (m *Memory) GetJob(ctx context.Context, id int64) (*model.AnonymizationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneJob(j), nil
}

// UpdateJob overwrites the stored job record, last write wins.
func (m *Memory) UpdateJob(ctx context.Context, j *model.AnonymizationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; !ok {
		return model.ErrNotFound
	}
	j.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

// CreateReport stores a new risk report.
func (m *Memory) CreateReport(ctx context.Context, r *model.RiskReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.allocID()
	r.CreatedAt = time.Now().UTC()
	m.reports[r.ID] = cloneReport(r)
	return nil
}

// LatestReport returns the most recent report for the dataset.
func (m *Memory) LatestReport(ctx context.Context, datasetID int64) (*model.RiskReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *model.RiskReport
	for _, r := range m.reports {
		if r.DatasetID != datasetID {
			continue
		}
		if latest == nil || r.ID > latest.ID {
			latest = r
		}
	}
	if latest == nil {
		return nil, model.ErrNotFound
	}
	return cloneReport(latest), nil
}

// ReportForJob returns the report for a (dataset, job) pair, if any.
func (m *Memory) ReportForJob(ctx context.Context, datasetID, jobID int64) (*model.RiskReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.reports {
		if r.DatasetID == datasetID && r.JobID == jobID {
			return cloneReport(r), nil
		}
	}
	return nil, model.ErrNotFound
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

func cloneJob(j *model.AnonymizationJob) *model.AnonymizationJob {
	copied := *j
	copied.Rules = make(model.RuleSet, len(j.Rules))
	for col, rule := range j.Rules {
		copied.Rules[col] = rule
	}
	return &copied
}

func cloneReport(r *model.RiskReport) *model.RiskReport {
	copied := *r
	copied.AttackerRisks = append([]model.AttackerRisk(nil), r.AttackerRisks...)
	if r.Metrics.LDiversity != nil {
		l := *r.Metrics.LDiversity
		copied.Metrics.LDiversity = &l
	}
	return &copied
}
