package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/anonymize"
	"github.com/dataveil/dataveil/internal/dataset"
	"github.com/dataveil/dataveil/internal/events"
	"github.com/dataveil/dataveil/internal/model"
)

// Config contains worker pool configuration.
type Config struct {
	Workers    int           `yaml:"workers" mapstructure:"workers"`
	QueueSize  int           `yaml:"queue_size" mapstructure:"queue_size"`
	JobTimeout time.Duration `yaml:"job_timeout" mapstructure:"job_timeout"`
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetDataset(ctx context.Context, id int64) (*model.Dataset, error)
	CreateJob(ctx context.Context, j *model.AnonymizationJob) error
	GetJob(ctx context.Context, id int64) (*model.AnonymizationJob, error)
	UpdateJob(ctx context.Context, j *model.AnonymizationJob) error
}

// Orchestrator owns the anonymization job lifecycle. Job creation is
// synchronous and returns a pending job; execution happens on a bounded
// worker pool, at most once per job, and only ever moves a job forward
// through pending -> running -> completed or failed.
type Orchestrator struct {
	config Config
	store  Store
	files  *dataset.Service
	hub    *events.Hub
	logger *zap.Logger

	queue chan int64
	wg    sync.WaitGroup
}

// New creates an orchestrator. Start must be called before jobs execute.
func New(config Config, store Store, files *dataset.Service, hub *events.Hub, logger *zap.Logger) *Orchestrator {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		config: config,
		store:  store,
		files:  files,
		hub:    hub,
		logger: logger,
		queue:  make(chan int64, config.QueueSize),
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled; in-flight jobs run to a terminal state.
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info("Starting job workers",
		zap.Int("workers", o.config.Workers),
		zap.Int("queue_size", o.config.QueueSize))

	for i := 0; i < o.config.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-o.queue:
			o.execute(jobID)
		}
	}
}

// Create validates the rule set, persists a pending job and enqueues it.
// The returned job is always pending: callers observe progress by
// polling, never by blocking on execution.
func (o *Orchestrator) Create(ctx context.Context, datasetID int64, rules model.RuleSet) (*model.AnonymizationJob, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.store.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}

	if rules == nil {
		rules = model.RuleSet{}
	}
	job := &model.AnonymizationJob{
		DatasetID: datasetID,
		Rules:     rules,
		Status:    model.JobPending,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	select {
	case o.queue <- job.ID:
	case <-ctx.Done():
		// The pending row is already visible to pollers; leave a terminal
		// record instead of a job that can never run.
		job.ErrorMessage = "job was cancelled before it could be queued"
		o.transition(job, model.JobFailed, job.ErrorMessage)
		return nil, ctx.Err()
	}

	o.logger.Info("Anonymization job created",
		zap.Int64("job_id", job.ID),
		zap.Int64("dataset_id", datasetID),
		zap.Int("rules", len(rules)))

	return job, nil
}

// Get returns a job by id. Reads never mutate job state.
func (o *Orchestrator) Get(ctx context.Context, id int64) (*model.AnonymizationJob, error) {
	return o.store.GetJob(ctx, id)
}

// execute runs a single job to a terminal state. Failures are captured on
// the job record; they never escape to crash the worker.
func (o *Orchestrator) execute(jobID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.JobTimeout)
	defer cancel()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		o.logger.Error("Failed to load queued job", zap.Int64("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != model.JobPending {
		// Already executed; never run a job twice.
		o.logger.Warn("Skipping job not in pending state",
			zap.Int64("job_id", jobID),
			zap.String("status", string(job.Status)))
		return
	}

	o.transition(job, model.JobRunning, "")

	outputPath, err := o.run(ctx, job)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("job exceeded execution timeout of %s", o.config.JobTimeout)
		}
		o.logger.Error("Job execution failed",
			zap.Int64("job_id", job.ID),
			zap.Int64("dataset_id", job.DatasetID),
			zap.Error(err))
		job.ErrorMessage = err.Error()
		o.transition(job, model.JobFailed, err.Error())
		return
	}

	job.OutputPath = outputPath
	o.transition(job, model.JobCompleted, "")

	o.logger.Info("Job completed",
		zap.Int64("job_id", job.ID),
		zap.Int64("dataset_id", job.DatasetID),
		zap.String("output_path", outputPath))
}

// run performs the load-transform-persist sequence.
func (o *Orchestrator) run(ctx context.Context, job *model.AnonymizationJob) (string, error) {
	ds, err := o.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return "", fmt.Errorf("failed to load dataset: %w", err)
	}

	table, err := o.files.ReadRows(ds.SourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to read source rows: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	header, rows := anonymize.Apply(table.Header, table.Rows, job.Rules)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	outputPath, err := o.files.WriteOutput(job.DatasetID, job.ID, header, rows)
	if err != nil {
		return "", fmt.Errorf("failed to persist output: %w", err)
	}
	return outputPath, nil
}

// transition moves the job to the given status and broadcasts the change.
// It uses its own context so a terminal transition still persists after
// the job's execution deadline has expired.
func (o *Orchestrator) transition(job *model.AnonymizationJob, status model.JobStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job.Status = status
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.logger.Error("Failed to persist job transition",
			zap.Int64("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	o.hub.Broadcast(events.Event{
		Type:      events.EventTypeJobStatus,
		Timestamp: time.Now(),
		Data: events.JobStatusEvent{
			JobID:     job.ID,
			DatasetID: job.DatasetID,
			Status:    status,
			Error:     errMsg,
		},
	})
}
