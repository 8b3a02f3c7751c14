package store

import (
	"context"
	"errors"
	"testing"

	"github.com/dataveil/dataveil/internal/model"
)

func TestMemoryDatasets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ds := &model.Dataset{FileName: "people.csv", ColumnNames: []string{"email", "zip"}}
	if err := m.CreateDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}
	if ds.ID == 0 {
		t.Fatal("CreateDataset did not assign an id")
	}
	if ds.CreatedAt.IsZero() {
		t.Error("CreateDataset did not set created_at")
	}

	got, err := m.GetDataset(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FileName != "people.csv" || len(got.ColumnNames) != 2 {
		t.Errorf("unexpected dataset: %+v", got)
	}

	// Returned values are copies; mutating them must not touch the store.
	got.ColumnNames[0] = "mutated"
	again, _ := m.GetDataset(ctx, ds.ID)
	if again.ColumnNames[0] != "email" {
		t.Error("GetDataset returned a shared slice")
	}

	if _, err := m.GetDataset(ctx, 999); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryLatestDetection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.LatestDetection(ctx, 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	first := &model.DetectionResult{DatasetID: 1}
	second := &model.DetectionResult{DatasetID: 1}
	other := &model.DetectionResult{DatasetID: 2}
	for _, r := range []*model.DetectionResult{first, second, other} {
		if err := m.CreateDetection(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := m.LatestDetection(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest id = %d, want %d", latest.ID, second.ID)
	}
}

func TestMemoryJobs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job := &model.AnonymizationJob{
		DatasetID: 1,
		Rules:     model.RuleSet{"email": {Action: model.ActionMask}},
		Status:    model.JobPending,
	}
	if err := m.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	job.Status = model.JobCompleted
	job.OutputPath = "processed/out.csv"
	if err := m.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.JobCompleted || got.OutputPath != "processed/out.csv" {
		t.Errorf("unexpected job: %+v", got)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Error("UpdateJob did not advance updated_at")
	}

	// Mutating a returned copy must not affect stored state.
	got.Rules["email"] = model.Rule{Action: model.ActionDrop}
	again, _ := m.GetJob(ctx, job.ID)
	if again.Rules["email"].Action != model.ActionMask {
		t.Error("GetJob returned a shared rule map")
	}

	if err := m.UpdateJob(ctx, &model.AnonymizationJob{ID: 999}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryReports(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := &model.RiskReport{DatasetID: 1, JobID: 10, OverallScore: 40}
	second := &model.RiskReport{DatasetID: 1, JobID: 11, OverallScore: 70}
	for _, r := range []*model.RiskReport{first, second} {
		if err := m.CreateReport(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := m.LatestReport(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if latest.JobID != 11 {
		t.Errorf("latest job id = %d, want 11", latest.JobID)
	}

	byJob, err := m.ReportForJob(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if byJob.OverallScore != 40 {
		t.Errorf("score = %d, want 40", byJob.OverallScore)
	}

	if _, err := m.ReportForJob(ctx, 1, 999); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := m.LatestReport(ctx, 2); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
