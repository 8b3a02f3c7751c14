package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/config"
	"github.com/dataveil/dataveil/internal/dataset"
	"github.com/dataveil/dataveil/internal/detect"
	"github.com/dataveil/dataveil/internal/events"
	"github.com/dataveil/dataveil/internal/jobs"
	"github.com/dataveil/dataveil/internal/logger"
	"github.com/dataveil/dataveil/internal/model"
	"github.com/dataveil/dataveil/internal/risk"
	"github.com/dataveil/dataveil/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()

	cfg := config.GetDefaults()
	dir := t.TempDir()
	cfg.Dataset.UploadDir = filepath.Join(dir, "uploads")
	cfg.Dataset.ProcessedDir = filepath.Join(dir, "processed")
	cfg.Server.RateLimit.Enabled = false
	cfg.Pipeline.Workers = 1

	log := &logger.Logger{Logger: zap.NewNop()}
	db := store.NewMemory()
	files, err := dataset.NewService(cfg.Dataset, db, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	hub := events.NewHub(events.Config{}, zap.NewNop())
	orchestrator := jobs.New(cfg.Pipeline, db, files, hub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	orchestrator.Start(ctx)
	t.Cleanup(func() {
		cancel()
		orchestrator.Wait()
	})

	return New(cfg, Deps{
		Datasets:     files,
		Detector:     detect.NewService(db, zap.NewNop()),
		Orchestrator: orchestrator,
		Assessor:     risk.New(db, files, zap.NewNop()),
		Hub:          hub,
	}, log), db
}

func doRequest(t *testing.T, s *Server, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func uploadCSV(t *testing.T, s *Server, csv string) int64 {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "people.csv")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(csv)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/datasets/upload", w.FormDataContentType(), &buf)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID == 0 {
		t.Fatal("upload response has no dataset id")
	}
	return resp.ID
}

func waitForCompletion(t *testing.T, s *Server, jobID int64) model.AnonymizationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(t, s, http.MethodGet, "/api/jobs/"+itoa(jobID), "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("job status = %d, body = %s", rec.Code, rec.Body.String())
		}
		var job model.AnonymizationJob
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatal(err)
		}
		if job.Status.Terminal() {
			if job.Status != model.JobCompleted {
				t.Fatalf("job %d is %s: %s", jobID, job.Status, job.ErrorMessage)
			}
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %d never completed", jobID)
	return model.AnonymizationJob{}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestUploadAndGetDataset(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email,name\na@b.com,Ann\n")

	rec := doRequest(t, s, http.MethodGet, "/api/datasets/"+itoa(id), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		FileName string     `json:"fileName"`
		RowCount int        `json:"rowCount"`
		Preview  [][]string `json:"preview"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.FileName != "people.csv" || resp.RowCount != 1 {
		t.Errorf("unexpected dataset: %+v", resp)
	}
	if len(resp.Preview) != 1 {
		t.Errorf("preview rows = %d, want 1", len(resp.Preview))
	}
}

func TestGetDatasetNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/api/datasets/999", "/api/datasets/abc"} {
		rec := doRequest(t, s, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestUploadWithoutFile(t *testing.T) {
	s, _ := newTestServer(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.Close()

	rec := doRequest(t, s, http.MethodPost, "/api/datasets/upload", w.FormDataContentType(), &buf)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDetectFlow(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email,zip,name\na@b.com,12345,Ann\n")

	rec := doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(id)+"/detect", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detect status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result model.DetectionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	labels := map[string]model.SensitivityLabel{}
	for _, f := range result.Results {
		labels[f.Column] = f.Label
	}
	if labels["email"] != model.LabelPII || labels["zip"] != model.LabelQuasi || labels["name"] != model.LabelSafe {
		t.Errorf("unexpected labels: %v", labels)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/datasets/"+itoa(id)+"/detect", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get detect status = %d", rec.Code)
	}
}

func TestGetDetectionBeforeAnyRun(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email\na@b.com\n")

	rec := doRequest(t, s, http.MethodGet, "/api/datasets/"+itoa(id)+"/detect", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAnonymizeValidation(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email\na@b.com\n")

	body := strings.NewReader(`{"rules":{"email":{"action":"BOGUS"}}}`)
	rec := doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(id)+"/anonymize", "application/json", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Field != "rules.email.action" {
		t.Errorf("field = %q, want rules.email.action", resp.Field)
	}
}

func TestAnonymizeInvalidBody(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email\na@b.com\n")

	rec := doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(id)+"/anonymize", "application/json", strings.NewReader("{"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAnonymizeAndDownload(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email,name\na@b.com,Ann\n")

	body := strings.NewReader(`{"rules":{"email":{"action":"MASK"}}}`)
	rec := doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(id)+"/anonymize", "application/json", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var job model.AnonymizationJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobPending {
		t.Errorf("created job status = %q, want pending", job.Status)
	}

	waitForCompletion(t, s, job.ID)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs/"+itoa(job.ID)+"/download", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "attachment") {
		t.Error("download must set an attachment disposition")
	}
	if !strings.Contains(rec.Body.String(), "***") {
		t.Errorf("downloaded output is not anonymized: %s", rec.Body.String())
	}
}

func TestDownloadUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/jobs/999/download", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRiskFlow(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email,zip,age\na@b.com,12345,24\nc@d.com,12345,24\n")

	body := strings.NewReader(`{"rules":{"email":{"action":"HASH"}}}`)
	rec := doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(id)+"/anonymize", "application/json", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("anonymize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var job model.AnonymizationJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	waitForCompletion(t, s, job.ID)

	rec = doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(id)+"/risk", "application/json",
		strings.NewReader(`{"jobId":`+itoa(job.ID)+`}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("risk status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var report model.RiskReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.OverallScore < 0 || report.OverallScore > 100 {
		t.Errorf("score %d outside [0,100]", report.OverallScore)
	}
	if report.AttackerRisks == nil {
		t.Error("attackerRisks must always be present")
	}

	rec = doRequest(t, s, http.MethodGet, "/api/datasets/"+itoa(id)+"/risk", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get risk status = %d", rec.Code)
	}
}

func TestDownloadJobWithoutOutput(t *testing.T) {
	s, db := newTestServer(t)
	id := uploadCSV(t, s, "email\na@b.com\n")

	job := &model.AnonymizationJob{DatasetID: id, Rules: model.RuleSet{}, Status: model.JobPending}
	if err := db.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/jobs/"+itoa(job.ID)+"/download", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 while the job has no output", rec.Code)
	}
}

func createCompletedJob(t *testing.T, s *Server, datasetID int64, rules string) model.AnonymizationJob {
	t.Helper()
	body := strings.NewReader(`{"rules":` + rules + `}`)
	rec := doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(datasetID)+"/anonymize", "application/json", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("anonymize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var job model.AnonymizationJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	return waitForCompletion(t, s, job.ID)
}

func assessJob(t *testing.T, s *Server, datasetID, jobID int64) model.RiskReport {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(datasetID)+"/risk", "application/json",
		strings.NewReader(`{"jobId":`+itoa(jobID)+`}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("risk status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report model.RiskReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	return report
}

// Re-assessing an older job returns its existing report, but the latest
// report for the dataset must still be the newest one.
func TestRiskLatestAfterReassessingOlderJob(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email,zip\na@b.com,12345\nc@d.com,12345\n")

	first := createCompletedJob(t, s, id, `{"email":{"action":"MASK"}}`)
	firstReport := assessJob(t, s, id, first.ID)

	second := createCompletedJob(t, s, id, `{"email":{"action":"HASH"}}`)
	secondReport := assessJob(t, s, id, second.ID)

	reassessed := assessJob(t, s, id, first.ID)
	if reassessed.ID != firstReport.ID {
		t.Errorf("re-assessment created a new report: %d then %d", firstReport.ID, reassessed.ID)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/datasets/"+itoa(id)+"/risk", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get risk status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var latest model.RiskReport
	if err := json.Unmarshal(rec.Body.Bytes(), &latest); err != nil {
		t.Fatal(err)
	}
	if latest.JobID != second.ID {
		t.Errorf("latest report job = %d, want %d", latest.JobID, second.ID)
	}
	if latest.ID != secondReport.ID {
		t.Errorf("latest report id = %d, want %d", latest.ID, secondReport.ID)
	}
}

func TestRiskRequiresJobID(t *testing.T) {
	s, _ := newTestServer(t)
	id := uploadCSV(t, s, "email\na@b.com\n")

	rec := doRequest(t, s, http.MethodPost, "/api/datasets/"+itoa(id)+"/risk", "application/json", strings.NewReader(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
