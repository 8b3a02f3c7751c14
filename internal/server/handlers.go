package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/events"
	"github.com/dataveil/dataveil/internal/model"
)

// errorResponse is the uniform error body. Field is set for validation
// failures so clients can attribute the error to an input.
type errorResponse struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps pipeline errors onto HTTP statuses: unknown resources
// are 404, rejected input is 400, everything else is a 500 with the
// detail kept out of the response body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Message: "resource not found"})
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Message: verr.Message, Field: verr.Field})
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "internal server error"})
	}
}

// pathID extracts the numeric {id} route variable. A non-numeric id can
// never name a stored resource, so it reads as not found.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, model.ErrNotFound
	}
	return id, nil
}

type datasetResponse struct {
	*model.Dataset
	Preview [][]string `json:"preview"`
}

// handleUpload ingests a multipart CSV upload and creates a dataset.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.config.Dataset.MaxUploadSize); err != nil {
		s.writeError(w, &model.ValidationError{Field: "file", Message: "invalid multipart request"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, &model.ValidationError{Field: "file", Message: "no file uploaded"})
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.config.Dataset.MaxUploadSize+1))
	if err != nil {
		s.writeError(w, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	ds, preview, err := s.datasets.Ingest(r.Context(), header.Filename, content)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, datasetResponse{Dataset: ds, Preview: preview})
}

// handleGetDataset returns a dataset with a row preview.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ds, preview, err := s.datasets.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, datasetResponse{Dataset: ds, Preview: preview})
}

// handleDetect runs column classification and persists a new result.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.detector.Run(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.cache.SetDetection(r.Context(), result)
	s.broadcastDetection(result)

	s.writeJSON(w, http.StatusOK, result)
}

// handleGetDetection returns the latest classification for a dataset.
func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if cached, ok := s.cache.GetDetection(r.Context(), id); ok {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	result, err := s.detector.Latest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.cache.SetDetection(r.Context(), result)
	s.writeJSON(w, http.StatusOK, result)
}

type anonymizeRequest struct {
	Rules model.RuleSet `json:"rules"`
}

// handleAnonymize validates the rule set and creates a pending job.
func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req anonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &model.ValidationError{Field: "body", Message: "invalid JSON request body"})
		return
	}

	job, err := s.orchestrator.Create(r.Context(), id, req.Rules)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, job)
}

// handleGetJob returns the current state of a job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.orchestrator.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

// handleDownload streams the anonymized output of a completed job.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.orchestrator.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job.Status != model.JobCompleted || job.OutputPath == "" {
		// No output exists yet, so there is nothing to address.
		s.writeError(w, model.ErrNotFound)
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(job.OutputPath)))
	http.ServeFile(w, r, job.OutputPath)
}

type riskRequest struct {
	JobID int64 `json:"jobId"`
}

// handleCreateRisk assesses a completed job's output and stores a report.
func (s *Server) handleCreateRisk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req riskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &model.ValidationError{Field: "body", Message: "invalid JSON request body"})
		return
	}
	if req.JobID <= 0 {
		s.writeError(w, &model.ValidationError{Field: "jobId", Message: "jobId is required"})
		return
	}

	report, err := s.assessor.Assess(r.Context(), id, req.JobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Re-assessment may return a report for an older job; drop the cached
	// latest rather than overwrite it with a possibly stale one.
	s.cache.InvalidateReport(r.Context(), id)
	s.writeJSON(w, http.StatusCreated, report)
}

// handleGetRisk returns the latest risk report for a dataset.
func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if cached, ok := s.cache.GetReport(r.Context(), id); ok {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	report, err := s.assessor.Latest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.cache.SetReport(r.Context(), report)
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) broadcastDetection(result *model.DetectionResult) {
	pii, quasi := 0, 0
	for _, f := range result.Results {
		switch f.Label {
		case model.LabelPII:
			pii++
		case model.LabelQuasi:
			quasi++
		}
	}
	s.hub.Broadcast(events.Event{
		Type:      events.EventTypeDetection,
		Timestamp: time.Now(),
		Data: events.DetectionEvent{
			DatasetID:   result.DatasetID,
			Columns:     len(result.Results),
			PIIColumns:  pii,
			QuasiCount:  quasi,
			DetectionID: result.ID,
		},
	})
}
