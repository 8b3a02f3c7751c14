package events

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/dataveil/dataveil/internal/model"
)

// EventType identifies the kind of event pushed to dashboard clients.
type EventType string

const (
	// EventTypeJobStatus reports an anonymization job state transition.
	EventTypeJobStatus EventType = "job_status"
	// EventTypeDetection reports a completed column classification run.
	EventTypeDetection EventType = "detection"
	// EventTypeSystemStatus reports service-level status.
	EventTypeSystemStatus EventType = "system_status"
)

// Event is the envelope sent to connected clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// JobStatusEvent describes a single job state transition.
type JobStatusEvent struct {
	JobID     int64           `json:"jobId"`
	DatasetID int64           `json:"datasetId"`
	Status    model.JobStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// DetectionEvent summarizes a classification run.
type DetectionEvent struct {
	DatasetID   int64 `json:"datasetId"`
	Columns     int   `json:"columns"`
	PIIColumns  int   `json:"piiColumns"`
	QuasiCount  int   `json:"quasiColumns"`
	DetectionID int64 `json:"detectionId"`
}

// Config gates which event types are broadcast.
type Config struct {
	Enabled            bool `yaml:"enabled" mapstructure:"enabled"`
	BroadcastJobs      bool `yaml:"broadcast_jobs" mapstructure:"broadcast_jobs"`
	BroadcastDetection bool `yaml:"broadcast_detection" mapstructure:"broadcast_detection"`
	BroadcastSystem    bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
}

// client is one connected dashboard consumer.
type client struct {
	conn *websocket.Conn
	send chan Event
	ip   string
}
