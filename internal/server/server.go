package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/cache"
	"github.com/dataveil/dataveil/internal/config"
	"github.com/dataveil/dataveil/internal/dataset"
	"github.com/dataveil/dataveil/internal/detect"
	"github.com/dataveil/dataveil/internal/events"
	"github.com/dataveil/dataveil/internal/jobs"
	"github.com/dataveil/dataveil/internal/logger"
	"github.com/dataveil/dataveil/internal/risk"
)

// Server is the HTTP adapter around the privacy pipeline. All decision
// logic lives in the injected services; handlers only translate between
// HTTP and the pipeline's contracts.
type Server struct {
	config       *config.Config
	logger       *logger.Logger
	datasets     *dataset.Service
	detector     *detect.Service
	orchestrator *jobs.Orchestrator
	assessor     *risk.Assessor
	cache        *cache.Cache
	hub          *events.Hub
	router       *mux.Router
	server       *http.Server
	limiter      *clientLimiter
}

// Deps bundles the pipeline services the server fronts.
type Deps struct {
	Datasets     *dataset.Service
	Detector     *detect.Service
	Orchestrator *jobs.Orchestrator
	Assessor     *risk.Assessor
	Cache        *cache.Cache
	Hub          *events.Hub
}

// New creates the HTTP server and wires its routes.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		config:       cfg,
		logger:       log.WithComponent("server"),
		datasets:     deps.Datasets,
		detector:     deps.Detector,
		orchestrator: deps.Orchestrator,
		assessor:     deps.Assessor,
		cache:        deps.Cache,
		hub:          deps.Hub,
		router:       mux.NewRouter(),
		limiter:      newClientLimiter(cfg.Server.RateLimit),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/datasets/upload", s.handleUpload).Methods("POST")
	api.HandleFunc("/datasets/{id}", s.handleGetDataset).Methods("GET")
	api.HandleFunc("/datasets/{id}/detect", s.handleDetect).Methods("POST")
	api.HandleFunc("/datasets/{id}/detect", s.handleGetDetection).Methods("GET")
	api.HandleFunc("/datasets/{id}/anonymize", s.handleAnonymize).Methods("POST")
	api.HandleFunc("/datasets/{id}/risk", s.handleCreateRisk).Methods("POST")
	api.HandleFunc("/datasets/{id}/risk", s.handleGetRisk).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/download", s.handleDownload).Methods("GET")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting dataveil server",
		zap.Int("port", s.config.Server.Port),
		zap.String("storage_driver", s.config.Storage.Driver),
		zap.Int("workers", s.config.Pipeline.Workers),
	)

	go s.hub.Run()

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping dataveil server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// handleInfo handles info requests.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name":"dataveil",
		"version":"0.1.0",
		"storage_driver":%q,
		"output_format":%q,
		"workers":%d
	}`, s.config.Storage.Driver, s.config.Dataset.OutputFormat, s.config.Pipeline.Workers)
}

// handleWebSocket upgrades dashboard event stream connections.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r)
}
