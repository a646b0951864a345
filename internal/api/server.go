package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

const defaultHeartbeat = 15 * time.Second

type Server struct {
	runs       Runs
	pinger     Pinger
	metrics    *orchestrator.Metrics
	cfg        config.Config
	httpClient *http.Client
	heartbeat  time.Duration
}

// Runs is the run surface the HTTP layer drives; *orchestrator.Orchestrator
// satisfies it.
type Runs interface {
	Enqueue(ctx context.Context, req orchestrator.EnqueueRequest) (*store.Run, error)
	Status(ctx context.Context, runID string) (*store.Run, error)
	List(ctx context.Context) ([]store.Run, error)
	Delete(ctx context.Context, runID string) error
	Control(ctx context.Context, runID string, action string, rawURL string) (*store.Snapshot, error)
	Stop(ctx context.Context, runID string) (*store.Run, error)
	Resume(ctx context.Context, runID string, stepID string, automatic bool) (*store.Run, error)
	RetryStep(ctx context.Context, runID string, stepID string) (*store.Run, error)
	OverrideStep(ctx context.Context, runID string, stepID string, status store.StepStatus) (*store.Run, error)
	ApproveStep(ctx context.Context, runID string, stepID string) (*store.Run, error)
	ListSnapshots(ctx context.Context, runID string, page store.Page) ([]store.Snapshot, error)
	ListLogs(ctx context.Context, runID string, stepID string, page store.Page) ([]store.BrowserLog, error)
	ListAudit(ctx context.Context, runID string, page store.Page) ([]store.AuditEntry, error)
	LatestSnapshot(ctx context.Context, runID string) (*events.SnapshotPayload, error)
	Asset(ctx context.Context, runID string, ref string) (string, error)
	Broadcaster() events.Broadcaster
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func NewServer(runs Runs, pinger Pinger, metrics *orchestrator.Metrics, cfg config.Config) *Server {
	return &Server{
		runs:       runs,
		pinger:     pinger,
		metrics:    metrics,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		heartbeat:  defaultHeartbeat,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/runs", s.createRun)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	r.Delete("/runs/{id}", s.deleteRun)
	r.Post("/runs/{id}/control", s.controlRun)
	r.Post("/runs/{id}/actions", s.runAction)
	r.Get("/runs/{id}/snapshots", s.listSnapshots)
	r.Get("/runs/{id}/snapshots/latest", s.latestSnapshot)
	r.Get("/runs/{id}/logs", s.listLogs)
	r.Get("/runs/{id}/audit", s.listAudit)
	r.Get("/runs/{id}/live", s.streamLive)
	r.Get("/runs/{id}/assets/*", s.getAsset)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", s.metrics.Handler())

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// Polling and scraping endpoints would drown out everything else.
func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method != http.MethodGet {
		return false
	}
	switch {
	case cleanPath == "/runs", cleanPath == "/metrics", cleanPath == "/health", cleanPath == "/ready":
		return true
	case strings.HasSuffix(cleanPath, "/snapshots/latest"), strings.HasSuffix(cleanPath, "/live"):
		return true
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if s.pinger == nil {
		subsystems["store"] = subsystemStatus{Status: "skipped"}
	} else if err := s.pinger.Ping(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	toolRunnerURL := strings.TrimSpace(s.cfg.ToolRunnerURL)
	if s.cfg.ActuatorMode != config.ActuatorModeToolRunner || toolRunnerURL == "" {
		subsystems["tool_runner"] = subsystemStatus{Status: "skipped"}
	} else {
		baseURL := strings.TrimRight(toolRunnerURL, "/")
		resp, err := s.probeHTTP(ctx, baseURL+"/ready")
		if err == nil && resp != nil && resp.StatusCode == http.StatusNotFound {
			resp, err = s.probeHTTP(ctx, baseURL+"/health")
		}
		if err != nil {
			subsystems["tool_runner"] = subsystemStatus{Status: "error", Error: err.Error()}
			overall = http.StatusServiceUnavailable
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			subsystems["tool_runner"] = subsystemStatus{Status: "error", Error: fmt.Sprintf("health status %d", resp.StatusCode)}
			overall = http.StatusServiceUnavailable
		} else {
			subsystems["tool_runner"] = subsystemStatus{Status: "ok"}
		}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrSnapshotNotFound),
		errors.Is(err, store.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunActive),
		errors.Is(err, orchestrator.ErrRunTerminal),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrInvalidStepTransition):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONStatus(w, errorResponse{Error: err.Error()}, statusFor(err))
}

func (s *Server) probeHTTP(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Body.Close()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}
