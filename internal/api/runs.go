package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type runResponse struct {
	ID                        string          `json:"id"`
	Task                      string          `json:"task"`
	Model                     string          `json:"model,omitempty"`
	Browser                   string          `json:"browser"`
	Headless                  bool            `json:"headless"`
	Status                    store.RunStatus `json:"status"`
	PlanState                 store.PlanState `json:"plan_state"`
	ActiveStepID              string          `json:"active_step_id,omitempty"`
	CheckpointedAt            *time.Time      `json:"checkpointed_at,omitempty"`
	ErrorMessage              string          `json:"error_message,omitempty"`
	RequiresHumanIntervention bool            `json:"requires_human_intervention"`
	RecordingRef              string          `json:"recording_ref,omitempty"`
	StopRequested             bool            `json:"stop_requested,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// runSummaryResponse leaves the plan state out of list responses.
type runSummaryResponse struct {
	ID                        string          `json:"id"`
	Task                      string          `json:"task"`
	Status                    store.RunStatus `json:"status"`
	ActiveStepID              string          `json:"active_step_id,omitempty"`
	RequiresHumanIntervention bool            `json:"requires_human_intervention"`
	StepCount                 int             `json:"step_count"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

type listRunsResponse struct {
	Runs []runSummaryResponse `json:"runs"`
}

func toRunResponse(run store.Run) runResponse {
	resp := runResponse{
		ID:                        run.ID,
		Task:                      run.Task,
		Model:                     run.Model,
		Browser:                   run.Browser,
		Headless:                  run.Headless,
		Status:                    run.Status,
		PlanState:                 run.PlanState,
		ActiveStepID:              run.ActiveStepID,
		ErrorMessage:              run.ErrorMessage,
		RequiresHumanIntervention: run.RequiresHumanIntervention,
		RecordingRef:              run.RecordingRef,
		StopRequested:             run.StopRequested,
		CreatedAt:                 run.CreatedAt,
		UpdatedAt:                 run.UpdatedAt,
	}
	if !run.CheckpointedAt.IsZero() {
		checkpointed := run.CheckpointedAt
		resp.CheckpointedAt = &checkpointed
	}
	return resp
}

type createRunRequest struct {
	Task                 string                `json:"task"`
	Model                string                `json:"model"`
	Browser              string                `json:"browser"`
	Headless             *bool                 `json:"headless"`
	IgnoreRobotsTxt      bool                  `json:"ignore_robots_txt"`
	RequireHumanApproval bool                  `json:"require_human_approval"`
	PlanLimits           store.PlanLimits      `json:"plan_limits"`
	Extraction           *store.ExtractionPlan `json:"extraction"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	req := createRunRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}
	run, err := s.runs.Enqueue(r.Context(), orchestrator.EnqueueRequest{
		Task:                 req.Task,
		Model:                req.Model,
		Browser:              req.Browser,
		Headless:             headless,
		IgnoreRobotsTxt:      req.IgnoreRobotsTxt,
		RequireHumanApproval: req.RequireHumanApproval,
		Limits:               req.PlanLimits,
		Extraction:           req.Extraction,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	}, http.StatusAccepted)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := listRunsResponse{Runs: make([]runSummaryResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runSummaryResponse{
			ID:                        run.ID,
			Task:                      run.Task,
			Status:                    run.Status,
			ActiveStepID:              run.ActiveStepID,
			RequiresHumanIntervention: run.RequiresHumanIntervention,
			StepCount:                 len(run.PlanState.Steps),
			CreatedAt:                 run.CreatedAt,
			UpdatedAt:                 run.UpdatedAt,
		})
	}
	writeJSON(w, resp)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toRunResponse(*run))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type controlRequest struct {
	Action string `json:"action"`
	URL    string `json:"url"`
}

func (s *Server) controlRun(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	snapshot, err := s.runs.Control(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Action), req.URL)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeJSONStatus(w, errorResponse{Error: err.Error()}, status)
		return
	}
	resp := map[string]any{"action": req.Action}
	if snapshot != nil {
		resp["snapshot"] = toSnapshotResponse(*snapshot)
	}
	writeJSON(w, resp)
}

const (
	actionStop         = "stop"
	actionResume       = "resume"
	actionRetryStep    = "retry_step"
	actionOverrideStep = "override_step"
	actionApproveStep  = "approve_step"
)

type actionRequest struct {
	Action string `json:"action"`
	StepID string `json:"step_id"`
	Status string `json:"status"`
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	stepID := strings.TrimSpace(req.StepID)
	needsStep := req.Action == actionRetryStep || req.Action == actionOverrideStep || req.Action == actionApproveStep
	if needsStep && stepID == "" {
		writeJSONStatus(w, errorResponse{Error: req.Action + " requires step_id"}, http.StatusBadRequest)
		return
	}

	var (
		run *store.Run
		err error
	)
	ctx := r.Context()
	switch req.Action {
	case actionStop:
		run, err = s.runs.Stop(ctx, runID)
	case actionResume:
		run, err = s.runs.Resume(ctx, runID, stepID, false)
	case actionRetryStep:
		run, err = s.runs.RetryStep(ctx, runID, stepID)
	case actionOverrideStep:
		run, err = s.runs.OverrideStep(ctx, runID, stepID, store.StepStatus(strings.TrimSpace(req.Status)))
	case actionApproveStep:
		run, err = s.runs.ApproveStep(ctx, runID, stepID)
	default:
		writeJSONStatus(w, errorResponse{Error: fmt.Sprintf("unknown action %q", req.Action)}, http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toRunResponse(*run))
}

type snapshotResponse struct {
	events.SnapshotPayload
	ScreenshotData []byte `json:"screenshotData,omitempty"`
}

func toSnapshotResponse(snapshot store.Snapshot) snapshotResponse {
	return snapshotResponse{
		SnapshotPayload: *events.SnapshotEvent(snapshot).Snapshot,
		ScreenshotData:  snapshot.ScreenshotData,
	}
}

type browserLogResponse struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type auditEntryResponse struct {
	ID        string          `json:"id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type pageResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func parsePage(r *http.Request) (store.Page, error) {
	page := store.Page{}
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return page, fmt.Errorf("%w: invalid limit", orchestrator.ErrInvalid)
		}
		page.Limit = limit
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return page, fmt.Errorf("%w: invalid offset", orchestrator.ErrInvalid)
		}
		page.Offset = offset
	}
	return page.Normalize(), nil
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snapshots, err := s.runs.ListSnapshots(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]snapshotResponse, 0, len(snapshots))
	for _, snapshot := range snapshots {
		items = append(items, toSnapshotResponse(snapshot))
	}
	writeJSON(w, pageResponse[snapshotResponse]{Items: items, Limit: page.Limit, Offset: page.Offset})
}

func (s *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.runs.Status(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"status": run.Status}
	snapshot, err := s.runs.LatestSnapshot(r.Context(), runID)
	switch {
	case errors.Is(err, store.ErrSnapshotNotFound):
	case err != nil:
		writeError(w, err)
		return
	default:
		resp["snapshot"] = snapshot
	}
	writeJSON(w, resp)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stepID := strings.TrimSpace(r.URL.Query().Get("step_id"))
	logs, err := s.runs.ListLogs(r.Context(), chi.URLParam(r, "id"), stepID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]browserLogResponse, 0, len(logs))
	for _, entry := range logs {
		items = append(items, browserLogResponse{
			ID:        entry.ID,
			StepID:    entry.StepID,
			Level:     entry.Level,
			Message:   entry.Message,
			CreatedAt: entry.CreatedAt,
		})
	}
	writeJSON(w, pageResponse[browserLogResponse]{Items: items, Limit: page.Limit, Offset: page.Offset})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.runs.ListAudit(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]auditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, auditEntryResponse{
			ID:        entry.ID,
			StepID:    entry.StepID,
			Type:      entry.Type,
			Payload:   entry.Payload,
			CreatedAt: entry.CreatedAt,
		})
	}
	writeJSON(w, pageResponse[auditEntryResponse]{Items: items, Limit: page.Limit, Offset: page.Offset})
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	path, err := s.runs.Asset(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		writeError(w, err)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}
