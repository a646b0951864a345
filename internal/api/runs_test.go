package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var value T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&value))
	return value
}

func sampleRun(status store.RunStatus) *store.Run {
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &store.Run{
		ID:           "run-1",
		Task:         "find pricing",
		Browser:      "chromium",
		Headless:     true,
		Status:       status,
		ActiveStepID: "s2",
		PlanState: store.PlanState{Steps: []store.Step{
			{ID: "s1", Title: "open", Status: store.StepCompleted},
			{ID: "s2", Title: "read", Status: store.StepPending},
		}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateRun(t *testing.T) {
	t.Run("enqueues with defaults", func(t *testing.T) {
		runs := &MockRuns{}
		runs.On("Enqueue", mock.Anything, orchestrator.EnqueueRequest{
			Task:            "find pricing",
			Headless:        true,
			IgnoreRobotsTxt: true,
			Limits:          store.PlanLimits{MaxStepAttempts: 2},
		}).Return(sampleRun(store.RunQueued), nil).Once()

		server := newTestServer(t, runs, nil, config.Config{})
		defer server.Close()

		resp := postJSON(t, server.URL+"/runs", `{"task":"find pricing","ignore_robots_txt":true,"plan_limits":{"maxStepAttempts":2}}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		payload := decode[map[string]string](t, resp)
		require.Equal(t, "run-1", payload["run_id"])
		require.Equal(t, "queued", payload["status"])
		runs.AssertExpectations(t)
	})

	t.Run("explicit headful browser", func(t *testing.T) {
		runs := &MockRuns{}
		runs.On("Enqueue", mock.Anything, mock.MatchedBy(func(req orchestrator.EnqueueRequest) bool {
			return !req.Headless && req.Browser == "firefox" && req.RequireHumanApproval
		})).Return(sampleRun(store.RunQueued), nil).Once()

		server := newTestServer(t, runs, nil, config.Config{})
		defer server.Close()

		resp := postJSON(t, server.URL+"/runs", `{"task":"x","browser":"firefox","headless":false,"require_human_approval":true}`)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		runs.AssertExpectations(t)
	})

	t.Run("validation error", func(t *testing.T) {
		runs := &MockRuns{}
		runs.On("Enqueue", mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: task is required", orchestrator.ErrInvalid)).Once()

		server := newTestServer(t, runs, nil, config.Config{})
		defer server.Close()

		resp := postJSON(t, server.URL+"/runs", `{}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		payload := decode[errorResponse](t, resp)
		require.Contains(t, payload.Error, "task is required")
	})

	t.Run("malformed body", func(t *testing.T) {
		server := newTestServer(t, &MockRuns{}, nil, config.Config{})
		defer server.Close()

		resp := postJSON(t, server.URL+"/runs", `{"task":`)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestListRuns(t *testing.T) {
	runs := &MockRuns{}
	runs.On("List", mock.Anything).Return([]store.Run{*sampleRun(store.RunRunning)}, nil).Once()

	server := newTestServer(t, runs, nil, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decode[listRunsResponse](t, resp)
	require.Len(t, payload.Runs, 1)
	require.Equal(t, "run-1", payload.Runs[0].ID)
	require.Equal(t, store.RunRunning, payload.Runs[0].Status)
	require.Equal(t, 2, payload.Runs[0].StepCount)
}

func TestGetRun(t *testing.T) {
	runs := &MockRuns{}
	run := sampleRun(store.RunWaitingHuman)
	run.RequiresHumanIntervention = true
	run.CheckpointedAt = time.Date(2026, 5, 1, 9, 5, 0, 0, time.UTC)
	runs.On("Status", mock.Anything, "run-1").Return(run, nil).Once()
	runs.On("Status", mock.Anything, "missing").Return(nil, store.ErrRunNotFound).Once()

	server := newTestServer(t, runs, nil, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs/run-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decode[runResponse](t, resp)
	require.Equal(t, store.RunWaitingHuman, payload.Status)
	require.Equal(t, "s2", payload.ActiveStepID)
	require.True(t, payload.RequiresHumanIntervention)
	require.NotNil(t, payload.CheckpointedAt)
	require.Len(t, payload.PlanState.Steps, 2)

	resp, err = http.Get(server.URL + "/runs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	runs.AssertExpectations(t)
}

func TestDeleteRun(t *testing.T) {
	runs := &MockRuns{}
	runs.On("Delete", mock.Anything, "run-1").Return(nil).Once()
	runs.On("Delete", mock.Anything, "run-2").Return(orchestrator.ErrRunActive).Once()

	server := newTestServer(t, runs, nil, config.Config{})
	defer server.Close()

	for id, want := range map[string]int{"run-1": http.StatusNoContent, "run-2": http.StatusConflict} {
		req, err := http.NewRequest(http.MethodDelete, server.URL+"/runs/"+id, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, want, resp.StatusCode, id)
	}
	runs.AssertExpectations(t)
}

func TestControlRun(t *testing.T) {
	runs := &MockRuns{}
	runs.On("Control", mock.Anything, "run-1", "goto", "https://example.com").Return(&store.Snapshot{
		ID:    "snap-1",
		RunID: "run-1",
		URL:   "https://example.com",
		Title: "Example",
	}, nil).Once()
	runs.On("Control", mock.Anything, "run-1", "reload", "").
		Return(nil, fmt.Errorf("control reload: %w", errors.New("target closed"))).Once()
	runs.On("Control", mock.Anything, "run-1", "jump", "").
		Return(nil, fmt.Errorf("%w: unknown control action", orchestrator.ErrInvalid)).Once()

	server := newTestServer(t, runs, nil, config.Config{})
	defer server.Close()

	resp := postJSON(t, server.URL+"/runs/run-1/control", `{"action":"goto","url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decode[struct {
		Action   string           `json:"action"`
		Snapshot snapshotResponse `json:"snapshot"`
	}](t, resp)
	require.Equal(t, "goto", payload.Action)
	require.Equal(t, "snap-1", payload.Snapshot.ID)
	require.Equal(t, "Example", payload.Snapshot.Title)

	resp = postJSON(t, server.URL+"/runs/run-1/control", `{"action":"reload"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = postJSON(t, server.URL+"/runs/run-1/control", `{"action":"jump"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	runs.AssertExpectations(t)
}

func TestRunActions(t *testing.T) {
	t.Run("dispatches each action", func(t *testing.T) {
		runs := &MockRuns{}
		runs.On("Stop", mock.Anything, "run-1").Return(sampleRun(store.RunStopped), nil).Once()
		runs.On("Resume", mock.Anything, "run-1", "s2", false).Return(sampleRun(store.RunRunning), nil).Once()
		runs.On("RetryStep", mock.Anything, "run-1", "s1").Return(sampleRun(store.RunRunning), nil).Once()
		runs.On("OverrideStep", mock.Anything, "run-1", "s2", store.StepCompleted).Return(sampleRun(store.RunRunning), nil).Once()
		runs.On("ApproveStep", mock.Anything, "run-1", "s2").Return(sampleRun(store.RunRunning), nil).Once()

		server := newTestServer(t, runs, nil, config.Config{})
		defer server.Close()

		bodies := map[string]store.RunStatus{
			`{"action":"stop"}`:                                              store.RunStopped,
			`{"action":"resume","step_id":"s2"}`:                             store.RunRunning,
			`{"action":"retry_step","step_id":"s1"}`:                         store.RunRunning,
			`{"action":"override_step","step_id":"s2","status":"completed"}`: store.RunRunning,
			`{"action":"approve_step","step_id":"s2"}`:                       store.RunRunning,
		}
		for body, want := range bodies {
			resp := postJSON(t, server.URL+"/runs/run-1/actions", body)
			require.Equal(t, http.StatusOK, resp.StatusCode, body)
			payload := decode[runResponse](t, resp)
			require.Equal(t, want, payload.Status, body)
		}
		runs.AssertExpectations(t)
	})

	t.Run("rejects while running", func(t *testing.T) {
		runs := &MockRuns{}
		runs.On("RetryStep", mock.Anything, "run-1", "s1").Return(nil, orchestrator.ErrRunActive).Once()
		runs.On("OverrideStep", mock.Anything, "run-1", "s1", store.StepStatus("bogus")).
			Return(nil, fmt.Errorf("%w: bad status", orchestrator.ErrInvalid)).Once()
		runs.On("Resume", mock.Anything, "run-1", "", false).Return(nil, orchestrator.ErrRunTerminal).Once()

		server := newTestServer(t, runs, nil, config.Config{})
		defer server.Close()

		resp := postJSON(t, server.URL+"/runs/run-1/actions", `{"action":"retry_step","step_id":"s1"}`)
		resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)

		resp = postJSON(t, server.URL+"/runs/run-1/actions", `{"action":"override_step","step_id":"s1","status":"bogus"}`)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = postJSON(t, server.URL+"/runs/run-1/actions", `{"action":"resume"}`)
		resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		runs.AssertExpectations(t)
	})

	t.Run("validates input", func(t *testing.T) {
		server := newTestServer(t, &MockRuns{}, nil, config.Config{})
		defer server.Close()

		for _, body := range []string{`{"action":"approve_step"}`, `{"action":"teleport"}`, `nope`} {
			resp := postJSON(t, server.URL+"/runs/run-1/actions", body)
			resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		}
	})
}

func TestCollections(t *testing.T) {
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	runs := &MockRuns{}
	runs.On("ListSnapshots", mock.Anything, "run-1", store.Page{Limit: 2, Offset: 4}).Return([]store.Snapshot{
		{ID: "snap-5", RunID: "run-1", StepID: "s1", URL: "https://example.com", ScreenshotRef: "screens/5.png", CreatedAt: created},
	}, nil).Once()
	runs.On("ListLogs", mock.Anything, "run-1", "s1", store.Page{Limit: store.DefaultPageLimit}).Return([]store.BrowserLog{
		{ID: "log-1", RunID: "run-1", StepID: "s1", Level: "error", Message: "boom", CreatedAt: created},
	}, nil).Once()
	runs.On("ListAudit", mock.Anything, "run-1", store.Page{Limit: store.MaxPageLimit}).Return([]store.AuditEntry{
		{ID: "a-1", RunID: "run-1", Type: "plan_update", Payload: json.RawMessage(`{"operation":"retry"}`), CreatedAt: created},
	}, nil).Once()
	runs.On("ListAudit", mock.Anything, "missing", mock.Anything).Return(nil, store.ErrRunNotFound).Once()

	server := newTestServer(t, runs, nil, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs/run-1/snapshots?limit=2&offset=4")
	require.NoError(t, err)
	snapshots := decode[pageResponse[snapshotResponse]](t, resp)
	require.Len(t, snapshots.Items, 1)
	require.Equal(t, "screens/5.png", snapshots.Items[0].ScreenshotRef)
	require.Equal(t, 2, snapshots.Limit)
	require.Equal(t, 4, snapshots.Offset)

	resp, err = http.Get(server.URL + "/runs/run-1/logs?step_id=s1")
	require.NoError(t, err)
	logs := decode[pageResponse[browserLogResponse]](t, resp)
	require.Equal(t, "boom", logs.Items[0].Message)

	resp, err = http.Get(server.URL + "/runs/run-1/audit?limit=9999")
	require.NoError(t, err)
	entries := decode[pageResponse[auditEntryResponse]](t, resp)
	require.Equal(t, "plan_update", entries.Items[0].Type)
	require.JSONEq(t, `{"operation":"retry"}`, string(entries.Items[0].Payload))

	resp, err = http.Get(server.URL + "/runs/missing/audit")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/runs/run-1/logs?offset=-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	runs.AssertExpectations(t)
}

func TestLatestSnapshot(t *testing.T) {
	runs := &MockRuns{}
	runs.On("Status", mock.Anything, "run-1").Return(sampleRun(store.RunRunning), nil).Once()
	runs.On("LatestSnapshot", mock.Anything, "run-1").Return(&events.SnapshotPayload{ID: "snap-9", URL: "https://example.com"}, nil).Once()
	runs.On("Status", mock.Anything, "run-2").Return(sampleRun(store.RunQueued), nil).Once()
	runs.On("LatestSnapshot", mock.Anything, "run-2").Return(nil, store.ErrSnapshotNotFound).Once()

	server := newTestServer(t, runs, nil, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs/run-1/snapshots/latest")
	require.NoError(t, err)
	payload := decode[struct {
		Status   store.RunStatus         `json:"status"`
		Snapshot *events.SnapshotPayload `json:"snapshot"`
	}](t, resp)
	require.Equal(t, store.RunRunning, payload.Status)
	require.Equal(t, "snap-9", payload.Snapshot.ID)

	resp, err = http.Get(server.URL + "/runs/run-2/snapshots/latest")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	empty := decode[map[string]any](t, resp)
	require.Equal(t, "queued", empty["status"])
	require.NotContains(t, empty, "snapshot")
	runs.AssertExpectations(t)
}

func TestGetAsset(t *testing.T) {
	dir := t.TempDir()
	assetPath := filepath.Join(dir, "run-1", "screens", "1.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(assetPath), 0o755))
	require.NoError(t, os.WriteFile(assetPath, []byte("png-bytes"), 0o644))

	runs := &MockRuns{}
	runs.On("Asset", mock.Anything, "run-1", "screens/1.png").Return(assetPath, nil).Once()
	runs.On("Asset", mock.Anything, "run-1", "screens/2.png").Return(filepath.Join(dir, "run-1", "screens", "2.png"), nil).Once()
	runs.On("Asset", mock.Anything, "run-1", "screens").Return(filepath.Join(dir, "run-1", "screens"), nil).Once()

	server := newTestServer(t, runs, nil, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs/run-1/assets/screens/1.png")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "png-bytes", string(body))

	for _, ref := range []string{"screens/2.png", "screens"} {
		resp, err = http.Get(server.URL + "/runs/run-1/assets/" + ref)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, ref)
	}
	runs.AssertExpectations(t)
}

func TestGetAssetWithoutStorage(t *testing.T) {
	runs := &MockRuns{}
	runs.On("Asset", mock.Anything, "run-1", "x.png").
		Return("", fmt.Errorf("%w: asset storage is not configured", orchestrator.ErrInvalid)).Once()

	server := newTestServer(t, runs, nil, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/runs/run-1/assets/x.png")
	require.NoError(t, err)
	payload := decode[errorResponse](t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.True(t, strings.Contains(payload.Error, "not configured"))
}
