package api

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type MockRuns struct {
	mock.Mock
	broadcaster events.Broadcaster
}

func runResult(args mock.Arguments) (*store.Run, error) {
	if value := args.Get(0); value != nil {
		return value.(*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuns) Enqueue(ctx context.Context, req orchestrator.EnqueueRequest) (*store.Run, error) {
	return runResult(m.Called(ctx, req))
}

func (m *MockRuns) Status(ctx context.Context, runID string) (*store.Run, error) {
	return runResult(m.Called(ctx, runID))
}

func (m *MockRuns) List(ctx context.Context) ([]store.Run, error) {
	args := m.Called(ctx)
	var result []store.Run
	if value := args.Get(0); value != nil {
		result = value.([]store.Run)
	}
	return result, args.Error(1)
}

func (m *MockRuns) Delete(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockRuns) Control(ctx context.Context, runID string, action string, rawURL string) (*store.Snapshot, error) {
	args := m.Called(ctx, runID, action, rawURL)
	if value := args.Get(0); value != nil {
		return value.(*store.Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuns) Stop(ctx context.Context, runID string) (*store.Run, error) {
	return runResult(m.Called(ctx, runID))
}

func (m *MockRuns) Resume(ctx context.Context, runID string, stepID string, automatic bool) (*store.Run, error) {
	return runResult(m.Called(ctx, runID, stepID, automatic))
}

func (m *MockRuns) RetryStep(ctx context.Context, runID string, stepID string) (*store.Run, error) {
	return runResult(m.Called(ctx, runID, stepID))
}

func (m *MockRuns) OverrideStep(ctx context.Context, runID string, stepID string, status store.StepStatus) (*store.Run, error) {
	return runResult(m.Called(ctx, runID, stepID, status))
}

func (m *MockRuns) ApproveStep(ctx context.Context, runID string, stepID string) (*store.Run, error) {
	return runResult(m.Called(ctx, runID, stepID))
}

func (m *MockRuns) ListSnapshots(ctx context.Context, runID string, page store.Page) ([]store.Snapshot, error) {
	args := m.Called(ctx, runID, page)
	var result []store.Snapshot
	if value := args.Get(0); value != nil {
		result = value.([]store.Snapshot)
	}
	return result, args.Error(1)
}

func (m *MockRuns) ListLogs(ctx context.Context, runID string, stepID string, page store.Page) ([]store.BrowserLog, error) {
	args := m.Called(ctx, runID, stepID, page)
	var result []store.BrowserLog
	if value := args.Get(0); value != nil {
		result = value.([]store.BrowserLog)
	}
	return result, args.Error(1)
}

func (m *MockRuns) ListAudit(ctx context.Context, runID string, page store.Page) ([]store.AuditEntry, error) {
	args := m.Called(ctx, runID, page)
	var result []store.AuditEntry
	if value := args.Get(0); value != nil {
		result = value.([]store.AuditEntry)
	}
	return result, args.Error(1)
}

func (m *MockRuns) LatestSnapshot(ctx context.Context, runID string) (*events.SnapshotPayload, error) {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		return value.(*events.SnapshotPayload), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuns) Asset(ctx context.Context, runID string, ref string) (string, error) {
	args := m.Called(ctx, runID, ref)
	return args.String(0), args.Error(1)
}

func (m *MockRuns) Broadcaster() events.Broadcaster {
	if m.broadcaster == nil {
		m.broadcaster = events.NewBroker()
	}
	return m.broadcaster
}

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newTestServer(t *testing.T, runs Runs, pinger Pinger, cfg config.Config) *httptest.Server {
	t.Helper()
	server := NewServer(runs, pinger, nil, cfg)
	return httptest.NewServer(server.Router())
}
