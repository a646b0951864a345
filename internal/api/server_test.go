package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

func TestNewServer(t *testing.T) {
	server := NewServer(&MockRuns{}, &MockPinger{}, nil, config.Config{})
	require.NotNil(t, server)
	require.NotNil(t, server.Router())
	require.Equal(t, 15*time.Second, server.heartbeat)
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, &MockRuns{}, nil, config.Config{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "ok", payload["status"])
}

func TestReady(t *testing.T) {
	t.Run("ready when dependencies healthy", func(t *testing.T) {
		pinger := &MockPinger{}
		pinger.On("Ping", mock.Anything).Return(nil).Once()

		toolRunner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/ready", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer toolRunner.Close()

		server := newTestServer(t, &MockRuns{}, pinger, config.Config{
			ActuatorMode:  config.ActuatorModeToolRunner,
			ToolRunnerURL: toolRunner.URL,
		})
		defer server.Close()

		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var payload readinessResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "ok", payload.Status)
		require.Equal(t, "ok", payload.Subsystems["store"].Status)
		require.Equal(t, "ok", payload.Subsystems["tool_runner"].Status)
		pinger.AssertExpectations(t)
	})

	t.Run("degraded when store unavailable", func(t *testing.T) {
		pinger := &MockPinger{}
		pinger.On("Ping", mock.Anything).Return(errors.New("db unavailable")).Once()

		server := newTestServer(t, &MockRuns{}, pinger, config.Config{ActuatorMode: config.ActuatorModeBrowser})
		defer server.Close()

		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var payload readinessResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "degraded", payload.Status)
		require.Equal(t, "error", payload.Subsystems["store"].Status)
		require.Equal(t, "skipped", payload.Subsystems["tool_runner"].Status)
		pinger.AssertExpectations(t)
	})

	t.Run("falls back to /health when /ready missing", func(t *testing.T) {
		pinger := &MockPinger{}
		pinger.On("Ping", mock.Anything).Return(nil).Once()

		requested := make([]string, 0, 2)
		toolRunner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requested = append(requested, r.URL.Path)
			if r.URL.Path == "/ready" {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer toolRunner.Close()

		server := newTestServer(t, &MockRuns{}, pinger, config.Config{
			ActuatorMode:  config.ActuatorModeToolRunner,
			ToolRunnerURL: toolRunner.URL,
		})
		defer server.Close()

		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, []string{"/ready", "/health"}, requested)
	})

	t.Run("tool runner unhealthy", func(t *testing.T) {
		toolRunner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer toolRunner.Close()

		server := newTestServer(t, &MockRuns{}, nil, config.Config{
			ActuatorMode:  config.ActuatorModeToolRunner,
			ToolRunnerURL: toolRunner.URL,
		})
		defer server.Close()

		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		var payload readinessResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "skipped", payload.Subsystems["store"].Status)
		require.Equal(t, "health status 502", payload.Subsystems["tool_runner"].Error)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := orchestrator.NewMetrics()
	metrics.SubscriberOpened()
	server := httptest.NewServer(NewServer(&MockRuns{}, nil, metrics, config.Config{}).Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "orchestrator_live_subscribers 1")

	unconfigured := newTestServer(t, &MockRuns{}, nil, config.Config{})
	defer unconfigured.Close()
	resp, err = http.Get(unconfigured.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{store.ErrRunNotFound, http.StatusNotFound},
		{fmt.Errorf("get: %w", store.ErrSnapshotNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: s9", store.ErrStepNotFound), http.StatusNotFound},
		{orchestrator.ErrRunActive, http.StatusConflict},
		{orchestrator.ErrRunTerminal, http.StatusConflict},
		{fmt.Errorf("%w: queued -> completed", store.ErrInvalidTransition), http.StatusConflict},
		{store.ErrInvalidStepTransition, http.StatusConflict},
		{fmt.Errorf("%w: task is required", orchestrator.ErrInvalid), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestShouldSuppressRequestLog(t *testing.T) {
	require.True(t, shouldSuppressRequestLog(http.MethodGet, "/runs"))
	require.True(t, shouldSuppressRequestLog(http.MethodGet, "/metrics"))
	require.True(t, shouldSuppressRequestLog(http.MethodGet, "/runs/r1/snapshots/latest"))
	require.True(t, shouldSuppressRequestLog(http.MethodGet, "/runs/r1/live"))
	require.False(t, shouldSuppressRequestLog(http.MethodPost, "/runs"))
	require.False(t, shouldSuppressRequestLog(http.MethodGet, "/runs/r1"))
}

func TestCORSMiddleware(t *testing.T) {
	server := newTestServer(t, &MockRuns{}, nil, config.Config{})
	defer server.Close()

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/runs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStart(t *testing.T) {
	server := NewServer(&MockRuns{}, nil, nil, config.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	result := make(chan error, 1)
	go func() {
		result <- server.Start(ctx, addr)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err = <-result
	require.ErrorIs(t, err, http.ErrServerClosed)
}
