// Package toolrunner performs browser actions through a remote tool runner
// speaking tool_contract_v2 over HTTP.
package toolrunner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

const contractVersion = "tool_contract_v2"

type ExecutionError struct {
	InvocationID string
	Message      string
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Message)
}

type runnerResponse struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

type Launcher struct {
	baseURL     string
	httpClient  *http.Client
	toolTimeout time.Duration
}

func NewLauncher(baseURL string, httpClient *http.Client, toolTimeout time.Duration) *Launcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: toolTimeout + 5*time.Second}
	}
	return &Launcher{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		toolTimeout: toolTimeout,
	}
}

// Open probes the runner health endpoint; the runner owns the browser
// lifecycle keyed by run id.
func (l *Launcher) Open(ctx context.Context, opts actuator.SessionOptions) (actuator.Session, error) {
	if l.baseURL == "" {
		return nil, &ExecutionError{Message: "tool runner url not configured"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, &ExecutionError{Message: err.Error()}
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExecutionError{Message: fmt.Sprintf("tool runner unavailable (health status %d)", resp.StatusCode)}
	}
	return &Session{launcher: l, runID: opts.RunID, browser: opts.Browser, headless: opts.Headless}, nil
}

type Session struct {
	launcher *Launcher
	runID    string
	browser  string
	headless bool

	mu     sync.Mutex
	closed bool
}

func (s *Session) Do(ctx context.Context, action store.Action) (actuator.Observation, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return actuator.Observation{}, actuator.ErrSessionClosed
	}
	toolName, input, err := s.toolCall(action)
	if err != nil {
		return actuator.Observation{}, err
	}
	output, err := s.launcher.execute(ctx, s.runID, toolName, input)
	if err != nil {
		return actuator.Observation{}, err
	}
	obs := observationFromOutput(output)
	if action.Kind != store.ActionSnapshot {
		// Action tools report where they landed; the page detail comes
		// from a follow-up snapshot.
		snapshot, err := s.launcher.execute(ctx, s.runID, "browser.snapshot", s.baseInput())
		if err != nil {
			return obs, err
		}
		merged := observationFromOutput(snapshot)
		merged.Logs = append(obs.Logs, merged.Logs...)
		if merged.URL == "" {
			merged.URL = obs.URL
		}
		obs = merged
	}
	return obs, nil
}

func (s *Session) baseInput() map[string]any {
	input := map[string]any{"headless": s.headless}
	if s.browser != "" {
		input["browser"] = s.browser
	}
	return input
}

func (s *Session) toolCall(action store.Action) (string, map[string]any, error) {
	input := s.baseInput()
	switch action.Kind {
	case store.ActionNavigate:
		input["url"] = action.URL
		return "browser.navigate", input, nil
	case store.ActionClick:
		input["selector"] = action.Selector
		return "browser.click", input, nil
	case store.ActionType:
		input["selector"] = action.Selector
		input["text"] = action.Text
		return "browser.type", input, nil
	case store.ActionScroll:
		if action.Selector != "" {
			input["selector"] = action.Selector
		}
		if action.Text != "" {
			input["amount"] = action.Text
		}
		return "browser.scroll", input, nil
	case store.ActionWait:
		if action.Selector != "" {
			input["selector"] = action.Selector
		}
		if action.Text != "" {
			input["duration"] = action.Text
		}
		return "browser.wait", input, nil
	case store.ActionBack:
		return "browser.back", input, nil
	case store.ActionReload:
		return "browser.reload", input, nil
	case store.ActionSnapshot:
		return "browser.snapshot", input, nil
	case store.ActionExtract:
		if action.Selector != "" {
			input["selector"] = action.Selector
		}
		return "browser.extract", input, nil
	}
	return "", nil, fmt.Errorf("%w: %s", actuator.ErrUnsupportedAction, action.Kind)
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.launcher.release(context.Background(), s.runID)
}

func (l *Launcher) execute(ctx context.Context, runID string, toolName string, input map[string]any) (map[string]any, error) {
	invocationID := uuid.New().String()
	payload := map[string]any{
		"contract_version": contractVersion,
		"run_id":           runID,
		"invocation_id":    invocationID,
		"idempotency_key":  invocationID,
		"tool_name":        toolName,
		"input":            input,
	}
	if l.toolTimeout > 0 {
		payload["timeout_ms"] = int(l.toolTimeout / time.Millisecond)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ExecutionError{InvocationID: invocationID, Message: err.Error()}
	}
	requestCtx := ctx
	if l.toolTimeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, l.toolTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, l.baseURL+"/tools/execute", bytes.NewReader(body))
	if err != nil {
		return nil, &ExecutionError{InvocationID: invocationID, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, &ExecutionError{InvocationID: invocationID, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, &ExecutionError{InvocationID: invocationID, Message: parseErrorMessage(resp.StatusCode, responseBody)}
	}
	var result runnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ExecutionError{InvocationID: invocationID, Message: err.Error()}
	}
	if result.Error != "" {
		return nil, &ExecutionError{InvocationID: invocationID, Message: strings.TrimSpace(result.Error)}
	}
	return result.Output, nil
}

func (l *Launcher) release(ctx context.Context, runID string) error {
	requestCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(
		requestCtx,
		http.MethodPost,
		fmt.Sprintf("%s/runs/%s/browser/close", l.baseURL, url.PathEscape(runID)),
		nil,
	)
	if err != nil {
		return err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return &ExecutionError{Message: parseErrorMessage(resp.StatusCode, responseBody)}
	}
	return nil
}

func observationFromOutput(output map[string]any) actuator.Observation {
	obs := actuator.Observation{
		URL:            firstNonEmptyString(output["url"], nested(output, "extracted", "url")),
		Title:          firstNonEmptyString(output["title"]),
		DOMText:        firstNonEmptyString(output["text"], output["content"], output["dom_text"]),
		HTML:           toString(output["html"]),
		CursorX:        toInt(nested(output, "cursor", "x")),
		CursorY:        toInt(nested(output, "cursor", "y")),
		ViewportWidth:  toInt(nested(output, "viewport", "width")),
		ViewportHeight: toInt(nested(output, "viewport", "height")),
	}
	if encoded := toString(output["screenshot"]); encoded != "" {
		if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			obs.Screenshot = decoded
		}
	}
	if logs, ok := output["logs"].([]any); ok {
		for _, raw := range logs {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			line := actuator.LogLine{
				Level:   firstNonEmptyString(entry["level"], "info"),
				Message: toString(entry["message"]),
				At:      time.Now().UTC(),
			}
			if ts, err := time.Parse(time.RFC3339Nano, toString(entry["timestamp"])); err == nil {
				line.At = ts
			}
			obs.Logs = append(obs.Logs, line)
		}
	}
	return obs
}

func parseErrorMessage(statusCode int, responseBody []byte) string {
	trimmed := strings.TrimSpace(string(responseBody))
	if trimmed == "" {
		return fmt.Sprintf("tool runner returned status %d", statusCode)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(responseBody, &payload); err != nil {
		return trimmed
	}
	reasonCode := strings.TrimSpace(toString(payload["reason_code"]))
	if diagnostics, ok := payload["diagnostics"].(map[string]any); ok {
		if reasonCode == "" {
			reasonCode = strings.TrimSpace(toString(diagnostics["reason_code"]))
		}
		if detail := strings.TrimSpace(toString(diagnostics["reason_detail"])); detail != "" && strings.TrimSpace(toString(payload["error"])) == "" {
			payload["error"] = detail
		}
	}
	errorText := firstNonEmptyString(payload["error"], payload["message"], payload["detail"])
	if errorText == "" {
		errorText = trimmed
	}
	if reasonCode != "" {
		return fmt.Sprintf("%s (%s)", errorText, reasonCode)
	}
	return errorText
}

func nested(output map[string]any, key string, field string) any {
	inner, ok := output[key].(map[string]any)
	if !ok {
		return nil
	}
	return inner[field]
}

func firstNonEmptyString(values ...any) string {
	for _, value := range values {
		if text := strings.TrimSpace(toString(value)); text != "" {
			return text
		}
	}
	return ""
}

func toString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}

func toInt(value any) int {
	switch typed := value.(type) {
	case float64:
		return int(typed)
	case int:
		return typed
	case json.Number:
		n, _ := typed.Int64()
		return int(n)
	}
	return 0
}
