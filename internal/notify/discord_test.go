package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

func TestDiscordPostsEmbedForApproval(t *testing.T) {
	var (
		receivedMethod string
		receivedType   string
		receivedBody   []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedType = r.Header.Get("Content-Type")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		receivedBody = body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewDiscord(server.URL, server.Client(), nil)
	notifier.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	notifier.Notify(context.Background(), orchestrator.Notification{
		RunID:  "r1",
		Task:   strings.Repeat("T", 400),
		Status: store.RunWaitingHuman,
		Reason: "approval_required",
		StepID: "s3",
	})

	require.Equal(t, http.MethodPost, receivedMethod)
	require.Equal(t, "application/json", receivedType)
	payload := discordWebhookPayload{}
	require.NoError(t, json.Unmarshal(receivedBody, &payload))
	require.Len(t, payload.Embeds, 1)
	embed := payload.Embeds[0]
	require.True(t, strings.HasPrefix(embed.Title, "Run waiting human: TTT"))
	require.LessOrEqual(t, len(embed.Title), len("Run waiting human: ")+200)
	require.Equal(t, "approval_required", embed.Description)
	require.Equal(t, 16776960, embed.Color)
	require.Equal(t, "2026-01-02T03:04:05Z", embed.Timestamp)
	require.Contains(t, embed.Fields, discordEmbedField{Name: "Awaiting approval", Value: "s3"})
	require.Contains(t, embed.Fields, discordEmbedField{Name: "Run ID", Value: "r1", Inline: true})
}

func TestDiscordFailureUsesErrorAsDescription(t *testing.T) {
	var payload discordWebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	NewDiscord(server.URL, nil, nil).Notify(context.Background(), orchestrator.Notification{
		RunID:  "r2",
		Status: store.RunFailed,
		Reason: "planning failed",
		Error:  "planning failed: " + strings.Repeat("x", 2000),
	})

	require.Len(t, payload.Embeds, 1)
	require.Equal(t, "Run failed", payload.Embeds[0].Title)
	require.LessOrEqual(t, len(payload.Embeds[0].Description), 900)
	require.True(t, strings.HasSuffix(payload.Embeds[0].Description, "..."))
	require.Equal(t, 15158332, payload.Embeds[0].Color)
	require.Contains(t, payload.Embeds[0].Fields, discordEmbedField{Name: "Reason", Value: "planning failed"})
}

func TestDiscordLogsRejectedRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad webhook", http.StatusBadRequest)
	}))
	defer server.Close()

	var logs bytes.Buffer
	notifier := NewDiscord(server.URL, nil, slog.New(slog.NewTextHandler(&logs, nil)))
	notifier.Notify(context.Background(), orchestrator.Notification{RunID: "r3", Status: store.RunCompleted})

	require.Contains(t, logs.String(), "discord notification failed")
	require.Contains(t, logs.String(), "status=400")
}

func TestNewDiscordSkipsWhenNotConfigured(t *testing.T) {
	notifier := NewDiscord("  ", nil, nil)
	require.Nil(t, notifier)
	require.NotPanics(t, func() {
		notifier.Notify(context.Background(), orchestrator.Notification{RunID: "r4", Status: store.RunCompleted})
	})
}

func TestTruncateForDiscord(t *testing.T) {
	require.Equal(t, "", truncateForDiscord("   ", 10))
	require.Equal(t, "short", truncateForDiscord("short", 10))
	require.Equal(t, "abc", truncateForDiscord("abcdef", 3))
	require.Equal(t, "abcd...", truncateForDiscord("abcdefghij", 7))
	require.Equal(t, "ééé", truncateForDiscord("éééé", 3))
	require.Equal(t, "日本...", truncateForDiscord("日本語のテキスト", 5))
}
