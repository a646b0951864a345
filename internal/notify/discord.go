// Package notify tells people about runs that need them or have settled.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/orchestrator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type discordWebhookPayload struct {
	Content string                `json:"content,omitempty"`
	Embeds  []discordWebhookEmbed `json:"embeds,omitempty"`
}

type discordWebhookEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Discord posts run notifications to a Discord webhook. Delivery failures
// are logged and dropped.
type Discord struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewDiscord returns nil when webhookURL is empty so callers can leave the
// notifier unset.
func NewDiscord(webhookURL string, client *http.Client, logger *slog.Logger) *Discord {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{webhookURL: webhookURL, client: client, logger: logger, now: time.Now}
}

func (d *Discord) Notify(ctx context.Context, n orchestrator.Notification) {
	if d == nil {
		return
	}
	if err := d.send(ctx, n); err != nil {
		d.logger.Warn("discord notification failed", "run_id", n.RunID, "status", n.Status, "error", err)
	}
}

func (d *Discord) send(ctx context.Context, n orchestrator.Notification) error {
	status := string(n.Status)
	title := fmt.Sprintf("Run %s", strings.ReplaceAll(status, "_", " "))
	if task := strings.TrimSpace(n.Task); task != "" {
		title = fmt.Sprintf("%s: %s", title, truncateForDiscord(task, 200))
	}

	description := strings.TrimSpace(n.Error)
	if description == "" {
		description = strings.TrimSpace(n.Reason)
	}
	if description == "" {
		description = "Run " + status + "."
	}
	description = truncateForDiscord(description, 900)

	fields := []discordEmbedField{
		{Name: "Status", Value: status, Inline: true},
		{Name: "Run ID", Value: n.RunID, Inline: true},
	}
	if n.Status == store.RunWaitingHuman && strings.TrimSpace(n.StepID) != "" {
		fields = append(fields, discordEmbedField{Name: "Awaiting approval", Value: n.StepID})
	}
	if reason := strings.TrimSpace(n.Reason); reason != "" && reason != description {
		fields = append(fields, discordEmbedField{Name: "Reason", Value: truncateForDiscord(reason, 240)})
	}

	payload := discordWebhookPayload{
		Embeds: []discordWebhookEmbed{
			{
				Title:       title,
				Description: description,
				Color:       discordStatusColor(n.Status),
				Timestamp:   d.now().UTC().Format(time.RFC3339),
				Fields:      fields,
			},
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord webhook rejected request: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func discordStatusColor(status store.RunStatus) int {
	switch status {
	case store.RunFailed:
		return 15158332
	case store.RunStopped:
		return 10181046
	case store.RunWaitingHuman:
		return 16776960
	default:
		return 5763719
	}
}

func truncateForDiscord(value string, limit int) string {
	text := strings.TrimSpace(value)
	if text == "" || limit <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return strings.TrimSpace(string(runes[:limit-3])) + "..."
}
