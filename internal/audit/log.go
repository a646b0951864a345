package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type Log struct {
	store store.Store
	now   func() time.Time
	newID func() string
}

func NewLog(st store.Store) *Log {
	return &Log{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

func Encode(runID string, stepID string, record Record) (store.AuditEntry, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("encode %s payload: %w", record.AuditType(), err)
	}
	return store.AuditEntry{
		RunID:   runID,
		StepID:  stepID,
		Type:    string(record.AuditType()),
		Payload: payload,
	}, nil
}

func (l *Log) Append(ctx context.Context, runID string, stepID string, record Record) (store.AuditEntry, error) {
	entry, err := Encode(runID, stepID, record)
	if err != nil {
		return store.AuditEntry{}, err
	}
	entry.ID = l.newID()
	entry.CreatedAt = l.now()
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		return store.AuditEntry{}, err
	}
	return entry, nil
}

// Recent returns the last limit entries decoded, skipping any that no
// longer decode.
func (l *Log) Recent(ctx context.Context, runID string, limit int) ([]Record, error) {
	entries, err := l.store.RecentAudit(ctx, runID, limit)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		record, err := Decode(entry)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Describe renders a record as one line for recaps and notifications.
func Describe(record Record) string {
	switch r := record.(type) {
	case PlannerContext:
		return fmt.Sprintf("planner called (%s) with %d completed and %d pending steps", r.Trigger, len(r.CompletedIDs), len(r.PendingIDs))
	case PlanCreated:
		return fmt.Sprintf("plan created with %d steps", len(r.Steps))
	case PlanUpdate:
		return fmt.Sprintf("%s on %s: %s -> %s", r.Operation, r.StepID, r.From, r.To)
	case PlanBranch:
		return fmt.Sprintf("branched at %s (%s) into %d steps", r.FailedStepID, r.Reason, len(r.Steps))
	case PlanReplan:
		return fmt.Sprintf("replanned (%s) into %d steps", r.Reason, len(r.Steps))
	case PlanAdapt:
		return fmt.Sprintf("plan adapted (%s): %s", r.Reason, strings.Join(r.StepIDs, ", "))
	case SelfCheck:
		verdict := "on track"
		switch {
		case r.NeedsHuman:
			verdict = "needs human"
		case r.OffTrack:
			verdict = "off track"
		case r.GoalSatisfied:
			verdict = "goal satisfied"
		}
		return fmt.Sprintf("self-check %d: %s", r.Check, verdict)
	case SelfCheckReplan:
		return fmt.Sprintf("self-check %d replanned (%s) into %d steps", r.Check, r.Reason, len(r.Steps))
	case SelfImprovement:
		return fmt.Sprintf("self-improvement notes: %s", strings.Join(r.Notes, "; "))
	case LoopGuard:
		return fmt.Sprintf("loop guard %s after %d repeats (%s)", r.Action, r.Repeats, r.Reason)
	case RunStatusChanged:
		if r.Error != "" {
			return fmt.Sprintf("run %s -> %s (%s: %s)", r.From, r.To, r.Reason, r.Error)
		}
		return fmt.Sprintf("run %s -> %s (%s)", r.From, r.To, r.Reason)
	case StepOutcome:
		if r.Reason != "" {
			return fmt.Sprintf("step %s after %d attempts (%s)", r.Status, r.Attempts, r.Reason)
		}
		return fmt.Sprintf("step %s after %d attempts", r.Status, r.Attempts)
	case PolicyDecision:
		return fmt.Sprintf("policy %s for %s", r.Verdict, r.URL)
	case ApprovalRequested:
		return fmt.Sprintf("approval requested for %s (%s)", r.StepID, r.Reason)
	case ResumeRecap:
		return fmt.Sprintf("resumed from %s", r.PriorStatus)
	case ControlAction:
		return fmt.Sprintf("control %s", r.Action)
	case ExtractionResult:
		return fmt.Sprintf("extraction %s: %d items", r.Outcome, r.Items)
	case PlannerFailure:
		return fmt.Sprintf("planner failed (%s) after %d attempts: %s", r.Trigger, r.Attempts, r.Error)
	}
	return string(record.AuditType())
}
