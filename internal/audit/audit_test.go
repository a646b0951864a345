package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store/memory"
)

func TestEncodeDecode_PreservesKind(t *testing.T) {
	records := []Record{
		PlanBranch{FailedStepID: "s3", Reason: "retries_exhausted", Steps: []store.Step{{ID: "b1", Title: "alt"}}, BranchCall: 1},
		SelfCheck{Check: 2, OffTrack: true, Blockers: []string{"captcha"}},
		LoopGuard{Signature: "click|#next", Repeats: 3, Action: "replan"},
		RunStatusChanged{From: store.RunRunning, To: store.RunWaitingHuman, Reason: "approval_required"},
	}
	for _, record := range records {
		entry, err := Encode("run-1", "s3", record)
		require.NoError(t, err)
		require.Equal(t, string(record.AuditType()), entry.Type)

		decoded, err := Decode(entry)
		require.NoError(t, err)
		require.Equal(t, record, decoded)
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(store.AuditEntry{Type: "mystery", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)

	_, err = Decode(store.AuditEntry{Type: string(TypeSelfCheck), Payload: json.RawMessage(`{"check":"two"}`)})
	require.Error(t, err)

	record, err := Decode(store.AuditEntry{Type: string(TypePlanAdapt)})
	require.NoError(t, err)
	require.Equal(t, PlanAdapt{}, record)
}

func TestLogAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.CreateRun(ctx, store.Run{ID: "run-1"}))

	log := NewLog(mem)
	log.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	ids := []string{"a", "b", "c"}
	log.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	entry, err := log.Append(ctx, "run-1", "", PlanCreated{Steps: []store.Step{{ID: "s1"}}})
	require.NoError(t, err)
	require.Equal(t, "a", entry.ID)
	_, err = log.Append(ctx, "run-1", "s1", StepOutcome{Status: store.StepCompleted, Attempts: 1})
	require.NoError(t, err)
	require.NoError(t, mem.AppendAudit(ctx, store.AuditEntry{ID: "junk", RunID: "run-1", Type: "mystery"}))

	records, err := log.Recent(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.IsType(t, PlanCreated{}, records[0])
	require.IsType(t, StepOutcome{}, records[1])

	_, err = log.Append(ctx, "missing", "", PlanAdapt{})
	require.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestDescribe(t *testing.T) {
	require.Equal(t, "branched at s3 (retries_exhausted) into 2 steps", Describe(PlanBranch{FailedStepID: "s3", Reason: "retries_exhausted", Steps: make([]store.Step, 2)}))
	require.Equal(t, "self-check 1: needs human", Describe(SelfCheck{Check: 1, NeedsHuman: true, OffTrack: true}))
	require.Equal(t, "run running -> failed (fatal: boom)", Describe(RunStatusChanged{From: store.RunRunning, To: store.RunFailed, Reason: "fatal", Error: "boom"}))
}
