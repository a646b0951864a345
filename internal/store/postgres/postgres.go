package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, now: utcNow}, nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"runs",
		"run_snapshots",
		"run_browser_logs",
		"run_audit_entries",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run the migrate command)", table)
		}
	}
	return nil
}

const runColumns = `id, task, model, browser, headless, status, plan_state, active_step_id,
	checkpointed_at, error_message, requires_human_intervention, recording_ref,
	stop_requested, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.Run, error) {
	var (
		run            store.Run
		status         string
		planState      []byte
		activeStepID   sql.NullString
		checkpointedAt sql.NullTime
		errorMessage   sql.NullString
		recordingRef   sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.Task,
		&run.Model,
		&run.Browser,
		&run.Headless,
		&status,
		&planState,
		&activeStepID,
		&checkpointedAt,
		&errorMessage,
		&run.RequiresHumanIntervention,
		&recordingRef,
		&run.StopRequested,
		&run.Version,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	if len(planState) > 0 {
		if err := json.Unmarshal(planState, &run.PlanState); err != nil {
			return store.Run{}, fmt.Errorf("decode plan state for run %s: %w", run.ID, err)
		}
	}
	run.ActiveStepID = activeStepID.String
	if checkpointedAt.Valid {
		run.CheckpointedAt = checkpointedAt.Time.UTC()
	}
	run.ErrorMessage = errorMessage.String
	run.RecordingRef = recordingRef.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, run store.Run) error {
	now := p.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = store.RunQueued
	}
	planState, err := json.Marshal(run.PlanState)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO runs (
			id, task, model, browser, headless, status, plan_state, active_step_id,
			checkpointed_at, error_message, requires_human_intervention, recording_ref,
			stop_requested, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15)
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.Task,
		run.Model,
		run.Browser,
		run.Headless,
		string(run.Status),
		planState,
		nullString(run.ActiveStepID),
		nullTime(run.CheckpointedAt),
		nullString(run.ErrorMessage),
		run.RequiresHumanIntervention,
		nullString(run.RecordingRef),
		run.StopRequested,
		run.CreatedAt,
		run.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context) ([]store.Run, error) {
	return p.queryRuns(ctx, "SELECT "+runColumns+" FROM runs ORDER BY created_at DESC")
}

func (p *PostgresStore) ListStaleRuns(ctx context.Context, status store.RunStatus, updatedBefore time.Time) ([]store.Run, error) {
	return p.queryRuns(
		ctx,
		"SELECT "+runColumns+" FROM runs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC",
		string(status),
		updatedBefore,
	)
}

func (p *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]store.Run, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// UpdateRun locks the run row for the duration of mutate, so guard checks
// inside mutate cannot race another writer.
func (p *PostgresStore) UpdateRun(ctx context.Context, runID string, mutate store.RunMutation) (*store.Run, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := scanRun(tx.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1 FOR UPDATE", runID))
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrRunNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	working := current.Clone()
	if err = mutate(&working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	working.CreatedAt = current.CreatedAt
	working.Version = current.Version + 1
	working.UpdatedAt = p.now()

	planState, err := json.Marshal(working.PlanState)
	if err != nil {
		return nil, err
	}
	const query = `
		UPDATE runs SET
			task = $2,
			model = $3,
			browser = $4,
			headless = $5,
			status = $6,
			plan_state = $7,
			active_step_id = $8,
			checkpointed_at = $9,
			error_message = $10,
			requires_human_intervention = $11,
			recording_ref = $12,
			stop_requested = $13,
			version = $14,
			updated_at = $15
		WHERE id = $1
	`
	if _, err = tx.ExecContext(
		ctx,
		query,
		working.ID,
		working.Task,
		working.Model,
		working.Browser,
		working.Headless,
		string(working.Status),
		planState,
		nullString(working.ActiveStepID),
		nullTime(working.CheckpointedAt),
		nullString(working.ErrorMessage),
		working.RequiresHumanIntervention,
		nullString(working.RecordingRef),
		working.StopRequested,
		working.Version,
		working.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &working, nil
}

func (p *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM runs WHERE id = $1", runID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrRunNotFound
	}
	return nil
}

func (p *PostgresStore) AppendSnapshot(ctx context.Context, snapshot store.Snapshot) error {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = p.now()
	}
	const query = `
		INSERT INTO run_snapshots (
			id, run_id, step_id, url, title, dom_text, screenshot_ref, screenshot_data,
			cursor_x, cursor_y, viewport_width, viewport_height, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		snapshot.ID,
		snapshot.RunID,
		nullString(snapshot.StepID),
		snapshot.URL,
		snapshot.Title,
		snapshot.DOMText,
		nullString(snapshot.ScreenshotRef),
		snapshot.ScreenshotData,
		snapshot.CursorX,
		snapshot.CursorY,
		snapshot.ViewportWidth,
		snapshot.ViewportHeight,
		snapshot.CreatedAt,
	)
	return mapWriteError(err)
}

const snapshotColumns = `id, run_id, step_id, url, title, dom_text, screenshot_ref, screenshot_data,
	cursor_x, cursor_y, viewport_width, viewport_height, created_at`

func scanSnapshot(row rowScanner) (store.Snapshot, error) {
	var (
		snapshot      store.Snapshot
		stepID        sql.NullString
		screenshotRef sql.NullString
	)
	if err := row.Scan(
		&snapshot.ID,
		&snapshot.RunID,
		&stepID,
		&snapshot.URL,
		&snapshot.Title,
		&snapshot.DOMText,
		&screenshotRef,
		&snapshot.ScreenshotData,
		&snapshot.CursorX,
		&snapshot.CursorY,
		&snapshot.ViewportWidth,
		&snapshot.ViewportHeight,
		&snapshot.CreatedAt,
	); err != nil {
		return store.Snapshot{}, err
	}
	snapshot.StepID = stepID.String
	snapshot.ScreenshotRef = screenshotRef.String
	snapshot.CreatedAt = snapshot.CreatedAt.UTC()
	return snapshot, nil
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, runID string, snapshotID string) (*store.Snapshot, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM run_snapshots WHERE run_id = $1 AND id = $2", runID, snapshotID)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (p *PostgresStore) LatestSnapshot(ctx context.Context, runID string) (*store.Snapshot, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM run_snapshots WHERE run_id = $1 ORDER BY seq DESC LIMIT 1", runID)
	snapshot, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (p *PostgresStore) ListSnapshots(ctx context.Context, runID string, page store.Page) ([]store.Snapshot, error) {
	page = page.Normalize()
	rows, err := p.db.QueryContext(
		ctx,
		"SELECT "+snapshotColumns+" FROM run_snapshots WHERE run_id = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3",
		runID,
		page.Limit,
		page.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Snapshot{}
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) AppendBrowserLogs(ctx context.Context, logs []store.BrowserLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `
		INSERT INTO run_browser_logs (id, run_id, step_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	now := p.now()
	for _, entry := range logs {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if _, err = tx.ExecContext(ctx, query, entry.ID, entry.RunID, nullString(entry.StepID), entry.Level, entry.Message, entry.CreatedAt); err != nil {
			err = mapWriteError(err)
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListBrowserLogs(ctx context.Context, runID string, stepID string, page store.Page) ([]store.BrowserLog, error) {
	page = page.Normalize()
	query := `
		SELECT id, run_id, step_id, level, message, created_at
		FROM run_browser_logs
		WHERE run_id = $1 AND ($2 = '' OR step_id = $2)
		ORDER BY seq ASC
		LIMIT $3 OFFSET $4
	`
	rows, err := p.db.QueryContext(ctx, query, runID, stepID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.BrowserLog{}
	for rows.Next() {
		var (
			entry      store.BrowserLog
			stepIDCell sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.RunID, &stepIDCell, &entry.Level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.StepID = stepIDCell.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = p.now()
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	const query = `
		INSERT INTO run_audit_entries (id, run_id, step_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := p.db.ExecContext(ctx, query, entry.ID, entry.RunID, nullString(entry.StepID), entry.Type, []byte(payload), entry.CreatedAt)
	return mapWriteError(err)
}

func (p *PostgresStore) ListAudit(ctx context.Context, runID string, page store.Page) ([]store.AuditEntry, error) {
	page = page.Normalize()
	const query = `
		SELECT id, run_id, step_id, type, payload, created_at
		FROM run_audit_entries
		WHERE run_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3
	`
	return p.queryAudit(ctx, query, runID, page.Limit, page.Offset)
}

func (p *PostgresStore) RecentAudit(ctx context.Context, runID string, limit int) ([]store.AuditEntry, error) {
	if limit <= 0 {
		limit = store.MaxPageLimit
	}
	const query = `
		SELECT id, run_id, step_id, type, payload, created_at
		FROM (
			SELECT seq, id, run_id, step_id, type, payload, created_at
			FROM run_audit_entries
			WHERE run_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`
	return p.queryAudit(ctx, query, runID, limit)
}

func (p *PostgresStore) queryAudit(ctx context.Context, query string, args ...any) ([]store.AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.AuditEntry{}
	for rows.Next() {
		var (
			entry   store.AuditEntry
			stepID  sql.NullString
			payload []byte
		)
		if err := rows.Scan(&entry.ID, &entry.RunID, &stepID, &entry.Type, &payload, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.StepID = stepID.String
		entry.Payload = json.RawMessage(payload)
		entry.CreatedAt = entry.CreatedAt.UTC()
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// foreign_key_violation: the owning run does not exist (or was deleted).
const pgForeignKeyViolation = "23503"

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, pgErr.Detail)
	}
	return err
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
