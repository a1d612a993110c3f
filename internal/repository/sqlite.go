package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mylo-james/myloware/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			spec TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage INTEGER NOT NULL DEFAULT 0,
			payload TEXT,
			result TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS stage_attempts (
			attempt_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_attempts_run ON stage_attempts(run_id, stage_name, attempt)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			artifact_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			producer TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			idempotency_key TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			run_id TEXT,
			raw_payload TEXT,
			signature_status TEXT NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 1,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_pending ON webhook_events(received_at) WHERE processed_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS gates (
			gate_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			gate_name TEXT NOT NULL,
			mode TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT 'PENDING',
			decided_by TEXT,
			reason TEXT,
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		// One open gate per run, enforced in the schema.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_gates_open ON gates(run_id) WHERE decision = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_gates_expiry ON gates(decision, mode, expires_at)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			published_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox(id) WHERE published_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			run_id TEXT NOT NULL,
			payload TEXT,
			reason TEXT NOT NULL,
			failed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			replayed_at DATETIME
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertArtifactTx(ctx context.Context, tx *sql.Tx, a *domain.Artifact) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, run_id, producer, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.RunID, a.Producer, a.Type, nullStringBytes(a.Payload), a.CreatedAt)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.Seq = seq
	return nil
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, out *domain.OutboxEntry) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (run_id, topic, payload, created_at) VALUES (?, ?, ?, ?)`,
		out.RunID, out.Topic, nullStringBytes(out.Payload), out.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	out.ID = id
	return nil
}

// CreateRun persists a new run together with its cause artifact and
// outbox entries in one transaction.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run, cause *domain.Artifact, outs ...*domain.OutboxEntry) error {
	spec, err := json.Marshal(run.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, pipeline, spec, status, current_stage, payload, result, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Pipeline, string(spec), run.Status, run.CurrentStage,
			nullStringBytes(run.Payload), nullStringBytes(run.Result), run.CreatedAt, run.UpdatedAt)
		if err != nil {
			return err
		}
		if cause != nil {
			if err := insertArtifactTx(ctx, tx, cause); err != nil {
				return err
			}
		}
		return insertOutboxAllTx(ctx, tx, outs)
	})
}

func insertOutboxAllTx(ctx context.Context, tx *sql.Tx, outs []*domain.OutboxEntry) error {
	for _, out := range outs {
		if out == nil {
			continue
		}
		if err := insertOutboxTx(ctx, tx, out); err != nil {
			return err
		}
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var spec string
	var payload, result sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, pipeline, spec, status, current_stage, payload, result, created_at, updated_at FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.Pipeline, &spec, &run.Status, &run.CurrentStage, &payload, &result, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spec), &run.Spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spec for run %s: %w", runID, err)
	}
	if payload.Valid {
		run.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		run.Result = json.RawMessage(result.String)
	}
	return &run, nil
}

// ListActiveRuns returns runs in a non-terminal state, oldest first.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pipeline, spec, status, current_stage, payload, result, created_at, updated_at
		 FROM runs
		 WHERE status IN (?, ?, ?)
		 ORDER BY created_at ASC`,
		domain.RunStatusCreated, domain.RunStatusRunning, domain.RunStatusAwaitingGate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var spec string
		var payload, result sql.NullString
		if err := rows.Scan(&run.RunID, &run.Pipeline, &spec, &run.Status, &run.CurrentStage, &payload, &result, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(spec), &run.Spec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal spec for run %s: %w", run.RunID, err)
		}
		if payload.Valid {
			run.Payload = json.RawMessage(payload.String)
		}
		if result.Valid {
			run.Result = json.RawMessage(result.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunState transitions a run and records the cause artifact (plus an
// optional outbox entry) in the same transaction. Terminal runs are never
// transitioned again.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, status domain.RunStatus, currentStage int, result json.RawMessage, cause *domain.Artifact, outs ...*domain.OutboxEntry) error {
	now := time.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, current_stage = ?, result = COALESCE(?, result), updated_at = ?
			 WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
			status, currentStage, nullStringBytes(result), now,
			runID, domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusRejected)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("run %s not transitionable: %w", runID, domain.ErrRunNotFound)
		}
		if cause != nil {
			if err := insertArtifactTx(ctx, tx, cause); err != nil {
				return err
			}
		}
		return insertOutboxAllTx(ctx, tx, outs)
	})
}

// CreateStageAttempt creates a new stage attempt.
func (s *SQLiteStore) CreateStageAttempt(ctx context.Context, attempt *domain.StageAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_attempts (attempt_id, run_id, stage_name, attempt, status, error, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.AttemptID, attempt.RunID, attempt.StageName, attempt.Attempt, attempt.Status,
		nullStringBytes(attempt.Error), attempt.StartedAt, attempt.EndedAt)
	return err
}

// CompleteStageAttempt marks an open attempt terminal. Returns false when
// the attempt was already terminal, preserving first-writer-wins.
func (s *SQLiteStore) CompleteStageAttempt(ctx context.Context, attemptID string, status domain.StageStatus, errData []byte) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_attempts SET status = ?, error = ?, ended_at = ? WHERE attempt_id = ? AND ended_at IS NULL`,
		status, nullStringBytes(errData), now, attemptID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetOpenStageAttempt returns the non-terminal attempt for a stage, if any.
func (s *SQLiteStore) GetOpenStageAttempt(ctx context.Context, runID, stageName string) (*domain.StageAttempt, error) {
	var a domain.StageAttempt
	var errData sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT attempt_id, run_id, stage_name, attempt, status, error, started_at, ended_at
		 FROM stage_attempts
		 WHERE run_id = ? AND stage_name = ? AND ended_at IS NULL
		 ORDER BY attempt DESC
		 LIMIT 1`,
		runID, stageName).Scan(&a.AttemptID, &a.RunID, &a.StageName, &a.Attempt, &a.Status, &errData, &a.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if errData.Valid {
		a.Error = json.RawMessage(errData.String)
	}
	if endedAt.Valid {
		a.EndedAt = &endedAt.Time
	}
	return &a, nil
}

// CountStageAttempts counts attempts for a stage of a run.
func (s *SQLiteStore) CountStageAttempts(ctx context.Context, runID, stageName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stage_attempts WHERE run_id = ? AND stage_name = ?`,
		runID, stageName).Scan(&n)
	return n, err
}

// AppendArtifact appends to the ledger, optionally with outbox entries in
// the same transaction.
func (s *SQLiteStore) AppendArtifact(ctx context.Context, artifact *domain.Artifact, outs ...*domain.OutboxEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertArtifactTx(ctx, tx, artifact); err != nil {
			return err
		}
		return insertOutboxAllTx(ctx, tx, outs)
	})
}

// GetArtifacts retrieves artifacts for a run in append order.
func (s *SQLiteStore) GetArtifacts(ctx context.Context, runID string, afterSeq int64, types []string, limit int) ([]domain.Artifact, error) {
	query := `SELECT seq, artifact_id, run_id, producer, type, payload, created_at FROM artifacts WHERE run_id = ?`
	args := []interface{}{runID}

	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, afterSeq)
	}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var payload sql.NullString
		if err := rows.Scan(&a.Seq, &a.ArtifactID, &a.RunID, &a.Producer, &a.Type, &payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			a.Payload = json.RawMessage(payload.String)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// LatestArtifact returns the most recent artifact of the given types for a
// run, or nil.
func (s *SQLiteStore) LatestArtifact(ctx context.Context, runID string, types []string) (*domain.Artifact, error) {
	query := `SELECT seq, artifact_id, run_id, producer, type, payload, created_at FROM artifacts WHERE run_id = ?`
	args := []interface{}{runID}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}
	query += ` ORDER BY seq DESC LIMIT 1`

	var a domain.Artifact
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&a.Seq, &a.ArtifactID, &a.RunID, &a.Producer, &a.Type, &payload, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		a.Payload = json.RawMessage(payload.String)
	}
	return &a, nil
}

// CountArtifacts counts ledger entries for a run.
func (s *SQLiteStore) CountArtifacts(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// AdmitWebhook inserts or refreshes the admission record for an idempotency
// key and reports whether the event still needs processing. The primary key
// linearizes concurrent admissions; a key already marked processed returns
// false after its delivery is counted. An admitted-but-unprocessed key
// returns true again so a redelivery can finish work a crash interrupted.
func (s *SQLiteStore) AdmitWebhook(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (idempotency_key, provider, run_id, raw_payload, signature_status, deliveries, received_at, last_seen_at) VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		event.IdempotencyKey, event.Provider, nullString(event.RunID), nullStringBytes(event.RawPayload),
		event.SignatureStatus, event.ReceivedAt, event.ReceivedAt)
	if err == nil {
		return true, nil
	}
	if !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return false, err
	}
	_, uerr := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET deliveries = deliveries + 1, last_seen_at = ? WHERE idempotency_key = ?`,
		time.Now(), event.IdempotencyKey)
	if uerr != nil {
		return false, uerr
	}
	var pending bool
	uerr = s.db.QueryRowContext(ctx,
		`SELECT processed_at IS NULL FROM webhook_events WHERE idempotency_key = ?`,
		event.IdempotencyKey).Scan(&pending)
	if uerr != nil {
		return false, uerr
	}
	return pending, nil
}

// MarkWebhookProcessed records that an admitted event's effect on the run
// is durable. Returns false when another path already marked it.
func (s *SQLiteStore) MarkWebhookProcessed(ctx context.Context, idempotencyKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed_at = ? WHERE idempotency_key = ? AND processed_at IS NULL`,
		time.Now(), idempotencyKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListUnprocessedWebhookEvents returns admitted events whose processing
// never completed, oldest first.
func (s *SQLiteStore) ListUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idempotency_key, provider, run_id, raw_payload, signature_status, deliveries, received_at, last_seen_at FROM webhook_events WHERE processed_at IS NULL AND received_at < ? ORDER BY received_at LIMIT ?`,
		olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		var runID, payload sql.NullString
		if err := rows.Scan(&e.IdempotencyKey, &e.Provider, &runID, &payload, &e.SignatureStatus, &e.Deliveries, &e.ReceivedAt, &e.LastSeenAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if payload.Valid {
			e.RawPayload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetWebhookEvent retrieves the admission record for a key.
func (s *SQLiteStore) GetWebhookEvent(ctx context.Context, idempotencyKey string) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var runID, payload sql.NullString
	var processed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, provider, run_id, raw_payload, signature_status, deliveries, received_at, last_seen_at, processed_at FROM webhook_events WHERE idempotency_key = ?`,
		idempotencyKey).Scan(&e.IdempotencyKey, &e.Provider, &runID, &payload, &e.SignatureStatus, &e.Deliveries, &e.ReceivedAt, &e.LastSeenAt, &processed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		e.RunID = runID.String
	}
	if payload.Valid {
		e.RawPayload = json.RawMessage(payload.String)
	}
	if processed.Valid {
		e.ProcessedAt = &processed.Time
	}
	return &e, nil
}

// PurgeWebhookEvents deletes admission records older than the cutoff. The
// caller keeps the TTL above the provider's maximum retry window.
func (s *SQLiteStore) PurgeWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE last_seen_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateGate opens a gate, moves the run to AWAITING_GATE, and records the
// cause artifact in one transaction. The partial unique index on pending
// gates turns a second open gate into domain.ErrGateAlreadyOpen.
func (s *SQLiteStore) CreateGate(ctx context.Context, gate *domain.ApprovalGate, cause *domain.Artifact, outs ...*domain.OutboxEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO gates (gate_id, run_id, gate_name, mode, decision, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			gate.GateID, gate.RunID, gate.GateName, gate.Mode, gate.Decision, gate.ExpiresAt, gate.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
			domain.RunStatusAwaitingGate, time.Now(), gate.RunID,
			domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusRejected)
		if err != nil {
			return err
		}
		if cause != nil {
			if err := insertArtifactTx(ctx, tx, cause); err != nil {
				return err
			}
		}
		return insertOutboxAllTx(ctx, tx, outs)
	})
	if err != nil && strings.Contains(err.Error(), "idx_gates_open") {
		return domain.ErrGateAlreadyOpen
	}
	return err
}

func scanGate(row *sql.Row) (*domain.ApprovalGate, error) {
	var g domain.ApprovalGate
	var decidedBy, reason sql.NullString
	var expiresAt, decidedAt sql.NullTime
	err := row.Scan(&g.GateID, &g.RunID, &g.GateName, &g.Mode, &g.Decision, &decidedBy, &reason, &expiresAt, &g.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if decidedBy.Valid {
		g.DecidedBy = decidedBy.String
	}
	if reason.Valid {
		g.Reason = reason.String
	}
	if expiresAt.Valid {
		g.ExpiresAt = &expiresAt.Time
	}
	if decidedAt.Valid {
		g.DecidedAt = &decidedAt.Time
	}
	return &g, nil
}

const gateColumns = `gate_id, run_id, gate_name, mode, decision, decided_by, reason, expires_at, created_at, decided_at`

// GetOpenGate returns the pending gate for a run, if any.
func (s *SQLiteStore) GetOpenGate(ctx context.Context, runID string) (*domain.ApprovalGate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gateColumns+` FROM gates WHERE run_id = ? AND decision = ?`,
		runID, domain.GateDecisionPending)
	return scanGate(row)
}

// GetGate returns the most recent gate with the given name for a run.
func (s *SQLiteStore) GetGate(ctx context.Context, runID, gateName string) (*domain.ApprovalGate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gateColumns+` FROM gates WHERE run_id = ? AND gate_name = ? ORDER BY created_at DESC LIMIT 1`,
		runID, gateName)
	return scanGate(row)
}

// DecideGate resolves a pending gate. Returns false when the gate was
// already decided.
func (s *SQLiteStore) DecideGate(ctx context.Context, gateID string, decision domain.GateDecision, decidedBy, reason string) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE gates SET decision = ?, decided_by = ?, reason = ?, decided_at = ? WHERE gate_id = ? AND decision = ?`,
		decision, decidedBy, reason, now, gateID, domain.GateDecisionPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListExpiredSoftGates returns pending soft gates past their timeout.
func (s *SQLiteStore) ListExpiredSoftGates(ctx context.Context, limit int) ([]domain.ApprovalGate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gateColumns+`
		 FROM gates
		 WHERE decision = ? AND mode = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		domain.GateDecisionPending, domain.GateModeSoft, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gates []domain.ApprovalGate
	for rows.Next() {
		var g domain.ApprovalGate
		var decidedBy, reason sql.NullString
		var expiresAt, decidedAt sql.NullTime
		if err := rows.Scan(&g.GateID, &g.RunID, &g.GateName, &g.Mode, &g.Decision, &decidedBy, &reason, &expiresAt, &g.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		if decidedBy.Valid {
			g.DecidedBy = decidedBy.String
		}
		if reason.Valid {
			g.Reason = reason.String
		}
		if expiresAt.Valid {
			g.ExpiresAt = &expiresAt.Time
		}
		if decidedAt.Valid {
			g.DecidedAt = &decidedAt.Time
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// ListUnpublishedOutbox returns unpublished entries in insert order.
func (s *SQLiteStore) ListUnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, topic, payload, attempts, created_at, published_at
		 FROM outbox
		 WHERE published_at IS NULL
		 ORDER BY id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.OutboxEntry
	for rows.Next() {
		var e domain.OutboxEntry
		var payload sql.NullString
		var publishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.RunID, &e.Topic, &payload, &e.Attempts, &e.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if publishedAt.Valid {
			e.PublishedAt = &publishedAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxPublished stamps an entry as drained.
func (s *SQLiteStore) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = ?, attempts = attempts + 1 WHERE id = ?`,
		time.Now(), id)
	return err
}

// InsertDeadLetter records a poison message.
func (s *SQLiteStore) InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (message_id, topic, run_id, payload, reason, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		dl.MessageID, dl.Topic, dl.RunID, nullStringBytes(dl.Payload), dl.Reason, dl.FailedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	dl.ID = id
	return nil
}

// ListDeadLetters returns dead letters, newest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int, includeReplayed bool) ([]domain.DeadLetter, error) {
	query := `SELECT id, message_id, topic, run_id, payload, reason, failed_at, replayed_at FROM dead_letters`
	if !includeReplayed {
		query += ` WHERE replayed_at IS NULL`
	}
	query += ` ORDER BY failed_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var payload sql.NullString
		var replayedAt sql.NullTime
		if err := rows.Scan(&dl.ID, &dl.MessageID, &dl.Topic, &dl.RunID, &payload, &dl.Reason, &dl.FailedAt, &replayedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			dl.Payload = json.RawMessage(payload.String)
		}
		if replayedAt.Valid {
			dl.ReplayedAt = &replayedAt.Time
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// GetDeadLetter retrieves a dead letter by ID.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id int64) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	var payload sql.NullString
	var replayedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, topic, run_id, payload, reason, failed_at, replayed_at FROM dead_letters WHERE id = ?`,
		id).Scan(&dl.ID, &dl.MessageID, &dl.Topic, &dl.RunID, &payload, &dl.Reason, &dl.FailedAt, &replayedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		dl.Payload = json.RawMessage(payload.String)
	}
	if replayedAt.Valid {
		dl.ReplayedAt = &replayedAt.Time
	}
	return &dl, nil
}

// MarkDeadLetterReplayed stamps a dead letter; returns false if it was
// already replayed.
func (s *SQLiteStore) MarkDeadLetterReplayed(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET replayed_at = ? WHERE id = ? AND replayed_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
