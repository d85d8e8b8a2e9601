package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"crewhub/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS delivery_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	from_worker TEXT NOT NULL,
	to_worker TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	success INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_records_worker ON delivery_records(to_worker, recorded_at);

CREATE TABLE IF NOT EXISTS mode_transitions (
	id TEXT PRIMARY KEY,
	from_mode TEXT NOT NULL,
	to_mode TEXT NOT NULL,
	initiator TEXT NOT NULL,
	preserve_state INTEGER NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_mode_transitions_started ON mode_transitions(started_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_actor ON decision_log(actor, created_at);
`

// Store is the operator journal. Rows are only ever appended, except that a
// transition id recorded twice keeps its latest state.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	at := rec.At
	if at.IsZero() {
		at = s.now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO delivery_records(
			message_id, from_worker, to_worker, kind, status, success, attempts, latency_ms, last_error, recorded_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MessageID, rec.From, rec.To, string(rec.Kind), string(rec.Status), boolToInt(rec.Success),
		rec.Attempts, rec.Latency.Milliseconds(), rec.Error, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (s *Store) RecordTransition(ctx context.Context, tr domain.ModeTransition) error {
	data := []byte("{}")
	if len(tr.Data) > 0 {
		encoded, err := json.Marshal(tr.Data)
		if err != nil {
			return fmt.Errorf("encode transition data: %w", err)
		}
		data = encoded
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO mode_transitions(
			id, from_mode, to_mode, initiator, preserve_state, status, last_error, data, started_at, ended_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			data = excluded.data,
			ended_at = excluded.ended_at`,
		tr.ID, string(tr.From), string(tr.To), tr.Initiator, boolToInt(tr.PreserveState), string(tr.Status),
		tr.Error, string(data), tr.StartedAt.UnixMilli(), nullableUnixMilli(tr.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	at := entry.CreatedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		entry.Actor, entry.Action, entry.Reason, payload, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDeliveries returns the newest records first. A non-empty workerID
// restricts the result to records addressed to that worker.
func (s *Store) ListDeliveries(ctx context.Context, workerID string, limit int) ([]domain.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT message_id, from_worker, to_worker, kind, status, success, attempts, latency_ms, last_error, recorded_at
		FROM delivery_records
		WHERE ? = '' OR to_worker = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`,
		workerID, workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DeliveryRecord, 0)
	for rows.Next() {
		var item domain.DeliveryRecord
		var kind, status string
		var success int
		var latencyMS, recordedAt int64
		if err := rows.Scan(
			&item.MessageID, &item.From, &item.To, &kind, &status, &success,
			&item.Attempts, &latencyMS, &item.Error, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		item.Kind = domain.MessageKind(kind)
		item.Status = domain.DeliveryStatus(status)
		item.Success = success == 1
		item.Latency = time.Duration(latencyMS) * time.Millisecond
		item.At = unixMilliToTime(recordedAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return result, nil
}

func (s *Store) ListTransitions(ctx context.Context, limit int) ([]domain.ModeTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, from_mode, to_mode, initiator, preserve_state, status, last_error, data, started_at, ended_at
		FROM mode_transitions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ModeTransition, 0)
	for rows.Next() {
		var item domain.ModeTransition
		var from, to, status, data string
		var preserve int
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(
			&item.ID, &from, &to, &item.Initiator, &preserve, &status, &item.Error, &data, &startedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		item.From = domain.Mode(from)
		item.To = domain.Mode(to)
		item.Status = domain.TransitionStatus(status)
		item.PreserveState = preserve == 1
		item.StartedAt = unixMilliToTime(startedAt)
		item.EndedAt = nullInt64ToTimePtr(endedAt)
		if err := json.Unmarshal([]byte(data), &item.Data); err != nil {
			return nil, fmt.Errorf("decode transition data: %w", err)
		}
		if len(item.Data) == 0 {
			item.Data = nil
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return result, nil
}

// ListDecisions returns the newest entries first. A non-empty actor filters
// by the worker or component that logged them.
func (s *Store) ListDecisions(ctx context.Context, actor string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE ? = '' OR actor = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		actor, actor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func nullInt64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := unixMilliToTime(v.Int64)
	return &t
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
