package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/handoff/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Work Records ---

// CreateWork inserts a new work record. The callback token, when present, is
// stored as an opaque blob with no special handling and is never written again.
func (s *LibSQLStore) CreateWork(ctx context.Context, w *WorkRecord) error {
	params, err := marshalMapOrDefault(w.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO work_records (id, type, params, callback_token, status, output, error, workflow_id, activity_id, attempts, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Type, string(params), nullBytes(w.CallbackToken), string(w.Status),
		nullRaw(w.Output), nullRaw(w.Error), nullStr(w.WorkflowID), nullStr(w.ActivityID),
		w.Attempts, timeOrNow(w.CreatedAt), nullTime(w.StartedAt), nullTime(w.CompletedAt), timeOrNow(w.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWork(ctx context.Context, id string) (*WorkRecord, error) {
	w := &WorkRecord{}
	var (
		paramsJSON             string
		token                  []byte
		outputJSON, errorJSON  sql.NullString
		workflowID, activityID sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, params, callback_token, status, output, error, workflow_id, activity_id, attempts, created_at, started_at, completed_at, updated_at
		 FROM work_records WHERE id = ?`, id,
	).Scan(&w.ID, &w.Type, &paramsJSON, &token, &status, &outputJSON, &errorJSON,
		&workflowID, &activityID, &w.Attempts, &w.CreatedAt, &startedAt, &completedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("work record", id)
	}
	if err != nil {
		return nil, err
	}
	w.CallbackToken = token
	w.Status = schema.WorkStatus(status)
	w.WorkflowID = workflowID.String
	w.ActivityID = activityID.String
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &w.Params)
	}
	w.Output = rawOrNil(outputJSON)
	w.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		w.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	return w, nil
}

func (s *LibSQLStore) UpdateWork(ctx context.Context, id string, update WorkUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE work_records SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "work record", id)
}

func (s *LibSQLStore) ListWork(ctx context.Context, filter WorkFilter) ([]*WorkRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, type, params, callback_token, status, output, error, workflow_id, activity_id, attempts, created_at, started_at, completed_at, updated_at FROM work_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*WorkRecord
	for rows.Next() {
		w := &WorkRecord{}
		var (
			paramsJSON             string
			token                  []byte
			outputJSON, errorJSON  sql.NullString
			workflowID, activityID sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&w.ID, &w.Type, &paramsJSON, &token, &status, &outputJSON, &errorJSON,
			&workflowID, &activityID, &w.Attempts, &w.CreatedAt, &startedAt, &completedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.CallbackToken = token
		w.Status = schema.WorkStatus(status)
		w.WorkflowID = workflowID.String
		w.ActivityID = activityID.String
		if paramsJSON != "" {
			_ = json.Unmarshal([]byte(paramsJSON), &w.Params)
		}
		w.Output = rawOrNil(outputJSON)
		w.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			w.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			w.CompletedAt = &completedAt.Time
		}
		records = append(records, w)
	}
	return records, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) GetEvents(ctx context.Context, workID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, work_id, event_type, payload, timestamp, sequence
		 FROM events WHERE work_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Completion Deliveries ---

// CreateDelivery inserts the outbox row for a work record's completion call.
// The primary key on work_id enforces at most one delivery per record.
func (s *LibSQLStore) CreateDelivery(ctx context.Context, d *CompletionDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completion_deliveries (work_id, kind, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.WorkID, d.Kind, nullRaw(d.Payload), string(d.Status), d.Attempts,
		nullStr(d.LastError), nullTime(d.NextAttemptAt), timeOrNow(d.CreatedAt), timeOrNow(d.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"completion delivery already exists for work %s", d.WorkID).WithWork(d.WorkID)
	}
	return err
}

func (s *LibSQLStore) GetDelivery(ctx context.Context, workID string) (*CompletionDelivery, error) {
	d := &CompletionDelivery{}
	var (
		payload   sql.NullString
		lastError sql.NullString
		nextAt    sql.NullTime
		status    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT work_id, kind, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM completion_deliveries WHERE work_id = ?`, workID,
	).Scan(&d.WorkID, &d.Kind, &payload, &status, &d.Attempts, &lastError, &nextAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("completion delivery", workID)
	}
	if err != nil {
		return nil, err
	}
	d.Payload = rawOrNil(payload)
	d.Status = schema.DeliveryStatus(status)
	d.LastError = lastError.String
	if nextAt.Valid {
		d.NextAttemptAt = &nextAt.Time
	}
	return d, nil
}

func (s *LibSQLStore) UpdateDelivery(ctx context.Context, workID string, update DeliveryUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *update.LastError)
	}
	if update.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, *update.NextAttemptAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, workID)

	query := fmt.Sprintf("UPDATE completion_deliveries SET %s WHERE work_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "completion delivery", workID)
}

// ListDueDeliveries returns pending deliveries whose next attempt is due.
func (s *LibSQLStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*CompletionDelivery, error) {
	query := `SELECT work_id, kind, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at
		 FROM completion_deliveries
		 WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*CompletionDelivery
	for rows.Next() {
		d := &CompletionDelivery{}
		var (
			payload   sql.NullString
			lastError sql.NullString
			nextAt    sql.NullTime
			status    string
		)
		if err := rows.Scan(&d.WorkID, &d.Kind, &payload, &status, &d.Attempts, &lastError, &nextAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Payload = rawOrNil(payload)
		d.Status = schema.DeliveryStatus(status)
		d.LastError = lastError.String
		if nextAt.Valid {
			d.NextAttemptAt = &nextAt.Time
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.HandoffError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
