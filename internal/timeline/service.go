// Package timeline persists conversation contexts and hand-off records in
// SQLite.
package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/relaydesk/internal/conversation"
	"github.com/KafClaw/relaydesk/internal/handoff"
)

var (
	_ conversation.Repository = (*TimelineService)(nil)
	_ conversation.Lister     = (*TimelineService)(nil)
	_ handoff.Repository      = (*TimelineService)(nil)
)

type TimelineService struct {
	db  *sql.DB
	now func() time.Time
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &TimelineService{db: db, now: time.Now}, nil
}

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// Load implements conversation.Repository.
func (s *TimelineService) Load(ctx context.Context, id string) (*conversation.Context, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM conversations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var c conversation.Context
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, false, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &c, true, nil
}

// Save implements conversation.Repository.
func (s *TimelineService) Save(ctx context.Context, c *conversation.Context) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, platform, mode, data, last_activity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			platform = excluded.platform,
			mode = excluded.mode,
			data = excluded.data,
			last_activity = excluded.last_activity,
			updated_at = CURRENT_TIMESTAMP`,
		c.ID, c.UserID, c.Platform, string(c.Mode), string(data), formatTime(c.LastActivity))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	return nil
}

// List implements conversation.Lister.
func (s *TimelineService) List(ctx context.Context) ([]*conversation.Context, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM conversations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Context
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c conversation.Context
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Hand-offs
// ---------------------------------------------------------------------------

// SaveHandoff implements handoff.Repository. A status change is also
// appended to handoff_events.
func (s *TimelineService) SaveHandoff(ctx context.Context, r *handoff.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode handoff %s: %w", r.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin handoff tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM handoffs WHERE id = ?`, r.ID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read handoff %s: %w", r.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO handoffs (id, conversation_id, status, priority, initiated_at, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		r.ID, r.ConversationID, string(r.Status), r.Priority, formatTime(r.InitiatedAt), string(data))
	if err != nil {
		return fmt.Errorf("save handoff %s: %w", r.ID, err)
	}

	if prev != string(r.Status) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO handoff_events (handoff_id, conversation_id, status, assigned_to, outcome, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.ConversationID, string(r.Status), r.AssignedTo, r.Outcome, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("record handoff event %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// LoadActiveHandoffs implements handoff.Repository.
func (s *TimelineService) LoadActiveHandoffs(ctx context.Context) ([]*handoff.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM handoffs
		WHERE status NOT IN (?, ?)
		ORDER BY initiated_at ASC`,
		string(handoff.StatusResolved), string(handoff.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("load active handoffs: %w", err)
	}
	defer rows.Close()
	return scanHandoffs(rows)
}

// ListHandoffs returns records newest first.
func (s *TimelineService) ListHandoffs(ctx context.Context, f HandoffFilter) ([]*handoff.Record, error) {
	query := `SELECT data FROM handoffs WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	query += ` ORDER BY initiated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	defer rows.Close()
	return scanHandoffs(rows)
}

func scanHandoffs(rows *sql.Rows) ([]*handoff.Record, error) {
	var out []*handoff.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r handoff.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode handoff: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListHandoffEvents returns the status history of one hand-off, oldest
// first.
func (s *TimelineService) ListHandoffEvents(ctx context.Context, handoffID string) ([]HandoffEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, handoff_id, conversation_id, status, COALESCE(assigned_to, ''), COALESCE(outcome, ''), recorded_at
		FROM handoff_events WHERE handoff_id = ? ORDER BY id ASC`, handoffID)
	if err != nil {
		return nil, fmt.Errorf("list handoff events: %w", err)
	}
	defer rows.Close()

	var events []HandoffEvent
	for rows.Next() {
		var e HandoffEvent
		var at string
		if err := rows.Scan(&e.ID, &e.HandoffID, &e.ConversationID, &e.Status, &e.AssignedTo, &e.Outcome, &at); err != nil {
			return nil, err
		}
		e.RecordedAt = parseTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func (s *TimelineService) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *TimelineService) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
