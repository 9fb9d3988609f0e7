package timeline

import "time"

// HandoffEvent is one status change of a hand-off record.
type HandoffEvent struct {
	ID             int64     `json:"id"`
	HandoffID      string    `json:"handoff_id"`
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	AssignedTo     string    `json:"assigned_to,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// HandoffFilter narrows ListHandoffs.
type HandoffFilter struct {
	Status         string
	ConversationID string
	Limit          int
}

// Schema creates the relaydesk tables. Rows carry the full JSON document
// plus the columns queries filter on.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	data TEXT NOT NULL,
	last_activity TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conversations_mode ON conversations(mode);

CREATE TABLE IF NOT EXISTS handoffs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	initiated_at TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_handoffs_status ON handoffs(status);
CREATE INDEX IF NOT EXISTS idx_handoffs_conversation ON handoffs(conversation_id);

CREATE TABLE IF NOT EXISTS handoff_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	handoff_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_to TEXT DEFAULT '',
	outcome TEXT DEFAULT '',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handoff_events_handoff ON handoff_events(handoff_id);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
