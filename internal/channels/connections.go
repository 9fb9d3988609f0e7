package channels

import (
	"sort"
	"sync"
	"time"
)

// Connection is the adapter's record of a business connection grant.
type Connection struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	UserChatID int64     `json:"user_chat_id"`
	CanReply   bool      `json:"can_reply"`
	IsDeleted  bool      `json:"is_deleted"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConnectionTable tracks business connections by id. Deleted connections
// stay as tombstones so replies through them keep being refused until the
// sweeper drops them.
type ConnectionTable struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	now  func() time.Time
}

// NewConnectionTable creates an empty table. now may be nil.
func NewConnectionTable(now func() time.Time) *ConnectionTable {
	if now == nil {
		now = time.Now
	}
	return &ConnectionTable{byID: make(map[string]*Connection), now: now}
}

// Upsert records the latest state of a connection.
func (t *ConnectionTable) Upsert(c Connection) {
	if c.ID == "" {
		return
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = t.now()
	}
	t.mu.Lock()
	t.byID[c.ID] = &c
	t.mu.Unlock()
}

// Delete marks a connection revoked.
func (t *ConnectionTable) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	if !ok {
		c = &Connection{ID: id}
		t.byID[id] = c
	}
	c.IsDeleted = true
	c.CanReply = false
	c.UpdatedAt = t.now()
}

// Get returns a copy of the connection record.
func (t *ConnectionTable) Get(id string) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// CanReply is permissive for unknown ids; the platform remains the authority.
func (t *ConnectionTable) CanReply(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[id]
	if !ok {
		return true
	}
	return c.CanReply && !c.IsDeleted
}

// Sweep drops records whose last update is older than maxAge, deleted or
// not, and returns how many were removed.
func (t *ConnectionTable) Sweep(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, c := range t.byID {
		if c.UpdatedAt.Before(cutoff) {
			delete(t.byID, id)
			n++
		}
	}
	return n
}

// ActiveCount returns the number of live (not deleted) connections.
func (t *ConnectionTable) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.byID {
		if !c.IsDeleted {
			n++
		}
	}
	return n
}

// List returns all records sorted by id.
func (t *ConnectionTable) List() []Connection {
	t.mu.RLock()
	out := make([]Connection, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, *c)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
