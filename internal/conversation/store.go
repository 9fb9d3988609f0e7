package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Repository persists contexts. Implementations must return copies so the
// store stays the only writer.
type Repository interface {
	Load(ctx context.Context, id string) (*Context, bool, error)
	Save(ctx context.Context, c *Context) error
}

// StoreOptions bounds retention.
type StoreOptions struct {
	HistoryLimit int
	SessionTTL   time.Duration
	Now          func() time.Time
}

// Store is the conversation context store. Mutations for one conversation
// id are serialized through a per-key lock; different ids never block each
// other.
type Store struct {
	repo  Repository
	locks *keyedMutex
	opts  StoreOptions
}

// NewStore creates a Store over repo.
func NewStore(repo Repository, opts StoreOptions) *Store {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{repo: repo, locks: newKeyedMutex(), opts: opts}
}

// HistoryLimit returns the configured retention window.
func (s *Store) HistoryLimit() int { return s.opts.HistoryLimit }

// GetContext returns a copy of the context for id, creating an AI-mode
// context on first access.
func (s *Store) GetContext(ctx context.Context, id, userID, platform string) (*Context, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.loadOrCreate(ctx, id, userID, platform)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Peek returns a copy of the context for id without creating it.
func (s *Store) Peek(ctx context.Context, id string) (*Context, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, ok, err := s.repo.Load(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return c.Clone(), true, nil
}

// WithConversation runs fn against the live context for id while holding
// the conversation's lock, then persists the result. If fn returns an error
// nothing is saved.
func (s *Store) WithConversation(ctx context.Context, id, userID, platform string, fn func(c *Context) error) (*Context, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.loadOrCreate(ctx, id, userID, platform)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("save conversation %s: %w", id, err)
	}
	return c.Clone(), nil
}

// Update merges changes into an existing or new context atomically.
func (s *Store) Update(ctx context.Context, id string, fn func(c *Context) error) (*Context, error) {
	return s.WithConversation(ctx, id, "", "", fn)
}

// AddMessage appends e to the history of id, pruning beyond the limit.
func (s *Store) AddMessage(ctx context.Context, id string, e Entry) (*Context, error) {
	return s.Update(ctx, id, func(c *Context) error {
		if e.Timestamp.IsZero() {
			e.Timestamp = s.opts.Now()
		}
		c.Append(e, s.opts.HistoryLimit)
		c.Touch(s.opts.Now(), s.opts.SessionTTL)
		return nil
	})
}

// SetMode changes the mode of id subject to the transition rules.
func (s *Store) SetMode(ctx context.Context, id string, mode Mode) (*Context, error) {
	return s.Update(ctx, id, func(c *Context) error {
		return c.SetMode(mode)
	})
}

// Reset clears history and flags and starts a new AI-mode session. The
// identity fields are kept.
func (s *Store) Reset(ctx context.Context, id string) (*Context, error) {
	return s.Update(ctx, id, func(c *Context) error {
		now := s.opts.Now()
		fresh := New(c.ID, c.UserID, c.Platform, now, s.opts.SessionTTL)
		*c = *fresh
		return nil
	})
}

// Touch extends the session window of id.
func (s *Store) Touch(c *Context) {
	c.Touch(s.opts.Now(), s.opts.SessionTTL)
}

func (s *Store) loadOrCreate(ctx context.Context, id, userID, platform string) (*Context, error) {
	c, ok, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if ok {
		if c.UserID == "" && userID != "" {
			c.UserID = userID
		}
		if c.Metadata == nil {
			c.Metadata = map[string]string{}
		}
		return c, nil
	}
	c = New(id, userID, platform, s.opts.Now(), s.opts.SessionTTL)
	if err := s.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("create conversation %s: %w", id, err)
	}
	return c, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
