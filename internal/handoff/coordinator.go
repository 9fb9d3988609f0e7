package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists hand-off records. Writes are best-effort: a failing
// repository never blocks a state transition.
type Repository interface {
	SaveHandoff(ctx context.Context, r *Record) error
	LoadActiveHandoffs(ctx context.Context) ([]*Record, error)
}

// Options configures a Coordinator.
type Options struct {
	DefaultStallingMessage string
	StallingMessages       map[ReasonType]string
	EstimatedWait          time.Duration
	Notifiers              []Notifier
	// NotifyTimeout bounds each notifier call. Zero means defaultNotifyTimeout.
	NotifyTimeout time.Duration
	Repository    Repository
	Now           func() time.Time
}

const (
	defaultStallingMessage = "One moment please, I'm bringing in a colleague to help you."
	defaultNotifyTimeout   = 10 * time.Second
)

// Coordinator owns all hand-off records.
type Coordinator struct {
	mu      sync.Mutex
	records map[string]*Record
	active  map[string]string // conversation id -> record id
	stats   Stats

	stalling      map[ReasonType]string
	defaultStall  string
	estimatedWait time.Duration
	notifiers     []Notifier
	notifyTimeout time.Duration
	repo          Repository
	now           func() time.Time

	// pending tracks notification goroutines.
	pending sync.WaitGroup
	// persistMu orders repository writes so a slow save never lands after a
	// newer one.
	persistMu sync.Mutex
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	def := strings.TrimSpace(opts.DefaultStallingMessage)
	if def == "" {
		def = defaultStallingMessage
	}
	stalling := make(map[ReasonType]string, len(opts.StallingMessages))
	for k, v := range opts.StallingMessages {
		if strings.TrimSpace(v) != "" {
			stalling[k] = v
		}
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	return &Coordinator{
		records:       make(map[string]*Record),
		active:        make(map[string]string),
		stalling:      stalling,
		defaultStall:  def,
		estimatedWait: opts.EstimatedWait,
		notifiers:     opts.Notifiers,
		notifyTimeout: opts.NotifyTimeout,
		repo:          opts.Repository,
		now:           opts.Now,
	}
}

// Restore reloads active records from the repository after a restart.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.repo == nil {
		return 0, nil
	}
	recs, err := c.repo.LoadActiveHandoffs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active handoffs: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range recs {
		if !r.Status.Active() {
			continue
		}
		if _, taken := c.active[r.ConversationID]; taken {
			continue
		}
		c.records[r.ID] = r.clone()
		c.active[r.ConversationID] = r.ID
		n++
	}
	c.stats.Active = len(c.active)
	return n, nil
}

// InitiateHandoff starts a hand-off for conversationID, or returns the one
// already active for it. Operators are notified in the background once the
// record exists; notification failures are counted and logged but never
// fail or delay the hand-off. Use Wait to drain pending notifications.
func (c *Coordinator) InitiateHandoff(ctx context.Context, conversationID, userID string, reason Reason, brief []string) (*Result, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("initiate handoff: empty conversation id")
	}
	c.mu.Lock()
	if id, ok := c.active[conversationID]; ok {
		rec := c.records[id].clone()
		c.stats.Reused++
		c.mu.Unlock()
		return &Result{
			Record:          rec,
			StallingMessage: c.stallingFor(rec.Reason.Type),
			EstimatedWait:   c.estimatedWait,
			Existing:        true,
		}, nil
	}

	if reason.Severity == "" {
		reason.Severity = SeverityMedium
	}
	rec := &Record{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Reason:         reason,
		Status:         StatusPending,
		Priority:       reason.Severity.Priority(),
		InitiatedAt:    c.now(),
	}
	c.records[rec.ID] = rec
	c.active[conversationID] = rec.ID
	c.stats.Initiated++
	c.stats.Active = len(c.active)
	snapshot := rec.clone()
	c.mu.Unlock()

	slog.Info("Handoff: initiated",
		"handoff_id", rec.ID,
		"conversation_id", conversationID,
		"reason", reason.Type,
		"severity", reason.Severity)
	c.persist(ctx, rec.ID)

	if len(c.notifiers) > 0 {
		notice := Notice{Record: snapshot.clone(), Brief: brief}
		bg := context.WithoutCancel(ctx)
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			if c.notify(bg, notice) == 0 {
				return
			}
			// An operator may have picked the record up already.
			_, _ = c.transition(bg, notice.Record.ID, StatusNotified, func(r *Record, now time.Time) {
				r.NotifiedAt = &now
			})
		}()
	}

	return &Result{
		Record:          snapshot,
		StallingMessage: c.stallingFor(reason.Type),
		EstimatedWait:   c.estimatedWait,
	}, nil
}

// Wait blocks until every pending notification has finished.
func (c *Coordinator) Wait() {
	c.pending.Wait()
}

// notify attempts every notifier, each bounded by the notify timeout, and
// returns how many succeeded.
func (c *Coordinator) notify(ctx context.Context, n Notice) int {
	ok := 0
	for _, nt := range c.notifiers {
		nctx, cancel := context.WithTimeout(ctx, c.notifyTimeout)
		err := nt.Notify(nctx, n)
		cancel()
		c.mu.Lock()
		c.stats.NotificationAttempts++
		if err != nil {
			c.stats.NotificationFailures++
		}
		c.mu.Unlock()
		if err != nil {
			slog.Warn("Handoff: notification failed", "notifier", nt.Name(), "handoff_id", n.Record.ID, "error", err)
			continue
		}
		ok++
	}
	return ok
}

func (c *Coordinator) stallingFor(t ReasonType) string {
	if msg, ok := c.stalling[t]; ok {
		return msg
	}
	return c.defaultStall
}

// SetAIMode resolves the active hand-off of conversationID, if any, with the
// returned-to-AI outcome. It reports whether a record was resolved.
func (c *Coordinator) SetAIMode(ctx context.Context, conversationID string) (*Record, bool) {
	return c.closeActive(ctx, conversationID, StatusResolved, OutcomeReturnedToAI)
}

// ResetConversation resolves the active hand-off after the user cleared
// their chat.
func (c *Coordinator) ResetConversation(ctx context.Context, conversationID string) (*Record, bool) {
	return c.closeActive(ctx, conversationID, StatusResolved, OutcomeConversationReset)
}

func (c *Coordinator) closeActive(ctx context.Context, conversationID string, status Status, outcome string) (*Record, bool) {
	c.mu.Lock()
	id, ok := c.active[conversationID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	rec, err := c.transition(ctx, id, status, func(r *Record, now time.Time) {
		r.ResolvedAt = &now
		r.Outcome = outcome
	})
	if err != nil {
		slog.Warn("Handoff: close failed", "handoff_id", id, "error", err)
		return nil, false
	}
	return rec, true
}

// IsHumanMode reports whether conversationID has an active hand-off.
func (c *Coordinator) IsHumanMode(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[conversationID]
	return ok
}

// Active returns the active hand-off of conversationID.
func (c *Coordinator) Active(conversationID string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[conversationID]
	if !ok {
		return nil, false
	}
	return c.records[id].clone(), true
}

// Get returns a record by id.
func (c *Coordinator) Get(id string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.clone(), nil
}

// Accept assigns the hand-off to an operator.
func (c *Coordinator) Accept(ctx context.Context, id, operator string) (*Record, error) {
	return c.transition(ctx, id, StatusAccepted, func(r *Record, now time.Time) {
		r.AcceptedAt = &now
		r.AssignedTo = operator
		r.AssignedAt = &now
	})
}

// Start marks an accepted hand-off as being worked on.
func (c *Coordinator) Start(ctx context.Context, id string) (*Record, error) {
	return c.transition(ctx, id, StatusInProgress, nil)
}

// Resolve closes the hand-off with outcome. It does not return the
// conversation to AI handling; use SetAIMode for that.
func (c *Coordinator) Resolve(ctx context.Context, id, outcome string) (*Record, error) {
	if outcome == "" {
		outcome = OutcomeResolvedByHuman
	}
	return c.transition(ctx, id, StatusResolved, func(r *Record, now time.Time) {
		r.ResolvedAt = &now
		r.Outcome = outcome
	})
}

// Cancel abandons a hand-off that has not been resolved.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*Record, error) {
	return c.transition(ctx, id, StatusCancelled, func(r *Record, now time.Time) {
		r.ResolvedAt = &now
	})
}

func (c *Coordinator) transition(ctx context.Context, id string, to Status, mutate func(r *Record, now time.Time)) (*Record, error) {
	c.mu.Lock()
	r, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !canTransition(r.Status, to) {
		from := r.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.Status = to
	if mutate != nil {
		mutate(r, c.now())
	}
	if !to.Active() {
		if c.active[r.ConversationID] == r.ID {
			delete(c.active, r.ConversationID)
		}
		if to == StatusResolved {
			c.stats.Resolved++
		} else {
			c.stats.Cancelled++
		}
		c.stats.Active = len(c.active)
	}
	snapshot := r.clone()
	c.mu.Unlock()

	slog.Info("Handoff: status changed", "handoff_id", id, "conversation_id", snapshot.ConversationID, "status", to)
	c.persist(ctx, id)
	return snapshot, nil
}

// persist writes the current in-memory state of record id. Writes are
// serialized and always re-read the record, so the repository ends on the
// latest status even when transitions race.
func (c *Coordinator) persist(ctx context.Context, id string) {
	if c.repo == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	r, ok := c.records[id]
	if ok {
		r = r.clone()
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.repo.SaveHandoff(ctx, r); err != nil {
		slog.Warn("Handoff: persist failed", "handoff_id", id, "error", err)
	}
}

// List returns all known records, most urgent active first, then newest.
func (c *Coordinator) List() []*Record {
	c.mu.Lock()
	out := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].Status.Active(), out[j].Status.Active()
		if ai != aj {
			return ai
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].InitiatedAt.After(out[j].InitiatedAt)
	})
	return out
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
