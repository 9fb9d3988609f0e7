package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(limit int) *Store {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewStore(NewMemoryRepository(), StoreOptions{
		HistoryLimit: limit,
		SessionTTL:   time.Hour,
		Now:          func() time.Time { return now },
	})
}

func TestGetContextCreatesAIMode(t *testing.T) {
	s := newTestStore(10)
	c, err := s.GetContext(t.Context(), "telegram:1", "1", "telegram")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Mode != ModeAI || len(c.History) != 0 || c.RequiresHandoff {
		t.Fatalf("unexpected fresh context: %+v", c)
	}
	if !c.ExpiresAt.Equal(c.SessionStart.Add(time.Hour)) {
		t.Fatalf("expected expiry one TTL after start, got %v / %v", c.SessionStart, c.ExpiresAt)
	}

	// Returned contexts are copies.
	c.Mode = ModeHuman
	again, _ := s.GetContext(t.Context(), "telegram:1", "1", "telegram")
	if again.Mode != ModeAI {
		t.Fatal("mutating a returned context leaked into the store")
	}
}

func TestAddMessagePrunesOldestWithoutReordering(t *testing.T) {
	s := newTestStore(3)
	for i := 0; i < 5; i++ {
		if _, err := s.AddMessage(t.Context(), "c", Entry{Role: RoleUser, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	c, _ := s.GetContext(t.Context(), "c", "", "")
	if len(c.History) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(c.History))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if c.History[i].Content != want {
			t.Fatalf("entry %d = %q, want %q", i, c.History[i].Content, want)
		}
	}
}

func TestModeTransitions(t *testing.T) {
	cases := []struct {
		from, to Mode
		ok       bool
	}{
		{ModeAI, ModeTransitioning, true},
		{ModeTransitioning, ModeHuman, true},
		{ModeAI, ModeHuman, true},
		{ModeHuman, ModeAI, true},
		{ModeTransitioning, ModeAI, true},
		{ModeHuman, ModeTransitioning, false},
	}
	for _, tc := range cases {
		c := &Context{Mode: tc.from}
		err := c.SetMode(tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestSetModeKeepsRequiresHandoffInStep(t *testing.T) {
	s := newTestStore(10)
	c, err := s.SetMode(t.Context(), "c", ModeHuman)
	if err != nil {
		t.Fatalf("set human: %v", err)
	}
	if !c.RequiresHandoff {
		t.Fatal("HUMAN mode must set requiresHandoff")
	}
	c, err = s.SetMode(t.Context(), "c", ModeAI)
	if err != nil {
		t.Fatalf("set ai: %v", err)
	}
	if c.RequiresHandoff {
		t.Fatal("AI mode must clear requiresHandoff")
	}
}

func TestWithConversationErrorDiscardsChanges(t *testing.T) {
	s := newTestStore(10)
	_, err := s.WithConversation(t.Context(), "c", "u", "telegram", func(c *Context) error {
		c.Append(Entry{Content: "lost"}, 10)
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	c, _ := s.GetContext(t.Context(), "c", "u", "telegram")
	if len(c.History) != 0 {
		t.Fatalf("expected no history after failed update, got %d", len(c.History))
	}
}

func TestConcurrentAppendsSameConversationAreSerialized(t *testing.T) {
	s := newTestStore(0)
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.AddMessage(context.Background(), "shared", Entry{Content: fmt.Sprintf("%d", i)})
		}(i)
	}
	wg.Wait()

	c, _ := s.GetContext(t.Context(), "shared", "", "")
	if len(c.History) != n {
		t.Fatalf("expected %d entries, got %d", n, len(c.History))
	}
	if s.locks.size() != 0 {
		t.Fatalf("expected lock table to drain, got %d", s.locks.size())
	}
}

func TestDifferentConversationsDoNotBlock(t *testing.T) {
	s := newTestStore(10)
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = s.WithConversation(context.Background(), "slow", "", "", func(c *Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	done := make(chan struct{})
	go func() {
		_, _ = s.AddMessage(context.Background(), "fast", Entry{Content: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent conversation blocked behind another")
	}
	close(release)
}

func TestResetKeepsIdentity(t *testing.T) {
	s := newTestStore(10)
	_, _ = s.WithConversation(t.Context(), "c", "u1", "telegram", func(c *Context) error {
		c.Append(Entry{Content: "hi"}, 10)
		c.SuspectAI = true
		return c.SetMode(ModeHuman)
	})

	c, err := s.Reset(t.Context(), "c")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if c.UserID != "u1" || c.Platform != "telegram" {
		t.Fatalf("identity lost: %+v", c)
	}
	if c.Mode != ModeAI || c.RequiresHandoff || c.SuspectAI || len(c.History) != 0 {
		t.Fatalf("reset did not clear state: %+v", c)
	}
}

func TestCountByMode(t *testing.T) {
	repo := NewMemoryRepository()
	s := NewStore(repo, StoreOptions{})
	_, _ = s.GetContext(t.Context(), "a", "", "")
	_, _ = s.SetMode(t.Context(), "b", ModeHuman)

	counts, err := CountByMode(t.Context(), repo)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[ModeAI] != 1 || counts[ModeHuman] != 1 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
}
