package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/KafClaw/relaydesk/internal/orchestrator"
)

// Entry is one item of the built-in knowledge base.
type Entry struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords,omitempty"`
}

// KnowledgeBase is an in-memory knowledge lookup ranked by token overlap.
type KnowledgeBase struct {
	mu      sync.RWMutex
	entries []indexedEntry
}

type indexedEntry struct {
	Entry
	tokens map[string]bool
}

// NewKnowledgeBase indexes entries.
func NewKnowledgeBase(entries []Entry) *KnowledgeBase {
	kb := &KnowledgeBase{}
	kb.Replace(entries)
	return kb
}

// LoadKnowledgeFile reads a JSON array of entries. An empty path yields an
// empty knowledge base.
func LoadKnowledgeFile(path string) (*KnowledgeBase, error) {
	if strings.TrimSpace(path) == "" {
		return NewKnowledgeBase(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse knowledge file: %w", err)
	}
	return NewKnowledgeBase(entries), nil
}

// Replace swaps the indexed entries.
func (kb *KnowledgeBase) Replace(entries []Entry) {
	idx := make([]indexedEntry, 0, len(entries))
	for _, e := range entries {
		toks := map[string]bool{}
		for _, src := range append([]string{e.Title, e.Content}, e.Keywords...) {
			for _, t := range tokenize(src) {
				toks[t] = true
			}
		}
		idx = append(idx, indexedEntry{Entry: e, tokens: toks})
	}
	kb.mu.Lock()
	kb.entries = idx
	kb.mu.Unlock()
}

// Len returns the number of entries.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.entries)
}

// Search implements orchestrator.Knowledge. Score is the share of query
// tokens found in the entry.
func (kb *KnowledgeBase) Search(_ context.Context, query string, limit int) ([]orchestrator.KnowledgeItem, error) {
	q := tokenize(query)
	if len(q) == 0 {
		return nil, nil
	}
	kb.mu.RLock()
	var out []orchestrator.KnowledgeItem
	for _, e := range kb.entries {
		hits := 0
		for _, t := range q {
			if e.tokens[t] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, orchestrator.KnowledgeItem{
			ID:      e.ID,
			Title:   e.Title,
			Content: e.Content,
			Score:   float64(hits) / float64(len(q)),
		})
	}
	kb.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "your": true,
	"are": true, "was": true, "what": true, "how": true, "can": true,
	"with": true, "this": true, "that": true, "have": true, "does": true,
}

// tokenize lowercases text and returns its distinct words of three or more
// letters, minus stop words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
