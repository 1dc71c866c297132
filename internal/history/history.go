// Package history keeps the bounded log of processed work items.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"

	"tabrunner/internal/eventbus"
	"tabrunner/internal/storage"
)

// Key is the storage key holding the log, newest first.
const Key = "history"

const (
	DefaultMax = 100
	maxLimit   = 1000
)

// Outcomes recorded per entry.
const (
	OutcomeSent        = "sent"
	OutcomeUnconfirmed = "unconfirmed"
)

type Entry struct {
	ID      string    `json:"id"`
	Item    string    `json:"item"`
	Label   string    `json:"label"`
	Outcome string    `json:"outcome,omitempty"`
	At      time.Time `json:"at"`
}

// Log is a newest-first list truncated to Max entries.
type Log struct {
	st  *storage.Store
	bus eventbus.Bus
	now func() time.Time

	mu  sync.Mutex
	max int
}

// New binds a log to st. max is clamped to [1, 1000]; 0 means DefaultMax.
func New(st *storage.Store, bus eventbus.Bus, max int) *Log {
	l := &Log{st: st, bus: bus, now: time.Now}
	l.SetMax(max)
	return l
}

func clampMax(n int) int {
	switch {
	case n == 0:
		return DefaultMax
	case n < 1:
		return 1
	case n > maxLimit:
		return maxLimit
	}
	return n
}

// SetMax changes the retention bound. It applies on the next Add.
func (l *Log) SetMax(n int) {
	l.mu.Lock()
	l.max = clampMax(n)
	l.mu.Unlock()
}

func (l *Log) Max() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// Add prepends an entry and drops the oldest ones beyond Max.
func (l *Log) Add(ctx context.Context, item, label, outcome string) (Entry, error) {
	e := Entry{
		ID:      uuid.NewString(),
		Item:    item,
		Label:   label,
		Outcome: outcome,
		At:      l.now(),
	}

	l.mu.Lock()
	cur, err := l.load(ctx)
	if err != nil {
		l.mu.Unlock()
		return Entry{}, err
	}
	next := make([]Entry, 0, len(cur)+1)
	next = append(next, e)
	next = append(next, cur...)
	if len(next) > l.max {
		next = next[:l.max]
	}
	err = l.st.SetJSON(ctx, Key, next)
	l.mu.Unlock()
	if err != nil {
		return Entry{}, fmt.Errorf("save history: %w", err)
	}

	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeHistoryAdded, Data: e})
	}
	return e, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	l.mu.Lock()
	cur, err := l.load(ctx)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(cur) > limit {
		cur = cur[:limit]
	}
	return cur, nil
}

type entrySource []Entry

func (s entrySource) String(i int) string { return s[i].Item + " " + s[i].Label }
func (s entrySource) Len() int            { return len(s) }

// Search fuzzy-matches query against item and label, best matches first.
// An empty query behaves like List.
func (l *Log) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return l.List(ctx, limit)
	}
	all, err := l.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	matches := fuzzy.FindFrom(query, entrySource(all))
	out := make([]Entry, 0, len(matches))
	for _, m := range matches {
		out = append(out, all[m.Index])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.Delete(ctx, Key)
}

func (l *Log) load(ctx context.Context) ([]Entry, error) {
	var cur []Entry
	if _, err := l.st.GetJSON(ctx, Key, &cur); err != nil {
		return nil, err
	}
	return cur, nil
}
