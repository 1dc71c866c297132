// Package queue is the durable FIFO of pending work items.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"

	"tabrunner/internal/eventbus"
	"tabrunner/internal/storage"
)

// Key is the storage key holding the queue as a JSON string array.
const Key = "queue"

var ErrHeadMismatch = errors.New("queue head changed")

// Queue is safe for concurrent use within one process. Every mutation is a
// single-key read-modify-write under mu.
type Queue struct {
	st  *storage.Store
	bus eventbus.Bus

	mu sync.Mutex
}

// New binds a queue to st. bus may be nil.
func New(st *storage.Store, bus eventbus.Bus) *Queue {
	return &Queue{st: st, bus: bus}
}

func (q *Queue) Items(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.Items(ctx)
	return len(items), err
}

// Head returns the next item to process. ok is false when the queue is empty.
func (q *Queue) Head(ctx context.Context) (item string, ok bool, err error) {
	items, err := q.Items(ctx)
	if err != nil || len(items) == 0 {
		return "", false, err
	}
	return items[0], true, nil
}

// Append adds items at the tail in the given order. Blank items are skipped
// and surrounding whitespace is trimmed. It returns the number appended.
func (q *Queue) Append(ctx context.Context, items ...string) (int, error) {
	add := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			add = append(add, it)
		}
	}
	if len(add) == 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	if err := q.save(ctx, append(cur, add...)); err != nil {
		return 0, err
	}
	return len(add), nil
}

// RemoveHead drops the head only if it is still expect.
func (q *Queue) RemoveHead(ctx context.Context, expect string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, err := q.load(ctx)
	if err != nil {
		return err
	}
	if len(cur) == 0 || cur[0] != expect {
		return ErrHeadMismatch
	}
	return q.save(ctx, cur[1:])
}

// Remove deletes the first occurrence of item. It reports whether one was found.
func (q *Queue) Remove(ctx context.Context, item string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, err := q.load(ctx)
	if err != nil {
		return false, err
	}
	for i, it := range cur {
		if it == item {
			next := append(cur[:i:i], cur[i+1:]...)
			return true, q.save(ctx, next)
		}
	}
	return false, nil
}

func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(ctx, nil)
}

func (q *Queue) load(ctx context.Context) ([]string, error) {
	var items []string
	if _, err := q.st.GetJSON(ctx, Key, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *Queue) save(ctx context.Context, items []string) error {
	if items == nil {
		items = []string{}
	}
	if err := q.st.SetJSON(ctx, Key, items); err != nil {
		return err
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueChanged, Data: map[string]any{"len": len(items)}})
	}
	return nil
}
