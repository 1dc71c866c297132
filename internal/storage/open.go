package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "tabrunner/pkg/logx"
)

// Store wraps a Backend with change notifications and JSON helpers.
// It is safe for concurrent use.
type Store struct {
	b   Backend
	log logx.Logger

	closed atomic.Bool

	subsMu sync.Mutex
	subs   map[uint64]chan Change
	seq    uint64
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		b   Backend
		err error
	)
	switch driver {
	case "", "memory", "mem":
		b = newMemory()
	case "file":
		b, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		b, err = openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", driver, err)
	}
	return New(b, log), nil
}

// New wraps an already-open backend.
func New(b Backend, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{b: b, log: log, subs: map[uint64]chan Change{}}
}

// NewMemory returns a Store backed by an in-process map.
func NewMemory() *Store { return New(newMemory(), logx.Nop()) }

func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	return s.b.Get(ctx, keys)
}

func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	return s.apply(ctx, values, nil)
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.apply(ctx, nil, keys)
}

func (s *Store) apply(ctx context.Context, set map[string][]byte, del []string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.b.Apply(ctx, set, del); err != nil {
		return err
	}
	keys := make([]string, 0, len(set)+len(del))
	for k := range set {
		keys = append(keys, k)
	}
	keys = append(keys, del...)
	sort.Strings(keys)
	s.publish(Change{Keys: keys, At: time.Now()})
	return nil
}

// GetJSON decodes key into out. ok is false when the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	m, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := m[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, map[string][]byte{key: raw})
}

// Subscription is a disposable change-notification handle.
type Subscription struct {
	C     <-chan Change
	close func()
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// Subscribe registers for change notifications. Delivery is non-blocking:
// a subscriber whose buffer is full misses the change.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	s.subsMu.Lock()
	s.seq++
	id := s.seq
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return &Subscription{C: ch, close: func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			// Close may already have released the channel.
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}}
}

func (s *Store) publish(c Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.log.Debug("storage change dropped (subscriber slow)", logx.Strings("keys", c.Keys))
		}
	}
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
	return s.b.Close()
}
