// Package fake provides a scripted in-memory document.Opener for tests and
// dry runs.
package fake

import (
	"context"
	"sync"
	"time"

	"tabrunner/internal/document"
)

// Config configures fake behavior.
type Config struct {
	// ReadyAfter makes Evaluate return false for the first N calls on each
	// document. 0 = ready immediately.
	ReadyAfter int
	// Mutate overrides the result of each Mutate call. call is 1-indexed per
	// document. nil means every mutation succeeds.
	Mutate func(address, script string, call int) (bool, error)
	// OnOpen runs before a document is returned. A non-nil error fails Open.
	OnOpen func(ctx context.Context, address string) error
	// OpenDelay simulates page creation latency.
	OpenDelay time.Duration
}

// Opener records every document it opens.
type Opener struct {
	cfg Config

	mu   sync.Mutex
	docs []*Document
}

var _ document.Opener = (*Opener)(nil)

func New(cfg Config) *Opener { return &Opener{cfg: cfg} }

func (o *Opener) Open(ctx context.Context, address string) (document.Document, error) {
	if o.cfg.OpenDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.OpenDelay):
		}
	}
	if o.cfg.OnOpen != nil {
		if err := o.cfg.OnOpen(ctx, address); err != nil {
			return nil, err
		}
	}
	d := &Document{Address: address, cfg: o.cfg}
	o.mu.Lock()
	o.docs = append(o.docs, d)
	o.mu.Unlock()
	return d, nil
}

// Documents returns the documents opened so far, oldest first.
func (o *Opener) Documents() []*Document {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Document(nil), o.docs...)
}

// Document is a fake tab.
type Document struct {
	Address string
	cfg     Config

	mu        sync.Mutex
	evals     int
	mutations []string
	closed    bool
}

func (d *Document) Evaluate(ctx context.Context, script string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, document.ErrClosed
	}
	d.evals++
	return d.evals > d.cfg.ReadyAfter, nil
}

func (d *Document) Mutate(ctx context.Context, script string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false, document.ErrClosed
	}
	d.mutations = append(d.mutations, script)
	call := len(d.mutations)
	d.mu.Unlock()

	if d.cfg.Mutate != nil {
		return d.cfg.Mutate(d.Address, script, call)
	}
	return true, nil
}

func (d *Document) Close(context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *Document) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Document) Evaluations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evals
}

// Mutations returns the scripts passed to Mutate, in order.
func (d *Document) Mutations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.mutations...)
}
