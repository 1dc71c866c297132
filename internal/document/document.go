// Package document defines the capability the automation loop uses to drive
// a foreign page: open it as a tab, evaluate predicates, run mutators, close it.
//
// The loop never learns how a page is driven; adapters live in sub-packages.
package document

import (
	"context"
	"errors"
)

var (
	// ErrNotReady is returned when a page never reached a usable state.
	ErrNotReady = errors.New("document not ready")
	// ErrClosed is returned by calls on a closed document.
	ErrClosed = errors.New("document closed")
	// ErrScript wraps failures raised by an injected script.
	ErrScript = errors.New("script failed")
)

// Document is one open tab.
type Document interface {
	// Evaluate runs a side-effect-free predicate and returns its result.
	Evaluate(ctx context.Context, script string) (bool, error)
	// Mutate runs an action script (fill, click) and returns whether it
	// reported success.
	Mutate(ctx context.Context, script string) (bool, error)
	// Close closes the tab. Calling it more than once is a no-op.
	Close(ctx context.Context) error
}

// Opener opens addressable resources as new tabs.
type Opener interface {
	Open(ctx context.Context, address string) (Document, error)
}
