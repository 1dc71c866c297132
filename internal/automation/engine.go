// Package automation runs the single-threaded work loop: take the queue
// head, drive it through a document, record it, wait, repeat.
package automation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tabrunner/internal/document"
	"tabrunner/internal/eventbus"
	"tabrunner/internal/history"
	"tabrunner/internal/profile"
	"tabrunner/internal/queue"
	"tabrunner/internal/runtime/supervisor"
	"tabrunner/internal/storage"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

type Options struct {
	Store    *storage.Store
	Queue    *queue.Queue
	History  *history.Log
	Timeline *timeline.Reporter
	Opener   document.Opener
	Profiles *profile.Registry
	Bus      eventbus.Bus
	Log      logx.Logger

	// Defaults is used while no settings are stored.
	Defaults *Settings
	// Timing zero value means DefaultTiming.
	Timing Timing
	Rand   *rand.Rand
}

// Engine owns the loop state. At most one loop runs per Engine.
type Engine struct {
	st       *storage.Store
	q        *queue.Queue
	hist     *history.Log
	tl       *timeline.Reporter
	opener   document.Opener
	bus      eventbus.Bus
	log      logx.Logger
	defaults Settings
	rng      *rand.Rand

	sup *supervisor.Supervisor

	state    atomic.Int32
	timing   atomic.Pointer[Timing]
	profiles atomic.Pointer[profile.Registry]

	mu       sync.Mutex
	running  bool
	stopping bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	run      RunState
}

func New(parent context.Context, o Options) *Engine {
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Bus == nil {
		o.Bus = eventbus.New()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7ab5))
	}
	defaults := DefaultSettings()
	if o.Defaults != nil {
		defaults = *o.Defaults
	}
	log := o.Log.With(logx.String("comp", "automation"))
	e := &Engine{
		st:       o.Store,
		q:        o.Queue,
		hist:     o.History,
		tl:       o.Timeline,
		opener:   o.Opener,
		bus:      o.Bus,
		log:      log,
		defaults: defaults,
		rng:      o.Rand,
		sup:      supervisor.New(parent, supervisor.WithLogger(log)),
	}
	if o.Timing == (Timing{}) {
		o.Timing = DefaultTiming()
	}
	e.SetTiming(o.Timing)
	e.SetProfiles(o.Profiles)
	return e
}

// SetTiming applies new delays from the next suspension on.
func (e *Engine) SetTiming(t Timing) {
	t = t.withDefaults()
	e.timing.Store(&t)
}

// SetProfiles swaps the profile registry; the next item uses it.
func (e *Engine) SetProfiles(r *profile.Registry) {
	if r == nil {
		r, _ = profile.NewRegistry(nil)
	}
	e.profiles.Store(r)
}

func (e *Engine) State() State { return State(e.state.Load()) }

// setState moves the state machine. Cancelling only gives way to Idle.
func (e *Engine) setState(s State) {
	for {
		cur := e.state.Load()
		if State(cur) == s || (State(cur) == StateCancelling && s != StateIdle) {
			return
		}
		if e.state.CompareAndSwap(cur, int32(s)) {
			e.publishStatus()
			return
		}
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	return Status{State: e.State(), Run: run}
}

func (e *Engine) publishStatus() {
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeRunState, Data: e.Status()})
}

// Running reports whether a loop goroutine is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Settings returns the stored settings, or the defaults when none are stored.
func (e *Engine) Settings(ctx context.Context) (Settings, error) {
	s := e.defaults
	if _, err := e.st.GetJSON(ctx, SettingsKey, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// SaveSettings validates and stores s. A running loop picks it up on the
// next item.
func (e *Engine) SaveSettings(ctx context.Context, s Settings) error {
	if err := e.checkSettings(s); err != nil {
		return err
	}
	if err := e.st.SetJSON(ctx, SettingsKey, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeSettingsChanged, Data: s})
	return nil
}

func (e *Engine) checkSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, err := e.profiles.Load().Get(s.Profile); err != nil {
		return fmt.Errorf("%w: %w", ErrNoProfile, err)
	}
	return nil
}

// StoredRunState returns the persisted run state.
func (e *Engine) StoredRunState(ctx context.Context) (RunState, error) {
	var rs RunState
	_, err := e.st.GetJSON(ctx, RunStateKey, &rs)
	return rs, err
}

func (e *Engine) persistRun(ctx context.Context, rs RunState) {
	rs.UpdatedAt = time.Now()
	e.mu.Lock()
	e.run = rs
	e.mu.Unlock()
	if err := e.st.SetJSON(ctx, RunStateKey, rs); err != nil {
		e.log.Warn("persist run state failed", logx.Err(err))
	}
	e.publishStatus()
}

// Start begins draining the queue. If settings is non-nil it is validated
// and stored first. Start is a no-op returning false while a loop is
// already running; a loop that is still unwinding from Stop is awaited.
func (e *Engine) Start(ctx context.Context, settings *Settings) (bool, error) {
	e.mu.Lock()
	busy := e.running && !e.stopping
	e.mu.Unlock()
	if busy {
		return false, nil
	}

	if settings != nil {
		if err := e.SaveSettings(ctx, *settings); err != nil {
			return false, err
		}
	} else {
		s, err := e.Settings(ctx)
		if err != nil {
			return false, err
		}
		if err := e.checkSettings(s); err != nil {
			return false, err
		}
	}

	e.mu.Lock()
	for e.running && e.stopping {
		done := e.done
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		e.mu.Lock()
	}
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	if e.running {
		e.mu.Unlock()
		return false, nil
	}
	runCtx, cancel := context.WithCancel(e.sup.Context())
	e.running, e.stopping = true, false
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	rs := RunState{Running: true, RunID: uuid.NewString(), StartedAt: time.Now()}
	e.persistRun(ctx, rs)
	e.tl.Reset(ctx)
	e.log.Info("run started", logx.String("run_id", rs.RunID))

	e.sup.Go0("automation.loop", func(context.Context) {
		defer close(done)
		e.loop(runCtx, rs)
	})
	return true, nil
}

// Stop requests cancellation. The loop unwinds at its next suspension point,
// closing any open tab. The persisted run state flips to not running at once.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	cancel := e.cancel
	if running {
		e.stopping = true
	}
	rs := e.run
	e.mu.Unlock()

	if running {
		e.setState(StateCancelling)
		cancel()
		e.log.Info("run cancelling", logx.String("run_id", rs.RunID))
	}
	rs.Running = false
	e.persistRun(ctx, rs)
	return nil
}

// Resume restarts the loop when the stored run state says a run was in
// progress when the process last exited.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	rs, err := e.StoredRunState(ctx)
	if err != nil {
		return false, err
	}
	if !rs.Running {
		return false, nil
	}
	e.log.Info("resuming interrupted run", logx.String("run_id", rs.RunID), logx.Int("processed", rs.Processed))
	return e.Start(ctx, nil)
}

// Wait blocks until the current loop, if any, exits.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop for process shutdown. Unlike Stop it leaves the
// persisted run state untouched so the next process can Resume.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.sup.Stop(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (e *Engine) finish(rs RunState, reason string) {
	e.mu.Lock()
	closed := e.closed
	e.running, e.stopping = false, false
	e.cancel = nil
	e.mu.Unlock()

	e.setState(StateIdle)
	if closed {
		e.log.Info("run suspended for shutdown", logx.String("run_id", rs.RunID), logx.Int("processed", rs.Processed))
		return
	}
	rs.Running = false
	// The run context is gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.persistRun(ctx, rs)
	e.log.Info("run finished", logx.String("run_id", rs.RunID), logx.String("reason", reason), logx.Int("processed", rs.Processed))
}
