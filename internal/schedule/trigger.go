// Package schedule starts the automation loop on a timetable.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tabrunner/internal/automation"
	logx "tabrunner/pkg/logx"
)

// Engine is the part of automation.Engine the trigger needs.
type Engine interface {
	Running() bool
	Start(ctx context.Context, s *automation.Settings) (bool, error)
}

type Queue interface {
	Len(ctx context.Context) (int, error)
}

type Config struct {
	Spec     string // empty disables the trigger
	Timezone string
}

// Trigger fires Start when the schedule is due, the loop is idle and there is
// work queued.
type Trigger struct {
	engine Engine
	queue  Queue
	log    logx.Logger
	parser cron.Parser

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

func New(cfg Config, engine Engine, q Queue, log logx.Logger) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{
		cfg:    cfg,
		engine: engine,
		queue:  q,
		log:    log.With(logx.String("comp", "schedule")),
		// Both 5-field and 6-field (with seconds) specs are accepted.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether cfg would be accepted by Apply.
func (t *Trigger) Validate(cfg Config) error {
	_, _, err := t.build(cfg)
	return err
}

func (t *Trigger) build(cfg Config) (cron.Schedule, *time.Location, error) {
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cfg.Spec) == "" {
		return nil, loc, nil
	}
	spec, err := Parse(cfg.Spec)
	if err != nil {
		return nil, nil, err
	}
	if spec.Kind == KindInterval {
		return cron.Every(spec.Every), loc, nil
	}
	sched, err := t.parser.Parse(spec.Cron)
	return sched, loc, err
}

func loadLocation(tz string) (*time.Location, error) {
	if tz = strings.TrimSpace(tz); tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Start begins triggering. It is a no-op when already started.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}
	t.ctx = ctx
	return t.startLocked()
}

func (t *Trigger) startLocked() error {
	sched, loc, err := t.build(t.cfg)
	if err != nil {
		return err
	}
	if sched == nil {
		t.log.Debug("auto-start disabled")
		return nil
	}
	t.c = cron.New(cron.WithParser(t.parser), cron.WithLocation(loc))
	t.c.Schedule(sched, cron.FuncJob(t.fire))
	t.c.Start()
	t.log.Info("auto-start scheduled", logx.String("spec", t.cfg.Spec), logx.Time("next", t.nextLocked()))
	return nil
}

func (t *Trigger) stopLocked() {
	if t.c == nil {
		return
	}
	<-t.c.Stop().Done()
	t.c = nil
}

// Apply swaps in a new schedule. Invalid configs are rejected and the old
// schedule keeps running.
func (t *Trigger) Apply(cfg Config) error {
	if err := t.Validate(cfg); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg == t.cfg {
		return nil
	}
	t.cfg = cfg
	if t.ctx == nil {
		return nil
	}
	t.stopLocked()
	return t.startLocked()
}

func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next fire time, or zero when disabled.
func (t *Trigger) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextLocked()
}

func (t *Trigger) nextLocked() time.Time {
	if t.c == nil {
		return time.Time{}
	}
	if entries := t.c.Entries(); len(entries) > 0 {
		return entries[0].Next
	}
	return time.Time{}
}

func (t *Trigger) fire() {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	t.Fire(ctx)
}

// Fire runs one trigger evaluation now.
func (t *Trigger) Fire(ctx context.Context) bool {
	if t.engine.Running() {
		t.log.Debug("auto-start skipped: already running")
		return false
	}
	n, err := t.queue.Len(ctx)
	if err != nil {
		t.log.Warn("auto-start skipped: queue unreadable", logx.Err(err))
		return false
	}
	if n == 0 {
		t.log.Debug("auto-start skipped: queue empty")
		return false
	}
	started, err := t.engine.Start(ctx, nil)
	if err != nil {
		t.log.Warn("auto-start failed", logx.Err(err))
		return false
	}
	if started {
		t.log.Info("auto-start fired", logx.Int("queued", n))
	}
	return started
}
