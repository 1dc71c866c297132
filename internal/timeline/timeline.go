// Package timeline tracks per-stage progress of the current work item.
package timeline

import (
	"context"
	"sync"
	"time"

	"tabrunner/internal/eventbus"
	"tabrunner/internal/storage"
	logx "tabrunner/pkg/logx"
)

// Key is the storage key holding the latest snapshot.
const Key = "timeline"

// Pipeline stage IDs, in display order.
const (
	StepOpen   = "open"
	StepLoad   = "load"
	StepFill   = "fill"
	StepSubmit = "submit"
	StepClose  = "close"
	StepWait   = "wait"
)

var Steps = []string{StepOpen, StepLoad, StepFill, StepSubmit, StepClose, StepWait}

const waitingLabel = "Waiting"

// Status values derived from the Active and Completed flags.
const (
	StatusWaiting = "waiting"
	StatusActive  = "active"
	StatusDone    = "done"
)

func statusOf(active, completed bool) string {
	switch {
	case active:
		return StatusActive
	case completed:
		return StatusDone
	default:
		return StatusWaiting
	}
}

type Step struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Status    string    `json:"status"`
	Active    bool      `json:"active"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reporter holds the in-memory snapshot and mirrors it to storage and the bus.
// Publishing is fire-and-forget.
type Reporter struct {
	st  *storage.Store
	bus eventbus.Bus
	log logx.Logger

	mu    sync.Mutex
	steps []Step
}

func New(st *storage.Store, bus eventbus.Bus, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reporter{st: st, bus: bus, log: log}
	r.steps = initial(time.Now())
	return r
}

func initial(at time.Time) []Step {
	out := make([]Step, len(Steps))
	for i, id := range Steps {
		out[i] = Step{ID: id, Label: waitingLabel, Status: StatusWaiting, UpdatedAt: at}
	}
	return out
}

// Reset marks every stage as waiting.
func (r *Reporter) Reset(ctx context.Context) {
	r.mu.Lock()
	r.steps = initial(time.Now())
	snap := r.copyLocked()
	r.mu.Unlock()
	r.persist(ctx, snap)
	r.publish(Step{ID: "*", Label: waitingLabel, Status: StatusWaiting, UpdatedAt: time.Now()})
}

// Report overwrites one stage. Unknown IDs are appended after the known stages.
func (r *Reporter) Report(ctx context.Context, stepID, label string, active, completed bool) {
	s := Step{
		ID:        stepID,
		Label:     label,
		Status:    statusOf(active, completed),
		Active:    active,
		Completed: completed,
		UpdatedAt: time.Now(),
	}

	r.mu.Lock()
	found := false
	for i := range r.steps {
		if r.steps[i].ID == stepID {
			r.steps[i] = s
			found = true
			break
		}
	}
	if !found {
		r.steps = append(r.steps, s)
	}
	snap := r.copyLocked()
	r.mu.Unlock()

	r.persist(ctx, snap)
	r.publish(s)
}

// Snapshot returns a copy of the current stages.
func (r *Reporter) Snapshot() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// Load restores the last persisted snapshot, if any.
func (r *Reporter) Load(ctx context.Context) error {
	if r.st == nil {
		return nil
	}
	var steps []Step
	ok, err := r.st.GetJSON(ctx, Key, &steps)
	if err != nil || !ok || len(steps) == 0 {
		return err
	}
	r.mu.Lock()
	r.steps = steps
	r.mu.Unlock()
	return nil
}

func (r *Reporter) copyLocked() []Step {
	return append([]Step(nil), r.steps...)
}

func (r *Reporter) persist(ctx context.Context, snap []Step) {
	if r.st == nil {
		return
	}
	if err := r.st.SetJSON(ctx, Key, snap); err != nil {
		r.log.Debug("timeline persist failed", logx.Err(err))
	}
}

func (r *Reporter) publish(s Step) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeTimelineStep, Time: s.UpdatedAt, Data: s})
}
