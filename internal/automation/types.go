package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tabrunner/internal/profile"
)

// Storage keys.
const (
	SettingsKey = "settings"
	RunStateKey = "run.state"
)

var (
	ErrInvalidSettings = errors.New("invalid settings")
	ErrNoProfile       = errors.New("profile not available")
	ErrClosed          = errors.New("engine closed")
)

// State is the loop's position in the per-item state machine.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateActing
	StateWaiting
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateActing:
		return "acting"
	case StateWaiting:
		return "waiting"
	case StateCancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Settings is read once per item, so edits apply from the next item on.
type Settings struct {
	MinWait       int           `json:"min_wait"`        // minutes
	MaxWait       int           `json:"max_wait"`        // minutes
	WaitAfterOpen int           `json:"wait_after_open"` // seconds
	WaitAfterSend int           `json:"wait_after_send"` // seconds
	Profile       string        `json:"profile"`
	Pools         profile.Pools `json:"pools"`
}

func DefaultSettings() Settings {
	return Settings{
		MinWait:       1,
		MaxWait:       3,
		WaitAfterOpen: 5,
		WaitAfterSend: 3,
		Profile:       profile.GmailCompose,
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.MinWait < 0 || s.MaxWait < 0 {
		errs = append(errs, errors.New("wait minutes must be >= 0"))
	}
	if s.MinWait > s.MaxWait {
		errs = append(errs, fmt.Errorf("min_wait (%d) > max_wait (%d)", s.MinWait, s.MaxWait))
	}
	if s.WaitAfterOpen < 0 || s.WaitAfterSend < 0 {
		errs = append(errs, errors.New("wait seconds must be >= 0"))
	}
	if strings.TrimSpace(s.Profile) == "" {
		errs = append(errs, errors.New("profile is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
}

// RunState is persisted so a restarted process can resume.
type RunState struct {
	Running   bool      `json:"running"`
	RunID     string    `json:"run_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Processed int       `json:"processed"`
	LastItem  string    `json:"last_item,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Status is the snapshot served to operators.
type Status struct {
	State State    `json:"state"`
	Run   RunState `json:"run"`
}

// Timing holds the loop's fixed delays. Tick is the length of one countdown
// second; tests shrink everything to milliseconds.
type Timing struct {
	Tick             time.Duration
	Settle           time.Duration
	ReadyInterval    time.Duration
	ReadyAttempts    int
	SubmitRetryDelay time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Tick:             time.Second,
		Settle:           2 * time.Second,
		ReadyInterval:    500 * time.Millisecond,
		ReadyAttempts:    10,
		SubmitRetryDelay: 2 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.Tick <= 0 {
		t.Tick = d.Tick
	}
	if t.Settle < 0 {
		t.Settle = 0
	}
	if t.ReadyInterval <= 0 {
		t.ReadyInterval = d.ReadyInterval
	}
	if t.ReadyAttempts <= 0 {
		t.ReadyAttempts = d.ReadyAttempts
	}
	if t.SubmitRetryDelay < 0 {
		t.SubmitRetryDelay = 0
	}
	return t
}

func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateCancelling; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}
