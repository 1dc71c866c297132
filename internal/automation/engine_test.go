package automation

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"tabrunner/internal/document"
	"tabrunner/internal/document/fake"
	"tabrunner/internal/eventbus"
	"tabrunner/internal/history"
	"tabrunner/internal/profile"
	"tabrunner/internal/queue"
	"tabrunner/internal/storage"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

type harness struct {
	e    *Engine
	st   *storage.Store
	q    *queue.Queue
	hist *history.Log
	op   *fake.Opener
	bus  eventbus.Bus
}

func fastTiming() Timing {
	return Timing{
		Tick:             time.Millisecond,
		Settle:           time.Millisecond,
		ReadyInterval:    time.Millisecond,
		ReadyAttempts:    3,
		SubmitRetryDelay: time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg fake.Config, timing Timing) *harness {
	t.Helper()
	st := storage.NewMemory()
	bus := eventbus.New()
	h := &harness{
		st:   st,
		q:    queue.New(st, bus),
		hist: history.New(st, bus, 0),
		op:   fake.New(cfg),
		bus:  bus,
	}
	h.e = New(context.Background(), Options{
		Store:    st,
		Queue:    h.q,
		History:  h.hist,
		Timeline: timeline.New(st, bus, logx.Nop()),
		Opener:   h.op,
		Bus:      bus,
		Log:      logx.Nop(),
		Timing:   timing,
		Rand:     rand.New(rand.NewPCG(7, 7)),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.e.Close(ctx)
	})
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func settings(profileName string, minWait, maxWait int) *Settings {
	return &Settings{
		MinWait: minWait,
		MaxWait: maxWait,
		Profile: profileName,
		Pools:   profile.Pools{Subjects: []string{"S1"}, Messages: []string{"M1"}},
	}
}

func (h *harness) items(t *testing.T) []string {
	t.Helper()
	items, err := h.q.Items(context.Background())
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	return items
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestOneIterationThenNextItem(t *testing.T) {
	ctx := testCtx(t)
	reached := make(chan struct{})
	var once sync.Once
	h := newHarness(t, fake.Config{OnOpen: func(ctx context.Context, addr string) error {
		if strings.Contains(addr, "b%40x.com") {
			once.Do(func() { close(reached) })
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}, fastTiming())

	_, _ = h.q.Append(ctx, "a@x.com", "b@x.com")
	started, err := h.e.Start(ctx, settings(profile.GmailCompose, 1, 1))
	if err != nil || !started {
		t.Fatalf("Start = %v, %v", started, err)
	}
	waitFor(t, reached, "second item to open")

	if got := h.items(t); len(got) != 1 || got[0] != "b@x.com" {
		t.Fatalf("queue = %v, want [b@x.com]", got)
	}
	entries, _ := h.hist.List(ctx, 0)
	if len(entries) != 1 || entries[0].Item != "a@x.com" || entries[0].Label != "S1" {
		t.Fatalf("history = %+v", entries)
	}
	if entries[0].Outcome != history.OutcomeSent {
		t.Fatalf("outcome = %q", entries[0].Outcome)
	}
	docs := h.op.Documents()
	if len(docs) != 1 || !docs[0].Closed() {
		t.Fatalf("first tab not closed: %+v", docs)
	}

	_ = h.e.Stop(ctx)
	if err := h.e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := h.items(t); len(got) != 1 || got[0] != "b@x.com" {
		t.Fatalf("queue after stop = %v", got)
	}
}

func TestCancelDuringSettleKeepsItem(t *testing.T) {
	ctx := testCtx(t)
	opened := make(chan struct{})
	timing := fastTiming()
	timing.Settle = 2 * time.Second
	h := newHarness(t, fake.Config{OnOpen: func(context.Context, string) error {
		close(opened)
		return nil
	}}, timing)

	_, _ = h.q.Append(ctx, "u1")
	if _, err := h.e.Start(ctx, settings(profile.URLMessage, 0, 0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, opened, "tab open")

	stopAt := time.Now()
	if err := h.e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rs, _ := h.e.StoredRunState(ctx)
	if rs.Running {
		t.Fatalf("stored run state still running after Stop")
	}
	if err := h.e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d := time.Since(stopAt); d > time.Second {
		t.Fatalf("loop took %v to unwind", d)
	}
	if h.e.Running() || h.e.State() != StateIdle {
		t.Fatalf("running=%v state=%v", h.e.Running(), h.e.State())
	}
	if got := h.items(t); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("queue = %v, want [u1]", got)
	}
	if entries, _ := h.hist.List(ctx, 0); len(entries) != 0 {
		t.Fatalf("history = %+v, want empty", entries)
	}
	if docs := h.op.Documents(); !docs[0].Closed() {
		t.Fatalf("tab left open")
	}
	if rs, _ := h.e.StoredRunState(ctx); rs.Running {
		t.Fatalf("run state flipped back to running")
	}
}

// stopOnStep stops the engine the first time step reports a label with the
// given prefix.
func (h *harness) stopOnStep(t *testing.T, step, prefix string) <-chan struct{} {
	t.Helper()
	sub := h.bus.Subscribe(512)
	stopped := make(chan struct{})
	go func() {
		defer sub.Close()
		for ev := range sub.C() {
			s, ok := ev.Data.(timeline.Step)
			if !ok || s.ID != step || !strings.HasPrefix(s.Label, prefix) {
				continue
			}
			_ = h.e.Stop(context.Background())
			close(stopped)
			return
		}
	}()
	return stopped
}

func TestCancelDuringCountdowns(t *testing.T) {
	cases := []struct {
		name        string
		step        string
		prefix      string
		openWait    int
		sendWait    int
		minWait     int
		wantQueue   []string
		wantHistory int
	}{
		{"after open", timeline.StepLoad, "Starting in", 30, 0, 0, []string{"u1", "u2"}, 0},
		{"after send", timeline.StepClose, "Closing in", 0, 30, 0, []string{"u1", "u2"}, 0},
		{"between items", timeline.StepWait, "Next item in", 0, 0, 1, []string{"u2"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testCtx(t)
			timing := fastTiming()
			timing.Tick = 50 * time.Millisecond
			h := newHarness(t, fake.Config{}, timing)
			stopped := h.stopOnStep(t, tc.step, tc.prefix)

			_, _ = h.q.Append(ctx, "u1", "u2")
			s := settings(profile.URLMessage, tc.minWait, tc.minWait)
			s.WaitAfterOpen, s.WaitAfterSend = tc.openWait, tc.sendWait
			if _, err := h.e.Start(ctx, s); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitFor(t, stopped, tc.prefix+" countdown")
			if err := h.e.Wait(ctx); err != nil {
				t.Fatalf("Wait: %v", err)
			}

			if h.e.Running() || h.e.State() != StateIdle {
				t.Fatalf("running=%v state=%v", h.e.Running(), h.e.State())
			}
			if rs, _ := h.e.StoredRunState(ctx); rs.Running {
				t.Fatalf("stored run state still running")
			}
			got := h.items(t)
			if strings.Join(got, ",") != strings.Join(tc.wantQueue, ",") {
				t.Fatalf("queue = %v, want %v", got, tc.wantQueue)
			}
			if entries, _ := h.hist.List(ctx, 0); len(entries) != tc.wantHistory {
				t.Fatalf("history = %+v, want %d entries", entries, tc.wantHistory)
			}
			if docs := h.op.Documents(); len(docs) != 1 || !docs[0].Closed() {
				t.Fatalf("documents = %d, want one closed tab", len(docs))
			}
		})
	}
}

func TestStartIsNoOpWhileRunning(t *testing.T) {
	ctx := testCtx(t)
	opened := make(chan struct{}, 4)
	timing := fastTiming()
	timing.Settle = 2 * time.Second
	h := newHarness(t, fake.Config{OnOpen: func(context.Context, string) error {
		opened <- struct{}{}
		return nil
	}}, timing)
	_, _ = h.q.Append(ctx, "u1", "u2")

	first, err := h.e.Start(ctx, settings(profile.URLMessage, 0, 0))
	if err != nil || !first {
		t.Fatalf("first Start = %v, %v", first, err)
	}
	second, err := h.e.Start(ctx, settings(profile.GmailCompose, 5, 9))
	if err != nil || second {
		t.Fatalf("second Start = %v, %v", second, err)
	}
	<-opened
	if s, _ := h.e.Settings(ctx); s.Profile != profile.URLMessage {
		t.Fatalf("no-op Start replaced settings: %+v", s)
	}
	if n := len(h.op.Documents()); n != 1 {
		t.Fatalf("documents open = %d, want 1", n)
	}

	_ = h.e.Stop(ctx)
	h.e.SetTiming(fastTiming())
	again, err := h.e.Start(ctx, nil)
	if err != nil || !again {
		t.Fatalf("Start after Stop = %v, %v", again, err)
	}
	if err := h.e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := h.items(t); len(got) != 0 {
		t.Fatalf("queue = %v, want empty", got)
	}
}

func TestSubmitRetriedOnce(t *testing.T) {
	cases := []struct {
		name    string
		results []bool
		outcome string
	}{
		{"second attempt succeeds", []bool{false, true}, history.OutcomeSent},
		{"both attempts fail", []bool{false, false}, history.OutcomeUnconfirmed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testCtx(t)
			var mu sync.Mutex
			submits := 0
			h := newHarness(t, fake.Config{Mutate: func(_, script string, _ int) (bool, error) {
				if !strings.Contains(script, "click()") {
					return true, nil
				}
				mu.Lock()
				defer mu.Unlock()
				submits++
				return tc.results[submits-1], nil
			}}, fastTiming())
			_, _ = h.q.Append(ctx, "https://chat.test/1")
			if _, err := h.e.Start(ctx, settings(profile.URLMessage, 0, 0)); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := h.e.Wait(ctx); err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if submits != 2 {
				t.Fatalf("submits = %d, want 2", submits)
			}
			entries, _ := h.hist.List(ctx, 0)
			if len(entries) != 1 || entries[0].Outcome != tc.outcome || entries[0].Label != "M1" {
				t.Fatalf("history = %+v", entries)
			}
		})
	}
}

func TestScriptErrorsAreDowngraded(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, fake.Config{
		ReadyAfter: 100,
		Mutate: func(string, string, int) (bool, error) {
			return false, errors.New("selector not found")
		},
	}, fastTiming())
	_, _ = h.q.Append(ctx, "u1", "u2")
	if _, err := h.e.Start(ctx, settings(profile.URLMessage, 0, 0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := h.items(t); len(got) != 0 {
		t.Fatalf("queue = %v, want drained", got)
	}
	for _, d := range h.op.Documents() {
		if d.Evaluations() != 3 {
			t.Fatalf("evaluations = %d, want 3", d.Evaluations())
		}
	}
	if rs := h.e.Status().Run; rs.Running || rs.Processed != 2 {
		t.Fatalf("run = %+v", rs)
	}
}

func TestPollReadyOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		readyAfter int
		cancel     bool
		want       error
	}{
		{"ready", 1, false, nil},
		{"never ready", 100, false, document.ErrNotReady},
		{"cancelled", 100, true, context.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, fake.Config{ReadyAfter: tc.readyAfter}, fastTiming())
			ctx, cancel := context.WithCancel(testCtx(t))
			defer cancel()
			doc, err := h.op.Open(ctx, "https://chat.test/1")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if tc.cancel {
				cancel()
			}
			err = h.e.pollReady(ctx, logx.Nop(), *h.e.timing.Load(), doc, "ready()")
			if tc.want == nil && err != nil || tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("pollReady = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestOpenFailureStopsRunAndKeepsItem(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, fake.Config{OnOpen: func(context.Context, string) error {
		return errors.New("browser gone")
	}}, fastTiming())
	_, _ = h.q.Append(ctx, "u1")
	if _, err := h.e.Start(ctx, settings(profile.URLMessage, 0, 0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := h.items(t); len(got) != 1 {
		t.Fatalf("queue = %v", got)
	}
	if rs, _ := h.e.StoredRunState(ctx); rs.Running {
		t.Fatalf("still running")
	}
}

func TestResumeAndCloseKeepRunState(t *testing.T) {
	ctx := testCtx(t)
	opened := make(chan struct{}, 1)
	h := newHarness(t, fake.Config{OnOpen: func(ctx context.Context, _ string) error {
		select {
		case opened <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}}, fastTiming())
	_ = h.e.SaveSettings(ctx, *settings(profile.URLMessage, 0, 0))
	_, _ = h.q.Append(ctx, "u1")
	_ = h.st.SetJSON(ctx, RunStateKey, RunState{Running: true, RunID: "prev"})

	resumed, err := h.e.Resume(ctx)
	if err != nil || !resumed {
		t.Fatalf("Resume = %v, %v", resumed, err)
	}
	waitFor(t, opened, "resumed open")

	if err := h.e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rs, _ := h.e.StoredRunState(ctx)
	if !rs.Running {
		t.Fatalf("Close cleared the persisted run state")
	}
	if got := h.items(t); len(got) != 1 {
		t.Fatalf("queue = %v", got)
	}
	if _, err := h.e.Start(ctx, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close err = %v", err)
	}
}

func TestResumeIgnoresStoppedRun(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, fake.Config{}, fastTiming())
	if resumed, err := h.e.Resume(ctx); err != nil || resumed {
		t.Fatalf("Resume = %v, %v", resumed, err)
	}
}

func TestStartOnEmptyQueueReturnsToIdle(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, fake.Config{}, fastTiming())
	if started, err := h.e.Start(ctx, settings(profile.URLMessage, 0, 0)); err != nil || !started {
		t.Fatalf("Start = %v, %v", started, err)
	}
	if err := h.e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if h.e.Running() || h.e.State() != StateIdle {
		t.Fatalf("running=%v state=%v", h.e.Running(), h.e.State())
	}
}

func TestStartRejectsBadSettings(t *testing.T) {
	ctx := testCtx(t)
	h := newHarness(t, fake.Config{}, fastTiming())
	if _, err := h.e.Start(ctx, settings(profile.URLMessage, 3, 1)); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("err = %v, want ErrInvalidSettings", err)
	}
	if _, err := h.e.Start(ctx, settings("nope", 0, 0)); !errors.Is(err, ErrNoProfile) {
		t.Fatalf("err = %v, want ErrNoProfile", err)
	}
	if h.e.Running() {
		t.Fatalf("started with bad settings")
	}
}

func TestRandomWaitBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	for _, tc := range [][2]int{{0, 0}, {1, 1}, {1, 3}, {2, 5}} {
		lo, hi := tc[0]*60, tc[1]*60
		sawLo, sawHi := false, false
		for i := 0; i < 20000; i++ {
			got := randomWait(rng, tc[0], tc[1])
			if got < lo || got > hi {
				t.Fatalf("randomWait(%d,%d) = %d outside [%d,%d]", tc[0], tc[1], got, lo, hi)
			}
			sawLo = sawLo || got == lo
			sawHi = sawHi || got == hi
		}
		if !sawLo || !sawHi {
			t.Fatalf("randomWait(%d,%d) never hit an endpoint (lo=%v hi=%v)", tc[0], tc[1], sawLo, sawHi)
		}
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateIdle:       "idle",
		StateOpening:    "opening",
		StateActing:     "acting",
		StateWaiting:    "waiting",
		StateCancelling: "cancelling",
		State(42):       "state(42)",
	}
	for s, w := range want {
		if s.String() != w {
			t.Fatalf("%d.String() = %q, want %q", int32(s), s.String(), w)
		}
	}
}
