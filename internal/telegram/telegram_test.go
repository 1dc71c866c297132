package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"tabrunner/internal/automation"
	"tabrunner/internal/document/fake"
	"tabrunner/internal/eventbus"
	"tabrunner/internal/history"
	"tabrunner/internal/queue"
	"tabrunner/internal/storage"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

type sent struct {
	to   string
	text string
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Send(to tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _ := what.(string)
	r.msgs = append(r.msgs, sent{to: to.Recipient(), text: s})
	return &tele.Message{}, nil
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.msgs...)
}

func newTestBot(t *testing.T, cfg Config) (*Bot, *recorder, Deps) {
	t.Helper()
	st := storage.NewMemory()
	bus := eventbus.New()
	q := queue.New(st, bus)
	hist := history.New(st, bus, 0)
	tl := timeline.New(st, bus, logx.Nop())
	op := fake.New(fake.Config{OnOpen: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	e := automation.New(context.Background(), automation.Options{
		Store: st, Queue: q, History: hist, Timeline: tl, Opener: op, Bus: bus, Log: logx.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	deps := Deps{Engine: e, Queue: q, History: hist, Timeline: tl, Bus: bus}
	rec := &recorder{}
	if len(cfg.OwnerUserIDs) == 0 {
		cfg.OwnerUserIDs = []int64{42}
	}
	return newBot(cfg, deps, logx.Nop(), rec), rec, deps
}

func TestQueueCommands(t *testing.T) {
	b, _, deps := newTestBot(t, Config{})
	ctx := context.Background()

	if got := b.exec(ctx, "add", "a@x.com, b@x.com\nc@x.com"); !strings.Contains(got, "Queued 3") {
		t.Fatalf("add = %q", got)
	}
	if got := b.exec(ctx, "add", "   "); !strings.HasPrefix(got, "Usage") {
		t.Fatalf("empty add = %q", got)
	}
	got := b.exec(ctx, "queue", "")
	if !strings.Contains(got, "Queue (3)") || !strings.Contains(got, "<code>b@x.com</code>") {
		t.Fatalf("queue = %q", got)
	}
	if got := b.exec(ctx, "remove", "b@x.com"); !strings.HasPrefix(got, "Removed") {
		t.Fatalf("remove = %q", got)
	}
	if got := b.exec(ctx, "remove", "zzz"); !strings.Contains(got, "not queued") {
		t.Fatalf("remove missing = %q", got)
	}
	if items, _ := deps.Queue.Items(ctx); len(items) != 2 || items[1] != "c@x.com" {
		t.Fatalf("items = %v", items)
	}
	b.exec(ctx, "clear", "")
	if got := b.exec(ctx, "queue", ""); got != "Queue is empty." {
		t.Fatalf("queue after clear = %q", got)
	}
}

func TestRunAndStop(t *testing.T) {
	b, _, deps := newTestBot(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = deps.Queue.Append(ctx, "a@x.com")

	if got := b.exec(ctx, "run", ""); !strings.Contains(got, "Started run") {
		t.Fatalf("run = %q", got)
	}
	if got := b.exec(ctx, "run", ""); got != "Already running." {
		t.Fatalf("second run = %q", got)
	}
	if got := b.exec(ctx, "status", ""); !strings.Contains(got, "running") || !strings.Contains(got, "<b>Queued:</b> 1") {
		t.Fatalf("status = %q", got)
	}
	if got := b.exec(ctx, "stop", ""); got != "⏹ Stopping." {
		t.Fatalf("stop = %q", got)
	}
	if err := deps.Engine.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := b.exec(ctx, "stop", ""); got != "Not running." {
		t.Fatalf("stop idle = %q", got)
	}
}

func TestHistoryCommand(t *testing.T) {
	b, _, deps := newTestBot(t, Config{})
	ctx := context.Background()
	_, _ = deps.History.Add(ctx, "alice@x.com", "Hello <there>", history.OutcomeSent)
	_, _ = deps.History.Add(ctx, "bob@x.com", "Invoice", history.OutcomeUnconfirmed)

	got := b.exec(ctx, "history", "1")
	if strings.Count(got, "\n") != 0 || !strings.Contains(got, "bob@x.com") || !strings.Contains(got, "❔") {
		t.Fatalf("history 1 = %q", got)
	}
	got = b.exec(ctx, "history", "5 alice")
	if !strings.Contains(got, "alice@x.com") || strings.Contains(got, "bob@x.com") {
		t.Fatalf("history query = %q", got)
	}
	if !strings.Contains(got, "Hello &lt;there&gt;") {
		t.Fatalf("label not escaped: %q", got)
	}
	if got := b.exec(ctx, "history", "zzzz"); !strings.Contains(got, "No history matches") {
		t.Fatalf("no match = %q", got)
	}
}

func TestParseHistoryArgs(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		query string
	}{
		{"", 10, ""},
		{"3", 3, ""},
		{"500", 50, ""},
		{"7 foo bar", 7, "foo bar"},
		{"foo", 10, "foo"},
		{"-1 foo", 10, "-1 foo"},
	}
	for _, tc := range cases {
		limit, query := parseHistoryArgs(tc.in)
		if limit != tc.limit || query != tc.query {
			t.Fatalf("parseHistoryArgs(%q) = %d,%q want %d,%q", tc.in, limit, query, tc.limit, tc.query)
		}
	}
}

func TestOwnerOnly(t *testing.T) {
	b, _, _ := newTestBot(t, Config{OwnerUserIDs: []int64{1, 2}})
	if !b.isOwner(1) || !b.isOwner(2) || b.isOwner(3) {
		t.Fatalf("owner set wrong: %v", b.owners)
	}
}

func TestDescribeRunTransitions(t *testing.T) {
	b, _, _ := newTestBot(t, Config{NotifyItems: true})
	ctx := context.Background()

	start := automation.Status{Run: automation.RunState{Running: true, RunID: "0123456789", StartedAt: time.Now()}}
	if got := b.describe(ctx, eventbus.Event{Type: eventbus.TypeRunState, Data: start}); !strings.Contains(got, "01234567") {
		t.Fatalf("start = %q", got)
	}
	// progress on the same run is not a transition
	progress := start
	progress.Run.Processed = 1
	if got := b.describe(ctx, eventbus.Event{Type: eventbus.TypeRunState, Data: progress}); got != "" {
		t.Fatalf("progress = %q", got)
	}
	done := progress
	done.Run.Running = false
	if got := b.describe(ctx, eventbus.Event{Type: eventbus.TypeRunState, Data: done}); !strings.Contains(got, "1 processed") {
		t.Fatalf("finish = %q", got)
	}

	entry := history.Entry{Item: "a@x.com", Label: "S", Outcome: history.OutcomeSent, At: time.Now()}
	if got := b.describe(ctx, eventbus.Event{Type: eventbus.TypeHistoryAdded, Data: entry}); !strings.Contains(got, "a@x.com") {
		t.Fatalf("entry = %q", got)
	}
}

func TestSendLogReachesEveryOwner(t *testing.T) {
	b, rec, _ := newTestBot(t, Config{OwnerUserIDs: []int64{1, 2}})
	if err := b.SendLog(context.Background(), "WARN <disk> low"); err != nil {
		t.Fatalf("SendLog: %v", err)
	}
	msgs := rec.all()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.text != "<pre>WARN &lt;disk&gt; low</pre>" {
			t.Fatalf("text = %q", m.text)
		}
	}
}

func TestTruncRunes(t *testing.T) {
	if got := truncRunes("héllo", 10); got != "héllo" {
		t.Fatalf("short = %q", got)
	}
	if got := truncRunes("héllo", 3); got != "hé…" {
		t.Fatalf("cut = %q", got)
	}
}

func TestNewRequiresTokenAndOwners(t *testing.T) {
	if _, err := New(Config{OwnerUserIDs: []int64{1}}, Deps{}, logx.Nop()); err == nil {
		t.Fatalf("expected token error")
	}
	if _, err := New(Config{Token: "x"}, Deps{}, logx.Nop()); err == nil {
		t.Fatalf("expected owners error")
	}
}
