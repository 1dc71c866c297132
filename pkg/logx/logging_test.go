package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) SendLog(_ context.Context, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestFormatLineSortsFields(t *testing.T) {
	got := formatLine([]byte(`{"level":"warn","message":"tab closed","zeta":1,"alpha":"x","time":"now"}`))
	want := "[WARN] tab closed\n- alpha=x\n- zeta=1"
	if got != want {
		t.Fatalf("formatLine = %q, want %q", got, want)
	}
}

func TestFormatLineNonJSON(t *testing.T) {
	if got := formatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatLine = %q", got)
	}
}

func TestSinkReceivesOnlyAboveMinLevel(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{Level: "debug", Sink: SinkConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50}})
	svc.SetSink(sink)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("ignored")
	log.Warn("forwarded", String("item", "a@x.com"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	lines := sink.snapshot()
	if len(lines) != 1 {
		t.Fatalf("sink lines = %d, want 1 (%v)", len(lines), lines)
	}
	if !strings.Contains(lines[0], "forwarded") || !strings.Contains(lines[0], "item=a@x.com") {
		t.Fatalf("unexpected sink line %q", lines[0])
	}
}

func TestWithKeepsParentFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("comp", "queue"))
	child := base.With(String("item", "u1"))
	child.Info("removed")

	out := buf.String()
	if !strings.Contains(out, `"comp":"queue"`) || !strings.Contains(out, `"item":"u1"`) {
		t.Fatalf("missing fields in %s", out)
	}
	buf.Reset()
	base.Info("parent")
	if strings.Contains(buf.String(), `"item"`) {
		t.Fatalf("child field leaked into parent: %s", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing happens")
}
