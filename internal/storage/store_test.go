package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "tabrunner/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) *Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, CompactEvery: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st
}

func TestDriversPersistAcrossReopen(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state.db")

			st := openDriver(t, driver, path)
			if err := st.Set(ctx, map[string][]byte{"queue": []byte(`["a","b"]`), "settings": []byte(`{}`)}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			for i := 0; i < 5; i++ {
				if err := st.SetJSON(ctx, "counter", i); err != nil {
					t.Fatalf("SetJSON: %v", err)
				}
			}
			if err := st.Delete(ctx, "settings"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = openDriver(t, driver, path)
			defer st.Close()
			got, err := st.Get(ctx, "queue", "settings", "missing")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got["queue"]) != `["a","b"]` {
				t.Fatalf("queue = %q", got["queue"])
			}
			if _, ok := got["settings"]; ok {
				t.Fatalf("deleted key came back")
			}
			if _, ok := got["missing"]; ok {
				t.Fatalf("missing key present")
			}
			var n int
			ok, err := st.GetJSON(ctx, "counter", &n)
			if err != nil || !ok || n != 4 {
				t.Fatalf("counter = %d ok=%v err=%v", n, ok, err)
			}
		})
	}
}

func TestFileJournalIgnoresTornLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	st := openDriver(t, "file", path)
	if err := st.Set(ctx, map[string][]byte{"a": []byte("1")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Simulate a crash: journal left open, partial record appended.
	fb := st.b.(*fileBackend)
	if _, err := fb.journal.WriteString(`{"set":{"b":"`); err != nil {
		t.Fatalf("write torn: %v", err)
	}
	_ = fb.journal.Close()

	st2 := openDriver(t, "file", path)
	defer st2.Close()
	got, err := st2.Get(ctx, "a", "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got["a"]) != "1" {
		t.Fatalf("a = %q", got["a"])
	}
	if _, ok := got["b"]; ok {
		t.Fatalf("torn batch should not apply")
	}
	if _, err := os.Stat(filepath.Join(dir, "state.journal.jsonl")); err != nil {
		t.Fatalf("journal missing: %v", err)
	}
}

func TestSubscribeReceivesChangedKeys(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	sub := st.Subscribe(4)
	defer sub.Close()

	if err := st.Set(ctx, map[string][]byte{"b": nil, "a": nil}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c := <-sub.C
	if len(c.Keys) != 2 || c.Keys[0] != "a" || c.Keys[1] != "b" {
		t.Fatalf("keys = %v", c.Keys)
	}

	sub.Close()
	sub.Close()
	if err := st.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete after unsubscribe: %v", err)
	}
}

func TestSubscriptionCloseAfterStoreClose(t *testing.T) {
	st := NewMemory()
	sub := st.Subscribe(1)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("channel still open after store Close")
	}
	sub.Close()
	sub.Close()
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	st := NewMemory()
	_ = st.Close()
	if err := st.Set(context.Background(), map[string][]byte{"k": nil}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Set err = %v, want ErrClosed", err)
	}
	if _, err := st.Get(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get err = %v, want ErrClosed", err)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v", err)
	}
}
