package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
automation:
  min_wait: 2
  max_wait: 4
  wait_after_open: 5
  wait_after_send: 3
  profile: url-message
  auto_start: "0 9 * * 1-5"
pools:
  messages: ["hello $name", "hi"]
control:
  enabled: true
  addr: 0.0.0.0:8787
  token: ${TABRUNNER_TEST_TOKEN}
`

func TestDecodeYAMLWithEnvAndDefaults(t *testing.T) {
	t.Setenv("TABRUNNER_TEST_TOKEN", "s3cret")
	cfg, err := Decode("tabrunner.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Control.Token != "s3cret" {
		t.Fatalf("token = %q", cfg.Control.Token)
	}
	if cfg.Pools.Messages[0] != "hello $name" {
		t.Fatalf("bare $ expanded: %q", cfg.Pools.Messages[0])
	}
	if cfg.Storage.Path != "./data/tabrunner.db" {
		t.Fatalf("storage path default = %q", cfg.Storage.Path)
	}
	if cfg.Browser.Driver != "chromedp" || !cfg.Browser.HeadlessOrDefault() {
		t.Fatalf("browser defaults = %+v", cfg.Browser)
	}
	if !cfg.Automation.Resume() {
		t.Fatalf("resume default should be true")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.yaml", []byte("automation:\n  min_wiat: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "min_wiat") {
		t.Fatalf("err = %v", err)
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"wait order", func(c *Config) { c.Automation.MinWait, c.Automation.MaxWait = 5, 1 }, "min_wait"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"public control without token", func(c *Config) {
			c.Control.Enabled = true
			c.Control.Addr = "0.0.0.0:8787"
		}, "control.token"},
		{"telegram owners", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.Token = "x"
		}, "owner_user_ids"},
		{"bad duration", func(c *Config) { c.Automation.Tick = "soon" }, "automation.tick"},
		{"bad timezone", func(c *Config) { c.Automation.Timezone = "Mars/Olympus_Mons" }, "automation.timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Config{}
			c.Defaults()
			tc.mut(c)
			err := Validate(c)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate err = %v, want mention of %s", err, tc.want)
			}
		})
	}

	ok := &Config{}
	ok.Defaults()
	ok.Control.Enabled = true
	if err := Validate(ok); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{}
	a.Defaults()
	b := *a
	b.Control.Token = "new"
	b.Pools = PoolsConfig{Subjects: []string{"S1"}}

	changed, attrs := SummarizeConfigChange(a, &b)
	if strings.Join(changed, ",") != "control,pools" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabrunner.yaml")
	if err := os.WriteFile(path, []byte("automation:\n  profile: url-message\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("automation:\n  profile: gmail-compose\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Automation.Profile != "gmail-compose" {
			t.Fatalf("profile = %q", cfg.Automation.Profile)
		}
	case <-ctx.Done():
		t.Fatalf("no reload published")
	}
	if m.Get().Automation.Profile != "gmail-compose" {
		t.Fatalf("Get not updated")
	}
}
