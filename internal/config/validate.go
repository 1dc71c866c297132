package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Defaults fills empty fields in place.
func (c *Config) Defaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" && c.Storage.Driver != "memory" {
		c.Storage.Path = "./data/tabrunner.json"
		if c.Storage.Driver == "sqlite" || c.Storage.Driver == "sqlite3" {
			c.Storage.Path = "./data/tabrunner.db"
		}
	}
	if c.Browser.Driver == "" {
		c.Browser.Driver = "chromedp"
	}
	if c.Automation.Profile == "" {
		c.Automation.Profile = "gmail-compose"
	}
	if c.Automation.MinWait == 0 && c.Automation.MaxWait == 0 {
		c.Automation.MinWait, c.Automation.MaxWait = 1, 3
	}
	if c.Control.Addr == "" {
		c.Control.Addr = "127.0.0.1:8787"
	}
}

// HeadlessOrDefault reports the effective headless flag.
func (b BrowserConfig) HeadlessOrDefault() bool {
	return b.Headless == nil || *b.Headless
}

// Resume reports the effective resume_on_start flag.
func (a AutomationConfig) Resume() bool {
	return a.ResumeOnStart == nil || *a.ResumeOnStart
}

// Validate checks cross-field constraints. All problems are reported together.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch strings.ToLower(c.Storage.Driver) {
	case "", "memory", "file", "sqlite", "sqlite3":
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch c.Browser.Driver {
	case "", "chromedp", "fake":
	default:
		add("browser.driver: unknown driver %q", c.Browser.Driver)
	}

	a := c.Automation
	if a.MinWait < 0 || a.MaxWait < 0 || a.WaitAfterOpen < 0 || a.WaitAfterSend < 0 {
		add("automation: waits must be >= 0")
	}
	if a.MinWait > a.MaxWait {
		add("automation: min_wait (%d) > max_wait (%d)", a.MinWait, a.MaxWait)
	}
	if a.HistoryMax < 0 || a.HistoryMax > 1000 {
		add("automation.history_max: must be within 0..1000")
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			add("automation.timezone: %v", err)
		}
	}
	for field, raw := range map[string]string{
		"automation.tick":               a.Tick,
		"automation.settle":             a.Settle,
		"automation.ready_interval":     a.ReadyInterval,
		"automation.submit_retry_delay": a.SubmitRetryDelay,
		"browser.navigate_timeout":      c.Browser.NavigateTimeout,
		"storage.busy_timeout":          c.Storage.BusyTimeout,
		"telegram.poll_timeout":         c.Telegram.PollTimeout,
	} {
		if _, err := ParseDurationOrDefault(field, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}
	for name, p := range c.Profiles {
		if p.LabelFrom != "" && p.LabelFrom != "subject" && p.LabelFrom != "message" {
			add("profiles.%s.label_from: must be subject or message", name)
		}
	}

	if c.Control.Enabled {
		host, _, err := net.SplitHostPort(c.Control.Addr)
		if err != nil {
			add("control.addr: %v", err)
		} else if !isLoopback(host) && strings.TrimSpace(c.Control.Token) == "" {
			add("control.token: required when control.addr is not loopback")
		}
	}
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add("telegram.token: required when telegram.enabled")
		}
		if len(c.Telegram.OwnerUserIDs) == 0 {
			add("telegram.owner_user_ids: at least one owner is required")
		}
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
