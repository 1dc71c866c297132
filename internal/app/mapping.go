package app

import (
	"strings"
	"time"

	"tabrunner/internal/automation"
	"tabrunner/internal/config"
	"tabrunner/internal/control"
	"tabrunner/internal/document"
	cdpdoc "tabrunner/internal/document/chromedp"
	"tabrunner/internal/document/fake"
	"tabrunner/internal/profile"
	"tabrunner/internal/schedule"
	"tabrunner/internal/storage"
	"tabrunner/internal/telegram"
	logx "tabrunner/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Sink: logx.SinkConfig{
			// the bot is the only sink
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       cfg.Storage.Driver,
		Path:         cfg.Storage.Path,
		BusyTimeout:  busy,
		CompactEvery: cfg.Storage.CompactEvery,
	}, nil
}

func newOpener(cfg *config.Config, log logx.Logger) (document.Opener, error) {
	if strings.EqualFold(cfg.Browser.Driver, "fake") {
		log.Warn("browser driver is fake; no pages will be opened")
		return fake.New(fake.Config{}), nil
	}
	nav, err := config.ParseDurationOrDefault("browser.navigate_timeout", cfg.Browser.NavigateTimeout, 0)
	if err != nil {
		return nil, err
	}
	return cdpdoc.New(cdpdoc.Config{
		RemoteURL:       cfg.Browser.RemoteURL,
		ExecPath:        cfg.Browser.ExecPath,
		UserDataDir:     cfg.Browser.UserDataDir,
		Headless:        cfg.Browser.HeadlessOrDefault(),
		NavigateTimeout: nav,
	}, log.With(logx.String("comp", "browser"))), nil
}

func mapDefaults(cfg *config.Config) automation.Settings {
	a := cfg.Automation
	return automation.Settings{
		MinWait:       a.MinWait,
		MaxWait:       a.MaxWait,
		WaitAfterOpen: a.WaitAfterOpen,
		WaitAfterSend: a.WaitAfterSend,
		Profile:       a.Profile,
		Pools: profile.Pools{
			Subjects: cfg.Pools.Subjects,
			Messages: cfg.Pools.Messages,
		},
	}
}

// mapTiming returns the loop delays; zero fields keep their defaults.
func mapTiming(cfg *config.Config) (automation.Timing, error) {
	a := cfg.Automation
	def := automation.DefaultTiming()
	t := automation.Timing{ReadyAttempts: def.ReadyAttempts}
	if a.ReadyAttempts > 0 {
		t.ReadyAttempts = a.ReadyAttempts
	}
	var err error
	for _, f := range []struct {
		field string
		raw   string
		def   time.Duration
		dst   *time.Duration
	}{
		{"automation.tick", a.Tick, def.Tick, &t.Tick},
		{"automation.settle", a.Settle, def.Settle, &t.Settle},
		{"automation.ready_interval", a.ReadyInterval, def.ReadyInterval, &t.ReadyInterval},
		{"automation.submit_retry_delay", a.SubmitRetryDelay, def.SubmitRetryDelay, &t.SubmitRetryDelay},
	} {
		if *f.dst, err = config.ParseDurationOrDefault(f.field, f.raw, f.def); err != nil {
			return automation.Timing{}, err
		}
	}
	return t, nil
}

func mapProfiles(cfg *config.Config) (*profile.Registry, error) {
	configured := make(map[string]profile.Profile, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		configured[name] = profile.Profile{
			AddressTemplate: p.Address,
			Ready:           p.Ready,
			Fill:            p.Fill,
			Submit:          p.Submit,
			Selectors:       p.Selectors,
			LabelFrom:       p.LabelFrom,
			HTMLMessage:     p.HTMLMessage,
		}
	}
	return profile.NewRegistry(configured)
}

func mapSchedule(cfg *config.Config) schedule.Config {
	return schedule.Config{Spec: cfg.Automation.AutoStart, Timezone: cfg.Automation.Timezone}
}

func mapControl(cfg *config.Config) control.Config {
	return control.Config{Enabled: cfg.Control.Enabled, Addr: cfg.Control.Addr, Token: cfg.Control.Token}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:        cfg.Telegram.Token,
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
		PollTimeout:  poll,
		NotifyItems:  cfg.Telegram.NotifyItems,
	}, nil
}
