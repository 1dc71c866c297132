package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tabrunner/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Browser, newCfg.Browser) {
		changed = append(changed, "browser")
		attrs = append(attrs,
			logx.String("browser.driver", newCfg.Browser.Driver),
			logx.Bool("browser.remote", strings.TrimSpace(newCfg.Browser.RemoteURL) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Automation, newCfg.Automation) {
		changed = append(changed, "automation")
		attrs = append(attrs,
			logx.String("automation.profile", newCfg.Automation.Profile),
			logx.String("automation.auto_start", newCfg.Automation.AutoStart),
			logx.Int("automation.history_max", newCfg.Automation.HistoryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Profiles, newCfg.Profiles) {
		changed = append(changed, "profiles")
		attrs = append(attrs, logx.Int("profiles.count", len(newCfg.Profiles)))
	}
	if !reflect.DeepEqual(oldCfg.Pools, newCfg.Pools) {
		changed = append(changed, "pools")
		attrs = append(attrs,
			logx.Int("pools.subjects", len(newCfg.Pools.Subjects)),
			logx.Int("pools.messages", len(newCfg.Pools.Messages)),
		)
	}
	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", newCfg.Control.Addr),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
