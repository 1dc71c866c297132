package app

import (
	"context"
	"slices"
	"strings"

	"tabrunner/internal/config"
	logx "tabrunner/pkg/logx"
)

// restartOnly lists config sections that are read once at startup.
var restartOnly = []string{"storage", "browser", "telegram"}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig pushes the live-reloadable parts of newCfg to the running
// components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range restartOnly {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.history.SetMax(newCfg.Automation.HistoryMax)

	if t, err := mapTiming(newCfg); err != nil {
		a.log.Warn("invalid automation timing; keeping previous", logx.Err(err))
	} else {
		a.engine.SetTiming(t)
	}
	if reg, err := mapProfiles(newCfg); err != nil {
		a.log.Warn("invalid profiles; keeping previous", logx.Err(err))
	} else {
		a.engine.SetProfiles(reg)
	}
	if err := a.sched.Apply(mapSchedule(newCfg)); err != nil {
		a.log.Warn("invalid auto_start; keeping previous", logx.Err(err))
	}
	if err := a.control.Apply(ctx, mapControl(newCfg)); err != nil {
		a.log.Warn("control API reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
