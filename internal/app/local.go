package app

import (
	"context"

	"tabrunner/internal/automation"
	"tabrunner/internal/config"
	"tabrunner/internal/eventbus"
	"tabrunner/internal/history"
	"tabrunner/internal/queue"
	"tabrunner/internal/storage"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

// Local gives one-shot CLI commands direct access to the store, without
// the loop or any network surface. With the sqlite driver it is safe to use
// next to a running daemon; the file driver expects the daemon stopped.
type Local struct {
	Config  *config.Config
	Store   *storage.Store
	Queue   *queue.Queue
	History *history.Log
}

func OpenLocal(cfgPath string, log logx.Logger) (*Local, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	return newLocal(cfg, st), nil
}

func newLocal(cfg *config.Config, st *storage.Store) *Local {
	bus := eventbus.New()
	return &Local{
		Config:  cfg,
		Store:   st,
		Queue:   queue.New(st, bus),
		History: history.New(st, bus, cfg.Automation.HistoryMax),
	}
}

// Settings returns the stored settings, falling back to the configured
// defaults.
func (l *Local) Settings(ctx context.Context) (automation.Settings, error) {
	s := mapDefaults(l.Config)
	if _, err := l.Store.GetJSON(ctx, automation.SettingsKey, &s); err != nil {
		return automation.Settings{}, err
	}
	return s, nil
}

// Snapshot is what `status` prints.
type Snapshot struct {
	Run      automation.RunState `json:"run"`
	QueueLen int                 `json:"queue_len"`
	Timeline []timeline.Step     `json:"timeline"`
}

func (l *Local) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if _, err := l.Store.GetJSON(ctx, automation.RunStateKey, &snap.Run); err != nil {
		return Snapshot{}, err
	}
	n, err := l.Queue.Len(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.QueueLen = n
	tl := timeline.New(l.Store, nil, logx.Nop())
	if err := tl.Load(ctx); err != nil {
		return Snapshot{}, err
	}
	snap.Timeline = tl.Snapshot()
	return snap, nil
}

func (l *Local) Close() error { return l.Store.Close() }
