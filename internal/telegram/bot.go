// Package telegram exposes the automation loop to its owners over a
// Telegram bot: commands to drive the run and edit the queue, pushed run
// notifications and forwarded warning logs.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tabrunner/internal/automation"
	"tabrunner/internal/eventbus"
	"tabrunner/internal/history"
	"tabrunner/internal/queue"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

type Config struct {
	Token        string
	OwnerUserIDs []int64
	PollTimeout  time.Duration
	// NotifyItems pushes a message for every processed item, not just run
	// start and finish.
	NotifyItems bool
}

type Deps struct {
	Engine        *automation.Engine
	Queue         *queue.Queue
	History       *history.Log
	Timeline      *timeline.Reporter
	Bus           eventbus.Bus
	NextAutoStart func() time.Time
}

// sender is the part of *tele.Bot used for outgoing messages.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Bot struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	bot    *tele.Bot
	out    sender
	owners map[int64]struct{}
	// push limits pushed notifications; replies to commands are not limited.
	push *rate.Limiter

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	// last observed run, for start/finish detection
	lastRun automation.RunState
}

func New(cfg Config, deps Deps, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.OwnerUserIDs) == 0 {
		return nil, errors.New("telegram owner_user_ids is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	t := newBot(cfg, deps, log, b)
	t.bot = b
	t.register()
	return t, nil
}

func newBot(cfg Config, deps Deps, log logx.Logger, out sender) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	owners := make(map[int64]struct{}, len(cfg.OwnerUserIDs))
	for _, id := range cfg.OwnerUserIDs {
		owners[id] = struct{}{}
	}
	return &Bot{
		cfg:    cfg,
		deps:   deps,
		log:    log.With(logx.String("comp", "telegram")),
		out:    out,
		owners: owners,
		push:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (b *Bot) isOwner(id int64) bool {
	_, ok := b.owners[id]
	return ok
}

func (b *Bot) ownerOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		u := c.Sender()
		if u == nil || !b.isOwner(u.ID) {
			if u != nil {
				b.log.Debug("ignored message from non-owner", logx.Int64("user_id", u.ID))
			}
			return nil
		}
		return next(c)
	}
}

func (b *Bot) register() {
	b.bot.Use(b.ownerOnly)
	for _, cmd := range commands {
		name := cmd.Text
		b.bot.Handle("/"+name, func(c tele.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			reply := b.exec(ctx, name, c.Message().Payload)
			return c.Send(reply, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
		})
	}
}

// Start begins long polling and event notifications.
func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.runMu.Unlock()

	if b.bot != nil {
		if err := b.bot.SetCommands(commands); err != nil {
			b.log.Warn("set bot commands failed", logx.Err(err))
		}
		b.runWG.Add(1)
		go func() {
			defer b.runWG.Done()
			go func() {
				<-rctx.Done()
				b.bot.Stop()
			}()
			b.log.Info("polling started")
			b.bot.Start()
		}()
	}

	if b.deps.Bus != nil {
		sub := b.deps.Bus.Subscribe(64)
		b.lastRun = b.deps.Engine.Status().Run
		b.runWG.Add(1)
		go func() {
			defer b.runWG.Done()
			defer sub.Close()
			b.watch(rctx, sub)
		}()
	}
	return nil
}

// Stop never blocks shutdown for long on the getUpdates long poll.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	cancel := b.runCancel
	b.runCancel = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		b.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		b.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (b *Bot) watch(ctx context.Context, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if text := b.describe(ctx, ev); text != "" {
				b.notify(ctx, text)
			}
		}
	}
}

// describe turns an event into an owner notification, or "" for none.
func (b *Bot) describe(ctx context.Context, ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeRunState:
		st, ok := ev.Data.(automation.Status)
		if !ok {
			return ""
		}
		prev := b.lastRun
		b.lastRun = st.Run
		switch {
		case st.Run.Running && (!prev.Running || prev.RunID != st.Run.RunID):
			n, _ := b.deps.Queue.Len(ctx)
			return formatRunStarted(st.Run, n)
		case !st.Run.Running && prev.Running:
			return formatRunFinished(st.Run)
		}
	case eventbus.TypeHistoryAdded:
		if !b.cfg.NotifyItems {
			return ""
		}
		if e, ok := ev.Data.(history.Entry); ok {
			return formatEntry(e)
		}
	}
	return ""
}

func (b *Bot) notify(ctx context.Context, text string) {
	if !b.push.Allow() {
		b.log.Debug("notification dropped (rate limited)")
		return
	}
	for id := range b.owners {
		if ctx.Err() != nil {
			return
		}
		if _, err := b.out.Send(&tele.Chat{ID: id}, text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}); err != nil {
			b.log.Debug("notify failed", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}

// SendLog forwards a log line to the owners. It satisfies logx.Sink.
// Send errors are returned but never logged to avoid a feedback loop.
func (b *Bot) SendLog(ctx context.Context, text string) error {
	var errs []error
	msg := pre(truncRunes(text, maxMessageRunes-32))
	for id := range b.owners {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := b.out.Send(&tele.Chat{ID: id}, msg, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
