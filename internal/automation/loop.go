package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tabrunner/internal/document"
	"tabrunner/internal/history"
	"tabrunner/internal/profile"
	"tabrunner/internal/queue"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

type itemResult int

const (
	itemDone itemResult = iota
	itemCancelled
	itemFailed
)

func (e *Engine) loop(ctx context.Context, rs RunState) {
	reason := "queue empty"
	defer func() { e.finish(rs, reason) }()

	for {
		if ctx.Err() != nil {
			reason = "cancelled"
			return
		}
		item, ok, err := e.q.Head(ctx)
		if err != nil {
			reason = e.failReason(ctx, "read queue", err)
			return
		}
		if !ok {
			return
		}
		s, err := e.Settings(ctx)
		if err != nil {
			reason = e.failReason(ctx, "read settings", err)
			return
		}

		switch e.processItem(ctx, s, item) {
		case itemCancelled:
			reason = "cancelled"
			return
		case itemFailed:
			reason = "item failed"
			return
		}
		rs.Processed++
		rs.LastItem = item
		e.recordProgress(ctx, rs)

		n, err := e.q.Len(ctx)
		if err != nil {
			reason = e.failReason(ctx, "read queue", err)
			return
		}
		if n == 0 {
			return
		}
		if !e.interItemWait(ctx, s) {
			reason = "cancelled"
			return
		}
	}
}

func (e *Engine) failReason(ctx context.Context, op string, err error) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	e.log.Error(op+" failed; stopping run", logx.Err(err))
	return op + " failed"
}

// recordProgress persists the counters unless a Stop already flipped the
// stored state to not running.
func (e *Engine) recordProgress(ctx context.Context, rs RunState) {
	rs.UpdatedAt = time.Now()
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.run = rs
	err := e.st.SetJSON(ctx, RunStateKey, rs)
	e.mu.Unlock()
	if err != nil {
		e.log.Warn("persist run state failed", logx.Err(err))
	}
	e.publishStatus()
}

// processItem drives one item from open to history. The item leaves the
// queue only if the run was not cancelled before the Waiting phase.
func (e *Engine) processItem(ctx context.Context, s Settings, item string) itemResult {
	t := *e.timing.Load()
	log := e.log.With(logx.String("item", item))

	prof, err := e.profiles.Load().Get(s.Profile)
	if err != nil {
		log.Error("profile unavailable; stopping run", logx.Err(err))
		return itemFailed
	}
	addr, err := prof.Address(item)
	if err != nil {
		log.Error("address render failed; stopping run", logx.Err(err))
		return itemFailed
	}

	// Opening.
	e.setState(StateOpening)
	e.tl.Reset(ctx)
	e.tl.Report(ctx, timeline.StepOpen, "Opening "+item, true, false)
	doc, err := e.opener.Open(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return itemCancelled
		}
		log.Error("open failed; stopping run", logx.String("address", addr), logx.Err(err))
		e.tl.Report(ctx, timeline.StepOpen, "Open failed", false, false)
		return itemFailed
	}
	closed := false
	closeDoc := func() {
		if closed {
			return
		}
		closed = true
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := doc.Close(cctx); err != nil {
			log.Debug("close tab failed", logx.Err(err))
		}
	}
	defer closeDoc()
	e.tl.Report(ctx, timeline.StepOpen, "Tab opened", false, true)

	e.tl.Report(ctx, timeline.StepLoad, "Loading page", true, false)
	if !sleep(ctx, t.Settle) {
		return itemCancelled
	}
	if !e.countdown(ctx, t, timeline.StepLoad, s.WaitAfterOpen, "Starting in %ds") {
		return itemCancelled
	}

	// Acting.
	e.setState(StateActing)
	subject, message := s.Pools.Sanitized(prof.HTMLMessage()).Pick(e.rng)
	args := profile.Args{Item: item, Subject: subject, Message: message}

	if !e.awaitReady(ctx, log, t, doc, prof, args) {
		return itemCancelled
	}

	e.tl.Report(ctx, timeline.StepFill, "Filling", true, false)
	filled, err := e.mutate(ctx, log, doc, "fill", prof.FillScript, args)
	if err != nil {
		return itemCancelled
	}
	if !filled {
		log.Warn("fill reported failure; continuing")
	}
	e.tl.Report(ctx, timeline.StepFill, "Filled", false, true)

	e.tl.Report(ctx, timeline.StepSubmit, "Sending", true, false)
	sent, err := e.mutate(ctx, log, doc, "submit", prof.SubmitScript, args)
	if err != nil {
		return itemCancelled
	}
	if !sent {
		e.tl.Report(ctx, timeline.StepSubmit, "Retrying send", true, false)
		if !sleep(ctx, t.SubmitRetryDelay) {
			return itemCancelled
		}
		if sent, err = e.mutate(ctx, log, doc, "submit", prof.SubmitScript, args); err != nil {
			return itemCancelled
		}
	}
	outcome := history.OutcomeSent
	if sent {
		e.tl.Report(ctx, timeline.StepSubmit, "Sent", false, true)
	} else {
		outcome = history.OutcomeUnconfirmed
		log.Warn("send not confirmed; continuing")
		e.tl.Report(ctx, timeline.StepSubmit, "Send not confirmed", false, true)
	}

	if !e.countdown(ctx, t, timeline.StepClose, s.WaitAfterSend, "Closing in %ds") {
		return itemCancelled
	}
	closeDoc()
	e.tl.Report(ctx, timeline.StepClose, "Tab closed", false, true)

	// Waiting.
	e.setState(StateWaiting)
	if ctx.Err() != nil {
		return itemCancelled
	}
	if err := e.q.RemoveHead(ctx, item); err != nil {
		if !errors.Is(err, queue.ErrHeadMismatch) {
			log.Error("remove from queue failed; stopping run", logx.Err(err))
			return itemFailed
		}
		// Edited away from the queue while in flight.
		log.Warn("queue head changed during processing", logx.Err(err))
	}
	label := prof.Label(args)
	if _, err := e.hist.Add(ctx, item, label, outcome); err != nil {
		log.Warn("history append failed", logx.Err(err))
	}
	log.Info("item processed", logx.String("label", label), logx.String("outcome", outcome))
	return itemDone
}

// awaitReady polls the readiness predicate. A page that never becomes ready
// is downgraded to a warning; it returns false only on cancellation.
func (e *Engine) awaitReady(ctx context.Context, log logx.Logger, t Timing, doc document.Document, prof *profile.Compiled, args profile.Args) bool {
	script, err := prof.ReadyScript(args)
	if err != nil {
		log.Warn("ready script render failed; continuing", logx.Err(err))
		return ctx.Err() == nil
	}
	err = e.pollReady(ctx, log, t, doc, script)
	switch {
	case err == nil:
		e.tl.Report(ctx, timeline.StepLoad, "Page ready", false, true)
		return true
	case errors.Is(err, document.ErrNotReady):
		log.Warn("page not ready; continuing", logx.Err(err))
		e.tl.Report(ctx, timeline.StepLoad, "Page not ready; continuing", false, true)
		return true
	default:
		return false
	}
}

// pollReady returns nil once the predicate holds, document.ErrNotReady when
// the attempts run out, or the context error.
func (e *Engine) pollReady(ctx context.Context, log logx.Logger, t Timing, doc document.Document, script string) error {
	for i := 1; i <= t.ReadyAttempts; i++ {
		ok, err := doc.Evaluate(ctx, script)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Debug("ready check failed", logx.Int("attempt", i), logx.Err(err))
		}
		if ok {
			return nil
		}
		e.tl.Report(ctx, timeline.StepLoad, fmt.Sprintf("Waiting for page (%d/%d)", i, t.ReadyAttempts), true, false)
		if i < t.ReadyAttempts && !sleep(ctx, t.ReadyInterval) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts", document.ErrNotReady, t.ReadyAttempts)
}

// mutate runs one action script. Script failures are downgraded to false;
// only cancellation is returned as an error.
func (e *Engine) mutate(ctx context.Context, log logx.Logger, doc document.Document, name string, render func(profile.Args) (string, error), args profile.Args) (bool, error) {
	script, err := render(args)
	if err != nil {
		log.Warn(name+" script render failed", logx.Err(err))
		return false, ctx.Err()
	}
	ok, err := doc.Mutate(ctx, script)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		log.Warn(name+" script failed", logx.Err(err))
		return false, nil
	}
	return ok, nil
}

func (e *Engine) interItemWait(ctx context.Context, s Settings) bool {
	t := *e.timing.Load()
	secs := randomWait(e.rng, s.MinWait, s.MaxWait)
	e.log.Debug("waiting before next item", logx.Int("seconds", secs))
	if !e.countdown(ctx, t, timeline.StepWait, secs, "Next item in %ds") {
		return false
	}
	e.tl.Report(ctx, timeline.StepWait, "Done waiting", false, true)
	return true
}

// countdown reports the remaining seconds on step once per tick.
func (e *Engine) countdown(ctx context.Context, t Timing, step string, secs int, format string) bool {
	for rem := secs; rem > 0; rem-- {
		e.tl.Report(ctx, step, fmt.Sprintf(format, rem), true, false)
		if !sleep(ctx, t.Tick) {
			return false
		}
	}
	return ctx.Err() == nil
}
