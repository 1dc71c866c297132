// Package chromedp drives documents in a Chrome/Chromium browser over the
// DevTools protocol. One browser is shared; each Open creates a new tab.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cdp "github.com/chromedp/chromedp"

	"tabrunner/internal/document"
	logx "tabrunner/pkg/logx"
)

type Config struct {
	// RemoteURL attaches to a running browser (ws:// or http:// DevTools
	// endpoint) instead of launching one.
	RemoteURL   string
	ExecPath    string
	UserDataDir string
	Headless    bool
	// NavigateTimeout bounds the wait for the initial load event. A page
	// that loads slower is still handed to the caller.
	NavigateTimeout time.Duration
}

type Opener struct {
	cfg Config
	log logx.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

var _ document.Opener = (*Opener)(nil)

func New(cfg Config, log logx.Logger) *Opener {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = 30 * time.Second
	}
	return &Opener{cfg: cfg, log: log}
}

// browser lazily starts (or attaches to) the shared browser.
func (o *Opener) browser() (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.browserCtx != nil && o.browserCtx.Err() == nil {
		return o.browserCtx, nil
	}

	var (
		allocCtx    context.Context
		cancelAlloc context.CancelFunc
	)
	if u := strings.TrimSpace(o.cfg.RemoteURL); u != "" {
		allocCtx, cancelAlloc = cdp.NewRemoteAllocator(context.Background(), u)
	} else {
		opts := append([]cdp.ExecAllocatorOption{}, cdp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts, cdp.Flag("headless", o.cfg.Headless))
		if o.cfg.ExecPath != "" {
			opts = append(opts, cdp.ExecPath(o.cfg.ExecPath))
		}
		if o.cfg.UserDataDir != "" {
			opts = append(opts, cdp.UserDataDir(o.cfg.UserDataDir))
		}
		allocCtx, cancelAlloc = cdp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, cancelBrowser := cdp.NewContext(allocCtx)
	// An empty Run starts the browser.
	if err := cdp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	o.browserCtx, o.cancelBrowser, o.cancelAlloc = browserCtx, cancelBrowser, cancelAlloc
	o.log.Info("browser ready", logx.Bool("remote", o.cfg.RemoteURL != ""), logx.Bool("headless", o.cfg.Headless))
	return browserCtx, nil
}

func (o *Opener) Open(ctx context.Context, address string) (document.Document, error) {
	bctx, err := o.browser()
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := cdp.NewContext(bctx)
	d := &tab{ctx: tabCtx, cancel: cancelTab, address: address}
	// Caller cancellation abandons the tab.
	d.stopAfter = context.AfterFunc(ctx, d.closeNow)

	if err := cdp.Run(tabCtx); err != nil {
		_ = d.Close(ctx)
		return nil, fmt.Errorf("new tab: %w", err)
	}

	nctx, cancel := context.WithTimeout(tabCtx, o.cfg.NavigateTimeout)
	err = cdp.Run(nctx, cdp.Navigate(address))
	cancel()
	switch {
	case err == nil:
	case ctx.Err() != nil:
		_ = d.Close(ctx)
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		o.log.Warn("navigation slow; continuing", logx.String("address", address), logx.Duration("timeout", o.cfg.NavigateTimeout))
	default:
		_ = d.Close(ctx)
		return nil, fmt.Errorf("navigate %s: %w", address, err)
	}
	return d, nil
}

// Close shuts the browser down (or detaches from a remote one).
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelBrowser != nil {
		o.cancelBrowser()
		o.cancelAlloc()
		o.browserCtx, o.cancelBrowser, o.cancelAlloc = nil, nil, nil
	}
	return nil
}

type tab struct {
	ctx       context.Context
	cancel    context.CancelFunc
	address   string
	stopAfter func() bool

	once sync.Once
}

func (t *tab) Evaluate(ctx context.Context, script string) (bool, error) {
	return t.eval(ctx, script)
}

func (t *tab) Mutate(ctx context.Context, script string) (bool, error) {
	return t.eval(ctx, script)
}

func (t *tab) eval(ctx context.Context, script string) (bool, error) {
	if t.ctx.Err() != nil {
		return false, document.ErrClosed
	}
	rctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var ok bool
	if err := cdp.Run(rctx, cdp.Evaluate(script, &ok)); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if t.ctx.Err() != nil {
			return false, document.ErrClosed
		}
		return false, fmt.Errorf("%w: %v", document.ErrScript, err)
	}
	return ok, nil
}

func (t *tab) Close(context.Context) error {
	if t.stopAfter != nil {
		t.stopAfter()
	}
	t.closeNow()
	return nil
}

// closeNow cancels the tab context, which makes chromedp close the target.
func (t *tab) closeNow() { t.once.Do(t.cancel) }
