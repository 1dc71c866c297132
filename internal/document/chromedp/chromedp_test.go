package chromedp

import (
	"context"
	"errors"
	"testing"
	"time"

	"tabrunner/internal/document"
	logx "tabrunner/pkg/logx"
)

func TestNewDefaultsNavigateTimeout(t *testing.T) {
	o := New(Config{Headless: true}, logx.Nop())
	if o.cfg.NavigateTimeout != 30*time.Second {
		t.Fatalf("NavigateTimeout = %v", o.cfg.NavigateTimeout)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close without browser: %v", err)
	}
}

func TestClosedTabRejectsScripts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tb := &tab{ctx: ctx, cancel: cancel}
	if err := tb.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = tb.Close(context.Background())
	if _, err := tb.Evaluate(context.Background(), "true"); !errors.Is(err, document.ErrClosed) {
		t.Fatalf("Evaluate err = %v", err)
	}
}
