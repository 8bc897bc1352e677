package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/presencewatch/monitor/internal/observer"
)

// Tab is one monitored page target. It implements observer.Page.
type Tab struct {
	page   *rod.Page
	logger *slog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	url string
}

// Attach wraps an existing page target.
func Attach(page *rod.Page, url string, logger *slog.Logger) *Tab {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tab{page: page, url: url, logger: logger, now: time.Now}
}

// OpenTab creates a stealth tab, navigates it to pageURL and waits for the
// load event.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	return Attach(page, pageURL, mgr.cfg.Logger), nil
}

// ID is the CDP target id, used as the instance id.
func (t *Tab) ID() string { return string(t.page.TargetID) }

// URL implements observer.Page.
func (t *Tab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

func (t *Tab) setURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

// HTML implements observer.Page.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	res, err := t.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

// EvalString implements observer.Page.
func (t *Tab) EvalString(ctx context.Context, js string) (string, error) {
	res, err := t.page.Context(ctx).Eval(js)
	if err != nil {
		return "", fmt.Errorf("browser: eval: %w", err)
	}
	if res.Value.Nil() {
		return "", nil
	}
	return res.Value.Str(), nil
}

// Subscribe implements observer.Page. Events flow until ctx ends.
func (t *Tab) Subscribe(ctx context.Context, s observer.Signals) error {
	if err := (proto.NetworkEnable{}).Call(t.page); err != nil {
		return fmt.Errorf("browser: network enable: %w", err)
	}
	if err := (proto.PageEnable{}).Call(t.page); err != nil {
		return fmt.Errorf("browser: page enable: %w", err)
	}
	if err := (proto.DOMEnable{}).Call(t.page); err != nil {
		t.logger.Warn("browser: dom enable failed", "error", err)
	}

	p := t.page.Context(ctx)
	wait := p.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if rec, ok := requestRecord(e, t.now()); ok {
				s.Resource(rec)
			}
		},
		func(e *proto.NetworkResponseReceived) {
			if rec, ok := responseRecord(e, t.now()); ok {
				s.Resource(rec)
			}
		},
		func(e *proto.PageNavigatedWithinDocument) {
			t.navigated(s, e.URL)
		},
		func(e *proto.PageFrameNavigated) {
			if u, ok := mainFrameURL(e); ok {
				t.navigated(s, u)
			}
		},
		func(e *proto.DOMDocumentUpdated) {
			go t.refreshURL(ctx, s)
		},
	)
	go wait()
	return nil
}

func (t *Tab) navigated(s observer.Signals, u string) {
	t.setURL(u)
	s.Navigated(u)
}

// refreshURL re-reads the target URL after a document swap.
func (t *Tab) refreshURL(ctx context.Context, s observer.Signals) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		t.logger.Debug("browser: target info failed", "error", err)
		return
	}
	if info.URL != t.URL() {
		t.navigated(s, info.URL)
	}
}

// Close closes the underlying page.
func (t *Tab) Close() error {
	if t.page != nil {
		return t.page.Close()
	}
	return nil
}
