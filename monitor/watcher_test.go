package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/presencewatch/aggregator"
	"github.com/hazyhaar/presencewatch/bridge"
	"github.com/hazyhaar/presencewatch/monitor/internal/observer"
	"github.com/hazyhaar/presencewatch/presence"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTarget struct {
	id, url, html string

	mu     sync.Mutex
	closed bool
}

func (f *fakeTarget) ID() string  { return f.id }
func (f *fakeTarget) URL() string { return f.url }
func (f *fakeTarget) HTML(context.Context) (string, error) {
	return f.html, nil
}
func (f *fakeTarget) EvalString(context.Context, string) (string, error) { return "", nil }
func (f *fakeTarget) Subscribe(context.Context, observer.Signals) error { return nil }
func (f *fakeTarget) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type recorder struct {
	next bridge.Transport

	mu    sync.Mutex
	kinds []presence.Kind
}

func (r *recorder) Send(ctx context.Context, env presence.Envelope) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, env.Type)
	r.mu.Unlock()
	return r.next.Send(ctx, env)
}

func (r *recorder) Request(ctx context.Context, env presence.Envelope) ([]byte, error) {
	return r.next.Request(ctx, env)
}

func (r *recorder) seen() []presence.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presence.Kind(nil), r.kinds...)
}

func setup(t *testing.T) (*Watcher, *aggregator.Aggregator, *recorder) {
	t.Helper()
	agg, err := aggregator.New(t.Context(), aggregator.Config{}, aggregator.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	b := bridge.New(bridge.WithLogger(quietLogger()))
	agg.Register(b)
	rec := &recorder{next: b}
	w := New(Config{
		InitialCheckDelay: 10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}, rec, WithLogger(quietLogger()))
	return w, agg, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConfig_Matches(t *testing.T) {
	c := Config{}
	c.defaults()
	cases := map[string]bool{
		"https://acme.my.salesforce.com/lightning/page/home": true,
		"https://acme.lightning.force.com/one/one.app":       true,
		"https://example.com/":                               false,
		"":                                                   false,
	}
	for u, want := range cases {
		if got := c.Matches(u); got != want {
			t.Errorf("Matches(%q) = %v, want %v", u, got, want)
		}
	}

	custom := Config{MatchPatterns: []string{"intranet.local"}}
	custom.defaults()
	if custom.Matches("https://acme.my.salesforce.com/") {
		t.Error("custom patterns should replace the defaults")
	}
}

func TestWatcher_AttachReportsLifecycleAndStatus(t *testing.T) {
	w, agg, rec := setup(t)
	ctx := t.Context()

	tgt := &fakeTarget{
		id:   "T1",
		url:  "https://acme.my.salesforce.com/lightning/page/home",
		html: `<div class="presence-status" data-status-id="0N51r0000004CBD">Lunch</div>`,
	}
	w.attach(ctx, tgt, false)
	w.attach(ctx, tgt, false)

	if got := w.Instances(); len(got) != 1 {
		t.Fatalf("instances after double attach: %v", got)
	}
	waitFor(t, "status in history", func() bool { return len(agg.History()) == 1 })
	if got := agg.LastStatus(); got != "Lunch/Dinner" {
		t.Fatalf("last status = %q", got)
	}
	if ids := agg.ActiveInstances(); len(ids) != 1 || ids[0] != "T1" {
		t.Fatalf("aggregator instances = %v", ids)
	}

	w.detach("T1", "destroyed")
	if ids := agg.ActiveInstances(); len(ids) != 0 {
		t.Fatalf("aggregator instances after detach = %v", ids)
	}
	if len(agg.History()) != 1 {
		t.Fatal("detach must not touch history")
	}

	kinds := rec.seen()
	if kinds[0] != presence.KindInstanceOpened || kinds[len(kinds)-1] != presence.KindInstanceClosed {
		t.Fatalf("lifecycle order: %v", kinds)
	}
	tgt.mu.Lock()
	defer tgt.mu.Unlock()
	if tgt.closed {
		t.Fatal("a discovered page must not be closed on detach")
	}
}

func TestWatcher_DetachUnknownIsNoop(t *testing.T) {
	w, _, rec := setup(t)
	w.detach("nope", "destroyed")
	if len(rec.seen()) != 0 {
		t.Fatalf("unexpected messages: %v", rec.seen())
	}
}

func TestWatcher_DetachAllClosesOwnedTabs(t *testing.T) {
	w, agg, _ := setup(t)
	ctx := t.Context()

	owned := &fakeTarget{id: "A", url: "https://acme.my.salesforce.com/a"}
	found := &fakeTarget{id: "B", url: "https://acme.my.salesforce.com/b"}
	w.attach(ctx, owned, true)
	w.attach(ctx, found, false)

	waitFor(t, "both registered", func() bool { return len(agg.ActiveInstances()) == 2 })

	w.detachAll("shutdown")
	if len(w.Instances()) != 0 {
		t.Fatalf("instances left: %v", w.Instances())
	}
	if len(agg.ActiveInstances()) != 0 {
		t.Fatalf("aggregator instances left: %v", agg.ActiveInstances())
	}
	owned.mu.Lock()
	defer owned.mu.Unlock()
	if !owned.closed {
		t.Fatal("owned tab not closed")
	}
	found.mu.Lock()
	defer found.mu.Unlock()
	if found.closed {
		t.Fatal("discovered tab closed")
	}
}

func TestWatcher_AttachAfterShutdownIgnored(t *testing.T) {
	w, _, rec := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.attach(ctx, &fakeTarget{id: "late", url: "https://x.force.com/"}, false)
	if len(w.Instances()) != 0 || len(rec.seen()) != 0 {
		t.Fatal("attach after shutdown registered an instance")
	}
}

func TestWatcher_TargetDestroyedWhileLoadingNeverOpens(t *testing.T) {
	w, agg, rec := setup(t)
	ctx := t.Context()

	tgt := &fakeTarget{id: "T9", url: "https://acme.my.salesforce.com/lightning/page/home"}
	w.mu.Lock()
	w.pending["T9"] = true
	w.mu.Unlock()

	w.attachLoaded(ctx, tgt, func(context.Context) error {
		w.detach("T9", "destroyed")
		return context.Canceled
	})

	if got := w.Instances(); len(got) != 0 {
		t.Fatalf("instances after destroyed load: %v", got)
	}
	if kinds := rec.seen(); len(kinds) != 0 {
		t.Fatalf("unexpected messages: %v", kinds)
	}
	if ids := agg.ActiveInstances(); len(ids) != 0 {
		t.Fatalf("aggregator instances = %v", ids)
	}
	w.mu.Lock()
	_, left := w.pending["T9"]
	w.mu.Unlock()
	if left {
		t.Fatal("pending entry not cleared")
	}
}

func TestWatcher_LoadFailureOnLiveTargetStillAttaches(t *testing.T) {
	w, agg, _ := setup(t)
	ctx := t.Context()

	tgt := &fakeTarget{id: "T10", url: "https://acme.my.salesforce.com/lightning/page/home"}
	w.mu.Lock()
	w.pending["T10"] = true
	w.mu.Unlock()

	w.attachLoaded(ctx, tgt, func(context.Context) error { return context.DeadlineExceeded })

	waitFor(t, "registered", func() bool { return len(agg.ActiveInstances()) == 1 })
	w.detach("T10", "destroyed")
	if ids := agg.ActiveInstances(); len(ids) != 0 {
		t.Fatalf("aggregator instances after detach = %v", ids)
	}
}
