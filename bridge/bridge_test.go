package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/presencewatch/presence"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCall_SyncReply(t *testing.T) {
	b := New(WithLogger(quietLogger()))
	b.Handle(presence.KindGetActiveInstances, func(ctx context.Context, env presence.Envelope, r *Reply) {
		r.Resolve([]string{"T1", "T2"})
	})

	var ids []string
	if err := Call(context.Background(), b, presence.KindGetActiveInstances, "popup", struct{}{}, &ids); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(ids) != 2 || ids[0] != "T1" || ids[1] != "T2" {
		t.Fatalf("got %v, want [T1 T2]", ids)
	}
}

func TestCall_HeldOpenReply(t *testing.T) {
	b := New(WithLogger(quietLogger()))
	b.Handle(presence.KindAuthenticate, func(ctx context.Context, env presence.Envelope, r *Reply) {
		var creds presence.Credentials
		if err := Decode(env, &creds); err != nil {
			r.Fail(err)
			return
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			r.Resolve(presence.AuthResult{Success: creds.Email == "a@x.com"})
		}()
	})

	var res presence.AuthResult
	err := Call(context.Background(), b, presence.KindAuthenticate, "popup",
		presence.Credentials{Email: "a@x.com", Password: "longenough", Action: presence.ActionLogin}, &res)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.Success {
		t.Fatal("expected success from held-open reply")
	}
}

func TestRequest_UnknownKind(t *testing.T) {
	b := New(WithLogger(quietLogger()))
	env, _ := Envelope("bogus", "popup", nil)
	_, err := b.Request(context.Background(), env)
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("got %v, want ErrNoReply", err)
	}
}

func TestSend_UnknownKindDropped(t *testing.T) {
	b := New(WithLogger(quietLogger()))
	env, _ := Envelope("bogus", "T1", nil)
	if err := b.Send(context.Background(), env); err != nil {
		t.Fatalf("unknown kind must be dropped silently, got %v", err)
	}
}

func TestRequest_Timeout(t *testing.T) {
	b := New(WithLogger(quietLogger()), WithRequestTimeout(30*time.Millisecond))
	b.Handle(presence.KindAuthenticate, func(ctx context.Context, env presence.Envelope, r *Reply) {})

	env, _ := Envelope(presence.KindAuthenticate, "popup", nil)
	start := time.Now()
	_, err := b.Request(context.Background(), env)
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("got %v, want ErrReplyTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not honored")
	}
}

func TestRequest_Closed(t *testing.T) {
	b := New(WithLogger(quietLogger()))
	b.Handle(presence.KindGetActiveInstances, func(ctx context.Context, env presence.Envelope, r *Reply) {
		r.Resolve(nil)
	})
	b.Close()
	env, _ := Envelope(presence.KindGetActiveInstances, "popup", nil)
	if _, err := b.Request(context.Background(), env); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	b := New(WithLogger(quietLogger()))
	b.Handle(presence.KindGetActiveInstances, func(ctx context.Context, env presence.Envelope, r *Reply) {
		panic("boom")
	})
	env, _ := Envelope(presence.KindGetActiveInstances, "popup", nil)
	if _, err := b.Request(context.Background(), env); !errors.Is(err, ErrHandlerPanic) {
		t.Fatalf("got %v, want ErrHandlerPanic", err)
	}
}

func TestReply_ResolveOnce(t *testing.T) {
	r := NewReply()
	if !r.Resolve("first") {
		t.Fatal("first resolve should win")
	}
	if r.Resolve("second") {
		t.Fatal("second resolve should be ignored")
	}
	if r.Fail(errors.New("late")) {
		t.Fatal("fail after resolve should be ignored")
	}
	data, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(data) != `"first"` {
		t.Fatalf("got %s, want %q", data, `"first"`)
	}
}

// recorder collects delivered status events in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []presence.StatusEvent
}

func (rec *recorder) handler(ctx context.Context, env presence.Envelope, r *Reply) {
	var ev presence.StatusEvent
	if err := Decode(env, &ev); err != nil {
		return
	}
	rec.mu.Lock()
	rec.events = append(rec.events, ev)
	rec.mu.Unlock()
}

func (rec *recorder) snapshot() []presence.StatusEvent {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]presence.StatusEvent(nil), rec.events...)
}

func TestPort_PreservesPerSenderOrder(t *testing.T) {
	b := New(WithLogger(quietLogger()))
	rec := &recorder{}
	b.Handle(presence.KindStatusUpdate, rec.handler)

	p1 := NewPort(b, "T1", WithPortLogger(quietLogger()))
	p2 := NewPort(b, "T2", WithPortLogger(quietLogger()))
	for i := 0; i < 50; i++ {
		p1.Post(presence.KindStatusUpdate, presence.StatusEvent{InstanceID: "T1", Timestamp: int64(i)})
		p2.Post(presence.KindStatusUpdate, presence.StatusEvent{InstanceID: "T2", Timestamp: int64(i)})
	}
	p1.Close()
	p2.Close()

	events := rec.snapshot()
	if len(events) != 100 {
		t.Fatalf("got %d events, want 100", len(events))
	}
	next := map[string]int64{}
	for _, ev := range events {
		if ev.Timestamp != next[ev.InstanceID] {
			t.Fatalf("%s: got ts %d, want %d", ev.InstanceID, ev.Timestamp, next[ev.InstanceID])
		}
		next[ev.InstanceID]++
	}
}

type failingTransport struct{}

func (failingTransport) Send(context.Context, presence.Envelope) error {
	return errors.New("receiver gone")
}

func (failingTransport) Request(context.Context, presence.Envelope) ([]byte, error) {
	return nil, errors.New("receiver gone")
}

func TestPort_DeliveryFailureSwallowed(t *testing.T) {
	p := NewPort(failingTransport{}, "T1", WithPortLogger(quietLogger()))
	p.Post(presence.KindLivenessPing, struct{}{})
	p.Close()
	// Posting after close is dropped, not a panic.
	p.Post(presence.KindLivenessPing, struct{}{})
}

func TestPort_QueueFullDrops(t *testing.T) {
	block := make(chan struct{})
	b := New(WithLogger(quietLogger()))
	var mu sync.Mutex
	delivered := 0
	b.Handle(presence.KindLivenessPing, func(ctx context.Context, env presence.Envelope, r *Reply) {
		<-block
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	p := NewPort(b, "T1", WithPortLogger(quietLogger()), WithQueueSize(1))
	for i := 0; i < 10; i++ {
		p.Post(presence.KindLivenessPing, struct{}{})
	}
	close(block)
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	if delivered == 0 || delivered >= 10 {
		t.Fatalf("got %d deliveries, want some dropped", delivered)
	}
}

func TestHTTPTransport(t *testing.T) {
	b := New(WithLogger(quietLogger()))
	rec := &recorder{}
	b.Handle(presence.KindStatusUpdate, rec.handler)
	b.Handle(presence.KindGetActiveInstances, func(ctx context.Context, env presence.Envelope, r *Reply) {
		r.Resolve([]string{"T1"})
	})

	r := chi.NewRouter()
	b.Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	env, _ := Envelope(presence.KindStatusUpdate, "T1", presence.StatusEvent{Status: "Lunch/Dinner", InstanceID: "T1"})
	if err := c.Send(ctx, env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := rec.snapshot(); len(got) != 1 || got[0].Status != "Lunch/Dinner" {
		t.Fatalf("got %+v, want one Lunch/Dinner event", got)
	}

	var ids []string
	if err := Call(ctx, c, presence.KindGetActiveInstances, "popup", nil, &ids); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(ids) != 1 || ids[0] != "T1" {
		t.Fatalf("got %v, want [T1]", ids)
	}

	unknown, _ := Envelope("bogus", "popup", nil)
	if _, err := c.Request(ctx, unknown); !errors.Is(err, ErrNoReply) {
		t.Fatalf("got %v, want ErrNoReply", err)
	}
}
