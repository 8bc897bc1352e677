package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	u, err := uuid.Parse(prev)
	if err != nil || u.Version() != 7 {
		t.Fatalf("got %q (%v), want a v7 UUID", prev, err)
	}
	for i := 0; i < 100; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("ids not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	if id := Prefixed("evt_", Sequence("n"))(); id != "evt_n1" {
		t.Fatalf("got %q", id)
	}
	if id := Prefixed("evt_", Default)(); !strings.HasPrefix(id, "evt_") {
		t.Fatalf("got %q", id)
	}
}

func TestSequence_Concurrent(t *testing.T) {
	gen := Sequence("ev")
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := gen()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 400 || !seen["ev1"] || !seen["ev400"] {
		t.Fatalf("got %d distinct ids", len(seen))
	}
}
