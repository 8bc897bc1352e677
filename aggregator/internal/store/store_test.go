package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/presencewatch/dbopen"
	"github.com/hazyhaar/presencewatch/presence"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	st, err := s.Load(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if st.Session.Authenticated || st.Session.Email != "" {
		t.Fatalf("got session %+v, want empty", st.Session)
	}
	if st.LastStatus != presence.StatusUnknown {
		t.Fatalf("got lastStatus %q, want %q", st.LastStatus, presence.StatusUnknown)
	}
	if len(st.History) != 0 {
		t.Fatalf("got %d history entries, want 0", len(st.History))
	}
}

func TestAppendStatus_TrimsOldest(t *testing.T) {
	s, err := New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 105; i++ {
		ev := presence.StatusEvent{ID: fmt.Sprintf("e%d", i), Status: fmt.Sprintf("s%d", i), Timestamp: int64(i)}
		if err := s.AppendStatus(ctx, ev, 100); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := s.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 100 {
		t.Fatalf("got %d entries, want 100", len(hist))
	}
	if hist[0].ID != "e5" || hist[99].ID != "e104" {
		t.Fatalf("got %s..%s, want e5..e104", hist[0].ID, hist[99].ID)
	}
}

func TestState_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(ctx, presence.AuthSession{Authenticated: true, Email: "a@x.com"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendStatus(ctx, presence.StatusEvent{ID: "e1", Status: "Lunch/Dinner", InstanceID: "T1", Timestamp: 42}, 100); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s, err = New(db)
	if err != nil {
		t.Fatal(err)
	}
	st, err := s.Load(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Session.Authenticated || st.Session.Email != "a@x.com" {
		t.Fatalf("got session %+v", st.Session)
	}
	if st.LastStatus != "Lunch/Dinner" || st.LastUpdate != 42 {
		t.Fatalf("got lastStatus %q at %d", st.LastStatus, st.LastUpdate)
	}
	if len(st.History) != 1 || st.History[0].InstanceID != "T1" {
		t.Fatalf("got history %+v", st.History)
	}
}
