package draft

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/h1v3-io/orbit/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drafts.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissingReturnsIdle(t *testing.T) {
	s := newTestStore(t)

	d, err := s.Get(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.State != Idle {
		t.Errorf("expected idle, got %q", d.State)
	}
	if len(d.History) != 0 || d.TicketID != 0 {
		t.Errorf("expected empty draft, got %+v", d)
	}
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := New()
	d.BeginDetails("Initial summary: printer jams")
	d.Append(protocol.RoleUser, "HP on floor 3")
	d.Language = "en"
	d.UpdatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.Set(ctx, "conv-1", d); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != AwaitingDetails {
		t.Errorf("expected awaiting_details, got %q", got.State)
	}
	if len(got.History) != 2 || got.History[1].Content != "HP on floor 3" {
		t.Errorf("unexpected history: %+v", got.History)
	}
	if got.History[0].Role != protocol.RoleAssistant {
		t.Errorf("expected assistant seed, got %q", got.History[0].Role)
	}
	if got.Language != "en" {
		t.Errorf("expected language en, got %q", got.Language)
	}
	if !got.UpdatedAt.Equal(d.UpdatedAt) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, d.UpdatedAt)
	}
}

func TestSetUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := New()
	d.BeginEditing(42)
	s.Set(ctx, "conv-1", d)

	d.Reset("pt")
	if err := s.Set(ctx, "conv-1", d); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, _ := s.Get(ctx, "conv-1")
	if got.State != Idle || got.TicketID != 0 {
		t.Errorf("expected reset draft, got %+v", got)
	}
	if got.Language != "pt" {
		t.Errorf("expected language pt, got %q", got.Language)
	}
}

func TestSetRejectsInvalidState(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set(context.Background(), "k", Draft{State: "bogus"}); err == nil {
		t.Fatal("expected error for invalid state")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "conv-1", New())
	if err := s.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drafts.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	d := New()
	d.BeginEditing(7)
	if err := s.Set(ctx, "conv-1", d); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, _ := s2.Get(ctx, "conv-1")
	if got.State != Editing || got.TicketID != 7 {
		t.Errorf("expected editing #7 after reopen, got %+v", got)
	}
}
