package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dir.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLookup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	ref := Reference{Channel: "teams", ServiceURL: "https://smba.example/", ConversationID: "a:1", BotID: "28:bot", UserID: "29:u", Locale: "pt-BR"}
	if err := s.Save(ctx, " Ana@Example.com ", ref); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Lookup(ctx, "ana@example.com")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ConversationID != "a:1" || got.Locale != "pt-BR" || got.ServiceURL != ref.ServiceURL {
		t.Errorf("got %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	s.Save(ctx, "a@x.com", Reference{Channel: "teams", ConversationID: "old"})
	s.Save(ctx, "a@x.com", Reference{Channel: "slack", ConversationID: "D123"})

	got, err := s.Lookup(ctx, "a@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.Channel != "slack" || got.ConversationID != "D123" {
		t.Errorf("got %+v", got)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("count = %d", n)
	}
}

func TestLookupMissing(t *testing.T) {
	s := openTest(t)
	if _, err := s.Lookup(context.Background(), "nobody@x.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestSaveRequiresConversation(t *testing.T) {
	s := openTest(t)
	if err := s.Save(context.Background(), "a@x.com", Reference{}); err == nil {
		t.Error("expected error")
	}
}
