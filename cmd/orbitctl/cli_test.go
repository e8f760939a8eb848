package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/h1v3-io/orbit/internal/draft"
)

// writeConfig writes a minimal config pointing at helpdeskURL and returns
// its path and the data dir.
func writeConfig(t *testing.T, helpdeskURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	cfg := fmt.Sprintf(`{
  "server": {"data_dir": %q},
  "providers": {"default": {"api_key": "sk-test", "model": "gpt-4o"}},
  "helpdesk": {"base_url": %q, "token": "tok"},
  "api": {"api_key": "tab-key"}
}`, data, helpdeskURL+"/api/v1")
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

// run executes orbitctl with args and returns its stdout.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newCLIApp()
	app.Writer = &out
	app.ErrWriter = &out
	argv := append([]string{"orbitctl", "--config", cfgPath, "--env-file", filepath.Join(t.TempDir(), "none.env")}, args...)
	err := app.Run(argv)
	return out.String(), err
}

func TestCLIConfigValidate(t *testing.T) {
	path, _ := writeConfig(t, "https://helpdesk.example.com")

	out, err := run(t, path, "config", "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "config is valid") {
		t.Errorf("output = %q", out)
	}
}

func TestCLIConfigValidate_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"server": {"data_dir": "/tmp"}}`), 0o644)

	_, err := run(t, path, "config", "validate")
	if err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestCLIDrafts(t *testing.T) {
	path, data := writeConfig(t, "https://helpdesk.example.com")
	os.MkdirAll(data, 0o755)

	store, err := draft.NewSQLiteStore(filepath.Join(data, "drafts.db"))
	if err != nil {
		t.Fatal(err)
	}
	d := draft.New()
	d.BeginDetails("printer offline")
	d.Language = "de"
	if err := store.Set(context.Background(), "teams:conv-1", d); err != nil {
		t.Fatal(err)
	}
	store.Close()

	out, err := run(t, path, "drafts", "show", "teams:conv-1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var got draft.Draft
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.State != draft.AwaitingDetails || got.Language != "de" {
		t.Errorf("draft = %+v", got)
	}

	out, err = run(t, path, "drafts", "reset", "teams:conv-1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(out, "draft reset") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, path, "drafts", "reset", "teams:conv-1"); err == nil || !strings.Contains(err.Error(), "no draft") {
		t.Errorf("second reset: %v", err)
	}
}

func TestCLIDrafts_KeyRequired(t *testing.T) {
	path, _ := writeConfig(t, "https://helpdesk.example.com")
	if _, err := run(t, path, "drafts", "show"); err == nil {
		t.Fatal("expected error without key")
	}
}

func TestCLITicketsList(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/users/search":
			fmt.Fprint(w, `[{"id": 7, "email": "ana@example.com"}]`)
		case "/api/v1/users/9":
			fmt.Fprint(w, `{"id": 9, "firstname": "Lia", "lastname": "Souza"}`)
		case "/api/v1/tickets/search":
			query = r.URL.Query().Get("query")
			if r.URL.Query().Get("page") != "1" {
				fmt.Fprint(w, `[]`)
				return
			}
			fmt.Fprint(w, `[
			  {"id": 1, "number": "4821", "title": "VPN down", "state": "open", "owner_id": 9},
			  {"id": 2, "number": "4822", "title": "New laptop", "state": "new", "owner_id": 1}
			]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	path, _ := writeConfig(t, srv.URL)

	out, err := run(t, path, "tickets", "list", "--email", "ana@example.com")
	if err != nil {
		t.Fatalf("tickets list: %v", err)
	}
	if !strings.Contains(query, "state.name:open") {
		t.Errorf("default listing should be open-only, query = %q", query)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "#4822") || !strings.Contains(lines[0], " - ") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "Lia Souza") || !strings.Contains(lines[1], "VPN down") {
		t.Errorf("second line = %q", lines[1])
	}

	if _, err := run(t, path, "tickets", "list", "--email", "ana@example.com", "--all"); err != nil {
		t.Fatalf("tickets list --all: %v", err)
	}
	if strings.Contains(query, "state.name") {
		t.Errorf("--all should not filter by state, query = %q", query)
	}
}

func TestCLISearch_NoEmbeddings(t *testing.T) {
	path, _ := writeConfig(t, "https://helpdesk.example.com")
	_, err := run(t, path, "search", "how", "do", "I", "reset", "VPN")
	if err == nil || !strings.Contains(err.Error(), "embeddings are not configured") {
		t.Fatalf("expected embeddings error, got %v", err)
	}
}
