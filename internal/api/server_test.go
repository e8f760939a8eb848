package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/h1v3-io/orbit/internal/helpdesk"
	"github.com/h1v3-io/orbit/internal/logbuf"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

// mockTickets implements Tickets for testing.
type mockTickets struct {
	tickets  []protocol.Ticket
	listErr  error
	listOpts []helpdesk.ListOptions
	emails   []string

	comments []comment
	closed   []int64
	closeErr error
	uploads  []string
}

type comment struct {
	id     int64
	text   string
	tokens []string
}

func (m *mockTickets) ListTickets(_ context.Context, r helpdesk.Requester, opts helpdesk.ListOptions) ([]protocol.Ticket, error) {
	m.emails = append(m.emails, r.Email)
	m.listOpts = append(m.listOpts, opts)
	return m.tickets, m.listErr
}

func (m *mockTickets) AddComment(_ context.Context, id int64, text string, _ helpdesk.Requester, tokens []string) error {
	m.comments = append(m.comments, comment{id: id, text: text, tokens: tokens})
	return nil
}

func (m *mockTickets) CloseTicket(_ context.Context, id int64, _ helpdesk.Requester, _ string) error {
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closed = append(m.closed, id)
	return nil
}

func (m *mockTickets) UploadAttachment(_ context.Context, _ []byte, filename string, _ helpdesk.Requester) (string, error) {
	if strings.HasPrefix(filename, "bad") {
		return "", errors.New("upload rejected")
	}
	m.uploads = append(m.uploads, filename)
	return fmt.Sprintf("tok-%d", len(m.uploads)), nil
}

type mockFiles map[string]string

func (f mockFiles) Download(_ context.Context, url string) ([]byte, error) {
	body, ok := f[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(body), nil
}

type recordLogs struct {
	entries []logbuf.Entry
	filters []logbuf.Filter
}

func (l *recordLogs) Query(f logbuf.Filter) []logbuf.Entry {
	l.filters = append(l.filters, f)
	return l.entries
}

func newTestServer(deps Deps, key string) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(Config{Host: "127.0.0.1", Port: 0, Key: key}, deps, logger)
}

func serve(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(Deps{}, "")
	w := serve(srv, "GET", "/api/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestListTickets(t *testing.T) {
	svc := &mockTickets{tickets: []protocol.Ticket{{ID: 10042, Number: "42", Title: "VPN down", State: protocol.TicketOpen}}}
	srv := newTestServer(Deps{Tickets: svc}, "")

	w := serve(srv, "GET", "/api/tickets?email=ana@example.com", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []protocol.Ticket
	json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 1 || got[0].Title != "VPN down" {
		t.Errorf("tickets = %+v", got)
	}
	if !svc.listOpts[0].OpenOnly || svc.emails[0] != "ana@example.com" {
		t.Errorf("opts = %+v, emails = %v", svc.listOpts, svc.emails)
	}

	serve(srv, "GET", "/api/tickets?email=ana@example.com&openOnly=false", "")
	if svc.listOpts[1].OpenOnly {
		t.Error("openOnly=false should include closed tickets")
	}
}

func TestListTickets_MissingEmail(t *testing.T) {
	srv := newTestServer(Deps{Tickets: &mockTickets{}}, "")
	if w := serve(srv, "GET", "/api/tickets", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListTickets_Empty(t *testing.T) {
	srv := newTestServer(Deps{Tickets: &mockTickets{}}, "")
	w := serve(srv, "GET", "/api/tickets?email=ana@example.com", "")
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestListTickets_Error(t *testing.T) {
	srv := newTestServer(Deps{Tickets: &mockTickets{listErr: errors.New("helpdesk down")}}, "")
	if w := serve(srv, "GET", "/api/tickets?email=ana@example.com", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestComment_SkipsFailedAttachments(t *testing.T) {
	svc := &mockTickets{}
	files := mockFiles{
		"https://files.example.com/a.png":   "a",
		"https://files.example.com/bad.png": "b",
	}
	srv := newTestServer(Deps{Tickets: svc, Files: files}, "")

	body := `{"email":"ana@example.com","comment":"Still broken","attachments":[
		{"contentUrl":"https://files.example.com/a.png","name":"a.png"},
		{"contentUrl":"https://files.example.com/missing.png","name":"missing.png"},
		{"contentUrl":"https://files.example.com/bad.png","name":"bad.png"}]}`
	w := serve(srv, "POST", "/api/tickets/42/comment", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if len(svc.comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(svc.comments))
	}
	c := svc.comments[0]
	if c.id != 42 || c.text != "Still broken" {
		t.Errorf("comment = %+v", c)
	}
	if len(c.tokens) != 1 || c.tokens[0] != "tok-1" {
		t.Errorf("tokens = %v, want [tok-1]", c.tokens)
	}
}

func TestComment_BadRequests(t *testing.T) {
	srv := newTestServer(Deps{Tickets: &mockTickets{}}, "")

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"bad id", "/api/tickets/abc/comment", `{"email":"a@b.c","comment":"x"}`},
		{"zero id", "/api/tickets/0/comment", `{"email":"a@b.c","comment":"x"}`},
		{"bad json", "/api/tickets/42/comment", `{`},
		{"missing email", "/api/tickets/42/comment", `{"comment":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := serve(srv, "POST", tt.target, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestClose(t *testing.T) {
	svc := &mockTickets{}
	srv := newTestServer(Deps{Tickets: svc}, "")

	w := serve(srv, "POST", "/api/tickets/42/close", `{"email":"ana@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(svc.closed) != 1 || svc.closed[0] != 42 {
		t.Errorf("closed = %v", svc.closed)
	}
}

func TestClose_NotFound(t *testing.T) {
	svc := &mockTickets{closeErr: fmt.Errorf("helpdesk: close 42: %w", helpdesk.ErrNotFound)}
	srv := newTestServer(Deps{Tickets: svc}, "")

	if w := serve(srv, "POST", "/api/tickets/42/close", `{"email":"ana@example.com"}`); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMountedHandlers(t *testing.T) {
	var hits []string
	record := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits = append(hits, name)
			w.WriteHeader(http.StatusAccepted)
		})
	}
	srv := newTestServer(Deps{Messages: record("messages"), Webhook: record("webhook")}, "secret-key")

	// Both verify their own credentials, not the API key.
	if w := serve(srv, "POST", "/api/messages", `{}`); w.Code != http.StatusAccepted {
		t.Errorf("messages status = %d", w.Code)
	}
	if w := serve(srv, "POST", "/api/webhook/helpdesk", `{}`); w.Code != http.StatusAccepted {
		t.Errorf("webhook status = %d", w.Code)
	}
	if strings.Join(hits, ",") != "messages,webhook" {
		t.Errorf("hits = %v", hits)
	}
	if w := serve(srv, "GET", "/api/messages", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET messages status = %d, want 405", w.Code)
	}
}

func TestUnmountedTicketRoutes(t *testing.T) {
	srv := newTestServer(Deps{}, "")
	if w := serve(srv, "GET", "/api/tickets?email=a@b.c", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetLogs(t *testing.T) {
	logs := &recordLogs{entries: []logbuf.Entry{{Level: "INFO", Message: "ticket created"}}}
	srv := newTestServer(Deps{Logs: logs}, "")

	w := serve(srv, "GET", "/api/logs?level=warn&limit=5&component=relay&since=1700000000000", "")
	var got []logbuf.Entry
	json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 1 || got[0].Message != "ticket created" {
		t.Errorf("entries = %+v", got)
	}
	f := logs.filters[0]
	if f.MinLevel != slog.LevelWarn || f.Limit != 5 || f.Component != "relay" || f.Since.UnixMilli() != 1700000000000 {
		t.Errorf("filter = %+v", f)
	}

	serve(srv, "GET", "/api/logs", "")
	if f := logs.filters[1]; f.MinLevel != slog.LevelDebug || f.Limit != 200 {
		t.Errorf("default filter = %+v", f)
	}

	srv = newTestServer(Deps{}, "")
	w = serve(srv, "GET", "/api/logs", "")
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestAuth_Required(t *testing.T) {
	srv := newTestServer(Deps{Tickets: &mockTickets{}}, "secret-key")
	target := "/api/tickets?email=ana@example.com"

	// No auth header
	if w := serve(srv, "GET", target, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", w.Code)
	}

	// Wrong key
	req := httptest.NewRequest("GET", target, nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}

	// Correct key
	req = httptest.NewRequest("GET", target, nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", w.Code)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	srv := newTestServer(Deps{}, "secret-key")
	// Health should NOT require auth
	if w := serve(srv, "GET", "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should not require auth, status = %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(Deps{Tickets: &mockTickets{}}, "")
	w := serve(srv, "OPTIONS", "/api/tickets", "")

	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}
}

func TestTabs(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>tab</html>"), 0o644)
	os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{TabsDir: dir}, Deps{}, logger)

	w := serve(srv, "GET", "/tabs/app.js", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "console.log") {
		t.Errorf("app.js: %d %q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("content type = %q", ct)
	}

	// Client-side routes fall back to the app shell.
	w = serve(srv, "GET", "/tabs/comment", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "tab") {
		t.Errorf("fallback: %d %q", w.Code, w.Body)
	}

	// No escaping the tab directory.
	w = serve(srv, "GET", "/tabs/../../etc/passwd", "")
	if strings.Contains(w.Body.String(), "root:") {
		t.Error("path traversal served a file outside the tab directory")
	}
}
