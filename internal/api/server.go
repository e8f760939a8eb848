package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/h1v3-io/orbit/internal/helpdesk"
	"github.com/h1v3-io/orbit/internal/logbuf"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

const maxBody = 1 << 20

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// Tickets is the part of the helpdesk gateway the tab API uses.
type Tickets interface {
	ListTickets(ctx context.Context, r helpdesk.Requester, opts helpdesk.ListOptions) ([]protocol.Ticket, error)
	AddComment(ctx context.Context, id int64, text string, r helpdesk.Requester, tokens []string) error
	CloseTicket(ctx context.Context, id int64, r helpdesk.Requester, lang string) error
	UploadAttachment(ctx context.Context, data []byte, filename string, r helpdesk.Requester) (string, error)
}

// Downloader fetches attachment bytes picked in the tab.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Config holds API server configuration.
type Config struct {
	Host    string
	Port    int
	Key     string // API key for Bearer auth
	TabsDir string // static tab files served under /tabs/, optional
}

// Deps are the handlers and services the server routes to. Nil members
// leave their routes unmounted.
type Deps struct {
	Messages http.Handler // Bot Framework activities
	Webhook  http.Handler // helpdesk notification relay
	Tickets  Tickets
	Files    Downloader
	Logs     LogQuerier
}

// Server is the OrbIT HTTP server.
type Server struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/health", s.handleHealth)
	if deps.Messages != nil {
		r.Method(http.MethodPost, "/api/messages", deps.Messages)
	}
	if deps.Webhook != nil {
		r.Method(http.MethodPost, "/api/webhook/helpdesk", deps.Webhook)
	}
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/logs", s.handleGetLogs)
		if deps.Tickets != nil {
			r.Get("/api/tickets", s.handleListTickets)
			r.Post("/api/tickets/{id}/comment", s.handleComment)
			r.Post("/api/tickets/{id}/close", s.handleClose)
		}
	})
	if cfg.TabsDir != "" {
		r.Get("/tabs", http.RedirectHandler("/tabs/", http.StatusMovedPermanently).ServeHTTP)
		r.Get("/tabs/*", s.handleTabs)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email is required"})
		return
	}
	// Open tickets only unless explicitly turned off.
	opts := helpdesk.ListOptions{OpenOnly: r.URL.Query().Get("openOnly") != "false"}

	tickets, err := s.deps.Tickets.ListTickets(r.Context(), helpdesk.Requester{Email: email}, opts)
	if err != nil {
		s.logger.Error("list tickets failed", "email", email, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "error fetching tickets"})
		return
	}
	if tickets == nil {
		tickets = []protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

type tabAttachment struct {
	ContentURL string `json:"contentUrl"`
	Name       string `json:"name"`
}

type commentRequest struct {
	Email       string          `json:"email"`
	Comment     string          `json:"comment"`
	Attachments []tabAttachment `json:"attachments"`
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	var req commentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email is required"})
		return
	}
	requester := helpdesk.Requester{Email: req.Email}

	// Attachments that fail to download or upload are skipped.
	var tokens []string
	for _, a := range req.Attachments {
		tok, err := s.upload(r.Context(), a, requester)
		if err != nil {
			s.logger.Warn("tab attachment skipped", "ticket", id, "file", a.Name, "error", err)
			continue
		}
		tokens = append(tokens, tok)
	}

	if err := s.deps.Tickets.AddComment(r.Context(), id, req.Comment, requester, tokens); err != nil {
		s.logger.Error("tab comment failed", "ticket", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to add comment"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "attachments": len(tokens)})
}

func (s *Server) upload(ctx context.Context, a tabAttachment, r helpdesk.Requester) (string, error) {
	if s.deps.Files == nil {
		return "", errors.New("no downloader configured")
	}
	if a.ContentURL == "" {
		return "", errors.New("missing contentUrl")
	}
	data, err := s.deps.Files.Download(ctx, a.ContentURL)
	if err != nil {
		return "", err
	}
	name := a.Name
	if name == "" {
		name = path.Base(a.ContentURL)
	}
	return s.deps.Tickets.UploadAttachment(ctx, data, name, r)
}

type closeRequest struct {
	Email string `json:"email"`
	Lang  string `json:"lang,omitempty"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(w, r)
	if !ok {
		return
	}
	var req closeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email is required"})
		return
	}
	err := s.deps.Tickets.CloseTicket(r.Context(), id, helpdesk.Requester{Email: req.Email}, req.Lang)
	switch {
	case errors.Is(err, helpdesk.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
	case err != nil:
		s.logger.Error("tab close failed", "ticket", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to close ticket"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	}
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	f := logbuf.Filter{
		MinLevel:  slog.LevelDebug,
		Limit:     200,
		Component: r.URL.Query().Get("component"),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if s := r.URL.Query().Get("since"); s != "" {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.deps.Logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleTabs serves the static tab. Unknown paths fall back to index.html
// so client-side routes load the app.
func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + chi.URLParam(r, "*"))
	file := filepath.Join(s.cfg.TabsDir, filepath.FromSlash(name))
	if fi, err := os.Stat(file); err != nil || fi.IsDir() {
		file = filepath.Join(s.cfg.TabsDir, "index.html")
	}
	http.ServeFile(w, r, file)
}

// --- Helpers ---

func ticketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ticket id"})
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
