// Package relay turns helpdesk webhook events into chat notifications for
// the agents and the customer of the ticket.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h1v3-io/orbit/internal/card"
	"github.com/h1v3-io/orbit/internal/directory"
	"github.com/h1v3-io/orbit/internal/helpdesk"
	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

// SignatureHeader carries "sha1=<hex>" of the raw body.
const SignatureHeader = "X-Hub-Signature"

// Directory resolves user emails to stored conversation references.
type Directory interface {
	Lookup(ctx context.Context, email string) (directory.Reference, error)
}

// Notifier pushes a card into a stored conversation.
type Notifier interface {
	Notify(ctx context.Context, ref directory.Reference, c card.Card) error
}

// Router dispatches to a Notifier by reference channel.
type Router map[string]Notifier

// Notify implements Notifier.
func (r Router) Notify(ctx context.Context, ref directory.Reference, c card.Card) error {
	n, ok := r[ref.Channel]
	if !ok {
		return fmt.Errorf("relay: no transport for channel %q", ref.Channel)
	}
	return n.Notify(ctx, ref, c)
}

type person struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
}

type event struct {
	Ticket *struct {
		ID       int64   `json:"id"`
		Number   string  `json:"number"`
		Title    string  `json:"title"`
		State    string  `json:"state"`
		Customer *person `json:"customer"`
		Owner    *person `json:"owner"`
		Group    *struct {
			Users []string `json:"users"`
		} `json:"group"`
	} `json:"ticket"`
	Article *struct {
		Body        string `json:"body"`
		Type        string `json:"type"`
		Attachments []struct {
			Filename   string `json:"filename"`
			URL        string `json:"url"`
			ContentURL string `json:"content_url"`
		} `json:"attachments"`
	} `json:"article"`
}

// Handler serves the helpdesk webhook.
type Handler struct {
	secret    string
	directory Directory
	notifier  Notifier
	locales   *locale.Table
	cards     *card.Builder
	logger    *slog.Logger
}

// New creates a webhook handler. An empty secret rejects every request.
func New(secret string, dir Directory, n Notifier, locales *locale.Table, cards *card.Builder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:    secret,
		directory: dir,
		notifier:  n,
		locales:   locales,
		cards:     cards,
		logger:    logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !verifyHMAC(body, h.secret, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("invalid webhook signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	n := h.dispatch(r.Context(), ev)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "notified": n})
}

// dispatch notifies every recipient of the event and returns how many
// notifications were delivered.
func (h *Handler) dispatch(ctx context.Context, ev event) int {
	if ev.Ticket == nil || ev.Article == nil || ev.Ticket.Customer == nil || ev.Ticket.Customer.Email == "" {
		h.logger.Warn("incomplete webhook payload")
		return 0
	}
	t := ev.Ticket
	state := strings.ToLower(t.State)
	channel := strings.ToLower(ev.Article.Type)
	log := h.logger.With("ticket", t.ID, "state", state, "channel", channel)

	ticket := protocol.Ticket{ID: t.ID, Number: t.Number, Title: t.Title, State: state}
	if t.Owner != nil && (t.Owner.Firstname != "" || t.Owner.Lastname != "") {
		ticket.Owner = &protocol.Person{Firstname: t.Owner.Firstname, Lastname: t.Owner.Lastname, Email: t.Owner.Email}
	}
	content := helpdesk.StripHTML(ev.Article.Body)
	var attachments []protocol.ArticleAttachment
	for _, a := range ev.Article.Attachments {
		u := a.URL
		if u == "" {
			u = a.ContentURL
		}
		attachments = append(attachments, protocol.ArticleAttachment{Filename: a.Filename, URL: u})
	}

	ownerEmail := ""
	if t.Owner != nil {
		ownerEmail = t.Owner.Email
	}
	agents := Agents(ownerEmail, groupUsers(ev))
	customer := t.Customer.Email
	notifyCustomer := NotifyCustomer(channel, state, customer, agents)
	log.Info("webhook received", "agents", len(agents), "notify_customer", notifyCustomer)

	sent := 0
	for _, email := range agents {
		if h.notify(ctx, log, email, state, true, ticket, content, attachments) {
			sent++
		}
	}
	if notifyCustomer && h.notify(ctx, log, customer, state, false, ticket, content, attachments) {
		sent++
	}
	return sent
}

func groupUsers(ev event) []string {
	if ev.Ticket.Group == nil {
		return nil
	}
	return ev.Ticket.Group.Users
}

// Agents returns the owner's email when the ticket is assigned, else the
// group's users.
func Agents(ownerEmail string, group []string) []string {
	if e := strings.TrimSpace(ownerEmail); e != "" {
		return []string{e}
	}
	var out []string
	for _, e := range group {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// NotifyCustomer decides whether the customer hears about the event: for
// email and web tickets unless the customer is one of the agents, for
// tickets from chat on anything but creation.
func NotifyCustomer(channel, state, customer string, agents []string) bool {
	if channel == "email" || channel == "web" {
		for _, a := range agents {
			if strings.EqualFold(a, customer) {
				return false
			}
		}
		return customer != ""
	}
	return state != protocol.TicketNew
}

func (h *Handler) notify(ctx context.Context, log *slog.Logger, email, state string, agent bool, t protocol.Ticket, content string, attachments []protocol.ArticleAttachment) bool {
	ref, err := h.directory.Lookup(ctx, email)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			log.Info("recipient has no conversation, skipped", "email", email)
		} else {
			log.Error("directory lookup failed", "email", email, "error", err)
		}
		return false
	}
	l := h.locales.Lookup(ref.Locale)
	c := h.cards.Notification(l, header(l.Strings, state, agent), t, content, attachments)
	if err := h.notifier.Notify(ctx, ref, c); err != nil {
		log.Warn("notification failed", "email", email, "error", err)
		return false
	}
	log.Debug("notified", "email", email, "agent", agent)
	return true
}

func header(s locale.Strings, state string, agent bool) string {
	switch {
	case state == protocol.TicketNew && agent:
		return s.NotifyNewAgent
	case state == protocol.TicketClosed && agent:
		return s.NotifyClosedAgent
	case agent:
		return s.NotifyUpdatedAgent
	case state == protocol.TicketNew:
		return s.NotifyNewCustomer
	case state == protocol.TicketClosed:
		return s.NotifyClosedCustomer
	default:
		return s.NotifyUpdatedCustomer
	}
}

// verifyHMAC checks a "sha1=<hex>" signature.
func verifyHMAC(body []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha1="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ComputeSignature returns the signature header value for body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}
