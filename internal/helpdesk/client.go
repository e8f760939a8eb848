// Package helpdesk is the Zammad REST client. Every call acts on behalf of
// the requester through the From header; nothing is cached.
package helpdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

// ErrNotFound is returned when the ticket or user does not exist.
var ErrNotFound = errors.New("helpdesk: not found")

// Requester identifies the user a call is made for.
type Requester struct {
	Name  string
	Email string
}

// NewTicket is the input of CreateTicket.
type NewTicket struct {
	Title       string
	Description string // markdown
}

// ListOptions filters ListTickets.
type ListOptions struct {
	OpenOnly bool
}

// Client talks to the Zammad API.
type Client struct {
	http          *http.Client
	baseURL       string
	token         string
	groupID       int
	closedStateID int
	locales       *locale.Table
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithGroupID sets the group new tickets are created in.
func WithGroupID(id int) Option {
	return func(cl *Client) { cl.groupID = id }
}

// WithClosedStateID sets the state id CloseTicket applies.
func WithClosedStateID(id int) Option {
	return func(cl *Client) { cl.closedStateID = id }
}

// WithLocales sets the table the closing note is taken from.
func WithLocales(t *locale.Table) Option {
	return func(cl *Client) { cl.locales = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for the API rooted at baseURL (e.g. https://hd/api/v1).
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		http:          &http.Client{Timeout: 30 * time.Second},
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		groupID:       1,
		closedStateID: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// CreateTicket opens a ticket with the requester as customer.
func (c *Client) CreateTicket(ctx context.Context, t NewTicket, r Requester) (protocol.Ticket, error) {
	first, last := splitName(r.Name)
	body, err := renderMarkdown(t.Description)
	if err != nil {
		return protocol.Ticket{}, fmt.Errorf("helpdesk: create: %w", err)
	}
	payload := map[string]any{
		"title":    t.Title,
		"group_id": c.groupID,
		"customer": map[string]any{
			"firstname": first,
			"lastname":  last,
			"login":     r.Email,
			"email":     r.Email,
		},
		"article": map[string]any{
			"subject":      t.Title,
			"body":         body,
			"content_type": "text/html",
			"type":         "web",
		},
	}

	var out wireTicket
	if err := c.do(ctx, http.MethodPost, "/tickets", r.Email, payload, &out); err != nil {
		return protocol.Ticket{}, fmt.Errorf("helpdesk: create: %w", err)
	}
	c.logger.Info("ticket created", "id", out.ID, "requester", r.Email)
	return out.toProtocol(), nil
}

// ListTickets returns the requester's tickets sorted by descending number.
// An unknown requester has no tickets.
func (c *Client) ListTickets(ctx context.Context, r Requester, opts ListOptions) ([]protocol.Ticket, error) {
	customerID, err := c.lookupUserID(ctx, r.Email)
	if errors.Is(err, ErrNotFound) {
		c.logger.Warn("no helpdesk user for requester", "email", r.Email)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("helpdesk: list: %w", err)
	}

	query := fmt.Sprintf("customer_id:%d", customerID)
	if opts.OpenOnly {
		query += " AND (state.name:new OR state.name:open)"
	}

	var all []wireTicket
	for page := 1; ; page++ {
		path := "/tickets/search?" + url.Values{
			"query":  {query},
			"expand": {"true"},
			"page":   {strconv.Itoa(page)},
		}.Encode()
		var batch []wireTicket
		if err := c.do(ctx, http.MethodGet, path, r.Email, nil, &batch); err != nil {
			return nil, fmt.Errorf("helpdesk: list page %d: %w", page, err)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}

	owners := c.owners(ctx, all, r.Email)
	out := make([]protocol.Ticket, len(all))
	for i, w := range all {
		out[i] = w.toProtocol()
		if p, ok := owners[w.OwnerID]; ok {
			out[i].Owner = &p
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return ticketNumber(out[i]) > ticketNumber(out[j]) })
	return out, nil
}

// GetTicket returns one ticket with its owner and first article.
func (c *Client) GetTicket(ctx context.Context, id int64, r Requester) (protocol.Ticket, error) {
	var w wireTicket
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tickets/%d?expand=true", id), r.Email, nil, &w); err != nil {
		return protocol.Ticket{}, fmt.Errorf("helpdesk: get %d: %w", id, err)
	}
	t := w.toProtocol()
	if p, ok := c.owners(ctx, []wireTicket{w}, r.Email)[w.OwnerID]; ok {
		t.Owner = &p
	}

	var articles []wireArticle
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/ticket_articles/by_ticket/%d", id), r.Email, nil, &articles); err != nil {
		c.logger.Warn("ticket articles unavailable", "id", id, "error", err)
		return t, nil
	}
	if len(articles) > 0 {
		a := articles[0].toProtocol(c.baseURL, id)
		t.Article = &a
	}
	return t, nil
}

// AddComment appends a note to the ticket. tokens come from UploadAttachment.
func (c *Client) AddComment(ctx context.Context, id int64, text string, r Requester, tokens []string) error {
	body, err := renderMarkdown(text)
	if err != nil {
		return fmt.Errorf("helpdesk: comment %d: %w", id, err)
	}
	if tokens == nil {
		tokens = []string{}
	}
	payload := map[string]any{
		"article": map[string]any{
			"body":         body,
			"content_type": "text/html",
			"type":         "note",
			"internal":     false,
			"attachments":  tokens,
		},
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tickets/%d/articles", id), r.Email, payload, nil); err != nil {
		return fmt.Errorf("helpdesk: comment %d: %w", id, err)
	}
	return nil
}

// CloseTicket moves the ticket to the closed state with a localized note.
func (c *Client) CloseTicket(ctx context.Context, id int64, r Requester, lang string) error {
	payload := map[string]any{"state_id": c.closedStateID}
	if c.locales != nil {
		payload["article"] = map[string]any{
			"body":     c.locales.Lookup(lang).Strings.ClosingNote,
			"type":     "note",
			"internal": false,
		}
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/tickets/%d", id), r.Email, payload, nil); err != nil {
		return fmt.Errorf("helpdesk: close %d: %w", id, err)
	}
	c.logger.Info("ticket closed", "id", id, "requester", r.Email)
	return nil
}

// UploadAttachment stores a file and returns the token to attach it with.
func (c *Client) UploadAttachment(ctx context.Context, data []byte, filename string, r Requester) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("helpdesk: upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("helpdesk: upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("helpdesk: upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", r.Email, &buf)
	if err != nil {
		return "", fmt.Errorf("helpdesk: upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Token string `json:"token"`
	}
	if err := c.send(req, &out); err != nil {
		return "", fmt.Errorf("helpdesk: upload %s: %w", filename, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("helpdesk: upload %s: empty token", filename)
	}
	return out.Token, nil
}

func (c *Client) lookupUserID(ctx context.Context, email string) (int64, error) {
	var users []wireUser
	path := "/users/search?query=" + url.QueryEscape("email:"+email)
	if err := c.do(ctx, http.MethodGet, path, email, nil, &users); err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, ErrNotFound
	}
	return users[0].ID, nil
}

// owners resolves owner names. Id 1 is the system placeholder user and
// means unassigned; lookup failures leave the ticket unassigned.
func (c *Client) owners(ctx context.Context, tickets []wireTicket, email string) map[int64]protocol.Person {
	out := make(map[int64]protocol.Person)
	for _, t := range tickets {
		if t.OwnerID <= 1 {
			continue
		}
		if _, seen := out[t.OwnerID]; seen {
			continue
		}
		var u wireUser
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d", t.OwnerID), email, nil, &u); err != nil {
			c.logger.Warn("owner lookup failed", "owner_id", t.OwnerID, "error", err)
			continue
		}
		if u.Firstname != "" {
			out[t.OwnerID] = protocol.Person{Firstname: u.Firstname, Lastname: u.Lastname, Email: u.Email}
		}
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, method, path, from string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token token="+c.token)
	if from != "" {
		req.Header.Set("From", from)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path, from string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, from, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func ticketNumber(t protocol.Ticket) int64 {
	n, err := strconv.ParseInt(t.Number, 10, 64)
	if err != nil {
		return t.ID
	}
	return n
}
