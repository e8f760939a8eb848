// Package teams connects the assistant to Microsoft Teams through the Bot
// Framework REST API.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/h1v3-io/orbit/internal/card"
	"github.com/h1v3-io/orbit/internal/connector"
	"github.com/h1v3-io/orbit/internal/dialogue"
	"github.com/h1v3-io/orbit/internal/directory"
)

// Channel is the name stored in conversation references.
const Channel = "teams"

const maxDownload = 20 << 20

// Config holds Teams connector configuration.
type Config struct {
	AppID       string `json:"app_id"`
	AppPassword string `json:"app_password"`
	TenantID    string `json:"tenant_id,omitempty"`
	// SkipAuth disables inbound token verification (local emulator only).
	SkipAuth bool `json:"skip_auth,omitempty"`
}

// Connector receives activities on POST /api/messages and replies through
// the connector service of each activity.
type Connector struct {
	cfg       Config
	http      *http.Client
	tokens    *tokenSource
	verifier  *verifier
	handler   connector.TurnHandler
	directory connector.Directory
	members   *lru.Cache[string, Member]
	logger    *slog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithHTTPClient sets the client used for every outbound call.
func WithHTTPClient(c *http.Client) Option {
	return func(tc *Connector) { tc.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(tc *Connector) { tc.logger = l }
}

// WithTokenURL overrides the OAuth token endpoint.
func WithTokenURL(u string) Option {
	return func(tc *Connector) { tc.tokens.tokenURL = u }
}

// WithOpenIDURL overrides the OpenID metadata document used to find the
// signing keys of inbound tokens.
func WithOpenIDURL(u string) Option {
	return func(tc *Connector) { tc.verifier.openIDURL = u }
}

// New creates a Teams connector.
func New(cfg Config, h connector.TurnHandler, dir connector.Directory, opts ...Option) (*Connector, error) {
	if cfg.AppID == "" {
		return nil, errors.New("teams: app_id is required")
	}
	if cfg.AppPassword == "" {
		return nil, errors.New("teams: app_password is required")
	}
	members, err := lru.New[string, Member](1024)
	if err != nil {
		return nil, fmt.Errorf("teams: member cache: %w", err)
	}
	client := &http.Client{Timeout: 60 * time.Second}
	c := &Connector{
		cfg:       cfg,
		http:      client,
		tokens:    newTokenSource(client, cfg.TenantID, cfg.AppID, cfg.AppPassword),
		verifier:  newVerifier(client, "", cfg.AppID),
		handler:   h,
		directory: dir,
		members:   members,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens.client, c.verifier.client = c.http, c.http
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func (c *Connector) Name() string { return Channel }

// Start implements connector.Connector. Activities arrive over HTTP.
func (c *Connector) Start(context.Context) error { return nil }

// Close stops the signing key refresh.
func (c *Connector) Close() error {
	c.verifier.Close()
	return nil
}

// ServeHTTP handles POST /api/messages.
func (c *Connector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var act Activity
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&act); err != nil {
		http.Error(w, "invalid activity", http.StatusBadRequest)
		return
	}
	// The token is bound to the activity's serviceUrl, so it is checked
	// after decoding and before anything acts on the activity.
	if !c.cfg.SkipAuth {
		if err := c.verifier.Verify(r.Context(), r.Header.Get("Authorization"), act.ServiceURL); err != nil {
			c.logger.Warn("rejected activity", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	switch act.Type {
	case TypeMessage:
		if err := c.handleMessage(r.Context(), act); err != nil {
			c.logger.Error("turn failed", "conversation", act.Conversation.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	case TypeConversationUpdate:
		if _, err := c.remember(r.Context(), act); err != nil {
			c.logger.Warn("could not store conversation reference", "error", err)
		}
	default:
		c.logger.Debug("ignored activity", "type", act.Type)
	}
	w.WriteHeader(http.StatusOK)
}

func (c *Connector) handleMessage(ctx context.Context, act Activity) error {
	m, err := c.remember(ctx, act)
	if err != nil {
		c.logger.Warn("member lookup failed", "user", act.From.ID, "error", err)
		m = Member{ID: act.From.ID, Name: act.From.Name}
	}
	turn := toTurn(act, m)
	return c.handler.HandleTurn(ctx, turn, c.conversation(act))
}

// remember resolves the sender and stores the conversation reference under
// their email.
func (c *Connector) remember(ctx context.Context, act Activity) (Member, error) {
	if act.From.ID == "" || act.ServiceURL == "" {
		return Member{}, errors.New("teams: activity without sender")
	}
	m, err := c.member(ctx, act.ServiceURL, act.Conversation.ID, act.From.ID)
	if err != nil {
		return Member{}, err
	}
	email := m.Email
	if email == "" && strings.Contains(m.UserPrincipalName, "@") {
		email = m.UserPrincipalName
	}
	if email != "" && c.directory != nil {
		ref := directory.Reference{
			Channel:        Channel,
			ServiceURL:     act.ServiceURL,
			ConversationID: act.Conversation.ID,
			BotID:          act.Recipient.ID,
			UserID:         act.From.ID,
			Locale:         act.Locale,
		}
		if err := c.directory.Save(ctx, email, ref); err != nil {
			c.logger.Warn("directory save failed", "error", err)
		}
	}
	return m, nil
}

func (c *Connector) member(ctx context.Context, serviceURL, convID, userID string) (Member, error) {
	if m, ok := c.members.Get(userID); ok {
		return m, nil
	}
	var m Member
	u := endpoint(serviceURL, "v3/conversations", convID, "members", userID)
	if err := c.do(ctx, http.MethodGet, u, nil, &m); err != nil {
		return Member{}, err
	}
	c.members.Add(userID, m)
	return m, nil
}

func toTurn(act Activity, m Member) dialogue.Turn {
	t := dialogue.Turn{
		ConversationKey: Channel + ":" + act.Conversation.ID,
		ActivityID:      act.ID,
		ReplyToID:       act.ReplyToID,
		Text:            stripMentions(act.Text),
		TextFormat:      act.TextFormat,
		Locale:          act.Locale,
		Value:           act.Value,
		From: dialogue.Profile{
			ID:    act.From.ID,
			Name:  firstNonEmpty(m.Name, act.From.Name),
			Email: m.Email,
			UPN:   m.UserPrincipalName,
		},
	}
	for _, a := range act.Attachments {
		switch {
		case strings.HasPrefix(a.ContentType, contentTypeHTML):
			var body string
			if json.Unmarshal(a.Content, &body) == nil {
				t.HTML = body
			}
		case a.ContentType == contentTypeFileDownload:
			var info fileDownloadInfo
			if json.Unmarshal(a.Content, &info) == nil && info.DownloadURL != "" {
				t.Attachments = append(t.Attachments, dialogue.Attachment{Name: a.Name, ContentType: info.FileType, URL: info.DownloadURL})
			}
		case a.ContentURL != "":
			t.Attachments = append(t.Attachments, dialogue.Attachment{Name: firstNonEmpty(a.Name, "attachment"), ContentType: a.ContentType, URL: a.ContentURL})
		}
	}
	return t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Notify sends a card into a stored conversation.
func (c *Connector) Notify(ctx context.Context, ref directory.Reference, cd card.Card) error {
	conv := &conversation{
		c:          c,
		serviceURL: ref.ServiceURL,
		convID:     ref.ConversationID,
		bot:        ChannelAccount{ID: ref.BotID},
		user:       ChannelAccount{ID: ref.UserID},
	}
	_, err := conv.Send(ctx, dialogue.CardMessage(cd))
	return err
}

// Download fetches a file outside any conversation, as the tab API does
// for attachments picked in the Teams client.
func (c *Connector) Download(ctx context.Context, rawURL string) ([]byte, error) {
	return (&conversation{c: c}).Download(ctx, rawURL)
}

func (c *Connector) conversation(act Activity) *conversation {
	return &conversation{
		c:          c,
		serviceURL: act.ServiceURL,
		convID:     act.Conversation.ID,
		bot:        act.Recipient,
		user:       act.From,
		replyTo:    act.ID,
	}
}

// conversation is the Responder for one Teams conversation.
type conversation struct {
	c          *Connector
	serviceURL string
	convID     string
	bot        ChannelAccount
	user       ChannelAccount
	replyTo    string
}

func (cv *conversation) activity(typ string) Activity {
	return Activity{
		Type:         typ,
		From:         cv.bot,
		Recipient:    cv.user,
		Conversation: ConversationAccount{ID: cv.convID},
		ReplyToID:    cv.replyTo,
	}
}

func (cv *conversation) message(m dialogue.Message) (Activity, error) {
	act := cv.activity(TypeMessage)
	if m.Card != nil {
		att, err := renderCard(*m.Card)
		if err != nil {
			return Activity{}, err
		}
		act.Attachments = []Attachment{att}
		return act, nil
	}
	act.Text, act.TextFormat = m.Text, "markdown"
	return act, nil
}

func (cv *conversation) Typing(ctx context.Context) error {
	return cv.c.do(ctx, http.MethodPost, endpoint(cv.serviceURL, "v3/conversations", cv.convID, "activities"), cv.activity(TypeTyping), nil)
}

func (cv *conversation) Send(ctx context.Context, m dialogue.Message) (string, error) {
	act, err := cv.message(m)
	if err != nil {
		return "", err
	}
	var res resourceResponse
	if err := cv.c.do(ctx, http.MethodPost, endpoint(cv.serviceURL, "v3/conversations", cv.convID, "activities"), act, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

func (cv *conversation) Update(ctx context.Context, id string, m dialogue.Message) error {
	act, err := cv.message(m)
	if err != nil {
		return err
	}
	act.ID = id
	return cv.c.do(ctx, http.MethodPut, endpoint(cv.serviceURL, "v3/conversations", cv.convID, "activities", id), act, nil)
}

// Download fetches an attachment. The bot token is only sent to Bot
// Framework hosts; file download links are pre-authorized.
func (cv *conversation) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("teams: download: %w", err)
	}
	if cv.trusted(req.URL) {
		tok, err := cv.c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := cv.c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("teams: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("teams: download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("teams: download: %w", err)
	}
	if len(data) > maxDownload {
		return nil, fmt.Errorf("teams: download: larger than %d bytes", maxDownload)
	}
	return data, nil
}

func (cv *conversation) trusted(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if su, err := url.Parse(cv.serviceURL); err == nil && strings.EqualFold(su.Hostname(), host) {
		return true
	}
	return strings.HasSuffix(host, ".botframework.com") || strings.HasSuffix(host, ".trafficmanager.net")
}

func endpoint(serviceURL string, segments ...string) string {
	parts := []string{strings.TrimRight(serviceURL, "/")}
	for i, s := range segments {
		if i == 0 {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/")
}

func (c *Connector) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("teams: encode: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("teams: %s %s: %w", method, u, err)
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("teams: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("teams: %s %s: HTTP %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("teams: decode %s: %w", u, err)
	}
	return nil
}
