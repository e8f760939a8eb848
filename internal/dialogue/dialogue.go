// Package dialogue runs the per-conversation helpdesk state machine: intent
// routing, the multi-turn ticket draft, the comment flow and card actions.
package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/h1v3-io/orbit/internal/card"
	"github.com/h1v3-io/orbit/internal/classifier"
	"github.com/h1v3-io/orbit/internal/draft"
	"github.com/h1v3-io/orbit/internal/generation"
	"github.com/h1v3-io/orbit/internal/helpdesk"
	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

// Profile is the sender as reported by the transport.
type Profile struct {
	ID    string
	Name  string
	Email string
	UPN   string
}

// Attachment is a file sent with a turn.
type Attachment struct {
	Name        string
	ContentType string
	URL         string
}

// Turn is one inbound message or card submission.
type Turn struct {
	ConversationKey string
	ActivityID      string
	ReplyToID       string // activity id of the card a submission came from
	Text            string
	TextFormat      string
	HTML            string // rich-text body markup, when the transport has one
	Locale          string
	From            Profile
	Value           json.RawMessage // card action payload
	Attachments     []Attachment
}

// Message is an outbound text or card.
type Message struct {
	Text string
	Card *card.Card
}

// TextMessage wraps plain text.
func TextMessage(s string) Message { return Message{Text: s} }

// CardMessage wraps a card.
func CardMessage(c card.Card) Message { return Message{Card: &c} }

// Responder delivers replies into the conversation a turn came from.
type Responder interface {
	Typing(ctx context.Context) error
	Send(ctx context.Context, m Message) (id string, err error)
	Update(ctx context.Context, id string, m Message) error
}

// Downloader fetches attachment bytes with the transport's credentials.
// Responders that can download implement it as well.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Generator is the text generation gateway.
type Generator interface {
	Complete(ctx context.Context, msgs []protocol.ChatMessage, lang string, opts generation.Options) (string, error)
	Stream(ctx context.Context, msgs []protocol.ChatMessage, lang string, onFragment protocol.FragmentFunc, opts generation.Options) error
}

// Classifier maps text onto an intent.
type Classifier interface {
	Classify(ctx context.Context, text, lang string) (classifier.Result, error)
}

// Tickets is the helpdesk gateway.
type Tickets interface {
	CreateTicket(ctx context.Context, t helpdesk.NewTicket, r helpdesk.Requester) (protocol.Ticket, error)
	ListTickets(ctx context.Context, r helpdesk.Requester, opts helpdesk.ListOptions) ([]protocol.Ticket, error)
	GetTicket(ctx context.Context, id int64, r helpdesk.Requester) (protocol.Ticket, error)
	AddComment(ctx context.Context, id int64, text string, r helpdesk.Requester, tokens []string) error
	CloseTicket(ctx context.Context, id int64, r helpdesk.Requester, lang string) error
	UploadAttachment(ctx context.Context, data []byte, filename string, r helpdesk.Requester) (string, error)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Drafts     draft.Store
	Generator  Generator
	Classifier Classifier
	Tickets    Tickets
	Locales    *locale.Table
	Cards      *card.Builder
}

// Controller handles turns. It is safe for concurrent use; turns of the same
// conversation are serialized.
type Controller struct {
	Deps
	locks           *draft.Locker
	confirmed       *lru.Cache[string, struct{}]
	externalDomains []string
	fallbackDomain  string
	retrievalTopK   int
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithExternalDomains sets the file-sharing hosts whose links are referenced
// in comments instead of uploaded.
func WithExternalDomains(domains []string) Option {
	return func(c *Controller) {
		c.externalDomains = nil
		for _, d := range domains {
			if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
				c.externalDomains = append(c.externalDomains, d)
			}
		}
	}
}

// WithFallbackDomain sets the mail domain used to derive requester emails.
func WithFallbackDomain(domain string) Option {
	return func(c *Controller) { c.fallbackDomain = domain }
}

// WithRetrievalTopK sets how many passages are requested per retrieval.
func WithRetrievalTopK(k int) Option {
	return func(c *Controller) { c.retrievalTopK = k }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a Controller.
func New(d Deps, opts ...Option) (*Controller, error) {
	confirmed, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, fmt.Errorf("dialogue: confirm cache: %w", err)
	}
	c := &Controller{
		Deps:          d,
		locks:         draft.NewLocker(),
		confirmed:     confirmed,
		retrievalTopK: 5,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// HandleTurn processes one turn end to end. It returns an error only when
// the draft store fails; every other failure is reported to the user.
func (c *Controller) HandleTurn(ctx context.Context, t Turn, out Responder) error {
	unlock := c.locks.Lock(t.ConversationKey)
	defer unlock()

	d, err := c.Drafts.Get(ctx, t.ConversationKey)
	if err != nil {
		return fmt.Errorf("dialogue: load draft: %w", err)
	}

	s := &session{
		c:     c,
		turn:  t,
		out:   out,
		draft: d,
		lang:  c.baseLanguage(d, t),
		req:   ResolveRequesterIdentity(t.From, c.fallbackDomain),
		log:   c.logger.With("conversation", t.ConversationKey, "activity", t.ActivityID),
	}

	payload, err := card.Decode(t.Value)
	if err != nil {
		s.log.Warn("undecodable card action", "error", err)
		s.say(ctx, s.texts().ParseError)
		return nil
	}

	switch {
	case payload != nil:
		return s.handleAction(ctx, payload)
	case d.State == draft.AwaitingDetails:
		return s.draftStep(ctx)
	case d.State == draft.Editing:
		return s.commentStep(ctx)
	default:
		return s.classifyStep(ctx)
	}
}

func (c *Controller) baseLanguage(d draft.Draft, t Turn) string {
	if d.Language != "" {
		return c.Locales.Normalize(d.Language)
	}
	return c.Locales.Normalize(t.Locale)
}

// session is the state of one turn.
type session struct {
	c     *Controller
	turn  Turn
	out   Responder
	draft draft.Draft
	lang  string
	req   helpdesk.Requester
	log   *slog.Logger
}

func (s *session) language() *locale.Language { return s.c.Locales.Lookup(s.lang) }

func (s *session) texts() locale.Strings { return s.language().Strings }

// override adopts a language reported by a payload or model reply.
func (s *session) override(lang string) {
	if strings.TrimSpace(lang) != "" {
		s.lang = s.c.Locales.Normalize(lang)
	}
}

func (s *session) persist(ctx context.Context) error {
	s.draft.UpdatedAt = s.c.now().UTC()
	if err := s.c.Drafts.Set(ctx, s.turn.ConversationKey, s.draft); err != nil {
		return fmt.Errorf("dialogue: store draft: %w", err)
	}
	return nil
}

func (s *session) send(ctx context.Context, m Message) {
	if _, err := s.out.Send(ctx, m); err != nil {
		s.log.Error("send failed", "error", err)
	}
}

func (s *session) say(ctx context.Context, text string) {
	s.send(ctx, TextMessage(text))
}

// replace updates the card the turn was submitted from, or sends a new
// message when there is none or the update fails.
func (s *session) replace(ctx context.Context, m Message) {
	if s.turn.ReplyToID != "" {
		err := s.out.Update(ctx, s.turn.ReplyToID, m)
		if err == nil {
			return
		}
		s.log.Warn("in-place update failed, sending new message", "error", err)
	}
	s.send(ctx, m)
}

func (s *session) typing(ctx context.Context) {
	if err := s.out.Typing(ctx); err != nil {
		s.log.Debug("typing indicator failed", "error", err)
	}
}

func (s *session) retrievalOpts(mode generation.Mode, query string) generation.Options {
	return generation.Options{
		Mode:      mode,
		Retrieval: true,
		TopK:      s.c.retrievalTopK,
		Query:     query,
	}
}

// streamReply streams an open-ended answer and sends it as one message.
func (s *session) streamReply(ctx context.Context, text string) {
	s.typing(ctx)
	var sb strings.Builder
	err := s.c.Generator.Stream(ctx,
		[]protocol.ChatMessage{{Role: protocol.RoleUser, Content: text}},
		s.lang, func(f string) { sb.WriteString(f) },
		s.retrievalOpts(generation.ModeChat, text))
	if err != nil || strings.TrimSpace(sb.String()) == "" {
		s.log.Error("streamed reply failed", "error", err)
		s.say(ctx, s.texts().GenericError)
		return
	}
	s.say(ctx, sb.String())
}
