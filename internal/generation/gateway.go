// Package generation wraps an LLM provider with per-language instructions
// and optional retrieval augmentation.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

// Mode selects the system instruction prepended to a request.
type Mode string

const (
	ModeChat          Mode = "chat"
	ModeClassify      Mode = "classify"
	ModeDraft         Mode = "draft"
	ModeFirstQuestion Mode = "first_question"
)

// Options tune one generation call.
type Options struct {
	Mode      Mode
	Retrieval bool
	TopK      int    // defaults to 5
	Query     string // retrieval query; defaults to the last user message
	Vars      map[string]string
}

// Passage is one retrieved knowledge snippet.
type Passage struct {
	Title    string
	URL      string
	MediaURL string
	Text     string
	Score    float64
}

// Retriever finds the passages most relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// Provider is the part of provider.Provider the gateway calls.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	Stream(ctx context.Context, req protocol.ChatRequest, onFragment protocol.FragmentFunc) (*protocol.ChatResponse, error)
}

// Gateway is the text generation entry point used by the dialogue layer.
type Gateway struct {
	provider  Provider
	locales   *locale.Table
	retriever Retriever
	minScore  float64
	maxTokens int
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetriever enables retrieval augmentation.
func WithRetriever(r Retriever) Option {
	return func(g *Gateway) { g.retriever = r }
}

// WithMinScore drops passages scoring at or below min.
func WithMinScore(min float64) Option {
	return func(g *Gateway) { g.minScore = min }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(g *Gateway) { g.maxTokens = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a Gateway.
func New(p Provider, locales *locale.Table, opts ...Option) *Gateway {
	g := &Gateway{
		provider:  p,
		locales:   locales,
		minScore:  0.3,
		maxTokens: 4000,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Complete returns the full reply for msgs.
func (g *Gateway) Complete(ctx context.Context, msgs []protocol.ChatMessage, lang string, opts Options) (string, error) {
	req := g.request(ctx, msgs, lang, opts)
	req.Temperature = 0.7
	resp, err := g.provider.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generation: complete: %w", err)
	}
	return resp.Content, nil
}

// Stream delivers the reply to onFragment as it arrives, on the calling goroutine.
func (g *Gateway) Stream(ctx context.Context, msgs []protocol.ChatMessage, lang string, onFragment protocol.FragmentFunc, opts Options) error {
	req := g.request(ctx, msgs, lang, opts)
	req.Temperature = 0.2
	if _, err := g.provider.Stream(ctx, req, onFragment); err != nil {
		return fmt.Errorf("generation: stream: %w", err)
	}
	return nil
}

func (g *Gateway) request(ctx context.Context, msgs []protocol.ChatMessage, lang string, opts Options) protocol.ChatRequest {
	l := g.locales.Lookup(lang)

	var out []protocol.ChatMessage
	if opts.Retrieval && g.retriever != nil {
		if ctxMsg, ok := g.retrievalMessage(ctx, l, msgs, opts); ok {
			out = append(out, ctxMsg)
		}
	}
	if sys := instruction(l, opts.Mode); sys != "" {
		out = append(out, protocol.ChatMessage{Role: protocol.RoleSystem, Content: locale.Format(sys, opts.Vars)})
	}
	out = append(out, msgs...)

	return protocol.ChatRequest{
		Messages:  out,
		MaxTokens: g.maxTokens,
		TopP:      0.95,
	}
}

func instruction(l *locale.Language, mode Mode) string {
	switch mode {
	case ModeClassify:
		return l.Prompts.Classify
	case ModeDraft:
		return l.Prompts.Draft
	case ModeFirstQuestion:
		return l.Prompts.FirstQuestion
	default:
		return l.Prompts.Chat
	}
}

// retrievalMessage builds the sources system message. Retrieval failures are
// logged and the call proceeds without context.
func (g *Gateway) retrievalMessage(ctx context.Context, l *locale.Language, msgs []protocol.ChatMessage, opts Options) (protocol.ChatMessage, bool) {
	query := opts.Query
	if query == "" {
		query = lastUserContent(msgs)
	}
	if strings.TrimSpace(query) == "" {
		return protocol.ChatMessage{}, false
	}
	k := opts.TopK
	if k <= 0 {
		k = 5
	}

	passages, err := g.retriever.Retrieve(ctx, query, k)
	if err != nil {
		g.logger.Warn("retrieval failed", "error", err)
		return protocol.ChatMessage{}, false
	}

	var sb strings.Builder
	n := 0
	for _, p := range passages {
		if p.Score <= g.minScore || n >= k {
			continue
		}
		n++
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Source [%d]: %s — %s\n", n, p.Title, p.URL)
		if p.MediaURL != "" {
			fmt.Fprintf(&sb, "Media: %s\n", p.MediaURL)
		}
		sb.WriteString(p.Text)
	}
	if n == 0 {
		return protocol.ChatMessage{}, false
	}
	g.logger.Debug("retrieval context attached", "passages", n)
	return protocol.ChatMessage{
		Role:    protocol.RoleSystem,
		Content: strings.TrimSpace(l.Prompts.Retrieval) + "\n\n" + sb.String(),
	}, true
}

func lastUserContent(msgs []protocol.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == protocol.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
