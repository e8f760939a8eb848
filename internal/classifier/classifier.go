// Package classifier maps a free-text chat turn onto a helpdesk intent.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/h1v3-io/orbit/internal/generation"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

// ErrClassification is returned when the model reply carries no usable intent.
var ErrClassification = errors.New("classifier: unusable classification")

// Intent is what the user wants to do.
type Intent string

const (
	CreateTicket    Intent = "createTk"
	ListTickets     Intent = "listTks"
	ListTicketsPage Intent = "listTksPage"
	EditTicket      Intent = "editTk"
	SingleTicket    Intent = "singleTk"
	None            Intent = "none"
)

// Result is one classification. Only the fields relevant to Intent are set.
type Result struct {
	Intent   Intent
	Title    string
	Summary  string
	TicketID int64
	Comment  string
	Page     int
	Language string
}

// Completer is the generation call the classifier needs.
type Completer interface {
	Complete(ctx context.Context, msgs []protocol.ChatMessage, lang string, opts generation.Options) (string, error)
}

// Classifier runs one classify-mode completion per turn. It does not retry.
type Classifier struct {
	gen    Completer
	logger *slog.Logger
}

// New creates a Classifier. A nil logger uses slog.Default().
func New(gen Completer, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{gen: gen, logger: logger}
}

// Classify returns the intent expressed by text.
func (c *Classifier) Classify(ctx context.Context, text, lang string) (Result, error) {
	raw, err := c.gen.Complete(ctx,
		[]protocol.ChatMessage{{Role: protocol.RoleUser, Content: text}},
		lang, generation.Options{Mode: generation.ModeClassify})
	if err != nil {
		return Result{}, fmt.Errorf("classifier: %w", err)
	}
	c.logger.Debug("classifier reply", "raw", raw)
	return Parse(raw)
}

type wireResult struct {
	Intent   string          `json:"intent"`
	Title    string          `json:"title"`
	Summary  string          `json:"summary"`
	TicketID json.RawMessage `json:"ticketId"`
	Comment  string          `json:"comment"`
	Page     json.RawMessage `json:"page"`
	Lang     string          `json:"lang"`
}

// Parse decodes a model reply into a Result.
func Parse(raw string) (Result, error) {
	obj, ok := ExtractObject(raw)
	if !ok {
		return Result{}, fmt.Errorf("%w: no JSON object in reply", ErrClassification)
	}
	var w wireResult
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}

	r := Result{
		Intent:   Intent(strings.TrimSpace(w.Intent)),
		Language: strings.TrimSpace(w.Lang),
	}
	switch r.Intent {
	case CreateTicket:
		r.Title = strings.TrimSpace(w.Title)
		r.Summary = strings.TrimSpace(w.Summary)
		if r.Summary == "" {
			return Result{}, fmt.Errorf("%w: createTk without summary", ErrClassification)
		}
		if r.Title == "" {
			r.Title = r.Summary
		}
	case EditTicket, SingleTicket:
		id, ok := protocol.ParseTicketID(w.TicketID)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s without ticketId", ErrClassification, r.Intent)
		}
		r.TicketID = id
		if r.Intent == EditTicket {
			r.Comment = strings.TrimSpace(w.Comment)
		}
	case ListTicketsPage:
		if n, ok := parseInt(w.Page); ok && n > 0 {
			r.Page = int(n)
		}
	case ListTickets, None:
	default:
		return Result{}, fmt.Errorf("%w: unknown intent %q", ErrClassification, w.Intent)
	}
	return r, nil
}

func parseInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}

// ExtractObject returns the first balanced {...} object in s, skipping braces
// inside JSON strings. Surrounding prose and code fences are ignored.
func ExtractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inStr, esc := false, false
		for i := start; i < len(s); i++ {
			ch := s[i]
			if inStr {
				switch {
				case esc:
					esc = false
				case ch == '\\':
					esc = true
				case ch == '"':
					inStr = false
				}
				continue
			}
			switch ch {
			case '"':
				inStr = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}
