package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/h1v3-io/orbit/internal/classifier"
	"github.com/h1v3-io/orbit/internal/generation"
	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/pkg/protocol"
)

// ErrMalformedDraftReply is returned when a draft-mode reply cannot be parsed.
var ErrMalformedDraftReply = errors.New("dialogue: malformed draft reply")

// DraftReply is either NeedsMoreInfo or ReadyToConfirm.
type DraftReply interface {
	draftReply()
}

// NeedsMoreInfo carries the next clarifying question.
type NeedsMoreInfo struct {
	Question string
	Language string
}

// ReadyToConfirm carries the finished ticket draft.
type ReadyToConfirm struct {
	Title    string
	Summary  string
	Language string
}

func (NeedsMoreInfo) draftReply()  {}
func (ReadyToConfirm) draftReply() {}

// ParseDraftReply decodes the model's draft-mode JSON reply.
func ParseDraftReply(raw string) (DraftReply, error) {
	obj, ok := classifier.ExtractObject(raw)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object", ErrMalformedDraftReply)
	}
	var w struct {
		Done     *bool  `json:"done"`
		Question string `json:"question"`
		Title    string `json:"title"`
		Summary  string `json:"summary"`
		Lang     string `json:"lang"`
	}
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDraftReply, err)
	}
	if w.Done == nil {
		return nil, fmt.Errorf("%w: missing done", ErrMalformedDraftReply)
	}
	lang := strings.TrimSpace(w.Lang)
	if !*w.Done {
		q := strings.TrimSpace(w.Question)
		if q == "" {
			return nil, fmt.Errorf("%w: empty question", ErrMalformedDraftReply)
		}
		return NeedsMoreInfo{Question: q, Language: lang}, nil
	}
	title, summary := strings.TrimSpace(w.Title), strings.TrimSpace(w.Summary)
	if summary == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrMalformedDraftReply)
	}
	if title == "" {
		title = summary
	}
	return ReadyToConfirm{Title: title, Summary: summary, Language: lang}, nil
}

// transcript renders the history as "[role] content" lines.
func transcript(history []protocol.ChatMessage) string {
	lines := make([]string, len(history))
	for i, m := range history {
		lines[i] = "[" + m.Role + "] " + m.Content
	}
	return strings.Join(lines, "\n")
}

func (s *session) classifyStep(ctx context.Context) error {
	// Attachment-only turns still go through classification.
	text := strings.TrimSpace(s.turn.Text)

	res, err := s.c.Classifier.Classify(ctx, text, s.lang)
	if err != nil {
		s.log.Warn("classification failed, answering openly", "error", err)
		s.streamReply(ctx, text)
		return nil
	}
	s.override(res.Language)
	s.log.Info("classified", "intent", res.Intent)

	switch res.Intent {
	case classifier.CreateTicket:
		return s.beginDraft(ctx, res.Summary)
	case classifier.ListTickets:
		s.listTickets(ctx, 0, false, false)
	case classifier.ListTicketsPage:
		s.listTickets(ctx, res.Page, false, false)
	case classifier.EditTicket:
		if res.Comment != "" {
			s.submitComment(ctx, res.TicketID, res.Comment)
			return nil
		}
		return s.startEdit(ctx, res.TicketID)
	case classifier.SingleTicket:
		s.singleTicket(ctx, res.TicketID)
	default:
		s.answer(ctx, text)
	}
	return nil
}

// beginDraft opens a drafting session and asks the first question.
func (s *session) beginDraft(ctx context.Context, summary string) error {
	l := s.language()
	s.draft.BeginDetails(locale.Format(l.Strings.InitialSummary, map[string]string{"summary": summary}))

	s.typing(ctx)
	var sb strings.Builder
	opts := s.retrievalOpts(generation.ModeFirstQuestion, summary)
	opts.Vars = map[string]string{"summary": summary}
	err := s.c.Generator.Stream(ctx,
		[]protocol.ChatMessage{{Role: protocol.RoleUser, Content: summary}},
		s.lang, func(f string) { sb.WriteString(f) }, opts)

	question := strings.TrimSpace(sb.String())
	if err != nil || question == "" {
		s.log.Warn("first question generation failed", "error", err)
		question = l.Strings.AskDetails
	}
	s.draft.Append(protocol.RoleAssistant, question)
	s.draft.Language = s.lang
	if err := s.persist(ctx); err != nil {
		return err
	}
	s.say(ctx, question)
	return nil
}

// draftStep feeds the user's answer to the model. The turn is stored before
// the reply is validated so it survives a malformed or failed generation.
func (s *session) draftStep(ctx context.Context) error {
	text := strings.TrimSpace(s.turn.Text)
	if text == "" {
		s.say(ctx, s.texts().AskDetails)
		return nil
	}
	s.draft.Append(protocol.RoleUser, text)
	if err := s.persist(ctx); err != nil {
		return err
	}

	opts := s.retrievalOpts(generation.ModeDraft, text)
	opts.Vars = map[string]string{"name": s.req.Name, "email": s.req.Email}
	msgs := []protocol.ChatMessage{{
		Role:    protocol.RoleUser,
		Content: s.texts().TranscriptHeader + "\n" + transcript(s.draft.History),
	}}

	raw, err := s.c.Generator.Complete(ctx, msgs, s.lang, opts)
	if err != nil {
		s.log.Warn("draft generation failed, answering openly", "error", err)
		s.streamReply(ctx, text)
		return nil
	}

	reply, err := ParseDraftReply(raw)
	if err != nil {
		s.log.Warn("draft reply rejected", "error", err, "raw", raw)
		s.say(ctx, s.texts().ParseError)
		return nil
	}

	switch r := reply.(type) {
	case NeedsMoreInfo:
		s.override(r.Language)
		s.draft.Append(protocol.RoleAssistant, r.Question)
		s.draft.Language = s.lang
		if err := s.persist(ctx); err != nil {
			return err
		}
		s.say(ctx, r.Question)
	case ReadyToConfirm:
		s.override(r.Language)
		s.draft.Reset(s.lang)
		if err := s.persist(ctx); err != nil {
			return err
		}
		s.send(ctx, CardMessage(s.c.Cards.Confirm(s.language(), r.Title, r.Summary)))
	}
	return nil
}

// answer replies to a turn with no helpdesk intent.
func (s *session) answer(ctx context.Context, text string) {
	s.typing(ctx)
	reply, err := s.c.Generator.Complete(ctx,
		[]protocol.ChatMessage{{Role: protocol.RoleUser, Content: text}},
		s.lang, s.retrievalOpts(generation.ModeChat, text))
	if err != nil || strings.TrimSpace(reply) == "" {
		s.log.Error("chat reply failed", "error", err)
		s.say(ctx, s.texts().GenericError)
		return
	}
	s.say(ctx, reply)
}
