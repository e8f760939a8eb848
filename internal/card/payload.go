package card

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/h1v3-io/orbit/pkg/protocol"
)

// Verb names a card action on the wire.
type Verb string

const (
	VerbConfirmTicket   Verb = "confirmTicket"
	VerbCancelTicket    Verb = "cancelTicket"
	VerbStartEditTicket Verb = "startEditTicket"
	VerbCloseTicket     Verb = "closeTicket"
	VerbListPage        Verb = "listTksPage"
)

// ErrUnknownAction is returned by Decode for an unrecognised verb.
var ErrUnknownAction = errors.New("card: unknown action")

// Payload is the data round-tripped through a submit button.
type Payload interface {
	Verb() Verb
	Language() string
}

// ConfirmTicket creates the ticket described by the card.
type ConfirmTicket struct {
	Title   string
	Summary string
	Lang    string
}

// CancelTicket discards a confirmation card.
type CancelTicket struct {
	Title   string
	Summary string
	Lang    string
}

// StartEditTicket starts the comment flow for a ticket.
type StartEditTicket struct {
	TicketID int64
	Lang     string
}

// CloseTicket closes a ticket.
type CloseTicket struct {
	TicketID int64
	Lang     string
}

// ListPage re-renders the ticket list at Page.
type ListPage struct {
	Page       int
	ShowClosed bool
	Lang       string
}

func (ConfirmTicket) Verb() Verb   { return VerbConfirmTicket }
func (CancelTicket) Verb() Verb    { return VerbCancelTicket }
func (StartEditTicket) Verb() Verb { return VerbStartEditTicket }
func (CloseTicket) Verb() Verb     { return VerbCloseTicket }
func (ListPage) Verb() Verb        { return VerbListPage }

func (p ConfirmTicket) Language() string   { return p.Lang }
func (p CancelTicket) Language() string    { return p.Lang }
func (p StartEditTicket) Language() string { return p.Lang }
func (p CloseTicket) Language() string     { return p.Lang }
func (p ListPage) Language() string        { return p.Lang }

type wirePayload struct {
	Action     Verb            `json:"action"`
	Title      string          `json:"title,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	TicketID   json.RawMessage `json:"ticketId,omitempty"`
	Page       *int            `json:"page,omitempty"`
	ShowClosed bool            `json:"showClosed,omitempty"`
	Lang       string          `json:"lang,omitempty"`
}

// Encode returns the JSON object sent with a submit button.
func Encode(p Payload) (json.RawMessage, error) {
	w := wirePayload{Action: p.Verb(), Lang: p.Language()}
	switch v := p.(type) {
	case ConfirmTicket:
		w.Title, w.Summary = v.Title, v.Summary
	case CancelTicket:
		w.Title, w.Summary = v.Title, v.Summary
	case StartEditTicket:
		w.TicketID = idJSON(v.TicketID)
	case CloseTicket:
		w.TicketID = idJSON(v.TicketID)
	case ListPage:
		page := v.Page
		w.Page = &page
		w.ShowClosed = v.ShowClosed
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, p)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("card: encode payload: %w", err)
	}
	return data, nil
}

func idJSON(id int64) json.RawMessage {
	if id <= 0 {
		return nil
	}
	return json.RawMessage(fmt.Sprintf("%d", id))
}

// Decode parses a submitted card value. It returns (nil, nil) when raw is
// empty or carries no action, so plain messages pass through. A missing or
// malformed ticket id decodes as zero and is left for the caller to reject.
func Decode(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("card: decode payload: %w", err)
	}
	id, _ := protocol.ParseTicketID(w.TicketID)
	switch w.Action {
	case "":
		return nil, nil
	case VerbConfirmTicket:
		return ConfirmTicket{Title: w.Title, Summary: w.Summary, Lang: w.Lang}, nil
	case VerbCancelTicket:
		return CancelTicket{Title: w.Title, Summary: w.Summary, Lang: w.Lang}, nil
	case VerbStartEditTicket:
		return StartEditTicket{TicketID: id, Lang: w.Lang}, nil
	case VerbCloseTicket:
		return CloseTicket{TicketID: id, Lang: w.Lang}, nil
	case VerbListPage:
		p := ListPage{ShowClosed: w.ShowClosed, Lang: w.Lang}
		if w.Page != nil && *w.Page > 0 {
			p.Page = *w.Page
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, w.Action)
}
