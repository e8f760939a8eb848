// Package draft persists the per-conversation dialogue state.
package draft

import (
	"context"
	"errors"
	"time"

	"github.com/h1v3-io/orbit/pkg/protocol"
)

// State is the dialogue state of one conversation.
type State string

const (
	Idle            State = "idle"
	AwaitingDetails State = "awaiting_details"
	Editing         State = "editing"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Idle, AwaitingDetails, Editing:
		return true
	}
	return false
}

// Draft is the stored state of one conversation.
type Draft struct {
	State     State                  `json:"state"`
	History   []protocol.ChatMessage `json:"history,omitempty"`
	TicketID  int64                  `json:"ticket_id,omitempty"`
	Language  string                 `json:"language,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// New returns an idle draft with no history.
func New() Draft {
	return Draft{State: Idle}
}

// Append adds one turn to the history.
func (d *Draft) Append(role, content string) {
	d.History = append(d.History, protocol.ChatMessage{Role: role, Content: content})
}

// Reset returns the draft to idle, dropping history and ticket id.
// The language is replaced only when lang is non-empty.
func (d *Draft) Reset(lang string) {
	d.State = Idle
	d.History = nil
	d.TicketID = 0
	if lang != "" {
		d.Language = lang
	}
}

// BeginDetails starts a drafting session seeded with the given assistant line.
func (d *Draft) BeginDetails(seed string) {
	d.State = AwaitingDetails
	d.TicketID = 0
	d.History = []protocol.ChatMessage{{Role: protocol.RoleAssistant, Content: seed}}
}

// BeginEditing moves the draft into the comment flow for a ticket.
func (d *Draft) BeginEditing(ticketID int64) {
	d.State = Editing
	d.History = nil
	d.TicketID = ticketID
}

// ErrNotFound is returned by Delete for unknown keys.
var ErrNotFound = errors.New("draft: not found")

// Store persists drafts keyed by conversation key.
type Store interface {
	// Get returns the stored draft, or New() when none exists.
	Get(ctx context.Context, key string) (Draft, error)
	Set(ctx context.Context, key string, d Draft) error
	Delete(ctx context.Context, key string) error
	Close() error
}
