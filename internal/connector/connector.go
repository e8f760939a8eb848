// Package connector holds what the chat transports share.
package connector

import (
	"context"

	"github.com/h1v3-io/orbit/internal/card"
	"github.com/h1v3-io/orbit/internal/dialogue"
	"github.com/h1v3-io/orbit/internal/directory"
)

// TurnHandler processes inbound turns (dialogue.Controller).
type TurnHandler interface {
	HandleTurn(ctx context.Context, t dialogue.Turn, out dialogue.Responder) error
}

// Directory records where a user can be reached.
type Directory interface {
	Save(ctx context.Context, email string, ref directory.Reference) error
}

// Connector is a chat transport.
type Connector interface {
	// Name returns the channel name stored in conversation references.
	Name() string
	// Start runs the transport until ctx is cancelled. Transports driven
	// by inbound HTTP requests return nil immediately.
	Start(ctx context.Context) error
	// Notify pushes a card into a stored conversation.
	Notify(ctx context.Context, ref directory.Reference, c card.Card) error
}
