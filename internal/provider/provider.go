package provider

import (
	"context"

	"github.com/h1v3-io/orbit/pkg/protocol"
)

// Provider is the abstraction over LLM APIs.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	// Stream delivers content fragments to onFragment in arrival order and
	// returns the accumulated response once the stream ends.
	Stream(ctx context.Context, req protocol.ChatRequest, onFragment protocol.FragmentFunc) (*protocol.ChatResponse, error)
	Name() string
}

// Embedder turns texts into embedding vectors, one per input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
