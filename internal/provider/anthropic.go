package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/h1v3-io/orbit/pkg/protocol"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicBaseURL sets a custom API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithAnthropicModel sets the default model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.model = model }
}

// NewAnthropic creates a new Anthropic Messages API provider.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		client:  &http.Client{Timeout: 120 * time.Second},
		baseURL: "https://api.anthropic.com",
		apiKey:  apiKey,
		model:   "claude-sonnet-4-20250514",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	resp, err := p.post(ctx, p.body(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	var anthResp anthropicResponse
	if err := json.Unmarshal(respBody, &anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}

	var sb strings.Builder
	for _, b := range anthResp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return &protocol.ChatResponse{
		Content: sb.String(),
		Usage: protocol.Usage{
			PromptTokens:     anthResp.Usage.InputTokens,
			CompletionTokens: anthResp.Usage.OutputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req protocol.ChatRequest, onFragment protocol.FragmentFunc) (*protocol.ChatResponse, error) {
	resp, err := p.post(ctx, p.body(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		sb        strings.Builder
		usage     protocol.Usage
		streamErr error
	)
	err = readSSE(resp.Body, func(ev sseEvent) bool {
		var e anthropicStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			streamErr = fmt.Errorf("anthropic: decode stream event: %w", err)
			return false
		}
		switch e.Type {
		case "message_start":
			usage.PromptTokens = e.Message.Usage.InputTokens
		case "content_block_delta":
			if e.Delta.Type != "text_delta" || e.Delta.Text == "" {
				return true
			}
			sb.WriteString(e.Delta.Text)
			if onFragment != nil {
				onFragment(e.Delta.Text)
			}
		case "message_delta":
			usage.CompletionTokens = e.Usage.OutputTokens
		case "message_stop":
			return false
		case "error":
			streamErr = fmt.Errorf("anthropic: stream error: %s", e.Error.Message)
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}
	if streamErr != nil {
		return nil, streamErr
	}
	return &protocol.ChatResponse{Content: sb.String(), Usage: usage}, nil
}

func (p *AnthropicProvider) body(req protocol.ChatRequest, stream bool) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	system, messages := toAnthropicMessages(req.Messages)
	body := anthropicRequest{
		Model:    model,
		Messages: messages,
		System:   system,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	} else {
		body.MaxTokens = 4096 // Anthropic requires max_tokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		body.TopP = &req.TopP
	}
	return body
}

func (p *AnthropicProvider) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("anthropic: api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// --- Anthropic wire format types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content    []contentBlock `json:"content"`
	Usage      anthropicUsage `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// --- Conversion helpers ---

// toAnthropicMessages extracts system messages into the top-level field and
// merges consecutive same-role turns, which the API rejects.
func toAnthropicMessages(msgs []protocol.ChatMessage) (string, []anthropicMessage) {
	var system string
	var result []anthropicMessage

	for _, m := range msgs {
		if m.Role == protocol.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		block := contentBlock{Type: "text", Text: m.Content}
		if n := len(result); n > 0 && result[n-1].Role == m.Role {
			result[n-1].Content = append(result[n-1].Content, block)
			continue
		}
		result = append(result, anthropicMessage{Role: m.Role, Content: []contentBlock{block}})
	}
	return system, result
}
