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

// OpenAIProvider implements Provider and Embedder for any OpenAI-compatible
// API (OpenAI, Azure OpenAI, OpenRouter, Groq, etc.).
type OpenAIProvider struct {
	client         *http.Client
	baseURL        string
	embedBaseURL   string
	apiKey         string
	model          string
	embeddingModel string
	azureVersion   string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the default model.
func WithModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.model = model }
}

// WithEmbeddingModel sets the model used by Embed.
func WithEmbeddingModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.embeddingModel = model }
}

// WithEmbeddingBaseURL sends embedding requests to a different base URL,
// as Azure deployments use one URL per model.
func WithEmbeddingBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.embedBaseURL = strings.TrimRight(url, "/") }
}

// WithAzure switches to Azure OpenAI conventions: the key travels in the
// api-key header and every request carries the api-version query parameter.
// The base URL must point at a deployment.
func WithAzure(apiVersion string) OpenAIOption {
	return func(p *OpenAIProvider) { p.azureVersion = apiVersion }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = c }
}

// NewOpenAI creates a new OpenAI-compatible provider.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		client:         &http.Client{Timeout: 120 * time.Second},
		baseURL:        "https://api.openai.com/v1",
		apiKey:         apiKey,
		model:          "gpt-4o",
		embeddingModel: "text-embedding-3-small",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.embedBaseURL == "" {
		p.embedBaseURL = p.baseURL
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	resp, err := p.post(ctx, p.baseURL+"/chat/completions", p.chatBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	return parseResponse(&oaiResp)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req protocol.ChatRequest, onFragment protocol.FragmentFunc) (*protocol.ChatResponse, error) {
	resp, err := p.post(ctx, p.baseURL+"/chat/completions", p.chatBody(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		sb     strings.Builder
		usage  protocol.Usage
		decErr error
	)
	err = readSSE(resp.Body, func(ev sseEvent) bool {
		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			decErr = fmt.Errorf("openai: decode stream chunk: %w", err)
			return false
		}
		if chunk.Usage != nil {
			usage = protocol.Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			sb.WriteString(c.Delta.Content)
			if onFragment != nil {
				onFragment(c.Delta.Content)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("openai: read stream: %w", err)
	}
	if decErr != nil {
		return nil, decErr
	}
	return &protocol.ChatResponse{Content: sb.String(), Usage: usage}, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.post(ctx, p.embedBaseURL+"/embeddings", openaiEmbeddingRequest{Model: p.embeddingModel, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openaiEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: unmarshal embeddings: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(texts), len(out.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (p *OpenAIProvider) chatBody(req protocol.ChatRequest, stream bool) openaiRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := openaiRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		body.TopP = &req.TopP
	}
	return body
}

// post sends body as JSON and returns the response when the status is 200.
func (p *OpenAIProvider) post(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	if p.azureVersion != "" {
		url += "?api-version=" + p.azureVersion
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.azureVersion != "" {
		httpReq.Header.Set("api-key", p.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai: api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// --- OpenAI wire format types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message openaiMessage `json:"message"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

type openaiEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// --- Conversion helpers ---

func toOpenAIMessages(msgs []protocol.ChatMessage) []openaiMessage {
	out := make([]openaiMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openaiMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func parseResponse(resp *openaiResponse) (*protocol.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices in response")
	}
	return &protocol.ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: protocol.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
