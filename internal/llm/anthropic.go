package llm

import (
	"context"
	"strings"

	"github.com/sells-group/knowledge-search/pkg/anthropic"
)

// AnthropicClient adapts the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient returns an adapter that calls model through client.
func NewAnthropicClient(client anthropic.Client, model string) *AnthropicClient {
	return &AnthropicClient{client: client, model: model}
}

func (a *AnthropicClient) request(req Request) anthropic.MessageRequest {
	mr := anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: int64(req.MaxTokens),
		Messages:  []anthropic.Message{{Role: "user", Content: req.Prompt}},
	}
	if req.System != "" {
		// The system prompt is identical across queries, so cache it.
		mr.System = []anthropic.SystemBlock{{Text: req.System, CacheControl: &anthropic.CacheControl{TTL: "5m"}}}
	}
	return mr
}

// Generate implements Client.
func (a *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.CreateMessage(ctx, a.request(req))
	if err != nil {
		return nil, err
	}
	return a.response(resp)
}

// GenerateStream implements Streamer.
func (a *AnthropicClient) GenerateStream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	resp, err := a.client.StreamMessage(ctx, a.request(req), onDelta)
	if err != nil {
		return nil, err
	}
	return a.response(resp)
}

func (a *AnthropicClient) response(resp *anthropic.MessageResponse) (*Response, error) {
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}
	model := resp.Model
	if model == "" {
		model = a.model
	}
	return &Response{
		Text:         text,
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
