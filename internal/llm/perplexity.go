package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/sells-group/knowledge-search/internal/resilience"
	"github.com/sells-group/knowledge-search/pkg/perplexity"
)

// PerplexityClient adapts the Perplexity chat completions API.
type PerplexityClient struct {
	client perplexity.Client
	model  string
}

// NewPerplexityClient returns an adapter for client. An empty model uses
// the client's default.
func NewPerplexityClient(client perplexity.Client, model string) *PerplexityClient {
	return &PerplexityClient{client: client, model: model}
}

// Generate implements Client.
func (p *PerplexityClient) Generate(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]perplexity.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, perplexity.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, perplexity.Message{Role: "user", Content: req.Prompt})

	cr := perplexity.ChatCompletionRequest{Model: p.model, Messages: msgs}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		cr.MaxTokens = &n
	}

	resp, err := p.client.ChatCompletion(ctx, cr)
	if err != nil {
		var apiErr *perplexity.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return nil, err
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}
	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &Response{
		Text:         text,
		Model:        model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}
