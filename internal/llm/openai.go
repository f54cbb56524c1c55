package llm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient adapts any OpenAI-compatible chat endpoint (hosted or a
// local server) through langchaingo.
type OpenAIClient struct {
	model llms.Model
	name  string
}

// NewOpenAIClient connects to baseURL with the given model. An empty token
// is sent as "none" for local servers that do not authenticate.
func NewOpenAIClient(baseURL, token, model string) (*OpenAIClient, error) {
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{openai.WithToken(token), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "llm: create openai client")
	}
	return &OpenAIClient{model: m, name: model}, nil
}

// NewOpenAIClientFromModel wraps an existing langchaingo model.
func NewOpenAIClientFromModel(m llms.Model, name string) *OpenAIClient {
	return &OpenAIClient{model: m, name: name}
}

// Generate implements Client.
func (o *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	return o.generate(ctx, req, nil)
}

// GenerateStream implements Streamer.
func (o *OpenAIClient) GenerateStream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	return o.generate(ctx, req, onDelta)
}

func (o *OpenAIClient) generate(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	content := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{llms.WithTemperature(0.1)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if onDelta != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			onDelta(string(chunk))
			return nil
		}))
	}

	resp, err := o.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "llm: openai generate")
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Content)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	out := &Response{Text: text, Model: o.name}
	if v, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
		out.InputTokens = int64(v)
	}
	if v, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
		out.OutputTokens = int64(v)
	}
	return out, nil
}
