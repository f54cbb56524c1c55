// Package llm defines the provider-neutral generation interface and its
// adapters for the model vendors the router can dispatch to.
package llm

import (
	"context"

	"github.com/rotisserie/eris"
)

// Request is a single generation call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the text a provider produced and what it cost in tokens.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Client generates text. Implementations must honor ctx cancellation and
// return an error value rather than panicking.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Streamer is a Client that can deliver text as it is produced.
type Streamer interface {
	Client
	GenerateStream(ctx context.Context, req Request, onDelta func(string)) (*Response, error)
}

// Stream calls GenerateStream when c supports it, otherwise Generate
// followed by a single delta with the full text.
func Stream(ctx context.Context, c Client, req Request, onDelta func(string)) (*Response, error) {
	if s, ok := c.(Streamer); ok {
		return s.GenerateStream(ctx, req, onDelta)
	}
	resp, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Text != "" {
		onDelta(resp.Text)
	}
	return resp, nil
}

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = eris.New("llm: empty response")
