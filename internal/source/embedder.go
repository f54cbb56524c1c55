package source

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderConfig configures an OpenAI-compatible embedding endpoint.
type EmbedderConfig struct {
	BaseURL string
	Token   string
	Model   string
}

// LangchainEmbedder adapts a langchaingo embedder to Embedder.
type LangchainEmbedder struct {
	embedder embeddings.Embedder
}

// NewLangchainEmbedder builds an embedder against an OpenAI-compatible API.
// An empty token is sent as "none" so local servers accept it.
func NewLangchainEmbedder(cfg EmbedderConfig) (*LangchainEmbedder, error) {
	token := cfg.Token
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "embedder: create openai client")
	}
	return NewLangchainEmbedderFromClient(client)
}

// NewLangchainEmbedderFromClient wraps any langchaingo embedding client.
func NewLangchainEmbedderFromClient(client embeddings.EmbedderClient) (*LangchainEmbedder, error) {
	e, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, eris.Wrap(err, "embedder: create embedder")
	}
	return &LangchainEmbedder{embedder: e}, nil
}

// Embed returns the embedding of a single query text.
func (e *LangchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, eris.Wrap(err, "embedder: embed query")
	}
	if len(vec) == 0 {
		return nil, eris.New("embedder: empty embedding")
	}
	return vec, nil
}

// EmbedBatch returns one embedding per text, in order.
func (e *LangchainEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(err, "embedder: embed documents")
	}
	if len(vecs) != len(texts) {
		return nil, eris.Errorf("embedder: got %d embeddings for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}
