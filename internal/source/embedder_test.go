package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbeddingClient struct {
	calls [][]string
	err   error
}

func (f *fakeEmbeddingClient) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

// fakeEmbedder returns a fixed vector for every text.
type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func TestLangchainEmbedder_Embed(t *testing.T) {
	client := &fakeEmbeddingClient{}
	e, err := NewLangchainEmbedderFromClient(client)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "what is\nraft")
	require.NoError(t, err)
	assert.Equal(t, []float32{12, 1}, vec)
	require.Len(t, client.calls, 1)
	assert.Equal(t, []string{"what is raft"}, client.calls[0])
}

func TestLangchainEmbedder_EmbedBatch(t *testing.T) {
	e, err := NewLangchainEmbedderFromClient(&fakeEmbeddingClient{})
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(2), vecs[1][0])
}

func TestLangchainEmbedder_Error(t *testing.T) {
	e, err := NewLangchainEmbedderFromClient(&fakeEmbeddingClient{err: errors.New("down")})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}
