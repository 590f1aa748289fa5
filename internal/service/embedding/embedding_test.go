package embedding

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbeddingsClient struct {
	resp openai.EmbeddingResponse
	err  error
	got  openai.EmbeddingRequestConverter
}

func (f *fakeEmbeddingsClient) CreateEmbeddings(_ context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.got = req
	return f.resp, f.err
}

func TestOpenAIProviderOrdersByIndex(t *testing.T) {
	fake := &fakeEmbeddingsClient{
		resp: openai.EmbeddingResponse{
			Data: []openai.Embedding{
				{Index: 1, Embedding: []float32{0, 1, 0}},
				{Index: 0, Embedding: []float32{1, 0, 0}},
			},
		},
	}
	p := &OpenAIProvider{client: fake, model: "text-embedding-3-small", dimensions: 3}

	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0].Slice())
	assert.Equal(t, []float32{0, 1, 0}, vecs[1].Slice())
}

func TestOpenAIProviderDimensionMismatch(t *testing.T) {
	fake := &fakeEmbeddingsClient{
		resp: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Index: 0, Embedding: []float32{1, 2}}},
		},
	}
	p := &OpenAIProvider{client: fake, model: "text-embedding-3-small", dimensions: 3}

	_, err := p.EmbedBatch(context.Background(), []string{"text"})
	require.Error(t, err)
}

func TestOpenAIProviderCountMismatch(t *testing.T) {
	fake := &fakeEmbeddingsClient{resp: openai.EmbeddingResponse{}}
	p := &OpenAIProvider{client: fake, model: "text-embedding-3-small", dimensions: 3}

	_, err := p.EmbedBatch(context.Background(), []string{"text"})
	require.Error(t, err)
}

func TestOpenAIProviderEmptyInput(t *testing.T) {
	p := &OpenAIProvider{client: &fakeEmbeddingsClient{}, model: "m", dimensions: 3}
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(4)
	assert.Equal(t, 4, p.Dimensions())
	assert.Equal(t, "noop", p.Model())

	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, vec.Slice())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
}
