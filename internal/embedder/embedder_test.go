package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)
		assert.Equal(t, "hello", req.Prompt)

		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.5, -0.25, 1}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Model: "all-minilm"})
	assert.Equal(t, 384, e.Dimension())
	assert.Equal(t, "all-minilm", e.ModelName())

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1}, vec)
}

func TestOllamaEmbedderErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL}).Embed(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
	})

	t.Run("empty", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"embedding":[]}`))
		}))
		defer srv.Close()

		_, err := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL}).Embed(context.Background(), "x")
		assert.ErrorIs(t, err, ErrEmptyEmbedding)
	})
}

type countingEmbedder struct {
	calls atomic.Int32
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) Dimension() int    { return 2 }
func (c *countingEmbedder) ModelName() string { return "counting" }

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	c, err := NewCachedEmbedder(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	first[0] = 99

	second, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, second, "cached vector must not alias caller slices")
	assert.Equal(t, int32(1), inner.calls.Load())

	_, _ = c.Embed(ctx, "de")
	_, _ = c.Embed(ctx, "fgh")
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.Dimension())
	assert.Equal(t, "counting", c.ModelName())
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("down")}
	c, err := NewCachedEmbedder(inner, 4)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "abc")
	require.Error(t, err)
	_, err = c.Embed(context.Background(), "abc")
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Zero(t, c.Len())
}

func TestNewCachedEmbedderRejectsZeroSize(t *testing.T) {
	_, err := NewCachedEmbedder(&countingEmbedder{}, 0)
	assert.Error(t, err)
}
