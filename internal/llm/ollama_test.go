package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClientGenerate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "  The answer [1].\n", Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL+"/"), WithModel("mistral"))
	answer, err := c.Generate(context.Background(), "prompt text", GenerateOptions{Temperature: 0.3, MaxTokens: 128})
	require.NoError(t, err)

	assert.Equal(t, "The answer [1].", answer)
	assert.Equal(t, "mistral", got.Model)
	assert.Equal(t, "prompt text", got.Prompt)
	assert.False(t, got.Stream)
	assert.InDelta(t, 0.3, got.Options["temperature"], 1e-6)
	assert.EqualValues(t, 128, got.Options["num_predict"])
}

func TestOllamaClientModelOverride(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"ok","done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(WithBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), "p", GenerateOptions{Model: "phi3"})
	require.NoError(t, err)
	assert.Equal(t, "phi3", got.Model)
	assert.Nil(t, got.Options)
	assert.Equal(t, DefaultModel, c.Model())
}

func TestOllamaClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(WithBaseURL(srv.URL)).Generate(context.Background(), "p", GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
