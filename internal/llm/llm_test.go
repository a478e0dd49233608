package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"consensus-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"llama3","choices":[{"index":0,"message":{"role":"assistant","content":"DECISION: BUY\nCONFIDENCE: 0.8"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(service.LLMConfig{Endpoint: srv.URL + "/v1/", APIKey: "secret", MaxTokens: 300})
	gen, err := c.Generate(context.Background(), "llama3", []Message{{Role: "user", Content: "hi"}}, 0.3)
	require.NoError(t, err)
	assert.Equal(t, "DECISION: BUY\nCONFIDENCE: 0.8", gen.Text)
	assert.True(t, gen.Latency > 0)
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, 0.3, got.Temperature)
	assert.Equal(t, 300, got.MaxTokens)
	assert.False(t, got.Stream)
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := NewClient(service.LLMConfig{Endpoint: srv.URL}).Generate(ctx, "slow", nil, 0)
		var te *service.ModelTimeoutError
		require.True(t, errors.As(err, &te), "got %v", err)
		assert.Equal(t, "slow", te.ModelID)
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := NewClient(service.LLMConfig{Endpoint: srv.URL}).Generate(context.Background(), "missing", nil, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("no choices", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()

		_, err := NewClient(service.LLMConfig{Endpoint: srv.URL}).Generate(context.Background(), "m", nil, 0)
		assert.ErrorContains(t, err, "no choices")
	})
}

func TestBreakerLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	b := NewBreaker(service.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, OpenTimeout: time.Minute})
	b.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, BreakerClosed, b.State())
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, BreakerClosed, b.State(), "success resets the failure streak")

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	// 半开期间失败立即重新打开
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	require.True(t, b.Allow())
	b.Success()
	b.Success()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerSet(t *testing.T) {
	t.Parallel()

	set := NewBreakerSet(service.BreakerConfig{})
	a := set.Get("a")
	assert.Same(t, a, set.Get("a"))
	for i := 0; i < 5; i++ {
		a.Failure()
	}
	set.Get("b")
	assert.Equal(t, map[string]BreakerState{"a": BreakerOpen, "b": BreakerClosed}, set.States())
}
