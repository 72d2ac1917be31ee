package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseChunk(content string) string {
	c := streamChunk{Choices: []streamChoice{{Delta: streamDelta{Content: content}}}}
	b, _ := json.Marshal(c)
	return "data: " + string(b) + "\n\n"
}

func newSSEServer(t *testing.T, handler http.HandlerFunc) *AzureClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewAzureClient(srv.URL, "test-key", "gpt-4", "2024-02-01")
	return c
}

func TestGenerateAssemblesStream(t *testing.T) {
	var gotPath, gotKey string
	var gotReq chatCompletionsRequest
	c := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("Hello"))
		fmt.Fprint(w, sseChunk(", "))
		fmt.Fprint(w, sseChunk("world."))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	out, err := c.Generate(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", out)
	assert.Equal(t, "/openai/deployments/gpt-4/chat/completions", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.True(t, gotReq.Stream)
	assert.Equal(t, 150, gotReq.MaxTokens)
	assert.Len(t, gotReq.Messages, 2)
}

func TestGenerateEmptyResponse(t *testing.T) {
	c := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerateWhitespaceOnlyIsEmpty(t *testing.T) {
	c := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseChunk("   "))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerateHTTPError(t *testing.T) {
	c := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestGenerateSkipsMalformedChunks(t *testing.T) {
	c := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, sseChunk("ok"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	out, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestGenerateMissingKey(t *testing.T) {
	c := &AzureClient{HTTPClient: http.DefaultClient}
	_, err := c.Generate(context.Background(), nil)
	assert.Error(t, err)
}

func TestGenerateContextCanceled(t *testing.T) {
	c := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, []Message{{Role: "user", Content: "hi"}})
	assert.Error(t, err)
}
