package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsResult(t *testing.T) {
	var got CallResult
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	n.Send(context.Background(), CallResult{
		CallSID: "CA123",
		ChatID:  "chat-1",
		Transcript: []TranscriptEntry{
			{Speaker: "assistant", Text: "Hello!"},
			{Speaker: "user", Text: "Hi."},
		},
		Duration:      12.5,
		WorkflowRunID: "run-1",
	})

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "CA123", got.CallSID)
	assert.Equal(t, "chat-1", got.ChatID)
	assert.Equal(t, "run-1", got.WorkflowRunID)
	assert.Equal(t, 12.5, got.Duration)
	require.Len(t, got.Transcript, 2)
	assert.Equal(t, "assistant", got.Transcript[0].Speaker)
}

func TestSendFailureDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	n.Send(context.Background(), CallResult{CallSID: "CA123"})
}

func TestSendNoURLIsNoop(t *testing.T) {
	n := NewNotifier("")
	n.Send(context.Background(), CallResult{CallSID: "CA123"})
}

func TestSendUnreachable(t *testing.T) {
	n := NewNotifier("http://127.0.0.1:1/hook")
	n.Send(context.Background(), CallResult{CallSID: "CA123"})
}
