package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/swarmd/internal/busylock"
	"github.com/agentmesh/swarmd/pkg/models"
)

func ndjsonLine(t *testing.T, c models.Chunk) []byte {
	t.Helper()
	line, err := json.Marshal(models.ChunkLine{Chunk: c})
	require.NoError(t, err)
	return append(line, '\n')
}

func TestPeerClientChatProjectsTextChunksOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(ndjsonLine(t, models.TextChunk("hello ")))
		w.Write(ndjsonLine(t, models.ToolCallChunk("whatever", nil)))
		w.Write(ndjsonLine(t, models.TextChunk("world")))
	}))
	defer srv.Close()

	signer := NewSigner("test-secret", time.Minute)
	client := NewPeerClient(signer, 9001, 5*time.Second)

	var emitted []models.Chunk
	result, err := client.Chat(t.Context(), srv.URL, models.ChatRequest{Message: "hi"}, 9002, func(c models.Chunk) {
		emitted = append(emitted, c)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.FinalReport)
	assert.Len(t, emitted, 2, "expected one swarm_event chunk emitted per text chunk, tool_call chunk dropped")
}

func TestPeerClientChatReturnsBusyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		busy := busylock.BusyResponse{Status: "busy", CurrentTask: "doing something", RunningTimeSeconds: 12.5, Suggestion: "retry later"}
		payload, _ := json.Marshal(busy)
		w.Write(payload)
	}))
	defer srv.Close()

	client := NewPeerClient(nil, 9001, 5*time.Second)
	_, err := client.Chat(t.Context(), srv.URL, models.ChatRequest{Message: "hi"}, 9002, nil)
	require.Error(t, err)
	var busyErr *BusyError
	require.True(t, errors.As(err, &busyErr))
	assert.Equal(t, "doing something", busyErr.Busy.CurrentTask)
}

func TestPeerClientChatReturnsConnErrorOnUnreachablePeer(t *testing.T) {
	client := NewPeerClient(nil, 9001, 200*time.Millisecond)
	_, err := client.Chat(t.Context(), "http://127.0.0.1:1", models.ChatRequest{Message: "hi"}, 9002, nil)
	require.Error(t, err)
	var connErr *ConnError
	assert.True(t, errors.As(err, &connErr))
}
