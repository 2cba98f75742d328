package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/internal/registry"
	"github.com/agentmesh/swarmd/pkg/models"
)

func TestStopWorkerToolPostsToNamedPeer(t *testing.T) {
	var received models.StopWorkerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/stop_worker", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		payload, _ := json.Marshal(models.StatusResponse{Status: "success"})
		w.Write(payload)
	}))
	defer srv.Close()

	store := newFakeStore(registry.PeerRecord{Port: 9002, URL: srv.URL, Status: registry.StatusActive})
	reg := newTestRegistry(9001, store)
	tool := NewStopWorkerTool(reg, NewPeerClient(nil, 9001, 2*time.Second), "cluster", "node-9001")

	args, _ := json.Marshal(map[string]any{"worker_port": 9002, "worker_session_id": "sub-1"})
	out, err := tool.Invoke(context.Background(), args, agent.ToolContext{})
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Contains(t, result["result"], "stop signal posted")
	assert.Equal(t, 9002, received.WorkerPort)
	assert.Equal(t, "sub-1", received.WorkerSessionID)
	assert.Equal(t, "cluster", received.AppName)
	assert.Equal(t, "node-9001", received.UserID)
}

func TestStopWorkerToolUnknownPortReportsNotRegistered(t *testing.T) {
	reg := newTestRegistry(9001, newFakeStore())
	tool := NewStopWorkerTool(reg, NewPeerClient(nil, 9001, time.Second), "cluster", "node-9001")

	args, _ := json.Marshal(map[string]any{"worker_port": 9999, "worker_session_id": "sub-1"})
	out, err := tool.Invoke(context.Background(), args, agent.ToolContext{})
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Contains(t, result["result"], "no peer is registered at port 9999")
}

func TestPeerClientStopWorkerSurfacesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		payload, _ := json.Marshal(models.StatusResponse{Status: "error", Error: "missing session"})
		w.Write(payload)
	}))
	defer srv.Close()

	client := NewPeerClient(nil, 9001, 2*time.Second)
	err := client.StopWorker(context.Background(), srv.URL, models.StopWorkerRequest{WorkerPort: 9002, WorkerSessionID: "x", AppName: "a", UserID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing session")
}
