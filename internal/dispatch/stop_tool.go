package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/internal/registry"
	"github.com/agentmesh/swarmd/pkg/models"
)

// StopWorkerTool lets a leader kill a runaway delegated sub-session on a
// specific peer. Dispatching never aborts a worker implicitly (an
// abandoned stream just stops being read); this tool is the explicit
// stop-worker call that actually posts the worker's cancellation.
type StopWorkerTool struct {
	registry       *registry.Registry
	client         *PeerClient
	clusterAppName string
	callerIdentity string
}

// NewStopWorkerTool builds the stop_worker tool sharing the dispatcher's
// registry view and peer client.
func NewStopWorkerTool(reg *registry.Registry, client *PeerClient, clusterAppName, callerIdentity string) *StopWorkerTool {
	return &StopWorkerTool{registry: reg, client: client, clusterAppName: clusterAppName, callerIdentity: callerIdentity}
}

func (t *StopWorkerTool) Name() string { return "stop_worker" }

func (t *StopWorkerTool) Description() string {
	return "Cancels an in-flight delegated sub-task on a specific peer node, identified by worker port and sub-session id."
}

func (t *StopWorkerTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"worker_port": {"type": "integer"},
			"worker_session_id": {"type": "string"}
		},
		"required": ["worker_port", "worker_session_id"]
	}`)
}

type stopWorkerArgs struct {
	WorkerPort      int    `json:"worker_port"`
	WorkerSessionID string `json:"worker_session_id"`
}

func (t *StopWorkerTool) Invoke(ctx context.Context, args json.RawMessage, tc agent.ToolContext) (json.RawMessage, error) {
	var parsed stopWorkerArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("stop_worker: invalid arguments: %w", err)
	}
	if parsed.WorkerPort == 0 || parsed.WorkerSessionID == "" {
		return nil, fmt.Errorf("stop_worker: worker_port and worker_session_id are required")
	}

	peers, err := t.registry.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("stop_worker: list peers: %w", err)
	}
	var peerURL string
	for _, p := range peers {
		if p.Port == parsed.WorkerPort {
			peerURL = p.URL
			break
		}
	}
	if peerURL == "" {
		return textResult(fmt.Sprintf("no peer is registered at port %d.", parsed.WorkerPort)), nil
	}

	req := models.StopWorkerRequest{
		WorkerPort:      parsed.WorkerPort,
		WorkerSessionID: parsed.WorkerSessionID,
		AppName:         t.clusterAppName,
		UserID:          t.callerIdentity,
	}
	if err := t.client.StopWorker(ctx, peerURL, req); err != nil {
		return textResult(fmt.Sprintf("❌ could not stop worker port=%d session=%s: %v", parsed.WorkerPort, parsed.WorkerSessionID, err)), nil
	}
	return textResult(fmt.Sprintf("🛑 stop signal posted to worker port=%d session=%s; it will halt at its next guard point.", parsed.WorkerPort, parsed.WorkerSessionID)), nil
}

var _ agent.Tool = (*StopWorkerTool)(nil)
