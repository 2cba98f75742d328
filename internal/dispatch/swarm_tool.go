package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/internal/observability"
	"github.com/agentmesh/swarmd/internal/registry"
	"github.com/agentmesh/swarmd/pkg/models"
)

// reportingContract is prepended to every outbound dispatch message,
// binding the worker to the swarm's artifact-discipline and brevity rules.
const reportingContract = "you are a worker in the swarm; store long artifacts under ./workspace/{sub_session_id}/; do not dump full code or long text in the reply; report only paths and brief status."

// UrgentPrefix is the literal marker a caller prepends to force urgent
// preemption, read by both this tool's outbound message construction and
// by the gateway's /api/chat handler.
const UrgentPrefix = "[URGENT_INTERRUPT] "

// Priority discriminates the two dispatch urgencies.
type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityUrgent Priority = "URGENT"
)

// SwarmDispatchTool implements dispatch_task: the leader hands
// a sub-task to one candidate peer, optionally a named one, and folds its
// streamed text back into the leader's own output.
type SwarmDispatchTool struct {
	registry       *registry.Registry
	client         *PeerClient
	clusterAppName string
	callerIdentity string
	metrics        *observability.Metrics
}

// NewSwarmDispatchTool builds the dispatch_task tool bound to this node's
// own registry view and peer client. clusterAppName is the app_name every
// node in the swarm shares; callerIdentity is this node's own
// stable identity reported as user_id on outbound peer requests. metrics
// may be nil (tests, or a node run with metrics disabled).
func NewSwarmDispatchTool(reg *registry.Registry, client *PeerClient, clusterAppName, callerIdentity string, metrics *observability.Metrics) *SwarmDispatchTool {
	return &SwarmDispatchTool{registry: reg, client: client, clusterAppName: clusterAppName, callerIdentity: callerIdentity, metrics: metrics}
}

func (t *SwarmDispatchTool) Name() string { return "dispatch_task" }

func (t *SwarmDispatchTool) Description() string {
	return "Delegates a sub-task to a peer node in the swarm, optionally a specific one by port, and returns its final report."
}

func (t *SwarmDispatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_instruction": {"type": "string"},
			"context_info": {"type": "string"},
			"target_port": {"type": "integer"},
			"sub_session_id": {"type": "string"},
			"priority": {"type": "string", "enum": ["NORMAL", "URGENT"]}
		},
		"required": ["task_instruction"]
	}`)
}

type dispatchArgs struct {
	TaskInstruction string `json:"task_instruction"`
	ContextInfo     string `json:"context_info"`
	TargetPort      int    `json:"target_port"`
	SubSessionID    string `json:"sub_session_id"`
	Priority        string `json:"priority"`
}

func (t *SwarmDispatchTool) Invoke(ctx context.Context, args json.RawMessage, tc agent.ToolContext) (json.RawMessage, error) {
	var parsed dispatchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("dispatch_task: invalid arguments: %w", err)
	}
	if parsed.TaskInstruction == "" {
		return nil, fmt.Errorf("dispatch_task: task_instruction is required")
	}
	priority := Priority(parsed.Priority)
	if priority == "" {
		priority = PriorityNormal
	}

	report := t.dispatchOne(ctx, parsed.TaskInstruction, parsed.ContextInfo, priority, parsed.TargetPort, parsed.SubSessionID, tc)
	return textResult(report), nil
}

// dispatchOne runs the full candidate-selection/fan-out/retry algorithm
// for one task and returns its rendered report text. Shared by
// Invoke (single dispatch_task call) and BatchDispatchTool (one call per
// batch entry).
func (t *SwarmDispatchTool) dispatchOne(ctx context.Context, instruction, contextInfo string, priority Priority, targetPort int, subSessionID string, tc agent.ToolContext) string {
	peers, err := t.registry.Peers(ctx)
	if err != nil {
		return fmt.Sprintf("❌ [SWARM TASK FAILED] could not list peers: %v", err)
	}
	if len(peers) == 0 {
		return "no peer nodes are registered; run this task yourself instead of dispatching it."
	}

	candidates := selectCandidates(peers, targetPort)
	if len(candidates) == 0 {
		return fmt.Sprintf("no peer is registered at port %d.", targetPort)
	}

	if subSessionID == "" {
		subSessionID = uuid.NewString()
	}

	message := buildDispatchMessage(instruction, contextInfo, priority)

	var lastErr error
	for _, peer := range candidates {
		if tc.Emit != nil {
			tc.Emit(models.SwarmChunk(models.SwarmEventInit, peer.Port, instruction, "", ""))
		}

		req := models.ChatRequest{
			Message:   message,
			AppName:   t.clusterAppName,
			UserID:    t.callerIdentity,
			SessionID: subSessionID,
		}
		callStart := time.Now()
		result, err := t.client.Chat(ctx, peer.URL, req, peer.Port, tc.Emit)
		if err == nil {
			t.recordOutcome("completed", callStart)
			if tc.Emit != nil {
				tc.Emit(models.SwarmChunk(models.SwarmEventFinish, peer.Port, instruction, result.FinalReport, ""))
			}
			return fmt.Sprintf("✅ [SWARM TASK COMPLETED]\nWorker: port=%d, session=%s\n%s", peer.Port, subSessionID, result.FinalReport)
		}

		var busyErr *BusyError
		if errors.As(err, &busyErr) {
			t.recordOutcome("busy", callStart)
			if targetPort != 0 {
				// A named target is busy: surface the state and let the
				// caller decide, don't silently fail over.
				if tc.Emit != nil {
					tc.Emit(models.SwarmChunk(models.SwarmEventFail, peer.Port, instruction, "", busyErr.Error()))
				}
				return fmt.Sprintf(
					"⏳ peer port=%d is busy with %q (running %.0fs). %s",
					peer.Port, busyErr.Busy.CurrentTask, busyErr.Busy.RunningTimeSeconds, busyErr.Busy.Suggestion,
				)
			}
			// Open candidate pool: try the next one.
			lastErr = busyErr
			continue
		}

		var connErr *ConnError
		if errors.As(err, &connErr) {
			if pruneErr := t.registry.Prune(ctx, peer.Port); pruneErr != nil {
				lastErr = fmt.Errorf("%w (prune also failed: %v)", err, pruneErr)
			} else {
				lastErr = err
			}
			t.recordOutcome("pruned", callStart)
			continue
		}

		t.recordOutcome("failed", callStart)
		lastErr = err
	}

	if tc.Emit != nil {
		tc.Emit(models.SwarmChunk(models.SwarmEventFail, 0, instruction, "", fmt.Sprint(lastErr)))
	}
	return fmt.Sprintf("❌ [SWARM TASK FAILED] no candidate peer could complete the task: %v", lastErr)
}

// recordOutcome feeds one candidate call's result into the dispatch metrics
// (observability.Metrics.RecordDispatch), nil-safe for tests/nodes without
// metrics wired.
func (t *SwarmDispatchTool) recordOutcome(outcome string, start time.Time) {
	if t.metrics != nil {
		t.metrics.RecordDispatch(outcome, time.Since(start).Seconds())
	}
}

// selectCandidates narrows the peer set to either the named target_port
// (if set) or every peer in randomized order.
func selectCandidates(peers []registry.PeerRecord, targetPort int) []registry.PeerRecord {
	if targetPort != 0 {
		for _, p := range peers {
			if p.Port == targetPort {
				return []registry.PeerRecord{p}
			}
		}
		return nil
	}
	shuffled := make([]registry.PeerRecord, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled
}

func buildDispatchMessage(instruction, contextInfo string, priority Priority) string {
	var b strings.Builder
	if priority == PriorityUrgent {
		b.WriteString(UrgentPrefix)
	}
	b.WriteString(reportingContract)
	b.WriteString("\n\n")
	if contextInfo != "" {
		b.WriteString("Context: ")
		b.WriteString(contextInfo)
		b.WriteString("\n\n")
	}
	b.WriteString(instruction)
	return b.String()
}

func textResult(s string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"result": s})
	return payload
}

var _ agent.Tool = (*SwarmDispatchTool)(nil)
