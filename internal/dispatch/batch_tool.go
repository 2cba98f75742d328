package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agentmesh/swarmd/internal/agent"
)

// BatchDispatchTool implements dispatch_batch: fans a list of
// independent tasks out across the swarm in parallel, each getting its own
// fresh sub_session_id and no target_port (the open candidate pool decides
// placement for every entry independently), then joins the ordered reports
// with a stable delimiter the UI parses on.
type BatchDispatchTool struct {
	swarm *SwarmDispatchTool
}

// NewBatchDispatchTool builds dispatch_batch on top of an existing
// SwarmDispatchTool so both tools share one registry view and peer client.
func NewBatchDispatchTool(swarm *SwarmDispatchTool) *BatchDispatchTool {
	return &BatchDispatchTool{swarm: swarm}
}

func (t *BatchDispatchTool) Name() string { return "dispatch_batch" }

func (t *BatchDispatchTool) Description() string {
	return "Fans a list of independent tasks out across the swarm in parallel and returns each worker's report, in order."
}

func (t *BatchDispatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"tasks": {"type": "array", "items": {"type": "string"}},
			"common_context": {"type": "string"},
			"priority": {"type": "string", "enum": ["NORMAL", "URGENT"]}
		},
		"required": ["tasks"]
	}`)
}

type batchArgs struct {
	Tasks         []string `json:"tasks"`
	CommonContext string   `json:"common_context"`
	Priority      string   `json:"priority"`
}

// resultDelimiter is the byte-for-byte stable wire format the UI splits
// joined batch reports on. Not translated or reformatted per locale.
const resultDelimiter = "--- 任务 %d 结果 ---"

func (t *BatchDispatchTool) Invoke(ctx context.Context, args json.RawMessage, tc agent.ToolContext) (json.RawMessage, error) {
	var parsed batchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("dispatch_batch: invalid arguments: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("dispatch_batch: tasks must be non-empty")
	}
	priority := Priority(parsed.Priority)
	if priority == "" {
		priority = PriorityNormal
	}

	reports := make([]string, len(parsed.Tasks))
	var wg sync.WaitGroup
	for i, task := range parsed.Tasks {
		wg.Add(1)
		go func(i int, task string) {
			defer wg.Done()
			reports[i] = t.swarm.dispatchOne(ctx, task, parsed.CommonContext, priority, 0, uuid.NewString(), tc)
		}(i, task)
	}
	wg.Wait()

	var joined string
	for i, report := range reports {
		if i > 0 {
			joined += "\n"
		}
		joined += fmt.Sprintf(resultDelimiter, i+1) + "\n" + report + "\n"
	}

	payload, _ := json.Marshal(map[string]string{"result": joined})
	return payload, nil
}

var _ agent.Tool = (*BatchDispatchTool)(nil)
