package models

import "encoding/json"

// ChunkType discriminates the tagged union of output chunks the session
// runtime streams to the HTTP facade.
type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkThought    ChunkType = "thought"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
	ChunkSwarmEvent ChunkType = "swarm_event"
)

// SwarmEventSubType discriminates nested swarm-dispatch progress chunks.
type SwarmEventSubType string

const (
	SwarmEventInit   SwarmEventSubType = "init"
	SwarmEventChunk  SwarmEventSubType = "chunk"
	SwarmEventFinish SwarmEventSubType = "finish"
	SwarmEventFail   SwarmEventSubType = "fail"
)

// Chunk is one line of the ndjson stream the chat endpoint emits, wrapped
// as {"chunk": <Chunk>} at the wire level (see internal/gateway).
type Chunk struct {
	Type ChunkType `json:"type"`

	// Text carries the payload for ChunkText and ChunkThought.
	Text string `json:"text,omitempty"`

	// ToolName/Args/Content/Clean carry the payload for ChunkToolCall and
	// ChunkToolResult.
	ToolName string          `json:"tool_name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Content  string          `json:"content,omitempty"`
	Clean    bool            `json:"clean,omitempty"`

	// Swarm fields carry the payload for ChunkSwarmEvent.
	SwarmSubType SwarmEventSubType `json:"sub_type,omitempty"`
	WorkerPort   int               `json:"worker_port,omitempty"`
	TaskPreview  string            `json:"task_preview,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// TextChunk builds a ChunkText.
func TextChunk(text string) Chunk { return Chunk{Type: ChunkText, Text: text} }

// ThoughtChunk builds a ChunkThought.
func ThoughtChunk(text string) Chunk { return Chunk{Type: ChunkThought, Text: text} }

// ToolCallChunk builds a ChunkToolCall.
func ToolCallChunk(toolName string, args json.RawMessage) Chunk {
	return Chunk{Type: ChunkToolCall, ToolName: toolName, Args: args}
}

// ToolResultChunk builds a ChunkToolResult.
func ToolResultChunk(toolName, content string, clean bool) Chunk {
	return Chunk{Type: ChunkToolResult, ToolName: toolName, Content: content, Clean: clean}
}

// SwarmChunk builds a ChunkSwarmEvent.
func SwarmChunk(sub SwarmEventSubType, workerPort int, taskPreview, content, errMsg string) Chunk {
	return Chunk{
		Type:         ChunkSwarmEvent,
		SwarmSubType: sub,
		WorkerPort:   workerPort,
		TaskPreview:  taskPreview,
		Content:      content,
		Error:        errMsg,
	}
}
