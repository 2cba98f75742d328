// Package models provides the domain types shared across the swarm node:
// sessions, events, parts, and tool bindings.
package models

import (
	"encoding/json"
	"time"
)

// Author identifies who produced an Event.
type Author string

const (
	AuthorUser   Author = "user"
	AuthorModel  Author = "model"
	AuthorSystem Author = "system"
)

// Role mirrors the conversational role carried on an Event's content, kept
// distinct from Author so a system-authored event can still carry a
// user-facing role. The compaction summary event is authored as user with
// role "user", so the next model turn reads it as conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleModel     Role = "model"
	RoleSystem    Role = "system"
	RoleToolReply Role = "tool"
)

// PartType discriminates the tagged union held by a Part.
type PartType string

const (
	PartText             PartType = "text"
	PartThought          PartType = "thought"
	PartFunctionCall     PartType = "function_call"
	PartFunctionResponse PartType = "function_response"
)

// Part is a tagged union. Exactly one of the fields matching Type is
// populated; the rest are zero. This mirrors the four part kinds the
// session runtime streams and persists.
type Part struct {
	Type PartType `json:"type"`

	// Text holds the payload for PartText and PartThought.
	Text string `json:"text,omitempty"`

	// FunctionCall holds the payload for PartFunctionCall.
	FunctionCall *FunctionCall `json:"function_call,omitempty"`

	// FunctionResponse holds the payload for PartFunctionResponse.
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// FunctionCall is the model's request to invoke a tool.
type FunctionCall struct {
	ID       string          `json:"id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse is the result of a tool invocation, matched back to its
// call by ToolCallID.
type FunctionResponse struct {
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Synthetic  bool            `json:"synthetic,omitempty"`
}

// Content is the role-tagged body of an Event.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextContent concatenates every text/thought part in Content, in order.
// Used by the compaction engine's text rendering and by title derivation.
func (c Content) TextContent() string {
	var out string
	for _, p := range c.Parts {
		if p.Type == PartText || p.Type == PartThought {
			out += p.Text
		}
	}
	return out
}

// Event is one append-only entry in a session's event log.
type Event struct {
	Author    Author  `json:"author"`
	Content   Content `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTextEvent builds a plain text event for the given author/role.
func NewTextEvent(author Author, role Role, text string, at time.Time) Event {
	return Event{
		Author:    author,
		Content:   Content{Role: role, Parts: []Part{{Type: PartText, Text: text}}},
		CreatedAt: at,
	}
}

// SessionKey uniquely identifies a conversation: (app_name, user_id, session_id).
type SessionKey struct {
	AppName   string `json:"app_name"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// String renders the key as a stable composite string, used as the primary
// key in the SQLite-backed session store.
func (k SessionKey) String() string {
	return k.AppName + "/" + k.UserID + "/" + k.SessionID
}

// ParseSessionKey reverses String, splitting on the first two "/"
// separators so a session_id that itself contains "/" is preserved intact.
// Used to recover a SessionKey from the string form handed to tools via
// ToolContext.SessionKey (e.g. by skill_load's compactor activation).
func ParseSessionKey(s string) (SessionKey, bool) {
	first := -1
	second := -1
	for i, r := range s {
		if r != '/' {
			continue
		}
		if first == -1 {
			first = i
			continue
		}
		second = i
		break
	}
	if first == -1 || second == -1 {
		return SessionKey{}, false
	}
	return SessionKey{
		AppName:   s[:first],
		UserID:    s[first+1 : second],
		SessionID: s[second+1:],
	}, true
}

// Session is a conversation thread: a key, auto-derived metadata, and an
// ordered event log.
type Session struct {
	Key       SessionKey     `json:"key"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Events    []Event        `json:"events"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionSummary is the lightweight projection returned by session listing.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeriveTitle derives a session title from the first user turn: its first
// ~30 characters. Callers may substitute an LLM-generated title without
// changing this contract.
func DeriveTitle(firstUserMessage string) string {
	const maxLen = 30
	r := []rune(firstUserMessage)
	if len(r) <= maxLen {
		return string(r)
	}
	return string(r[:maxLen])
}
