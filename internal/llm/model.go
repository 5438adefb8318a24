// Package llm adapts chat models that can call tools.
package llm

import (
	"context"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Reply is one generation step: either text, tool calls, or both.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

type Model interface {
	Generate(ctx context.Context, msgs []Message, tools []ToolDef) (Reply, error)
}

// Offline answers without a model. Used when no API key is configured.
type Offline struct{}

func (Offline) Generate(_ context.Context, msgs []Message, _ []ToolDef) (Reply, error) {
	last := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			last = msgs[i].Content
			break
		}
	}
	return Reply{Content: "The assistant model is not configured. You said: " + strings.TrimSpace(last)}, nil
}
