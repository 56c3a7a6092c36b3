package runtime

import (
	"context"
	"iter"
)

type LLMRequest struct {
	AgentName    string
	Model        string
	SystemPrompt string
	Messages     []ChatMessage
	Tools        []LLMToolDefinition
}

type ChatMessage struct {
	Role       string
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []LLMToolCall
}

type LLMToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type LLMToolCall struct {
	ID        string
	Type      string
	Name      string
	Arguments string
}

// LLMChunk is one increment of a streamed completion. Exactly one of Text
// or ToolCall is set, except for the final chunk which may only carry
// FinishReason.
type LLMChunk struct {
	Text         string
	ToolCall     *LLMToolCall
	FinishReason string
}

// Provider streams a completion. The sequence is finite and can be ranged
// over once; a non-nil error ends it.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req LLMRequest) iter.Seq2[LLMChunk, error]
}

type ToolExecution struct {
	MemberID string
	// Input is the newest upstream message text.
	Input string
	Args  map[string]any
}

type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, exec ToolExecution) (map[string]any, error)
}
