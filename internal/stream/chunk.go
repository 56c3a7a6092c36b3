package stream

// Kind tags a Chunk.
type Kind int

const (
	KindText Kind = iota + 1
	KindToolCall
	KindControl
	KindTerminal
	KindToolResult
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindToolCall:
		return "tool_call"
	case KindControl:
		return "control"
	case KindTerminal:
		return "terminal"
	case KindToolResult:
		return "tool_result"
	}
	return "unknown"
}

type Signal string

// SignalSkip advances the turn without persisting a message.
const SignalSkip Signal = "skip"

type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Chunk is one item a member driver yields. Only the fields of its Kind
// are set.
type Chunk struct {
	Kind   Kind
	Role   string
	Text   string
	Tool   ToolCall
	Signal Signal
}

// Text is incremental output for role.
func Text(role, text string) Chunk { return Chunk{Kind: KindText, Role: role, Text: text} }

func Call(id, name, args string) Chunk {
	return Chunk{Kind: KindToolCall, Tool: ToolCall{ID: id, Name: name, Arguments: args}}
}

func Control(sig Signal) Chunk { return Chunk{Kind: KindControl, Signal: sig} }

// Terminal is the complete output of a synchronous member.
func Terminal(role, payload string) Chunk { return Chunk{Kind: KindTerminal, Role: role, Text: payload} }

// ToolResult is the output of a tool the model called. id matches the
// call it answers.
func ToolResult(id, name, payload string) Chunk {
	return Chunk{Kind: KindToolResult, Text: payload, Tool: ToolCall{ID: id, Name: name}}
}
