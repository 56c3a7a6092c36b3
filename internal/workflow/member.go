package workflow

import (
	"strings"

	"agentpilot/internal/typesys"
)

type Kind string

const (
	KindUser     Kind = "user"
	KindAgent    Kind = "agent"
	KindTool     Kind = "tool"
	KindBlock    Kind = "block"
	KindWorkflow Kind = "workflow"
)

var contracts = map[Kind]typesys.Contract{
	KindUser: {
		Inputs:  []typesys.Field{{Key: "info.name", Kind: typesys.KindString}},
		Outputs: []typesys.Kind{typesys.OutputText},
	},
	KindAgent: {
		Inputs: []typesys.Field{
			{Key: "info.name", Kind: typesys.KindString, Description: "Display name."},
			{Key: "info.avatar_path", Kind: typesys.KindString},
			{Key: "chat.provider", Kind: typesys.KindString, Description: "Provider name from agentpilot.yaml."},
			{Key: "chat.model", Kind: typesys.KindString},
			{Key: "chat.sys_msg", Kind: typesys.KindText, Description: "System message template."},
			{Key: "chat.preload", Kind: typesys.KindList, Description: "Messages prepended to every request."},
			{Key: "chat.max_messages", Kind: typesys.KindInt},
			{Key: "chat.max_turns", Kind: typesys.KindInt},
			{Key: "chat.msgs_in_system", Kind: typesys.KindBool},
			{Key: "chat.response_instruction", Kind: typesys.KindString},
			{Key: "chat.tools", Kind: typesys.KindList, Description: "Tools the model may call: tool member ids or tool types."},
			{Key: "chat.max_tool_rounds", Kind: typesys.KindInt},
			{Key: "voice.char_name", Kind: typesys.KindString},
			{Key: "voice.verb", Kind: typesys.KindString},
			{Key: "voice.spoken_times", Kind: typesys.KindBool},
			{Key: "loop.max_iterations", Kind: typesys.KindInt},
			{Key: "loop.exit_condition", Kind: typesys.KindString},
		},
		Outputs: []typesys.Kind{typesys.OutputText, typesys.OutputJSON},
	},
	KindTool: {
		Inputs: []typesys.Field{
			{Key: "info.name", Kind: typesys.KindString},
			{Key: "tool.type", Kind: typesys.KindString, Required: true, Description: "echo, file_read or http."},
			{Key: "tool.args", Kind: typesys.KindObject},
			{Key: "tool.timeout_ms", Kind: typesys.KindInt},
		},
		Outputs: []typesys.Kind{typesys.OutputJSON},
		Accepts: []typesys.Kind{typesys.InputMessage},
	},
	KindBlock: {
		Inputs: []typesys.Field{
			{Key: "info.name", Kind: typesys.KindString},
			{Key: "block.type", Kind: typesys.KindString, Description: "text, prompt or code."},
			{Key: "block.text", Kind: typesys.KindText},
			{Key: "block.timeout_ms", Kind: typesys.KindInt},
			{Key: "chat.provider", Kind: typesys.KindString},
			{Key: "chat.model", Kind: typesys.KindString},
		},
		Outputs: []typesys.Kind{typesys.OutputText, typesys.OutputCode},
		Accepts: []typesys.Kind{typesys.InputMessage},
	},
	KindWorkflow: {
		Inputs:  []typesys.Field{{Key: "info.name", Kind: typesys.KindString}},
		Outputs: []typesys.Kind{typesys.OutputText},
	},
}

// ContractFor returns the capability contract of a member kind.
func ContractFor(k Kind) (typesys.Contract, bool) {
	c, ok := contracts[k]
	return c, ok
}

// Member is one node of a graph. ID is fully qualified: members of a
// nested workflow are prefixed with the outer id ("3.1").
type Member struct {
	ID      string
	Kind    Kind
	AgentID *int64
	LocX    float64
	LocY    float64
	Config  Config
	// Index is the declaration index within the owning graph.
	Index int
	// Inner is set for workflow members.
	Inner *Graph

	doc MemberDoc
}

func (m *Member) Name() string {
	if n := m.Config.String("info.name", ""); n != "" {
		return n
	}
	if m.Kind == KindUser {
		return "user"
	}
	return string(m.Kind) + " " + m.ID
}

// Owns reports whether a message member id belongs to this member, which
// for a nested workflow includes every inner member.
func (m *Member) Owns(memberID string) bool {
	return memberID == m.ID || strings.HasPrefix(memberID, m.ID+".")
}
