package runtime

import (
	"encoding/json"
	"strings"

	"agentpilot/internal/history"
	"agentpilot/internal/typesys"
	"agentpilot/internal/workflow"
)

const defaultMaxMessages = 10

// Window is the history an agent member sends with its request.
type Window struct {
	Messages []ChatMessage
	// Conversation is set when the history is carried in the system
	// message instead of Messages.
	Conversation string
}

// BuildWindow selects the bounded slice of history member m sees, honoring
// chat.preload, chat.max_messages, chat.max_turns and chat.msgs_in_system.
// Messages from m become assistant turns, everything else user turns, and
// consecutive turns of the same role are merged.
func BuildWindow(w *workflow.Workflow, m *workflow.Member) Window {
	maxMessages := m.Config.Int("chat.max_messages", defaultMaxMessages)
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	maxTurns := m.Config.Int("chat.max_turns", 0)

	var visible []history.Message
	for _, msg := range w.Store().Messages() {
		switch msg.Role {
		case history.RoleError, history.RoleAudio, history.RoleSystem:
			continue
		}
		visible = append(visible, msg)
	}
	own := func(i int) bool { return m.Owns(visible[i].MemberID) }

	start := 0
	if maxTurns > 0 {
		turns := 0
		for i := len(visible) - 1; i >= 0; i-- {
			if own(i) && (i+1 == len(visible) || !own(i+1)) {
				turns++
				if turns > maxTurns {
					start = i + 1
					break
				}
			}
		}
	}
	visible = visible[start:]
	if len(visible) > maxMessages {
		visible = visible[len(visible)-maxMessages:]
	}

	out := Window{Messages: preload(m.Config)}
	fullContext := hasContextInput(w, m)
	if fullContext || m.Config.Bool("chat.msgs_in_system", false) {
		// a context input carries the whole conversation, not a window of it
		limit := maxMessages
		if fullContext {
			limit = 0
		}
		out.Conversation = w.Store().ConversationString(limit, w.MemberName)
		for i := len(visible) - 1; i >= 0; i-- {
			if !own(i) {
				out.Messages = append(out.Messages, ChatMessage{Role: "user", Content: visible[i].Content})
				break
			}
		}
		return out
	}

	// results whose call fell outside the window cannot be sent
	calls := map[string]bool{}
	for i, msg := range visible {
		if own(i) {
			switch msg.Role {
			case history.RoleToolCall:
				if call, ok := decodeToolCall(msg.Content); ok {
					calls[call.ID] = true
					out.Messages = appendToolCall(out.Messages, call)
					continue
				}
			case history.RoleTool:
				if id := anyString(msg.Log["tool_call_id"]); id != "" {
					if calls[id] {
						out.Messages = append(out.Messages, ChatMessage{Role: "tool", Content: msg.Content, ToolCallID: id})
					}
					continue
				}
			}
		}
		cm := ChatMessage{Role: "user", Content: msg.Content}
		if own(i) {
			cm.Role = "assistant"
		} else {
			cm.Name = chatName(w.MemberName(msg.MemberID))
		}
		out.Messages = appendMerged(out.Messages, cm)
	}
	return out
}

func decodeToolCall(content string) (LLMToolCall, bool) {
	var c struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &c); err != nil || c.ID == "" || c.Name == "" {
		return LLMToolCall{}, false
	}
	return LLMToolCall{ID: c.ID, Type: "function", Name: c.Name, Arguments: c.Arguments}, true
}

// appendToolCall attaches call to the preceding assistant message, which
// holds the text the model produced in the same round.
func appendToolCall(msgs []ChatMessage, call LLMToolCall) []ChatMessage {
	if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" {
		msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
		return msgs
	}
	return append(msgs, ChatMessage{Role: "assistant", ToolCalls: []LLMToolCall{call}})
}

func hasContextInput(w *workflow.Workflow, m *workflow.Member) bool {
	for _, in := range w.Graph().Inputs(m.ID) {
		if in.Type == typesys.InputContext {
			return true
		}
	}
	return false
}

func preload(cfg workflow.Config) []ChatMessage {
	var out []ChatMessage
	for _, item := range cfg.List("chat.preload") {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content := anyString(entry["content"])
		if strings.TrimSpace(content) == "" {
			continue
		}
		role := anyString(entry["role"])
		if role != "assistant" && role != "system" {
			role = "user"
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}
	return out
}

func appendMerged(msgs []ChatMessage, cm ChatMessage) []ChatMessage {
	if n := len(msgs); n > 0 && msgs[n-1].Role == cm.Role && cm.Role != "system" && len(msgs[n-1].ToolCalls) == 0 {
		prev := &msgs[n-1]
		prev.Content += "\n\n" + cm.Content
		if prev.Name != cm.Name {
			prev.Name = ""
		}
		return msgs
	}
	return append(msgs, cm)
}

// chatName maps a display name onto the characters providers accept in
// the message name field.
func chatName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
