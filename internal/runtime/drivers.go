package runtime

import (
	"context"
	"fmt"
	"iter"
	"os/exec"
	"strings"
	"sync"
	"time"

	"agentpilot/internal/history"
	"agentpilot/internal/stream"
	"agentpilot/internal/workflow"
)

// Invocation is one request for a member to respond within a turn.
type Invocation struct {
	Env      *Env
	Workflow *workflow.Workflow
	TurnID   int64
	// Looper is the looper input that made the member due, if any.
	Looper *workflow.Input
}

// Driver produces a member's response as a lazy chunk sequence. Drivers
// never persist anything; the bridge saves the accumulated output once the
// sequence ends without error.
type Driver interface {
	Receive(ctx context.Context, inv Invocation) iter.Seq2[stream.Chunk, error]
}

type DriverFactory func(env *Env, m *workflow.Member) (Driver, error)

type DriverRegistry struct {
	mu        sync.RWMutex
	factories map[workflow.Kind]DriverFactory
}

func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{factories: map[workflow.Kind]DriverFactory{}}
}

// DefaultDrivers registers the driver of every member kind that responds
// on its own. Workflow members are expanded by the scheduler.
func DefaultDrivers() *DriverRegistry {
	r := NewDriverRegistry()
	r.Register(workflow.KindUser, newUserDriver)
	r.Register(workflow.KindAgent, newAgentDriver)
	r.Register(workflow.KindTool, newToolDriver)
	r.Register(workflow.KindBlock, newBlockDriver)
	return r
}

func (r *DriverRegistry) Register(kind workflow.Kind, f DriverFactory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

func (r *DriverRegistry) New(env *Env, m *workflow.Member) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[m.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &workflow.ConfigError{MemberID: m.ID, Key: workflow.KeyType, Message: fmt.Sprintf("no driver for member type %q", m.Kind)}
	}
	return f(env, m)
}

// UserDriver never speaks for the user; it only lets the turn move past a
// user member that was started explicitly.
type UserDriver struct{}

func newUserDriver(*Env, *workflow.Member) (Driver, error) { return UserDriver{}, nil }

func (UserDriver) Receive(context.Context, Invocation) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		yield(stream.Control(stream.SignalSkip), nil)
	}
}

type AgentDriver struct {
	member *workflow.Member
}

func newAgentDriver(_ *Env, m *workflow.Member) (Driver, error) {
	return &AgentDriver{member: m}, nil
}

// Request builds the provider request from the member config and the
// current history.
func (d *AgentDriver) Request(inv Invocation) LLMRequest {
	m := d.member
	win := BuildWindow(inv.Workflow, m)
	instruction := m.Config.String("chat.response_instruction", "")
	responseType := "response"
	if key, _, ok := Directive(instruction); ok {
		responseType = key
	}
	vars := SystemVars{
		AgentName:    m.Name(),
		CharName:     m.Config.String("voice.char_name", ""),
		Verb:         m.Config.String("voice.verb", ""),
		ResponseType: responseType,
		Now:          inv.Env.now(),
	}
	sys := SystemMessage(m.Config.String("chat.sys_msg", ""), vars, win.Conversation, instruction)
	if inv.Looper != nil && inv.Looper.ExitCondition != "" {
		sys = strings.TrimSpace(sys + "\n\nWhen the task is complete, include " + inv.Looper.ExitCondition + " in your reply.")
	}
	return LLMRequest{
		AgentName:    m.Name(),
		Model:        m.Config.String("chat.model", ""),
		SystemPrompt: sys,
		Messages:     win.Messages,
	}
}

// Receive streams the agent's reply. When chat.tools offers tools, each
// round of model tool calls is executed and answered before the provider
// is asked again, up to chat.max_tool_rounds rounds.
func (d *AgentDriver) Receive(ctx context.Context, inv Invocation) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		m := d.member
		p, err := inv.Env.Providers.Resolve(m.Config.String("chat.provider", ""))
		if err != nil {
			yield(stream.Chunk{}, &workflow.ConfigError{MemberID: m.ID, Key: "chat.provider", Message: err.Error()})
			return
		}
		tools, err := agentTools(inv, m)
		if err != nil {
			yield(stream.Chunk{}, err)
			return
		}

		req := d.Request(inv)
		req.Tools = tools.defs
		rounds := m.Config.Int("chat.max_tool_rounds", defaultToolRounds)
		spoken := inv.Env.SpokenTimes || m.Config.Bool("voice.spoken_times", false)
		var held strings.Builder
		flush := func() bool {
			if held.Len() == 0 {
				return true
			}
			text := SpokenTimes(held.String())
			held.Reset()
			return yield(stream.Text(history.RoleAssistant, text), nil)
		}

		start := time.Now()
		for round := 0; ; round++ {
			if round >= rounds {
				req.Tools = nil
			}
			var (
				calls []LLMToolCall
				said  strings.Builder
			)
			for c, err := range p.Stream(ctx, req) {
				if err != nil {
					yield(stream.Chunk{}, &ProviderError{MemberID: m.ID, Err: err})
					return
				}
				switch {
				case c.ToolCall != nil:
					if len(req.Tools) == 0 {
						inv.Env.logger().WarnContext(ctx, "dropping tool call; no tools offered",
							"member_id", m.ID,
							"tool", c.ToolCall.Name)
						continue
					}
					call := *c.ToolCall
					if call.ID == "" {
						call.ID = fmt.Sprintf("call_%d_%d", round, len(calls))
					}
					calls = append(calls, call)
					// clock times never straddle a tool call
					if !flush() || !yield(stream.Call(call.ID, call.Name, call.Arguments), nil) {
						return
					}
				case c.Text != "" && spoken:
					// clock times can straddle chunks, so spoken output is
					// converted once the text run is complete
					said.WriteString(c.Text)
					held.WriteString(c.Text)
				case c.Text != "":
					said.WriteString(c.Text)
					if !yield(stream.Text(history.RoleAssistant, c.Text), nil) {
						return
					}
				}
			}
			if len(calls) == 0 {
				break
			}
			req.Messages = append(req.Messages, ChatMessage{Role: "assistant", Content: said.String(), ToolCalls: calls})
			for _, call := range calls {
				payload := tools.call(ctx, call)
				if err := ctx.Err(); err != nil {
					yield(stream.Chunk{}, err)
					return
				}
				if !yield(stream.ToolResult(call.ID, call.Name, payload), nil) {
					return
				}
				req.Messages = append(req.Messages, ChatMessage{Role: "tool", Content: payload, ToolCallID: call.ID})
			}
		}
		inv.Env.logger().DebugContext(ctx, "provider stream finished",
			"provider", p.Name(),
			"duration_ms", time.Since(start).Milliseconds())
		flush()
	}
}

type ToolDriver struct {
	member  *workflow.Member
	tool    Tool
	timeout time.Duration
}

func newToolDriver(env *Env, m *workflow.Member) (Driver, error) {
	timeout := time.Duration(m.Config.Int("tool.timeout_ms", 0)) * time.Millisecond
	t, err := newTool(env.Workspace, m.Config.String("tool.type", ""), timeout)
	if err != nil {
		return nil, &workflow.ConfigError{MemberID: m.ID, Key: "tool.type", Message: err.Error()}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ToolDriver{member: m, tool: t, timeout: timeout}, nil
}

func (d *ToolDriver) Receive(ctx context.Context, inv Invocation) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		payload, err := runTool(ctx, d.tool, ToolExecution{
			MemberID: d.member.ID,
			Input:    upstreamInput(inv.Workflow, d.member),
			Args:     d.member.Config.Map("tool.args"),
		})
		if err != nil {
			yield(stream.Chunk{}, &ProviderError{MemberID: d.member.ID, Err: err})
			return
		}
		yield(stream.Terminal(history.RoleTool, payload), nil)
	}
}

const (
	BlockText   = "text"
	BlockPrompt = "prompt"
	BlockCode   = "code"
)

type BlockDriver struct {
	member  *workflow.Member
	typ     string
	timeout time.Duration
}

func newBlockDriver(_ *Env, m *workflow.Member) (Driver, error) {
	typ := m.Config.String("block.type", BlockText)
	switch typ {
	case BlockText, BlockPrompt, BlockCode:
	default:
		return nil, &workflow.ConfigError{MemberID: m.ID, Key: "block.type", Message: fmt.Sprintf("unsupported block type %q", typ)}
	}
	timeout := time.Duration(m.Config.Int("block.timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BlockDriver{member: m, typ: typ, timeout: timeout}, nil
}

func (d *BlockDriver) Receive(ctx context.Context, inv Invocation) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		m := d.member
		text := renderBlock(inv.Workflow, m, m.Config.String("block.text", ""))
		switch d.typ {
		case BlockText:
			yield(stream.Terminal(history.RoleBlock, text), nil)
		case BlockCode:
			out, err := runCode(ctx, inv.Env.Workspace, text, d.timeout)
			if err != nil {
				yield(stream.Chunk{}, &ProviderError{MemberID: m.ID, Err: err})
				return
			}
			yield(stream.Terminal(history.RoleCode, out), nil)
		case BlockPrompt:
			p, err := inv.Env.Providers.Resolve(m.Config.String("chat.provider", ""))
			if err != nil {
				yield(stream.Chunk{}, &workflow.ConfigError{MemberID: m.ID, Key: "chat.provider", Message: err.Error()})
				return
			}
			req := LLMRequest{
				AgentName: m.Name(),
				Model:     m.Config.String("chat.model", ""),
				Messages:  []ChatMessage{{Role: "user", Content: text}},
			}
			for c, err := range p.Stream(ctx, req) {
				if err != nil {
					yield(stream.Chunk{}, &ProviderError{MemberID: m.ID, Err: err})
					return
				}
				if c.Text != "" && !yield(stream.Text(history.RoleBlock, c.Text), nil) {
					return
				}
			}
		}
	}
}

// renderBlock fills {input} with the newest upstream message and {name}
// or {id} of any member with that member's last message.
func renderBlock(w *workflow.Workflow, m *workflow.Member, text string) string {
	pairs := []string{"{input}", upstreamInput(w, m)}
	var add func(members []*workflow.Member)
	add = func(members []*workflow.Member) {
		for _, other := range members {
			last, _ := w.LastMessage(other.ID)
			pairs = append(pairs, "{"+other.ID+"}", last.Content)
			if n := other.Config.String("info.name", ""); n != "" {
				pairs = append(pairs, "{"+n+"}", last.Content)
			}
			if other.Inner != nil {
				add(other.Inner.Members())
			}
		}
	}
	add(w.Graph().Members())
	return strings.NewReplacer(pairs...).Replace(text)
}

// upstreamInput is the newest message from any input of m. Members without
// inputs, such as the inner members of a nested workflow, see the newest
// message they do not own.
func upstreamInput(w *workflow.Workflow, m *workflow.Member) string {
	var best history.Message
	for _, in := range w.Graph().Inputs(m.ID) {
		if msg, ok := w.LastMessage(in.From); ok && msg.ID > best.ID {
			best = msg
		}
	}
	if best.ID == 0 {
		best, _ = w.Store().LastMatching(func(msg history.Message) bool {
			return !m.Owns(msg.MemberID) && msg.Role != history.RoleError
		})
	}
	return best.Content
}

func runCode(ctx context.Context, dir, script string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("code block: %w", ctx.Err())
		}
		return "", fmt.Errorf("code block: %w: %s", err, trim(string(out), 300))
	}
	return string(out), nil
}
