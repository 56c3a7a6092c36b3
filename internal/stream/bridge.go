package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"agentpilot/internal/history"
)

type EventKind string

const (
	EventChunk        EventKind = "chunk"
	EventMessage      EventKind = "message"
	EventError        EventKind = "error"
	EventTurnComplete EventKind = "turn_complete"
)

type Event struct {
	Kind     EventKind
	TurnID   int64
	MemberID string
	Role     string
	Text     string
	Message  *history.Message
	Err      string
	// State and WaitingFor are set on turn_complete.
	State      string
	WaitingFor string
	At         time.Time

	flushed chan struct{}
}

type Listener interface {
	HandleEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// Saver persists finished member output.
type Saver interface {
	SaveMessage(ctx context.Context, role, content, memberID string, log map[string]any) (history.Message, bool, error)
}

// Bridge hands events from the turn worker to listeners on its own
// dispatcher goroutine. Emit never blocks on a listener and events are
// delivered in the order they were emitted.
type Bridge struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	listeners []Listener
	failed    map[int64]bool
	closed    bool
	done      chan struct{}
}

func NewBridge(listeners ...Listener) *Bridge {
	b := &Bridge{listeners: listeners, failed: map[int64]bool{}, done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

func (b *Bridge) Subscribe(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Bridge) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		ls := slices.Clone(b.listeners)
		b.mu.Unlock()

		for _, e := range batch {
			if e.flushed != nil {
				close(e.flushed)
				continue
			}
			for _, l := range ls {
				l.HandleEvent(e)
			}
		}
	}
}

func (b *Bridge) push(e Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.queue = append(b.queue, e)
	b.cond.Signal()
	return true
}

// Flush blocks until every event emitted before the call was delivered.
func (b *Bridge) Flush() {
	ch := make(chan struct{})
	if b.push(Event{flushed: ch}) {
		<-ch
	}
}

// Close delivers queued events and stops the dispatcher.
func (b *Bridge) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Broadcast()
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bridge) Emit(turnID int64, memberID, role, text string) {
	b.push(Event{Kind: EventChunk, TurnID: turnID, MemberID: memberID, Role: role, Text: text})
}

func (b *Bridge) OnMessage(turnID int64, m history.Message) {
	b.push(Event{Kind: EventMessage, TurnID: turnID, MemberID: m.MemberID, Role: m.Role, Text: m.Content, Message: &m})
}

// OnError reports a failed turn. Only the first call per turn is delivered.
func (b *Bridge) OnError(turnID int64, memberID string, err error) {
	b.mu.Lock()
	if b.failed[turnID] {
		b.mu.Unlock()
		return
	}
	b.failed[turnID] = true
	b.mu.Unlock()
	b.push(Event{Kind: EventError, TurnID: turnID, MemberID: memberID, Err: err.Error()})
}

func (b *Bridge) OnTurnComplete(turnID int64, state, waitingFor string) {
	b.mu.Lock()
	delete(b.failed, turnID)
	b.mu.Unlock()
	b.push(Event{Kind: EventTurnComplete, TurnID: turnID, State: state, WaitingFor: waitingFor})
}

// Result describes one driven member invocation.
type Result struct {
	Messages []history.Message
	Chunks   int
	Skipped  bool
}

// segment is one message Drive will save. Consecutive text of one role
// shares a segment; every tool call and tool result gets its own.
type segment struct {
	role string
	text strings.Builder
	tool *ToolCall
}

// Drive consumes a member's chunk sequence, forwarding chunks as they
// arrive. Accumulated output is saved only once the sequence is exhausted
// without error; a failing or cancelled sequence persists nothing. Tool
// calls and their results are saved in stream order with the call id in
// the message log.
func (b *Bridge) Drive(ctx context.Context, turnID int64, memberID string, seq iter.Seq2[Chunk, error], saver Saver, log map[string]any) (Result, error) {
	var (
		res  Result
		segs []*segment
	)
	for chunk, err := range seq {
		if err != nil {
			return Result{}, err
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		switch chunk.Kind {
		case KindText, KindTerminal:
			role := chunk.Role
			if role == "" {
				role = history.RoleAssistant
			}
			var seg *segment
			if n := len(segs); n > 0 && segs[n-1].tool == nil && segs[n-1].role == role {
				seg = segs[n-1]
			} else {
				seg = &segment{role: role}
				segs = append(segs, seg)
			}
			seg.text.WriteString(chunk.Text)
			res.Chunks++
			b.Emit(turnID, memberID, role, chunk.Text)
		case KindToolCall:
			call := chunk.Tool
			payload, err := json.Marshal(call)
			if err != nil {
				return Result{}, fmt.Errorf("encode tool call: %w", err)
			}
			seg := &segment{role: history.RoleToolCall, tool: &call}
			seg.text.Write(payload)
			segs = append(segs, seg)
			res.Chunks++
			b.Emit(turnID, memberID, history.RoleToolCall, call.Name+"("+call.Arguments+")")
		case KindToolResult:
			call := chunk.Tool
			seg := &segment{role: history.RoleTool, tool: &call}
			seg.text.WriteString(chunk.Text)
			segs = append(segs, seg)
			res.Chunks++
			b.Emit(turnID, memberID, history.RoleTool, chunk.Text)
		case KindControl:
			if chunk.Signal == SignalSkip {
				res.Skipped = true
			}
		}
	}
	if res.Skipped {
		return res, nil
	}

	saveCtx := context.WithoutCancel(ctx)
	for _, seg := range segs {
		msgLog := log
		if seg.tool != nil {
			msgLog = maps.Clone(log)
			if msgLog == nil {
				msgLog = map[string]any{}
			}
			msgLog["tool_call_id"] = seg.tool.ID
			msgLog["tool"] = seg.tool.Name
		}
		m, ok, err := saver.SaveMessage(saveCtx, seg.role, seg.text.String(), memberID, msgLog)
		if err != nil {
			return res, fmt.Errorf("save %s message: %w", seg.role, err)
		}
		if ok {
			res.Messages = append(res.Messages, m)
			b.OnMessage(turnID, m)
		}
	}
	return res, nil
}
