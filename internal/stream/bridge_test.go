package stream

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"

	"agentpilot/internal/history"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type fakeSaver struct {
	saved []history.Message
}

func (f *fakeSaver) SaveMessage(_ context.Context, role, content, memberID string, log map[string]any) (history.Message, bool, error) {
	if strings.TrimSpace(content) == "" {
		return history.Message{}, false, nil
	}
	m := history.Message{ID: int64(len(f.saved) + 1), Role: role, Content: content, MemberID: memberID, Log: log}
	f.saved = append(f.saved, m)
	return m, true, nil
}

func chunks(items []Chunk, failAfter int) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for i, c := range items {
			if failAfter >= 0 && i == failAfter {
				yield(Chunk{}, errors.New("provider dropped connection"))
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func TestDrivePersistsOnCompletion(t *testing.T) {
	rec := &recorder{}
	b := NewBridge(rec)
	defer b.Close()
	saver := &fakeSaver{}

	res, err := b.Drive(context.Background(), 1, "2", chunks([]Chunk{
		Text("", "Hel"), Text("", "lo"), Call("c1", "lookup", `{"q":"go"}`),
	}, -1), saver, nil)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if res.Chunks != 3 || len(res.Messages) != 2 {
		t.Fatalf("res=%+v", res)
	}
	if saver.saved[0].Content != "Hello" || saver.saved[0].Role != history.RoleAssistant {
		t.Fatalf("saved=%+v", saver.saved[0])
	}
	if saver.saved[1].Role != history.RoleToolCall || !strings.Contains(saver.saved[1].Content, `"name":"lookup"`) {
		t.Fatalf("tool call message=%+v", saver.saved[1])
	}
	if saver.saved[1].Log["tool_call_id"] != "c1" {
		t.Fatalf("tool call log=%v", saver.saved[1].Log)
	}
	b.Flush()
	want := []EventKind{EventChunk, EventChunk, EventChunk, EventMessage, EventMessage}
	if got := rec.kinds(); len(got) != len(want) {
		t.Fatalf("events=%v want=%v", got, want)
	}
}

func TestDriveKeepsToolExchangeInOrder(t *testing.T) {
	b := NewBridge()
	defer b.Close()
	saver := &fakeSaver{}
	log := map[string]any{"model": "m1"}

	_, err := b.Drive(context.Background(), 1, "2", chunks([]Chunk{
		Text("", "checking"),
		Call("c1", "echo", `{"input":"x"}`),
		Call("c2", "echo", `{"input":"y"}`),
		ToolResult("c1", "echo", `{"tool":"echo","result":{"input":"x"}}`),
		ToolResult("c2", "echo", `{"tool":"echo","result":{"input":"y"}}`),
		Text("", "done"),
	}, -1), saver, log)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	var roles []string
	for _, m := range saver.saved {
		roles = append(roles, m.Role)
	}
	want := "assistant,tool_call,tool_call,tool,tool,assistant"
	if got := strings.Join(roles, ","); got != want {
		t.Fatalf("roles=%s want=%s", got, want)
	}
	if saver.saved[3].Log["tool_call_id"] != "c1" || saver.saved[4].Log["tool_call_id"] != "c2" {
		t.Fatalf("result logs=%v %v", saver.saved[3].Log, saver.saved[4].Log)
	}
	if saver.saved[3].Log["model"] != "m1" || saver.saved[5].Log["tool_call_id"] != nil {
		t.Fatalf("logs=%v %v", saver.saved[3].Log, saver.saved[5].Log)
	}
	if _, ok := log["tool_call_id"]; ok {
		t.Fatalf("caller log mutated: %v", log)
	}
	if saver.saved[5].Content != "done" {
		t.Fatalf("final=%+v", saver.saved[5])
	}
}

func TestDriveFailureDiscardsPartialOutput(t *testing.T) {
	rec := &recorder{}
	b := NewBridge(rec)
	defer b.Close()
	saver := &fakeSaver{}

	_, err := b.Drive(context.Background(), 1, "2", chunks([]Chunk{Text("", "a"), Text("", "b"), Text("", "c")}, 2), saver, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(saver.saved) != 0 {
		t.Fatalf("saved=%v want none", saver.saved)
	}
	b.Flush()
	if got := rec.kinds(); len(got) != 2 {
		t.Fatalf("events=%v want two chunks", got)
	}
}

func TestDriveSkip(t *testing.T) {
	b := NewBridge()
	defer b.Close()
	saver := &fakeSaver{}
	res, err := b.Drive(context.Background(), 1, "2", chunks([]Chunk{Control(SignalSkip)}, -1), saver, nil)
	if err != nil || !res.Skipped || len(saver.saved) != 0 {
		t.Fatalf("res=%+v err=%v saved=%v", res, err, saver.saved)
	}
}

func TestDriveCancelled(t *testing.T) {
	b := NewBridge()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	saver := &fakeSaver{}
	if _, err := b.Drive(ctx, 1, "2", chunks([]Chunk{Text("", "x")}, -1), saver, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if len(saver.saved) != 0 {
		t.Fatalf("saved=%v", saver.saved)
	}
}

func TestEmitOrderAndErrorOnce(t *testing.T) {
	rec := &recorder{}
	b := NewBridge(rec)
	for i := 0; i < 100; i++ {
		b.Emit(7, "2", history.RoleAssistant, string(rune('a'+i%26)))
	}
	b.OnError(7, "2", errors.New("boom"))
	b.OnError(7, "2", errors.New("boom again"))
	b.OnTurnComplete(7, "error", "")
	b.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 102 {
		t.Fatalf("events=%d want=102", len(rec.events))
	}
	for i := 0; i < 100; i++ {
		if rec.events[i].Text != string(rune('a'+i%26)) {
			t.Fatalf("event %d out of order: %q", i, rec.events[i].Text)
		}
	}
	if rec.events[100].Kind != EventError || rec.events[100].Err != "boom" {
		t.Fatalf("error event=%+v", rec.events[100])
	}
	if rec.events[101].Kind != EventTurnComplete || rec.events[101].State != "error" {
		t.Fatalf("complete event=%+v", rec.events[101])
	}
}

func TestEventFields(t *testing.T) {
	f := eventFields(Event{Kind: EventMessage, TurnID: 3, MemberID: "2", Message: &history.Message{ID: 9, ContextID: 1}})
	if f["event"] != "message" || f["message_id"] != int64(9) || f["member_id"] != "2" {
		t.Fatalf("fields=%v", f)
	}
	if _, ok := f["error"]; ok {
		t.Fatalf("unexpected error field")
	}
}
