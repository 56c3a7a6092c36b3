package typesys

import (
	"encoding/json"
	"testing"
)

func TestNormalizeInput(t *testing.T) {
	cases := map[string]Kind{"": InputMessage, "message": InputMessage, "Context": InputContext, "input/context": InputContext}
	for raw, want := range cases {
		got, err := NormalizeInput(raw)
		if err != nil || got != want {
			t.Fatalf("NormalizeInput(%q)=%q err=%v want=%q", raw, got, err, want)
		}
	}
	if _, err := NormalizeInput("string"); err == nil {
		t.Fatalf("expected error for non-input kind")
	}
}

func TestContractCheck(t *testing.T) {
	c := Contract{Inputs: []Field{
		{Key: "chat.max_messages", Kind: KindInt},
		{Key: "tool.type", Kind: KindString, Required: true},
	}}
	probs := c.Check(map[string]any{"chat.max_messages": json.Number("1.5"), "extra": true})
	if len(probs) != 2 {
		t.Fatalf("problems=%v want 2", probs)
	}
	if probs[0].Key != "chat.max_messages" || probs[1].Key != "tool.type" {
		t.Fatalf("problems=%v", probs)
	}
	if probs := c.Check(map[string]any{"tool.type": "echo", "chat.max_messages": float64(10)}); len(probs) != 0 {
		t.Fatalf("unexpected problems=%v", probs)
	}
}

func TestKindShort(t *testing.T) {
	if InputContext.Short() != "context" {
		t.Fatalf("short=%q", InputContext.Short())
	}
}

func TestContractEdgeKinds(t *testing.T) {
	tool := Contract{Outputs: []Kind{OutputJSON}, Accepts: []Kind{InputMessage}}
	agent := Contract{Outputs: []Kind{OutputText, OutputJSON}}
	if tool.CanFeed(InputContext) {
		t.Fatalf("json-only member fed a context input")
	}
	if !tool.CanFeed(InputMessage) || !agent.CanFeed(InputContext) {
		t.Fatalf("expected message and context feeds to be allowed")
	}
	if tool.CanReceive(InputContext) || !tool.CanReceive(InputMessage) {
		t.Fatalf("tool accepts=%v", tool.Accepts)
	}
	if !agent.CanReceive(InputContext) {
		t.Fatalf("empty Accepts should take any input")
	}
	if (Contract{}).CanFeed(InputMessage) {
		t.Fatalf("member without outputs fed an input")
	}
}
