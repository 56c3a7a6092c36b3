package workflow

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"agentpilot/internal/typesys"
)

const sampleWorkflow = `{
  "_TYPE": "workflow",
  "params": [{"name": "topic"}],
  "members": [
    {"id": 1, "agent_id": null, "loc_x": 10, "loc_y": 0, "config": {"_TYPE": "user"}},
    {"id": 2, "agent_id": 7, "loc_x": 100, "loc_y": 0, "color": "#fff",
     "config": {"_TYPE": "agent", "info.name": "Ada", "chat.max_messages": 4, "ui.collapsed": true}},
    {"id": 3, "loc_x": 200, "loc_y": 0, "config": {"_TYPE": "tool", "tool.type": "echo"}}
  ],
  "inputs": [
    {"member_id": 2, "input_member_id": 1, "type": "message", "note": "keep"},
    {"member_id": 3, "input_member_id": 2, "type": "message"}
  ]
}`

func TestParseRoundTripKeepsUnknownKeys(t *testing.T) {
	g, err := Parse([]byte(sampleWorkflow))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["params"]; !ok {
		t.Fatalf("top-level extra dropped: %s", out)
	}
	members := got["members"].([]any)
	m2 := members[1].(map[string]any)
	if m2["color"] != "#fff" || m2["agent_id"] != float64(7) || m2["id"] != float64(2) {
		t.Fatalf("member 2=%v", m2)
	}
	cfg := m2["config"].(map[string]any)
	if cfg["ui.collapsed"] != true || cfg["chat.max_messages"] != float64(4) {
		t.Fatalf("config=%v", cfg)
	}
	in0 := got["inputs"].([]any)[0].(map[string]any)
	if in0["note"] != "keep" || in0["type"] != "message" {
		t.Fatalf("input=%v", in0)
	}

	again, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	out2, _ := json.Marshal(again)
	if string(out2) != string(out) {
		t.Fatalf("second round trip differs:\n%s\n%s", out, out2)
	}
}

func TestBareConfigIsWrapped(t *testing.T) {
	g, err := Parse([]byte(`{"info.name": "Solo", "chat.model": "gpt-4o-mini"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ms := g.Members()
	if len(ms) != 2 || ms[0].Kind != KindUser || ms[1].Kind != KindAgent || ms[1].Name() != "Solo" {
		t.Fatalf("members=%+v", ms)
	}
	if in := g.MemberInputs("2"); in["1"] != typesys.InputMessage {
		t.Fatalf("inputs=%v", in)
	}
}

func TestMembersOrderedByPosition(t *testing.T) {
	g, err := Parse([]byte(`{"_TYPE":"workflow","members":[
		{"id":"b","loc_x":50,"config":{"_TYPE":"agent"}},
		{"id":"a","loc_x":0,"config":{"_TYPE":"user"}},
		{"id":"c","loc_x":50,"loc_y":-5,"config":{"_TYPE":"agent"}}
	],"inputs":[]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var ids []string
	for _, m := range g.Members() {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "a,c,b" {
		t.Fatalf("order=%v", ids)
	}
	if in := g.Inputs("a"); len(in) != 0 {
		t.Fatalf("first member inputs=%v", in)
	}
	if in := g.Inputs("b"); len(in) != 1 || in[0].From != "c" || !in[0].Implicit {
		t.Fatalf("implicit inputs=%v", in)
	}
}

func TestAddInputRejectsCycles(t *testing.T) {
	g, err := Parse([]byte(`{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"user"}},
		{"id":"2","config":{"_TYPE":"agent"}},
		{"id":"3","config":{"_TYPE":"agent"}},
		{"id":"4","config":{"_TYPE":"agent"}}
	],"inputs":[
		{"member_id":"2","input_member_id":"1","type":"message"},
		{"member_id":"3","input_member_id":"2","type":"message"},
		{"member_id":"4","input_member_id":"3","type":"message"}
	]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var gerr *GraphError
	if err := g.AddInput(Input{From: "4", To: "2"}); !errors.As(err, &gerr) {
		t.Fatalf("multi-hop cycle err=%v want GraphError", err)
	}
	if err := g.AddInput(Input{From: "3", To: "3"}); !errors.As(err, &gerr) {
		t.Fatalf("self loop err=%v want GraphError", err)
	}
	if err := g.AddInput(Input{From: "3", To: "2"}); !errors.As(err, &gerr) {
		t.Fatalf("direct cycle err=%v want GraphError", err)
	}
	if err := g.AddInput(Input{From: "4", To: "2", Looper: true, MaxIterations: 3}); err != nil {
		t.Fatalf("looper edge: %v", err)
	}
	if err := g.AddInput(Input{From: "1", To: "4"}); err != nil {
		t.Fatalf("forward edge: %v", err)
	}
	if !g.CheckForCircularReferences("2", []string{"4"}) {
		t.Fatalf("expected cycle 2<-4")
	}
	if err := g.AddInput(Input{From: "9", To: "2"}); !errors.As(err, &gerr) {
		t.Fatalf("dangling err=%v want GraphError", err)
	}
}

func TestBuildRejectsCycleAndDangling(t *testing.T) {
	_, err := Parse([]byte(`{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"agent"}},
		{"id":"2","config":{"_TYPE":"agent"}}
	],"inputs":[
		{"member_id":"1","input_member_id":"2"},
		{"member_id":"2","input_member_id":"1"},
		{"member_id":"2","input_member_id":"7"}
	]}`))
	var gerr *GraphError
	if !errors.As(err, &gerr) {
		t.Fatalf("err=%v want GraphError", err)
	}
	if !strings.Contains(err.Error(), "unknown member 7") || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	_, err := Parse([]byte(`{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"tool"}},
		{"id":"2","config":{"_TYPE":"agent","chat.max_messages":"many"}},
		{"id":"3","config":{"_TYPE":"robot"}}
	],"inputs":[]}`))
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err=%v want ConfigError", err)
	}
	if !strings.Contains(err.Error(), "robot") {
		t.Fatalf("err=%v", err)
	}

	_, err = Parse([]byte(`{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"tool"}},
		{"id":"2","config":{"_TYPE":"agent","chat.max_messages":"many"}}
	],"inputs":[]}`))
	if !errors.As(err, &cerr) || !strings.Contains(err.Error(), "tool.type") || !strings.Contains(err.Error(), "chat.max_messages") {
		t.Fatalf("err=%v", err)
	}
}

func TestEdgeKindsConstrainEachOther(t *testing.T) {
	_, err := Parse([]byte(`{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"user"}},
		{"id":"2","config":{"_TYPE":"tool","tool.type":"echo"}},
		{"id":"3","config":{"_TYPE":"agent"}}
	],"inputs":[
		{"member_id":"2","input_member_id":"1","type":"context"},
		{"member_id":"3","input_member_id":"2","type":"context"}
	]}`))
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("err=%v want ConfigError", err)
	}
	if !strings.Contains(err.Error(), "tool member 2 cannot receive a context input") {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(err.Error(), "tool member 2 cannot feed a context input") {
		t.Fatalf("err=%v", err)
	}

	g, err := Parse([]byte(`{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"user"}},
		{"id":"2","config":{"_TYPE":"tool","tool.type":"echo"}},
		{"id":"3","config":{"_TYPE":"agent"}}
	],"inputs":[
		{"member_id":"2","input_member_id":"1","type":"message"},
		{"member_id":"3","input_member_id":"1","type":"context"}
	]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := g.AddInput(Input{From: "3", To: "2", Type: typesys.InputContext}); !errors.As(err, &cerr) {
		t.Fatalf("context into tool err=%v want ConfigError", err)
	}
	if err := g.AddInput(Input{From: "2", To: "3", Type: typesys.InputMessage}); err != nil {
		t.Fatalf("message from tool: %v", err)
	}
}

func TestNestedWorkflowIDs(t *testing.T) {
	g, err := Parse([]byte(`{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"user"}},
		{"id":"2","config":{"_TYPE":"workflow","members":[
			{"id":"1","config":{"_TYPE":"agent","info.name":"Inner A"}},
			{"id":"2","config":{"_TYPE":"agent"}}
		],"inputs":[]}}
	],"inputs":[]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, ok := g.Member("2.1")
	if !ok || m.Name() != "Inner A" {
		t.Fatalf("nested member=%v ok=%v", m, ok)
	}
	outer, _ := g.Member("2")
	if !outer.Owns("2.2") || outer.Owns("22") {
		t.Fatalf("owns mismatch")
	}
	if in := outer.Inner.Inputs("2.2"); len(in) != 1 || in[0].From != "2.1" {
		t.Fatalf("inner inputs=%v", in)
	}
}
