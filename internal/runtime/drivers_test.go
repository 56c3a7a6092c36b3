package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"agentpilot/internal/history"
	"agentpilot/internal/workflow"
)

func TestBlockAndToolMembers(t *testing.T) {
	env, _ := newTestEnv(t, &scriptedProvider{})
	s := newTestScheduler(t, env, `{"_TYPE":"workflow","members":[
		{"id":"1","loc_x":0,"config":{"_TYPE":"user","info.name":"Sam"}},
		{"id":"2","loc_x":1,"config":{"_TYPE":"block","block.text":"got {input} from {Sam}"}},
		{"id":"3","loc_x":2,"config":{"_TYPE":"block","block.type":"code","block.text":"echo shell-{1}"}},
		{"id":"4","loc_x":3,"config":{"_TYPE":"tool","tool.type":"echo","tool.args":{"mode":"test"}}}],"inputs":[]}`, 0)

	out := send(t, s, "hi")
	if out.State != StateIdle || len(out.Messages) != 3 {
		t.Fatalf("state=%s err=%v messages=%+v", out.State, out.Err, out.Messages)
	}
	if m := out.Messages[0]; m.Role != history.RoleBlock || m.Content != "got hi from hi" {
		t.Fatalf("text block=%+v", m)
	}
	if m := out.Messages[1]; m.Role != history.RoleCode || strings.TrimSpace(m.Content) != "shell-hi" {
		t.Fatalf("code block=%+v", m)
	}
	if m := out.Messages[2]; m.Role != history.RoleTool || !strings.Contains(m.Content, `"tool":"echo"`) || !strings.Contains(m.Content, `"mode":"test"`) {
		t.Fatalf("tool=%+v", m)
	}
}

func TestPromptBlockUsesProvider(t *testing.T) {
	p := &scriptedProvider{replies: []string{"summary"}}
	env, _ := newTestEnv(t, p)
	s := newTestScheduler(t, env, `{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"user"}},
		{"id":"2","config":{"_TYPE":"block","block.type":"prompt","block.text":"summarize {input}","chat.provider":"fake"}}],"inputs":[]}`, 0)

	out := send(t, s, "a long story")
	if len(out.Messages) != 1 || out.Messages[0].Content != "summary" {
		t.Fatalf("messages=%+v", out.Messages)
	}
	if got := p.requests[0].Messages[0].Content; got != "summarize a long story" {
		t.Fatalf("prompt=%q", got)
	}
}

func TestUnknownBlockTypeFailsTurn(t *testing.T) {
	env, _ := newTestEnv(t, &scriptedProvider{})
	s := newTestScheduler(t, env, `{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"user"}},
		{"id":"2","config":{"_TYPE":"block","block.type":"hologram"}}],"inputs":[]}`, 0)

	out := send(t, s, "hi")
	var ce *workflow.ConfigError
	if out.State != StateError || !errors.As(out.Err, &ce) || ce.Key != "block.type" {
		t.Fatalf("state=%s err=%v", out.State, out.Err)
	}
}

func TestAgentRequestSystemMessage(t *testing.T) {
	env, _ := newTestEnv(t, &scriptedProvider{})
	s := newTestScheduler(t, env, `{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"user"}},
		{"id":"2","config":{"_TYPE":"agent","info.name":"Ada","chat.sys_msg":"You are {agent_name}.","chat.response_instruction":"ask"}}],"inputs":[]}`, 0)
	m, _ := s.wf.Graph().Member("2")

	d := &AgentDriver{member: m}
	req := d.Request(Invocation{Env: env, Workflow: s.wf, Looper: &workflow.Input{ExitCondition: "DONE"}})
	if !strings.HasPrefix(req.SystemPrompt, "You are Ada.") {
		t.Fatalf("system=%q", req.SystemPrompt)
	}
	_, question, _ := Directive("question")
	if !strings.Contains(req.SystemPrompt, question) || !strings.HasSuffix(req.SystemPrompt, "include DONE in your reply.") {
		t.Fatalf("system=%q", req.SystemPrompt)
	}
}

func TestUserDriverSkips(t *testing.T) {
	env, _ := newTestEnv(t, &scriptedProvider{})
	s := newTestScheduler(t, env, twoMembers, 0)
	out, ok := s.Run(context.Background(), "1", false)
	if !ok || out.State != StateIdle || len(out.Messages) != 0 {
		t.Fatalf("ok=%v state=%s messages=%d", ok, out.State, len(out.Messages))
	}
}
