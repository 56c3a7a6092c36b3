package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentpilot/internal/workflow"
)

func TestRunToolEcho(t *testing.T) {
	out, err := runTool(context.Background(), &EchoTool{}, ToolExecution{MemberID: "4", Input: "ping", Args: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var payload struct {
		Tool   string         `json:"tool"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if payload.Tool != "echo" || payload.Result["input"] != "ping" || payload.Result["member"] != "4" {
		t.Fatalf("payload=%+v", payload)
	}
}

func TestFileReadToolStaysInWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("remember the milk"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tool, err := newTool(dir, "file_read", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	out, err := tool.Execute(context.Background(), ToolExecution{Input: "notes.txt", Args: map[string]any{"max_bytes": 8}})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["text"] != "remember" || out["bytes"] != 8 || out["detected_kind"] != "output/text" {
		t.Fatalf("out=%v", out)
	}

	for _, p := range []string{"../outside.txt", "/etc/passwd"} {
		if _, err := tool.Execute(context.Background(), ToolExecution{Args: map[string]any{"path": p}}); err == nil {
			t.Fatalf("path %q accepted", p)
		}
	}
	if _, err := tool.Execute(context.Background(), ToolExecution{}); err == nil {
		t.Fatalf("missing path accepted")
	}
}

func TestHTTPToolFetchesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Check") != "1" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tool, _ := newTool("", "http", 0)
	out, err := tool.Execute(context.Background(), ToolExecution{Args: map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Check": "1"},
	}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["status"] != http.StatusOK || out["detected_kind"] != "output/json" || !strings.Contains(out["body"].(string), "ok") {
		t.Fatalf("out=%v", out)
	}
	if _, err := tool.Execute(context.Background(), ToolExecution{Input: "not a url"}); err == nil {
		t.Fatalf("invalid url accepted")
	}
}

func TestNewToolUnknownType(t *testing.T) {
	if _, err := newTool("", "teleport", 0); err == nil {
		t.Fatalf("unknown tool type accepted")
	}
}

func TestAgentToolsResolvesMembersAndTypes(t *testing.T) {
	env, _ := newTestEnv(t, &scriptedProvider{})
	w := windowWorkflow(t, `{"_TYPE":"workflow","members":[
		{"id":"1","loc_x":0,"config":{"_TYPE":"user"}},
		{"id":"2","loc_x":1,"config":{"_TYPE":"agent","chat.tools":["3","echo"]}},
		{"id":"3","loc_x":2,"config":{"_TYPE":"tool","info.name":"Fixed Echo","tool.type":"echo","tool.args":{"mode":"fixed"}}}],"inputs":[]}`)
	ts, err := agentTools(Invocation{Env: env, Workflow: w}, member(t, w, "2"))
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(ts.defs) != 2 || ts.defs[0].Name != "Fixed_Echo" || ts.defs[1].Name != "echo" {
		t.Fatalf("defs=%+v", ts.defs)
	}
	if ts.defs[0].Parameters["type"] != "object" {
		t.Fatalf("parameters=%v", ts.defs[0].Parameters)
	}

	ctx := context.Background()
	out := ts.call(ctx, LLMToolCall{ID: "c1", Name: "Fixed_Echo", Arguments: `{"input":"hi","extra":1}`})
	for _, want := range []string{`"mode":"fixed"`, `"member":"3"`, `"extra":1`, `"input":"hi"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("payload=%s missing %s", out, want)
		}
	}
	if out := ts.call(ctx, LLMToolCall{Name: "nope"}); !strings.Contains(out, `"error":"unknown tool`) {
		t.Fatalf("unknown tool payload=%s", out)
	}
	if out := ts.call(ctx, LLMToolCall{Name: "echo", Arguments: "{bad"}); !strings.Contains(out, `"error"`) {
		t.Fatalf("bad arguments payload=%s", out)
	}
}

func TestAgentToolsRejectsNonToolMember(t *testing.T) {
	env, _ := newTestEnv(t, &scriptedProvider{})
	w := windowWorkflow(t, `{"_TYPE":"workflow","members":[
		{"id":"1","config":{"_TYPE":"user"}},
		{"id":"2","config":{"_TYPE":"agent","chat.tools":["1"]}}],"inputs":[]}`)
	_, err := agentTools(Invocation{Env: env, Workflow: w}, member(t, w, "2"))
	var ce *workflow.ConfigError
	if !errors.As(err, &ce) || ce.Key != "chat.tools" {
		t.Fatalf("err=%v want ConfigError on chat.tools", err)
	}
}
