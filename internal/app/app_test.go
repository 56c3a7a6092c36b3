package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentpilot/internal/project"
	"agentpilot/internal/runtime"
)

const testWorkflow = `{"_TYPE":"workflow","members":[
	{"id":"1","loc_x":0,"config":{"_TYPE":"user"}},
	{"id":"2","loc_x":1,"config":{"_TYPE":"agent","info.name":"Helper","chat.provider":"local"}}],"inputs":[]}`

func writeWorkspace(t *testing.T, rootYAML, wf string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, project.RootConfigFile), []byte(rootYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if wf != "" {
		path := filepath.Join(dir, project.DefaultWorkflowPath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(wf), 0o644); err != nil {
			t.Fatalf("write workflow: %v", err)
		}
	}
	return dir
}

func newSystem(t *testing.T, dir string) *System {
	t.Helper()
	sys, err := New(context.Background(), dir, Options{LogOutput: io.Discard, NodeID: 1})
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	t.Cleanup(func() { _ = sys.Close(context.Background()) })
	return sys
}

const memoryConfig = `version: 1
default_provider: local
providers:
  - name: local
    type: mock
    model: mock-small
database:
  driver: memory
`

func TestOpenChatRunsTurnAndReopens(t *testing.T) {
	sys := newSystem(t, writeWorkspace(t, memoryConfig, testWorkflow))
	ctx := context.Background()

	sched, err := sys.OpenChat(ctx, 0)
	if err != nil {
		t.Fatalf("open chat: %v", err)
	}
	if ok, err := sched.SendMessage(ctx, "hello", ""); !ok || err != nil {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}
	out := sched.Wait()
	if out.State != runtime.StateIdle || len(out.Messages) != 1 {
		t.Fatalf("state=%s err=%v messages=%+v", out.State, out.Err, out.Messages)
	}
	if !strings.HasPrefix(out.Messages[0].Content, "[mock] agent=Helper") {
		t.Fatalf("reply=%q", out.Messages[0].Content)
	}

	chats, err := sys.Chats(ctx)
	if err != nil || len(chats) != 1 {
		t.Fatalf("chats=%v err=%v", chats, err)
	}
	again, err := sys.OpenChat(ctx, chats[0].ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := again.Workflow().Store().Len(); n != 2 {
		t.Fatalf("reopened messages=%d want=2", n)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := writeWorkspace(t, `providers:
  - name: x
    type: telepathy
database:
  driver: memory
`, "")
	_, err := New(context.Background(), dir, Options{LogOutput: io.Discard})
	var verr *project.ValidationError
	if !errors.As(err, &verr) || !verr.HasErrors() {
		t.Fatalf("err=%v want ValidationError", err)
	}
}

func TestOpenChatUnknownProviderInWorkflow(t *testing.T) {
	wf := strings.ReplaceAll(testWorkflow, `"chat.provider":"local"`, `"chat.provider":"ghost"`)
	sys := newSystem(t, writeWorkspace(t, memoryConfig, wf))
	_, err := sys.OpenChat(context.Background(), 0)
	var verr *project.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v want ValidationError", err)
	}
}

func TestSQLiteChatSurvivesRestart(t *testing.T) {
	dir := writeWorkspace(t, strings.Replace(memoryConfig, "driver: memory", "driver: sqlite", 1), testWorkflow)
	ctx := context.Background()

	sys, err := New(ctx, dir, Options{LogOutput: io.Discard, NodeID: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sched, err := sys.OpenChat(ctx, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sched.SendMessage(ctx, "hello", "")
	sched.Wait()
	chatID := sched.Workflow().Store().RootID()
	if err := sys.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	sys = newSystem(t, dir)
	again, err := sys.OpenChat(ctx, chatID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := again.Workflow().Store().Len(); n != 2 {
		t.Fatalf("messages after restart=%d want=2", n)
	}
}
