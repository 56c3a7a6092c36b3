package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"agentpilot/internal/project"
)

func TestTraceHandlerAddsScope(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewTraceHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithScope(context.Background(), Scope{ChatID: 7, Component: "test"})
	ctx = WithScope(ctx, Scope{MemberID: "2"})
	l.InfoContext(ctx, "hello")

	out := buf.String()
	for _, want := range []string{"chat_id=7", "member_id=2", "component=test"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output=%q missing %q", out, want)
		}
	}
	if strings.Contains(out, "turn_id") {
		t.Fatalf("unset turn id logged: %q", out)
	}
}

func TestScopeLayering(t *testing.T) {
	ctx := WithScope(context.Background(), Scope{ChatID: 1, TurnID: 2, Component: "a"})
	ctx = WithScope(ctx, Scope{TurnID: 3, MemberID: "4"})
	got := ScopeFrom(ctx)
	if got != (Scope{ChatID: 1, TurnID: 3, MemberID: "4", Component: "a"}) {
		t.Fatalf("scope=%+v", got)
	}
	if (ScopeFrom(context.Background()) != Scope{}) {
		t.Fatalf("empty context has scope")
	}
}

func TestSpanFinishWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "turn")
	span.Set()
	span.Finish(errors.New("boom"))
	if ctx == nil {
		t.Fatalf("nil context")
	}
}

func TestSetupJSONLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	l := Setup(project.RootConfig{Log: project.LogConfig{Level: "warn", Format: "json"}}, &buf)
	l.Info("dropped")
	l.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, `"msg":"kept"`) {
		t.Fatalf("output=%q", out)
	}
}
