package runtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentpilot/internal/stream"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountTurnsAndChunks(t *testing.T) {
	p := &scriptedProvider{replies: []string{"a|b|c"}}
	env, _ := newTestEnv(t, p)
	s := newTestScheduler(t, env, twoMembers, 0)
	send(t, s, "hi")
	env.Bridge.Flush()

	m := env.Metrics
	if got := testutil.ToFloat64(m.turns.WithLabelValues("idle")); got != 1 {
		t.Fatalf("idle turns=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.responses.WithLabelValues("agent", "ok")); got != 1 {
		t.Fatalf("agent responses=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.chunks.WithLabelValues("assistant")); got != 3 {
		t.Fatalf("assistant chunks=%v want=3", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "agentpilot_turns_total") {
		t.Fatalf("exposition missing turns counter")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TurnFinished("idle")
	m.MemberResponded("agent", "ok", time.Second)
	m.HandleEvent(stream.Event{Kind: stream.EventChunk})
}
