package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentpilot/internal/project"
)

func TestLooksLikePlaceholderAPIKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		key  string
		want bool
	}{
		{name: "empty", key: "", want: true},
		{name: "placeholder word", key: "sk-CHAVE_NOVA_REAL", want: true},
		{name: "template token", key: "your_key_here", want: true},
		{name: "real-looking key", key: "sk-abc123xyz", want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := looksLikePlaceholderAPIKey(tc.key)
			if got != tc.want {
				t.Fatalf("looksLikePlaceholderAPIKey(%q) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestDeepSeekHTTPErrorHint(t *testing.T) {
	t.Parallel()

	hint := deepSeekHTTPErrorHint(http.StatusUnauthorized, "DEEPSEEK_API_KEY", "sk-CHAVE_NOVA_REAL", `{"error":{"message":"Authentication Fails"}}`)
	if !strings.Contains(hint, "placeholder") {
		t.Fatalf("expected placeholder hint, got %q", hint)
	}

	hint = deepSeekHTTPErrorHint(http.StatusUnauthorized, "DEEPSEEK_API_KEY", "abc", `{"error":{"message":"Authentication Fails"}}`)
	if !strings.Contains(hint, "expected prefix sk-") {
		t.Fatalf("expected prefix hint, got %q", hint)
	}

	hint = deepSeekHTTPErrorHint(http.StatusTooManyRequests, "DEEPSEEK_API_KEY", "sk-abc123", `{"error":{"message":"rate limit"}}`)
	if hint != "" {
		t.Fatalf("expected no hint for non-auth error, got %q", hint)
	}
}

func TestProviderRegistryResolve(t *testing.T) {
	r := DefaultProviders()
	r.Configure([]project.ProviderConfig{
		{Name: "local", Type: "mock", Model: "tiny"},
		{Name: "odd", Type: "carrier-pigeon"},
	}, "local")

	p, err := r.Resolve("")
	if err != nil || p.Name() != "local" {
		t.Fatalf("default provider=%v err=%v", p, err)
	}
	again, _ := r.Resolve("local")
	if again != p {
		t.Fatalf("provider instance not cached")
	}
	if _, err := r.Resolve("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err=%v want ErrUnknownProvider", err)
	}
	if _, err := r.Resolve("odd"); err == nil || !strings.Contains(err.Error(), "unsupported type") {
		t.Fatalf("err=%v want unsupported type", err)
	}

	r.Configure(nil, "")
	if _, err := r.Resolve(""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err=%v want ErrUnknownProvider after reconfigure", err)
	}
}

func TestMockProviderStreamsWords(t *testing.T) {
	p, _ := newMockProvider(project.ProviderConfig{Name: "local", Model: "tiny"})
	var b strings.Builder
	var finish string
	for c, err := range p.Stream(context.Background(), LLMRequest{
		AgentName: "Helper",
		Messages:  []ChatMessage{{Role: "user", Content: "hello"}},
	}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		b.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	want := `[mock] agent=Helper | model=tiny | messages=1 | input="hello"`
	if b.String() != want || finish != "stop" {
		t.Fatalf("text=%q finish=%q want=%q", b.String(), finish, want)
	}
}

func TestHTTPProviderReadsTextField(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"from upstream"}`))
	}))
	defer srv.Close()

	p, err := newHTTPProvider(project.ProviderConfig{Name: "remote", Type: "http", BaseURL: srv.URL, Model: "m1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var text string
	for c, err := range p.Stream(context.Background(), LLMRequest{AgentName: "a", SystemPrompt: "be nice"}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		text += c.Text
	}
	if text != "from upstream" {
		t.Fatalf("text=%q", text)
	}
	if got["model"] != "m1" || got["system_prompt"] != "be nice" {
		t.Fatalf("payload=%v", got)
	}
}

func TestHTTPProviderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, _ := newHTTPProvider(project.ProviderConfig{Name: "remote", Type: "http", BaseURL: srv.URL})
	for _, err := range p.Stream(context.Background(), LLMRequest{}) {
		if err == nil || !strings.Contains(err.Error(), "status 502") {
			t.Fatalf("err=%v want status 502", err)
		}
	}
}

func TestOpenAIProviderRequiresKey(t *testing.T) {
	t.Setenv("AGENTPILOT_TEST_MISSING_KEY", "")
	_, err := newOpenAIProvider(project.ProviderConfig{Name: "ds", Type: "deepseek", APIKeyEnv: "AGENTPILOT_TEST_MISSING_KEY"})
	if err == nil || !strings.Contains(err.Error(), "AGENTPILOT_TEST_MISSING_KEY") {
		t.Fatalf("err=%v", err)
	}
}

func TestDeepSeekBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                                         "https://api.deepseek.com",
		"https://proxy.local/v1/chat/completions/": "https://proxy.local/v1",
		"https://proxy.local/v1":                   "https://proxy.local/v1",
	}
	for in, want := range cases {
		if got := deepSeekBaseURL(in); got != want {
			t.Fatalf("deepSeekBaseURL(%q)=%q want=%q", in, got, want)
		}
	}
}
