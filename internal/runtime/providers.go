package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"agentpilot/internal/project"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

var ErrUnknownProvider = errors.New("unknown provider")

type ProviderFactory func(pc project.ProviderConfig) (Provider, error)

// ProviderRegistry maps provider type tags to constructors and provider
// names from agentpilot.yaml to lazily built instances.
type ProviderRegistry struct {
	mu          sync.Mutex
	factories   map[string]ProviderFactory
	configs     map[string]project.ProviderConfig
	instances   map[string]Provider
	defaultName string
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		factories: map[string]ProviderFactory{},
		configs:   map[string]project.ProviderConfig{},
		instances: map[string]Provider{},
	}
}

// DefaultProviders registers every provider type shipped with agentpilot.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.Register("mock", newMockProvider)
	r.Register("http", newHTTPProvider)
	r.Register("openai", newOpenAIProvider)
	r.Register("deepseek", newOpenAIProvider)
	return r
}

func (r *ProviderRegistry) Register(typ string, f ProviderFactory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Configure replaces the named provider configs. Instances built from
// older configs are dropped.
func (r *ProviderRegistry) Configure(cfgs []project.ProviderConfig, defaultName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = map[string]project.ProviderConfig{}
	r.instances = map[string]Provider{}
	for _, pc := range cfgs {
		r.configs[pc.Name] = pc
	}
	r.defaultName = defaultName
}

// Add installs a ready provider under name, bypassing the factories.
func (r *ProviderRegistry) Add(name string, p Provider) {
	r.mu.Lock()
	r.instances[name] = p
	r.mu.Unlock()
}

// Resolve returns the provider called name, or the default provider when
// name is empty.
func (r *ProviderRegistry) Resolve(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no provider set and no default configured", ErrUnknownProvider)
	}
	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	pc, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	f, ok := r.factories[pc.Type]
	if !ok {
		return nil, fmt.Errorf("provider %q: unsupported type %q", name, pc.Type)
	}
	p, err := f(pc)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	r.instances[name] = p
	return p, nil
}

// MockProvider streams a deterministic description of the request word by
// word. It needs no network and backs the init scaffold.
type MockProvider struct {
	name  string
	model string
}

func newMockProvider(pc project.ProviderConfig) (Provider, error) {
	return &MockProvider{name: pc.Name, model: pc.Model}, nil
}

func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) Stream(ctx context.Context, req LLMRequest) iter.Seq2[LLMChunk, error] {
	return func(yield func(LLMChunk, error) bool) {
		model := coalesce(req.Model, p.model, "mock-small")
		var input string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				input = req.Messages[i].Content
				break
			}
		}
		parts := []string{
			fmt.Sprintf("agent=%s", req.AgentName),
			fmt.Sprintf("model=%s", model),
			fmt.Sprintf("messages=%d", len(req.Messages)),
		}
		if input != "" {
			parts = append(parts, fmt.Sprintf("input=%q", trim(input, 120)))
		}
		text := "[mock] " + strings.Join(parts, " | ")
		for _, word := range strings.SplitAfter(text, " ") {
			if err := ctx.Err(); err != nil {
				yield(LLMChunk{}, err)
				return
			}
			if !yield(LLMChunk{Text: word}, nil) {
				return
			}
		}
		yield(LLMChunk{FinishReason: "stop"}, nil)
	}
}

// HTTPProvider posts the request as JSON and yields the whole reply as one
// chunk. The reply may be JSON with a text, output or response field, or
// plain text.
type HTTPProvider struct {
	cfg    project.ProviderConfig
	client *http.Client
}

func newHTTPProvider(pc project.ProviderConfig) (Provider, error) {
	if strings.TrimSpace(pc.BaseURL) == "" {
		return nil, fmt.Errorf("http provider requires base_url")
	}
	return &HTTPProvider{cfg: pc, client: &http.Client{Timeout: providerTimeout(pc)}}, nil
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

func (p *HTTPProvider) Stream(ctx context.Context, req LLMRequest) iter.Seq2[LLMChunk, error] {
	return func(yield func(LLMChunk, error) bool) {
		text, err := p.generate(ctx, req)
		if err != nil {
			yield(LLMChunk{}, err)
			return
		}
		if !yield(LLMChunk{Text: text}, nil) {
			return
		}
		yield(LLMChunk{FinishReason: "stop"}, nil)
	}
}

func (p *HTTPProvider) generate(ctx context.Context, req LLMRequest) (string, error) {
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content, "name": m.Name})
	}
	payload := map[string]any{
		"agent":         req.AgentName,
		"model":         coalesce(req.Model, p.cfg.Model),
		"system_prompt": req.SystemPrompt,
		"messages":      messages,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal provider payload: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("create provider request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		hreq.Header.Set(k, v)
	}
	if p.cfg.APIKeyEnv != "" {
		if key := os.Getenv(p.cfg.APIKeyEnv); key != "" {
			hreq.Header.Set("Authorization", "Bearer "+key)
		}
	}
	resp, err := p.client.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("provider http call: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("provider status %d: %s", resp.StatusCode, trim(string(body), 300))
	}
	var generic map[string]any
	if json.Unmarshal(body, &generic) == nil {
		for _, key := range []string{"text", "output", "response"} {
			if s, ok := generic[key].(string); ok {
				return s, nil
			}
		}
	}
	return string(body), nil
}

// OpenAIProvider streams chat completions from any OpenAI compatible
// endpoint. The deepseek type uses it with DeepSeek defaults.
type OpenAIProvider struct {
	cfg       project.ProviderConfig
	client    openai.Client
	model     string
	apiKeyEnv string
	apiKey    string
}

func newOpenAIProvider(pc project.ProviderConfig) (Provider, error) {
	defaultEnv, defaultModel, baseURL := "OPENAI_API_KEY", "gpt-4o-mini", strings.TrimSpace(pc.BaseURL)
	if pc.Type == "deepseek" {
		defaultEnv, defaultModel = "DEEPSEEK_API_KEY", "deepseek-chat"
		baseURL = deepSeekBaseURL(baseURL)
	}
	apiKeyEnv := coalesce(strings.TrimSpace(pc.APIKeyEnv), defaultEnv)
	apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv))
	if apiKey == "" {
		return nil, fmt.Errorf("%s provider requires environment variable %s", pc.Type, apiKeyEnv)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(providerTimeout(pc)),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	for k, v := range pc.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &OpenAIProvider{
		cfg:       pc,
		client:    openai.NewClient(opts...),
		model:     coalesce(pc.Model, defaultModel),
		apiKeyEnv: apiKeyEnv,
		apiKey:    apiKey,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.cfg.Name }

func (p *OpenAIProvider) Stream(ctx context.Context, req LLMRequest) iter.Seq2[LLMChunk, error] {
	return func(yield func(LLMChunk, error) bool) {
		params := openai.ChatCompletionNewParams{
			Model:    coalesce(req.Model, p.model),
			Messages: convertMessages(req.SystemPrompt, req.Messages),
		}
		if len(req.Tools) > 0 {
			params.Tools = convertTools(req.Tools)
		}

		s := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer s.Close()

		acc := openai.ChatCompletionAccumulator{}
		for s.Next() {
			chunk := s.Current()
			acc.AddChunk(chunk)

			if tc, ok := acc.JustFinishedToolCall(); ok {
				call := &LLMToolCall{ID: tc.ID, Type: "function", Name: tc.Name, Arguments: tc.Arguments}
				if !yield(LLMChunk{ToolCall: call}, nil) {
					return
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !yield(LLMChunk{Text: choice.Delta.Content}, nil) {
					return
				}
			}
			if choice.FinishReason != "" {
				if !yield(LLMChunk{FinishReason: string(choice.FinishReason)}, nil) {
					return
				}
			}
		}
		if err := s.Err(); err != nil {
			yield(LLMChunk{}, p.wrapError(err))
		}
	}
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s stream: %w", p.cfg.Type, err)
	}
	if p.cfg.Type == "deepseek" {
		if hint := deepSeekHTTPErrorHint(apiErr.StatusCode, p.apiKeyEnv, p.apiKey, apiErr.Message); hint != "" {
			return fmt.Errorf("deepseek status %d: %w | hint: %s", apiErr.StatusCode, err, hint)
		}
	}
	return fmt.Errorf("%s status %d: %w", p.cfg.Type, apiErr.StatusCode, err)
}

func convertMessages(system string, msgs []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		result = append(result, openai.SystemMessage(system))
	}
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			result = append(result, openai.SystemMessage(msg.Content))
		case "user":
			if msg.Name != "" {
				result = append(result, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Name: openai.String(msg.Name),
						Content: openai.ChatCompletionUserMessageParamContentUnion{
							OfString: openai.String(msg.Content),
						},
					},
				})
			} else {
				result = append(result, openai.UserMessage(msg.Content))
			}
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				result = append(result, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)},
					ToolCalls: toolCalls,
				},
			})
		case "tool":
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return result
}

func convertTools(tools []LLMToolDefinition) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		result[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		}
	}
	return result
}

func providerTimeout(pc project.ProviderConfig) time.Duration {
	timeout := time.Duration(pc.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return timeout
}

func deepSeekBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return "https://api.deepseek.com"
	}
	return strings.TrimSuffix(baseURL, "/chat/completions")
}

func deepSeekHTTPErrorHint(statusCode int, apiKeyEnv, apiKey, responseBody string) string {
	body := strings.ToLower(strings.TrimSpace(responseBody))
	isAuth := statusCode == http.StatusUnauthorized ||
		strings.Contains(body, "authentication") ||
		strings.Contains(body, "invalid api key") ||
		strings.Contains(body, "api key") && strings.Contains(body, "invalid")
	if !isAuth {
		return ""
	}

	key := strings.TrimSpace(apiKey)
	if looksLikePlaceholderAPIKey(key) {
		return fmt.Sprintf("%s appears to be placeholder text; set a real DeepSeek key", apiKeyEnv)
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Sprintf("%s does not look like a DeepSeek key (expected prefix sk-)", apiKeyEnv)
	}
	return fmt.Sprintf("check %s value, key status in DeepSeek dashboard, and provider base_url", apiKeyEnv)
}

func looksLikePlaceholderAPIKey(value string) bool {
	v := strings.ToUpper(strings.TrimSpace(value))
	if v == "" {
		return true
	}
	markers := []string{
		"YOUR_KEY", "REAL", "TOKEN", "API_KEY", "EXAMPLE", "PLACEHOLDER",
		"<", ">", "{", "}", "...",
	}
	for _, m := range markers {
		if strings.Contains(v, m) {
			return true
		}
	}
	return false
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func trim(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
