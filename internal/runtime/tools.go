package runtime

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentpilot/internal/typesys"
	"agentpilot/internal/workflow"
)

// EchoTool returns its input and arguments unchanged.
type EchoTool struct{}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Echoes input and args" }
func (t *EchoTool) Execute(_ context.Context, exec ToolExecution) (map[string]any, error) {
	return map[string]any{
		"member": exec.MemberID,
		"input":  exec.Input,
		"args":   exec.Args,
	}, nil
}

// FileReadTool reads a workspace file named by args.path, or by the
// upstream message when no path is configured.
type FileReadTool struct {
	workspace string
	maxBytes  int
}

func (t *FileReadTool) Name() string        { return "file_read" }
func (t *FileReadTool) Description() string { return "Reads a file from the workspace" }
func (t *FileReadTool) Execute(_ context.Context, exec ToolExecution) (map[string]any, error) {
	pathVal := coalesce(anyString(exec.Args["path"]), strings.TrimSpace(exec.Input))
	if pathVal == "" {
		return nil, fmt.Errorf("file_read requires args.path (string) or a path as input")
	}
	clean, fullClean, err := resolveWorkspacePath(t.workspace, pathVal)
	if err != nil {
		return nil, err
	}
	maxBytes := t.maxBytes
	if v, ok := intParam(exec.Args, "max_bytes"); ok && v > 0 {
		maxBytes = v
	}
	f, err := os.Open(fullClean)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":          clean,
		"bytes":         len(b),
		"text":          string(b),
		"content_sha1":  sha1HexBytes(b),
		"detected_kind": detectBodyKind("", b).String(),
	}, nil
}

// HTTPTool performs one request. The url comes from args.url or the
// upstream message.
type HTTPTool struct {
	client   *http.Client
	maxBytes int
}

func (t *HTTPTool) Name() string        { return "http" }
func (t *HTTPTool) Description() string { return "Makes an HTTP request" }
func (t *HTTPTool) Execute(ctx context.Context, exec ToolExecution) (map[string]any, error) {
	method := strings.ToUpper(coalesce(anyString(exec.Args["method"]), http.MethodGet))
	rawURL := coalesce(anyString(exec.Args["url"]), strings.TrimSpace(exec.Input))
	if rawURL == "" {
		return nil, fmt.Errorf("http tool requires args.url or a url as input")
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewBufferString(anyString(exec.Args["body"])))
	if err != nil {
		return nil, err
	}
	if headers, ok := exec.Args["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, anyString(v))
		}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)))
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	return map[string]any{
		"status":        resp.StatusCode,
		"body":          string(b),
		"content_type":  contentType,
		"detected_kind": detectBodyKind(contentType, b).String(),
	}, nil
}

func newTool(workspace, typ string, timeout time.Duration) (Tool, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch typ {
	case "echo":
		return &EchoTool{}, nil
	case "file_read":
		return &FileReadTool{workspace: workspace, maxBytes: 32768}, nil
	case "http":
		return &HTTPTool{client: &http.Client{Timeout: timeout}, maxBytes: 65536}, nil
	default:
		return nil, fmt.Errorf("unsupported tool type %q", typ)
	}
}

// runTool executes t and encodes its result as the JSON payload of a tool
// message.
func runTool(ctx context.Context, t Tool, exec ToolExecution) (string, error) {
	exec.Args = maps.Clone(exec.Args)
	out, err := t.Execute(ctx, exec)
	if err != nil {
		return "", fmt.Errorf("%s: %w", t.Name(), err)
	}
	b, err := json.Marshal(map[string]any{"tool": t.Name(), "result": out})
	if err != nil {
		return "", fmt.Errorf("encode %s result: %w", t.Name(), err)
	}
	return string(b), nil
}

func resolveWorkspacePath(workspace, pathVal string) (clean string, fullClean string, err error) {
	clean = filepath.Clean(pathVal)
	if filepath.IsAbs(clean) {
		return "", "", fmt.Errorf("absolute paths are not allowed")
	}
	full := filepath.Join(workspace, clean)
	workspaceClean := filepath.Clean(workspace)
	fullClean = filepath.Clean(full)
	if !strings.HasPrefix(fullClean, workspaceClean+string(os.PathSeparator)) && fullClean != workspaceClean {
		return "", "", fmt.Errorf("path escapes workspace")
	}
	return clean, fullClean, nil
}

func anyString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

func intParam(params map[string]any, key string) (int, bool) {
	if params == nil {
		return 0, false
	}
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func sha1HexBytes(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func detectBodyKind(contentType string, body []byte) typesys.Kind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.Contains(ct, "application/json"):
		return typesys.OutputJSON
	case strings.Contains(ct, "text/"):
		return typesys.OutputText
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			return typesys.OutputJSON
		}
	}
	return typesys.OutputText
}

const defaultToolRounds = 4

// toolParameters is the argument schema offered for every tool: the
// text a tool member would otherwise read from upstream, plus extra args
// merged over the configured tool.args.
var toolParameters = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"input": map[string]any{"type": "string", "description": "Input text for the tool, such as a path or url."},
		"args":  map[string]any{"type": "object", "description": "Arguments merged over the configured tool args."},
	},
}

// boundTool is a tool an agent may call by name.
type boundTool struct {
	tool     Tool
	memberID string
	args     map[string]any
	timeout  time.Duration
}

// toolset resolves the chat.tools entries of an agent. An entry is the id
// of a tool member in the graph, which lends its tool.type, tool.args and
// name, or a bare tool type such as "echo".
type toolset struct {
	byName map[string]*boundTool
	defs   []LLMToolDefinition
}

func agentTools(inv Invocation, m *workflow.Member) (*toolset, error) {
	ts := &toolset{byName: map[string]*boundTool{}}
	for _, item := range m.Config.List("chat.tools") {
		ref := strings.TrimSpace(fmt.Sprint(item))
		if s, ok := item.(string); ok {
			ref = strings.TrimSpace(s)
		}
		if ref == "" {
			continue
		}
		name, typ := ref, ref
		bt := &boundTool{memberID: m.ID}
		if tm, ok := inv.Workflow.Graph().Member(ref); ok {
			if tm.Kind != workflow.KindTool {
				return nil, &workflow.ConfigError{MemberID: m.ID, Key: "chat.tools", Message: fmt.Sprintf("member %s is a %s, not a tool", ref, tm.Kind)}
			}
			name = chatName(tm.Name())
			typ = tm.Config.String("tool.type", "")
			bt.memberID = tm.ID
			bt.args = tm.Config.Map("tool.args")
			bt.timeout = time.Duration(tm.Config.Int("tool.timeout_ms", 0)) * time.Millisecond
		}
		t, err := newTool(inv.Env.Workspace, typ, bt.timeout)
		if err != nil {
			return nil, &workflow.ConfigError{MemberID: m.ID, Key: "chat.tools", Message: err.Error()}
		}
		if _, dup := ts.byName[name]; dup {
			return nil, &workflow.ConfigError{MemberID: m.ID, Key: "chat.tools", Message: fmt.Sprintf("duplicate tool name %q", name)}
		}
		if bt.timeout <= 0 {
			bt.timeout = 30 * time.Second
		}
		bt.tool = t
		ts.byName[name] = bt
		ts.defs = append(ts.defs, LLMToolDefinition{Name: name, Description: t.Description(), Parameters: toolParameters})
	}
	return ts, nil
}

// call runs one model tool call. Failures are returned to the model as an
// error payload instead of ending the turn.
func (ts *toolset) call(ctx context.Context, c LLMToolCall) string {
	bt, ok := ts.byName[c.Name]
	if !ok {
		return toolErrorPayload(c.Name, fmt.Errorf("unknown tool %q", c.Name))
	}
	var params map[string]any
	if strings.TrimSpace(c.Arguments) != "" {
		if err := json.Unmarshal([]byte(c.Arguments), &params); err != nil {
			return toolErrorPayload(c.Name, fmt.Errorf("invalid arguments: %w", err))
		}
	}
	args := maps.Clone(bt.args)
	if args == nil {
		args = map[string]any{}
	}
	for k, v := range params {
		switch k {
		case "input":
		case "args":
			if extra, ok := v.(map[string]any); ok {
				maps.Copy(args, extra)
			}
		default:
			args[k] = v
		}
	}

	ctx, cancel := context.WithTimeout(ctx, bt.timeout)
	defer cancel()
	payload, err := runTool(ctx, bt.tool, ToolExecution{MemberID: bt.memberID, Input: anyString(params["input"]), Args: args})
	if err != nil {
		return toolErrorPayload(c.Name, err)
	}
	return payload
}

func toolErrorPayload(name string, err error) string {
	b, _ := json.Marshal(map[string]any{"tool": name, "error": err.Error()})
	return string(b)
}
