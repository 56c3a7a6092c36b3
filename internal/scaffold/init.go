package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

const RootConfigTemplate = `version: 1
default_provider: local_mock
providers:
  - name: local_mock
    type: mock
    model: mock-small
    timeout_ms: 3000
  # - name: deepseek
  #   type: deepseek
  #   api_key_env: DEEPSEEK_API_KEY
  #   model: deepseek-chat
database:
  driver: sqlite
  path: .agentpilot/history.db
workflow: workflows/default.json
log:
  level: info
  format: text
looper_cap: 25
# metrics_addr: 127.0.0.1:9464
# events:
#   redis_url: redis://localhost:6379/0
#   stream: agentpilot:events
# telemetry:
#   otlp_endpoint: http://localhost:4318
`

const DefaultWorkflowTemplate = `{
  "_TYPE": "workflow",
  "members": [
    {"id": "1", "loc_x": 0, "loc_y": 0, "config": {"_TYPE": "user"}},
    {"id": "2", "loc_x": 1, "loc_y": 0, "config": {
      "_TYPE": "agent",
      "info.name": "guide",
      "chat.provider": "local_mock",
      "chat.sys_msg": "You are {agent_name}. Today is {date}. Answer plainly and state assumptions.",
      "chat.max_messages": 10
    }}
  ],
  "inputs": []
}
`

// ReviewLoopTemplate pairs a writer with a reviewer that sends work back
// until it replies APPROVED.
const ReviewLoopTemplate = `{
  "_TYPE": "workflow",
  "members": [
    {"id": "1", "loc_x": 0, "config": {"_TYPE": "user"}},
    {"id": "2", "loc_x": 1, "config": {
      "_TYPE": "agent",
      "info.name": "writer",
      "chat.provider": "local_mock",
      "chat.sys_msg": "You are {agent_name}. Draft or revise the requested text."
    }},
    {"id": "3", "loc_x": 2, "config": {
      "_TYPE": "agent",
      "info.name": "reviewer",
      "chat.provider": "local_mock",
      "chat.sys_msg": "You are {agent_name}. Review the latest draft.",
      "chat.response_instruction": "brief"
    }}
  ],
  "inputs": [
    {"member_id": "2", "input_member_id": "1", "type": "message"},
    {"member_id": "3", "input_member_id": "2", "type": "message"},
    {"member_id": "2", "input_member_id": "3", "type": "message",
     "config": {"looper": true, "max_iterations": 3, "exit_condition": "APPROVED"}}
  ]
}
`

const EnvTemplate = `# Loaded by agentpilot before agentpilot.yaml. Process environment wins.
# DEEPSEEK_API_KEY=sk-...
# AGENTPILOT_LOG_LEVEL=debug
`

// InitWorkspace writes a runnable starter workspace. Existing files are
// left untouched.
func InitWorkspace(workspace string) error {
	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(workspace, "agentpilot.yaml"), RootConfigTemplate},
		{filepath.Join(workspace, "workflows", "default.json"), DefaultWorkflowTemplate},
		{filepath.Join(workspace, "examples", "workflows", "review_loop.json"), ReviewLoopTemplate},
		{filepath.Join(workspace, ".env.example"), EnvTemplate},
	}
	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(f.path), err)
		}
		if err := writeIfMissing(f.path, f.content); err != nil {
			return err
		}
	}
	return nil
}

func writeIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
