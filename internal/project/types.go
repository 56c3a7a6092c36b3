package project

import (
	"fmt"
	"path/filepath"
	"strings"
)

type RootConfig struct {
	Version         int              `yaml:"version"`
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
	Database        DatabaseConfig   `yaml:"database"`
	// Workflow is the workflow JSON used when a new chat is created,
	// relative to the workspace.
	Workflow    string          `yaml:"workflow"`
	Log         LogConfig       `yaml:"log"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Events      EventsConfig    `yaml:"events"`
	MetricsAddr string          `yaml:"metrics_addr,omitempty"`
	LooperCap   int             `yaml:"looper_cap,omitempty"`
}

type ProviderConfig struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	BaseURL   string            `yaml:"base_url,omitempty"`
	APIKeyEnv string            `yaml:"api_key_env,omitempty"`
	Model     string            `yaml:"model,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	TimeoutMS int               `yaml:"timeout_ms,omitempty"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Endpoint       string `yaml:"otlp_endpoint,omitempty"`
	Headers        string `yaml:"otlp_headers,omitempty"`
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`
}

func (c TelemetryConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

type EventsConfig struct {
	RedisURL      string `yaml:"redis_url,omitempty"`
	Stream        string `yaml:"stream,omitempty"`
	IncludeChunks bool   `yaml:"include_chunks,omitempty"`
}

func (c EventsConfig) Enabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

type Project struct {
	Root      RootConfig
	Workspace string
}

// Path resolves p against the workspace unless it is absolute.
func (p *Project) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Workspace, rel)
}

func (p *Project) WorkflowPath() string { return p.Path(p.Root.Workflow) }

func (p *Project) DatabasePath() string { return p.Path(p.Root.Database.Path) }

func (p *Project) Provider(name string) (ProviderConfig, bool) {
	for _, pc := range p.Root.Providers {
		if pc.Name == name {
			return pc, true
		}
	}
	return ProviderConfig{}, false
}

type IssueLevel string

const (
	IssueError   IssueLevel = "error"
	IssueWarning IssueLevel = "warning"
)

type Issue struct {
	Level   IssueLevel
	Path    string
	Field   string
	Message string
}

func (i Issue) String() string {
	if i.Field == "" {
		return fmt.Sprintf("[%s] %s: %s", i.Level, i.Path, i.Message)
	}
	return fmt.Sprintf("[%s] %s (%s): %s", i.Level, i.Path, i.Field, i.Message)
}

type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed with %d issue(s)", len(e.Issues))
}

func (e *ValidationError) HasErrors() bool {
	if e == nil {
		return false
	}
	for _, it := range e.Issues {
		if it.Level == IssueError {
			return true
		}
	}
	return false
}
