package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RootConfigFile      = "agentpilot.yaml"
	EnvFile             = ".env"
	DefaultWorkflowPath = "workflows/default.json"
	DefaultDatabasePath = ".agentpilot/history.db"
)

// Load reads agentpilot.yaml from the workspace. Variables from the
// workspace .env file are loaded first without overriding the process
// environment, then environment overrides are applied.
func Load(workspace string) (*Project, error) {
	envPath := filepath.Join(workspace, EnvFile)
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	rootPath := filepath.Join(workspace, RootConfigFile)
	b, err := os.ReadFile(rootPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rootPath, err)
	}

	var root RootConfig
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", rootPath, err)
	}
	applyDefaults(&root)
	applyEnv(&root)

	return &Project{Root: root, Workspace: workspace}, nil
}

func applyDefaults(root *RootConfig) {
	if root.Version == 0 {
		root.Version = 1
	}
	if root.Workflow == "" {
		root.Workflow = DefaultWorkflowPath
	}
	if root.Database.Path == "" && root.Database.Driver != "memory" {
		root.Database.Path = DefaultDatabasePath
	}
	if root.Log.Level == "" {
		root.Log.Level = "info"
	}
	if root.Log.Format == "" {
		root.Log.Format = "text"
	}
	if root.Telemetry.ServiceName == "" {
		root.Telemetry.ServiceName = "agentpilot"
	}
	if root.Telemetry.ServiceVersion == "" {
		root.Telemetry.ServiceVersion = "dev"
	}
}

func applyEnv(root *RootConfig) {
	root.Database.Driver = getEnv("AGENTPILOT_DB_DRIVER", root.Database.Driver)
	root.Database.Path = getEnv("AGENTPILOT_DB_PATH", root.Database.Path)
	root.Log.Level = getEnv("AGENTPILOT_LOG_LEVEL", root.Log.Level)
	root.Log.Format = getEnv("AGENTPILOT_LOG_FORMAT", root.Log.Format)
	root.Telemetry.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", root.Telemetry.Endpoint)
	root.Telemetry.Headers = getEnv("OTEL_EXPORTER_OTLP_HEADERS", root.Telemetry.Headers)
	root.Telemetry.ServiceName = getEnv("OTEL_SERVICE_NAME", root.Telemetry.ServiceName)
	root.Events.RedisURL = getEnv("AGENTPILOT_REDIS_URL", root.Events.RedisURL)
	root.Events.Stream = getEnv("AGENTPILOT_REDIS_STREAM", root.Events.Stream)
	root.MetricsAddr = getEnv("AGENTPILOT_METRICS_ADDR", root.MetricsAddr)
	root.LooperCap = getEnvInt("AGENTPILOT_LOOPER_CAP", root.LooperCap)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
