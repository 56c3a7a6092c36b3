package project

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"agentpilot/internal/workflow"
)

var validProviderTypes = map[string]struct{}{
	"mock":     {},
	"http":     {},
	"openai":   {},
	"deepseek": {},
}

var validDatabaseDrivers = map[string]struct{}{
	"":       {},
	"sqlite": {},
	"pebble": {},
	"memory": {},
}

var validLogFormats = map[string]struct{}{
	"text": {},
	"json": {},
}

func Validate(p *Project) *ValidationError {
	issues := []Issue{}
	if p == nil {
		issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Message: "project is nil"})
		return &ValidationError{Issues: issues}
	}

	if p.Root.Version <= 0 {
		issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "version", Message: "must be >= 1"})
	}

	providerByName := map[string]ProviderConfig{}
	for i, pc := range p.Root.Providers {
		path := fmt.Sprintf("%s.providers[%d]", RootConfigFile, i)
		if strings.TrimSpace(pc.Name) == "" {
			issues = append(issues, Issue{Level: IssueError, Path: path, Field: "name", Message: "is required"})
			continue
		}
		if _, exists := providerByName[pc.Name]; exists {
			issues = append(issues, Issue{Level: IssueError, Path: path, Field: "name", Message: "duplicate provider name"})
		}
		providerByName[pc.Name] = pc
		if _, ok := validProviderTypes[pc.Type]; !ok {
			issues = append(issues, Issue{Level: IssueError, Path: path, Field: "type", Message: "unsupported provider type"})
		}
		if pc.TimeoutMS < 0 {
			issues = append(issues, Issue{Level: IssueError, Path: path, Field: "timeout_ms", Message: "must be >= 0"})
		}
		if pc.Type == "http" && strings.TrimSpace(pc.BaseURL) == "" {
			issues = append(issues, Issue{Level: IssueError, Path: path, Field: "base_url", Message: "is required for http provider"})
		}
		if pc.Type == "openai" && strings.TrimSpace(pc.APIKeyEnv) == "" {
			issues = append(issues, Issue{Level: IssueWarning, Path: path, Field: "api_key_env", Message: "empty value defaults to OPENAI_API_KEY at runtime"})
		}
		if pc.Type == "deepseek" && strings.TrimSpace(pc.APIKeyEnv) == "" {
			issues = append(issues, Issue{Level: IssueWarning, Path: path, Field: "api_key_env", Message: "empty value defaults to DEEPSEEK_API_KEY at runtime"})
		}
		if pc.Type == "deepseek" && strings.TrimSpace(pc.BaseURL) == "" {
			issues = append(issues, Issue{Level: IssueWarning, Path: path, Field: "base_url", Message: "empty value defaults to https://api.deepseek.com at runtime"})
		}
	}

	if p.Root.DefaultProvider != "" {
		if _, ok := providerByName[p.Root.DefaultProvider]; !ok {
			issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "default_provider", Message: "references unknown provider"})
		}
	} else if len(p.Root.Providers) == 0 {
		issues = append(issues, Issue{Level: IssueWarning, Path: RootConfigFile, Field: "providers", Message: "no providers configured; agent members cannot respond"})
	}

	if _, ok := validDatabaseDrivers[p.Root.Database.Driver]; !ok {
		issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "database.driver", Message: "must be sqlite, pebble or memory"})
	}
	if p.Root.Database.Driver != "memory" && strings.TrimSpace(p.Root.Database.Path) == "" {
		issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "database.path", Message: "is required"})
	}
	if p.Root.LooperCap < 0 {
		issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "looper_cap", Message: "must be >= 0"})
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(p.Root.Log.Level)); err != nil {
		issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "log.level", Message: "must be debug, info, warn or error"})
	}
	if _, ok := validLogFormats[strings.ToLower(p.Root.Log.Format)]; !ok {
		issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "log.format", Message: "must be text or json"})
	}

	if p.Root.Telemetry.Enabled() {
		if u, err := url.Parse(p.Root.Telemetry.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "telemetry.otlp_endpoint", Message: "must be an absolute URL"})
		}
	}
	if p.Root.Events.Enabled() {
		if u, err := url.Parse(p.Root.Events.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			issues = append(issues, Issue{Level: IssueError, Path: RootConfigFile, Field: "events.redis_url", Message: "must be a redis:// or rediss:// URL"})
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// ValidateWorkflow parses a workflow document and reports its problems as
// issues against the workflow file: graph and member config errors, and
// provider references that the workspace does not declare.
func ValidateWorkflow(p *Project, data []byte) (*workflow.Graph, *ValidationError) {
	path := p.Root.Workflow
	issues := []Issue{}

	g, err := workflow.Parse(data)
	if err != nil {
		for _, e := range unjoin(err) {
			issue := Issue{Level: IssueError, Path: path, Message: e.Error()}
			var ce *workflow.ConfigError
			if errors.As(e, &ce) {
				issue.Field = fmt.Sprintf("members[%s].%s", ce.MemberID, ce.Key)
				issue.Message = ce.Message
			}
			issues = append(issues, issue)
		}
		return nil, &ValidationError{Issues: issues}
	}

	var walk func(members []*workflow.Member)
	walk = func(members []*workflow.Member) {
		for _, m := range members {
			if m.Inner != nil {
				walk(m.Inner.Members())
			}
			if m.Kind != workflow.KindAgent && !(m.Kind == workflow.KindBlock && m.Config.String("block.type", "") == "prompt") {
				continue
			}
			name := m.Config.String("chat.provider", p.Root.DefaultProvider)
			field := fmt.Sprintf("members[%s].chat.provider", m.ID)
			if name == "" {
				issues = append(issues, Issue{Level: IssueError, Path: path, Field: field, Message: "no provider set and no default_provider configured"})
				continue
			}
			if _, ok := p.Provider(name); !ok {
				issues = append(issues, Issue{Level: IssueError, Path: path, Field: field, Message: fmt.Sprintf("references unknown provider %q", name)})
			}
		}
	}
	walk(g.Members())

	if len(issues) == 0 {
		return g, nil
	}
	return g, &ValidationError{Issues: issues}
}

func unjoin(err error) []error {
	j, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}
	var out []error
	for _, e := range j.Unwrap() {
		out = append(out, unjoin(e)...)
	}
	return out
}
