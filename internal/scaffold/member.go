package scaffold

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"agentpilot/internal/workflow"
)

var memberIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type AgentOptions struct {
	// ID defaults to the next free numeric id.
	ID       string
	Name     string
	Provider string
	Model    string
	SysMsg   string
}

// AddAgent appends an agent member to the workflow file at path, placed
// after every existing member. It returns the new member id.
func AddAgent(path string, opts AgentOptions) (string, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return "", fmt.Errorf("agent name is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := workflow.ParseDocument(b)
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = nextMemberID(doc)
	}
	if !memberIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid member id %q (use letters, numbers, _ or -)", id)
	}
	locX := 0.0
	for _, m := range doc.Members {
		if m.ID == id {
			return "", fmt.Errorf("member %s already exists", id)
		}
		locX = max(locX, m.LocX+1)
	}

	cfg := workflow.Config{workflow.KeyType: string(workflow.KindAgent), "info.name": name}
	if p := strings.TrimSpace(opts.Provider); p != "" {
		cfg["chat.provider"] = p
	}
	if m := strings.TrimSpace(opts.Model); m != "" {
		cfg["chat.model"] = m
	}
	sys := strings.TrimSpace(opts.SysMsg)
	if sys == "" {
		sys = "You are {agent_name}. State assumptions clearly and keep the answer practical."
	}
	cfg["chat.sys_msg"] = sys
	doc.Members = append(doc.Members, workflow.MemberDoc{ID: id, LocX: locX, Config: cfg})

	if _, err := workflow.Build(doc); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode workflow: %w", err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}

func nextMemberID(doc workflow.Document) string {
	n := 0
	for _, m := range doc.Members {
		if v, err := strconv.Atoi(m.ID); err == nil {
			n = max(n, v)
		}
	}
	return strconv.Itoa(n + 1)
}
