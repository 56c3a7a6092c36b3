package workflow

import (
	"errors"
	"fmt"
)

// ErrResponding rejects structural edits while a turn is running.
var ErrResponding = errors.New("workflow is responding")

// ConfigError is a malformed or unresolvable member configuration.
type ConfigError struct {
	MemberID string
	Key      string
	Message  string
}

func (e *ConfigError) Error() string {
	switch {
	case e.MemberID == "":
		return "config: " + e.Message
	case e.Key == "":
		return fmt.Sprintf("config: member %s: %s", e.MemberID, e.Message)
	}
	return fmt.Sprintf("config: member %s (%s): %s", e.MemberID, e.Key, e.Message)
}

// GraphError is a structural problem: dangling references, non-looper
// cycles or a looper that ran past its cap.
type GraphError struct {
	MemberID string
	Message  string
}

func (e *GraphError) Error() string {
	if e.MemberID == "" {
		return "graph: " + e.Message
	}
	return fmt.Sprintf("graph: member %s: %s", e.MemberID, e.Message)
}
