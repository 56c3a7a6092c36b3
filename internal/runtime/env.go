package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"agentpilot/internal/stream"
	"github.com/bwmarrin/snowflake"
)

// Env carries the collaborators shared by every scheduler and driver of a
// process. It is built once at startup and passed down explicitly.
type Env struct {
	Providers *ProviderRegistry
	Drivers   *DriverRegistry
	Bridge    *stream.Bridge
	Metrics   *Metrics
	Logger    *slog.Logger
	// IDs generates turn ids.
	IDs       *snowflake.Node
	Workspace string
	// SpokenTimes converts clock times in agent output for every member.
	SpokenTimes bool
	Now         func() time.Time
}

// NewEnv builds an Env with the default registries, a fresh bridge with
// the metrics listener attached, and a snowflake node for turn ids.
func NewEnv(workspace string, node int64) (*Env, error) {
	ids, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("create id node: %w", err)
	}
	metrics := NewMetrics()
	return &Env{
		Providers: DefaultProviders(),
		Drivers:   DefaultDrivers(),
		Bridge:    stream.NewBridge(metrics),
		Metrics:   metrics,
		Logger:    slog.Default(),
		IDs:       ids,
		Workspace: workspace,
		Now:       time.Now,
	}, nil
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) nextTurnID() int64 {
	return e.IDs.Generate().Int64()
}
