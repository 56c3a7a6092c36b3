package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"agentpilot/internal/history"
	"agentpilot/internal/logger"
	"agentpilot/internal/project"
	"agentpilot/internal/runtime"
	"agentpilot/internal/store"
	"agentpilot/internal/stream"
	"agentpilot/internal/telemetry"
	"agentpilot/internal/workflow"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	// LogOutput receives log records; stderr when nil.
	LogOutput io.Writer
	// SpokenTimes converts clock times in every agent's output.
	SpokenTimes bool
	// NodeID is the snowflake node for turn ids.
	NodeID int64
}

// System owns every long lived collaborator of one workspace. Build it
// with New and release it with Close.
type System struct {
	Project *project.Project
	Env     *runtime.Env
	Backend history.Backend
	Logger  *slog.Logger

	telemetry  *telemetry.Exporter
	redis      *redis.Client
	metricsSrv *http.Server
}

// New loads and validates the workspace config and starts the process
// collaborators. A config with errors returns the *project.ValidationError.
func New(ctx context.Context, workspace string, opts Options) (*System, error) {
	p, err := project.Load(workspace)
	if err != nil {
		return nil, err
	}
	if verr := project.Validate(p); verr.HasErrors() {
		return nil, verr
	}

	// telemetry goes first so the logger can bridge into it
	tel, err := telemetry.Start(ctx, p.Root.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log := logger.Setup(p.Root, out)

	sys := &System{Project: p, Logger: log, telemetry: tel}
	if err := sys.start(ctx, opts); err != nil {
		_ = sys.Close(context.Background())
		return nil, err
	}
	return sys, nil
}

func (s *System) start(ctx context.Context, opts Options) error {
	root := s.Project.Root

	backend, err := store.Open(root.Database.Driver, s.Project.DatabasePath())
	if err != nil {
		return err
	}
	s.Backend = backend
	s.Logger.DebugContext(ctx, "database opened", "driver", root.Database.Driver, "path", s.Project.DatabasePath())

	env, err := runtime.NewEnv(s.Project.Workspace, opts.NodeID)
	if err != nil {
		return err
	}
	env.Logger = s.Logger
	env.SpokenTimes = opts.SpokenTimes
	env.Providers.Configure(root.Providers, root.DefaultProvider)
	s.Env = env

	if root.Events.Enabled() {
		redisOpts, err := redis.ParseURL(root.Events.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect to redis: %w", err)
		}
		s.redis = client
		sink := stream.NewRedisSink(client, root.Events.Stream, s.Logger)
		sink.IncludeChunks = root.Events.IncludeChunks
		env.Bridge.Subscribe(sink)
		s.Logger.InfoContext(ctx, "redis connected", "stream", root.Events.Stream)
	}

	if root.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", env.Metrics.Handler())
		s.metricsSrv = &http.Server{
			Addr:              root.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("metrics server error", "addr", root.MetricsAddr, "error", err)
			}
		}()
		s.Logger.InfoContext(ctx, "metrics server starting", "addr", root.MetricsAddr)
	}
	return nil
}

// LoadWorkflow reads and validates the workspace workflow file.
func (s *System) LoadWorkflow() ([]byte, *workflow.Graph, error) {
	path := s.Project.WorkflowPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read workflow: %w", err)
	}
	g, verr := project.ValidateWorkflow(s.Project, data)
	if verr.HasErrors() {
		return nil, nil, verr
	}
	return data, g, nil
}

// OpenChat returns a scheduler for chat chatID, or for a new chat created
// from the workspace workflow when chatID is 0. An existing chat runs the
// workflow stored with it.
func (s *System) OpenChat(ctx context.Context, chatID int64) (*runtime.Scheduler, error) {
	var (
		hs *history.Store
		g  *workflow.Graph
	)
	if chatID == 0 {
		data, graph, err := s.LoadWorkflow()
		if err != nil {
			return nil, err
		}
		if hs, err = history.Create(ctx, s.Backend, string(data)); err != nil {
			return nil, err
		}
		g = graph
		s.Logger.InfoContext(ctx, "chat created", "chat_id", hs.RootID())
	} else {
		var err error
		if hs, err = history.Open(ctx, s.Backend, chatID); err != nil {
			return nil, fmt.Errorf("open chat %d: %w", chatID, err)
		}
		rc, ok := hs.RootContext()
		if !ok {
			return nil, fmt.Errorf("open chat %d: %w", chatID, history.ErrNoContext)
		}
		if rc.Config == "" {
			if _, g, err = s.LoadWorkflow(); err != nil {
				return nil, err
			}
		} else {
			var verr *project.ValidationError
			if g, verr = project.ValidateWorkflow(s.Project, []byte(rc.Config)); verr.HasErrors() {
				return nil, fmt.Errorf("chat %d workflow: %w", chatID, verr)
			}
		}
	}
	return runtime.NewScheduler(s.Env, workflow.New(g, hs, s.Project.Root.LooperCap)), nil
}

// Chats lists every chat, oldest first.
func (s *System) Chats(ctx context.Context) ([]history.Context, error) {
	return history.Chats(ctx, s.Backend)
}

// Close stops collaborators in reverse start order. Queued events are
// delivered before the sinks go away.
func (s *System) Close(ctx context.Context) error {
	var errs []error
	if s.Env != nil {
		s.Env.Bridge.Close()
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if s.Backend != nil {
		if err := s.Backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
