package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes bridge events to a Redis stream for out-of-process
// consumers. Chunk events are skipped unless IncludeChunks is set.
type RedisSink struct {
	client        *redis.Client
	stream        string
	maxLen        int64
	timeout       time.Duration
	IncludeChunks bool
	logger        *slog.Logger
}

func NewRedisSink(client *redis.Client, stream string, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	if stream == "" {
		stream = "agentpilot:events"
	}
	return &RedisSink{
		client:  client,
		stream:  stream,
		maxLen:  10000,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

func (s *RedisSink) HandleEvent(e Event) {
	if e.Kind == EventChunk && !s.IncludeChunks {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: eventFields(e),
	}).Err(); err != nil {
		s.logger.WarnContext(ctx, "publish event failed", "stream", s.stream, "event", string(e.Kind), "error", err)
	}
}

func eventFields(e Event) map[string]any {
	fields := map[string]any{
		"event":   string(e.Kind),
		"turn_id": e.TurnID,
		"at":      e.At.Format(time.RFC3339Nano),
	}
	if e.MemberID != "" {
		fields["member_id"] = e.MemberID
	}
	if e.Role != "" {
		fields["role"] = e.Role
	}
	if e.Text != "" {
		fields["text"] = e.Text
	}
	if e.Message != nil {
		fields["message_id"] = e.Message.ID
		fields["context_id"] = e.Message.ContextID
	}
	if e.Err != "" {
		fields["error"] = e.Err
	}
	if e.State != "" {
		fields["state"] = e.State
	}
	if e.WaitingFor != "" {
		fields["waiting_for"] = e.WaitingFor
	}
	return fields
}
