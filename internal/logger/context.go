package logger

import (
	"context"
	"log/slog"
)

type scopeKey struct{}

// Scope identifies where in a chat a record was logged. Zero fields are
// unset; chat and turn ids are never zero once assigned.
type Scope struct {
	ChatID    int64
	TurnID    int64
	MemberID  string
	Component string
}

// WithScope layers s over the scope already carried by ctx, so a member
// scope set inside a turn keeps the turn's chat and turn ids.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, ScopeFrom(ctx).with(s))
}

func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

func (s Scope) with(o Scope) Scope {
	if o.ChatID != 0 {
		s.ChatID = o.ChatID
	}
	if o.TurnID != 0 {
		s.TurnID = o.TurnID
	}
	if o.MemberID != "" {
		s.MemberID = o.MemberID
	}
	if o.Component != "" {
		s.Component = o.Component
	}
	return s
}

func (s Scope) attrs() []slog.Attr {
	var out []slog.Attr
	if s.ChatID != 0 {
		out = append(out, slog.Int64("chat_id", s.ChatID))
	}
	if s.TurnID != 0 {
		out = append(out, slog.Int64("turn_id", s.TurnID))
	}
	if s.MemberID != "" {
		out = append(out, slog.String("member_id", s.MemberID))
	}
	if s.Component != "" {
		out = append(out, slog.String("component", s.Component))
	}
	return out
}
