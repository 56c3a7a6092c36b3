package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentpilot/internal/history"
	"agentpilot/internal/logger"
	"agentpilot/internal/stream"
	"agentpilot/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
)

type State string

const (
	StateIdle       State = "idle"
	StateResponding State = "responding"
	StateWaiting    State = "waiting_for_member"
	StateError      State = "error"
)

// Outcome is how a turn ended.
type Outcome struct {
	TurnID int64
	State  State
	// WaitingFor is the member id the turn stopped at in StateWaiting.
	WaitingFor string
	// Messages were persisted during the turn, in id order.
	Messages []history.Message
	Err      error
}

// Scheduler runs turns of one workflow. At most one turn runs at a time;
// attempts to start another while it is responding are ignored.
type Scheduler struct {
	env *Env
	wf  *workflow.Workflow

	mu         sync.Mutex
	state      State
	waitingFor string
	cancel     context.CancelFunc
	done       chan struct{}
	last       Outcome
}

func NewScheduler(env *Env, wf *workflow.Workflow) *Scheduler {
	done := make(chan struct{})
	close(done)
	return &Scheduler{env: env, wf: wf, state: StateIdle, done: done}
}

func (s *Scheduler) Workflow() *workflow.Workflow { return s.wf }

// State returns the current state and, when waiting, the member id.
func (s *Scheduler) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.waitingFor
}

// Start runs a turn in the background. A non-empty from makes that member
// respond first; feedBack feeds its output back to itself as a looper
// input. It returns false when a turn is already responding.
func (s *Scheduler) Start(ctx context.Context, from string, feedBack bool) bool {
	turnCtx, turnID, ok := s.begin(ctx)
	if !ok {
		return false
	}
	go s.turn(turnCtx, turnID, from, feedBack)
	return true
}

// Run is Start followed by waiting for the turn to end.
func (s *Scheduler) Run(ctx context.Context, from string, feedBack bool) (Outcome, bool) {
	turnCtx, turnID, ok := s.begin(ctx)
	if !ok {
		return Outcome{}, false
	}
	return s.turn(turnCtx, turnID, from, feedBack), true
}

// Wait blocks until the current turn, if any, has ended and returns its
// outcome.
func (s *Scheduler) Wait() Outcome {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Stop cancels the running turn. The member in flight is abandoned without
// saving and no further member is started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// SendMessage saves text as a message of the user member as (the first
// user member when empty) and starts a turn. It returns false without
// saving when a turn is already responding or the text is blank.
func (s *Scheduler) SendMessage(ctx context.Context, text, as string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	m, err := s.sender(as)
	if err != nil {
		return false, err
	}
	turnCtx, turnID, ok := s.begin(ctx)
	if !ok {
		return false, nil
	}
	msg, _, err := s.wf.Store().SaveMessage(turnCtx, history.RoleUser, text, m.ID, nil)
	if err != nil {
		s.abort(turnID, err)
		return false, err
	}
	s.env.Bridge.OnMessage(turnID, msg)
	go s.turn(turnCtx, turnID, "", false)
	return true, nil
}

// Regenerate branches at msgID and lets the member that wrote it respond
// again on the new branch.
func (s *Scheduler) Regenerate(ctx context.Context, msgID int64) (bool, error) {
	turnCtx, turnID, ok := s.begin(ctx)
	if !ok {
		return false, nil
	}
	orig, err := s.wf.Store().Regenerate(turnCtx, msgID)
	if err != nil {
		s.abort(turnID, err)
		return false, err
	}
	go s.turn(turnCtx, turnID, orig.MemberID, false)
	return true, nil
}

// EditMessage branches at msgID with new content in its place and
// continues the conversation from there.
func (s *Scheduler) EditMessage(ctx context.Context, msgID int64, content string) (bool, error) {
	turnCtx, turnID, ok := s.begin(ctx)
	if !ok {
		return false, nil
	}
	msg, err := s.wf.Store().EditMessage(turnCtx, msgID, content)
	if err != nil {
		s.abort(turnID, err)
		return false, err
	}
	s.env.Bridge.OnMessage(turnID, msg)
	go s.turn(turnCtx, turnID, "", false)
	return true, nil
}

// NextBranch switches to the next sibling branch at msgID. Branches cannot
// change while a turn is responding.
func (s *Scheduler) NextBranch(ctx context.Context, msgID int64) (int64, error) {
	if !s.wf.TryBeginResponding() {
		return 0, workflow.ErrResponding
	}
	defer s.wf.EndResponding()
	return s.wf.Store().NextBranch(ctx, msgID)
}

// Rewind deletes msgID and everything after it from the active context,
// typically the leftovers of a failed turn. Like NextBranch it mutates
// history, so it is refused while a turn is responding.
func (s *Scheduler) Rewind(ctx context.Context, msgID int64) error {
	if !s.wf.TryBeginResponding() {
		return workflow.ErrResponding
	}
	defer s.wf.EndResponding()
	if err := s.wf.Store().DeleteMessagesSince(ctx, msgID); err != nil {
		return err
	}
	s.env.logger().InfoContext(ctx, "history rewound", "message_id", msgID, "messages", s.wf.Store().Len())
	return nil
}

func (s *Scheduler) sender(as string) (*workflow.Member, error) {
	g := s.wf.Graph()
	if as != "" {
		m, ok := g.Member(as)
		if !ok {
			return nil, &workflow.GraphError{MemberID: as, Message: "unknown member"}
		}
		return m, nil
	}
	for _, m := range g.Members() {
		if m.Kind == workflow.KindUser {
			return m, nil
		}
	}
	return nil, &workflow.GraphError{Message: "workflow has no user member"}
}

func (s *Scheduler) begin(ctx context.Context) (context.Context, int64, bool) {
	if !s.wf.TryBeginResponding() {
		return nil, 0, false
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.state = StateResponding
	s.waitingFor = ""
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	return turnCtx, s.env.nextTurnID(), true
}

// abort ends a turn that failed before any member ran.
func (s *Scheduler) abort(turnID int64, err error) {
	s.finish(context.Background(), Outcome{TurnID: turnID, State: StateIdle, Err: err})
}

func (s *Scheduler) turn(ctx context.Context, turnID int64, from string, feedBack bool) Outcome {
	ctx, span := logger.StartSpan(ctx, "turn",
		attribute.Int64("turn.id", turnID),
		attribute.String("turn.from", from))
	ctx = logger.WithScope(ctx, logger.Scope{
		ChatID:    s.wf.Store().RootID(),
		TurnID:    turnID,
		Component: "agentpilot.runtime.scheduler",
	})
	s.env.logger().InfoContext(ctx, "turn started", "from", from, "feed_back", feedBack)

	firstID := s.wf.Store().LastID()
	out := s.drive(ctx, turnID, from, feedBack)
	out.TurnID = turnID
	for _, m := range s.wf.Store().Messages() {
		if m.ID > firstID {
			out.Messages = append(out.Messages, m)
		}
	}

	span.Set(attribute.String("turn.state", string(out.State)))
	var failed error
	if out.State == StateError {
		failed = out.Err
	}
	span.Finish(failed)
	s.finish(ctx, out)
	return out
}

func (s *Scheduler) drive(ctx context.Context, turnID int64, from string, feedBack bool) Outcome {
	round := workflow.NewRound(s.wf.LooperCap())
	var forced *workflow.Member
	if from != "" {
		m, ok := s.wf.Graph().Member(from)
		if !ok {
			return s.failed(turnID, from, &workflow.GraphError{MemberID: from, Message: "unknown member"})
		}
		forced = m
		if feedBack {
			round.FeedBack(m)
		}
	}

	for {
		if ctx.Err() != nil {
			return Outcome{State: StateIdle}
		}

		var due workflow.Due
		if forced != nil {
			due, forced = workflow.Due{Member: forced}, nil
		} else {
			next, ok, err := round.Next(s.wf)
			if err != nil {
				var ge *workflow.GraphError
				memberID := ""
				if errors.As(err, &ge) {
					memberID = ge.MemberID
				}
				return s.failed(turnID, memberID, err)
			}
			if !ok {
				return Outcome{State: StateIdle}
			}
			if next.Member.Kind == workflow.KindUser {
				return Outcome{State: StateWaiting, WaitingFor: next.Member.ID}
			}
			due = next
		}

		if err := s.respond(ctx, turnID, due.Member, due.Looper); err != nil {
			if ctx.Err() != nil {
				return Outcome{State: StateIdle}
			}
			return Outcome{State: StateError, Err: err}
		}
		round.Processed(due.Member.ID, s.wf.Store().LastID())
	}
}

func (s *Scheduler) failed(turnID int64, memberID string, err error) Outcome {
	return Outcome{State: StateError, Err: &TurnError{TurnID: turnID, MemberID: memberID, Err: err}}
}

// respond runs one due member. A nested workflow member runs each of its
// inner non-user members once, in position order.
func (s *Scheduler) respond(ctx context.Context, turnID int64, m *workflow.Member, looper *workflow.Input) error {
	if m.Kind != workflow.KindWorkflow {
		return s.invoke(ctx, turnID, m, looper)
	}
	if m.Inner == nil {
		return nil
	}
	for _, inner := range m.Inner.Members() {
		if inner.Kind == workflow.KindUser {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.respond(ctx, turnID, inner, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) invoke(ctx context.Context, turnID int64, m *workflow.Member, looper *workflow.Input) error {
	ctx, span := logger.StartSpan(ctx, "member.respond",
		attribute.String("member.id", m.ID),
		attribute.String("member.kind", string(m.Kind)))
	ctx = logger.WithScope(ctx, logger.Scope{MemberID: m.ID})

	start := time.Now()
	res, err := s.call(ctx, turnID, m, looper)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Skipped:
		outcome = "skipped"
	}
	s.env.Metrics.MemberResponded(string(m.Kind), outcome, time.Since(start))

	span.Finish(err)
	if err != nil {
		return &TurnError{TurnID: turnID, MemberID: m.ID, Err: err}
	}
	s.env.logger().DebugContext(ctx, "member responded",
		"kind", m.Kind,
		"messages", len(res.Messages),
		"chunks", res.Chunks,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Scheduler) call(ctx context.Context, turnID int64, m *workflow.Member, looper *workflow.Input) (stream.Result, error) {
	drv, err := s.env.Drivers.New(s.env, m)
	if err != nil {
		return stream.Result{}, err
	}
	inv := Invocation{Env: s.env, Workflow: s.wf, TurnID: turnID, Looper: looper}
	meta := map[string]any{"turn_id": turnID, "kind": string(m.Kind)}
	if model := m.Config.String("chat.model", ""); model != "" {
		meta["model"] = model
	}
	return s.env.Bridge.Drive(ctx, turnID, m.ID, drv.Receive(ctx, inv), s.wf.Store(), meta)
}

func (s *Scheduler) finish(ctx context.Context, out Outcome) {
	log := s.env.logger()
	switch out.State {
	case StateError:
		memberID := ""
		var te *TurnError
		if errors.As(out.Err, &te) {
			memberID = te.MemberID
		}
		log.ErrorContext(ctx, "turn failed", "member_id", memberID, "error", out.Err)
		s.env.Bridge.OnError(out.TurnID, memberID, out.Err)
	case StateWaiting:
		log.InfoContext(ctx, "turn waiting", "waiting_for", out.WaitingFor, "messages", len(out.Messages))
	default:
		log.InfoContext(ctx, "turn finished", "messages", len(out.Messages))
	}
	s.env.Metrics.TurnFinished(string(out.State))

	s.mu.Lock()
	s.state = out.State
	s.waitingFor = out.WaitingFor
	s.last = out
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	s.wf.EndResponding()
	s.env.Bridge.OnTurnComplete(out.TurnID, string(out.State), out.WaitingFor)
	if cancel != nil {
		cancel()
	}
	close(done)
}

// WaitingMessage is the notice shown while a turn waits on a member.
func (s *Scheduler) WaitingMessage() string {
	state, id := s.State()
	if state != StateWaiting {
		return ""
	}
	return fmt.Sprintf("waiting for %s", s.wf.MemberName(id))
}
