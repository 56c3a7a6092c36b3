package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"

	"agentpilot/internal/history"
	"agentpilot/internal/runtime"
	"agentpilot/internal/stream"
	"agentpilot/internal/workflow"
)

// printer renders bridge events as they arrive: one "name> " prefix per
// member output, then its chunks. Tool calls and results get their own
// tagged line.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	name    func(memberID string) string
	current string
	role    string
}

func newPrinter(out io.Writer, name func(string) string) *printer {
	return &printer{out: out, name: name}
}

func (p *printer) HandleEvent(e stream.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Kind {
	case stream.EventChunk:
		if e.MemberID != p.current || e.Role != p.role {
			p.endLine()
			who := p.name(e.MemberID)
			if who == "" {
				who = e.MemberID
			}
			if e.Role == history.RoleToolCall || e.Role == history.RoleTool {
				who += " [" + e.Role + "]"
			}
			fmt.Fprintf(p.out, "%s> ", who)
			p.current, p.role = e.MemberID, e.Role
		}
		fmt.Fprint(p.out, e.Text)
	case stream.EventError:
		p.endLine()
		fmt.Fprintf(p.out, "error: %s\n", e.Err)
	case stream.EventTurnComplete:
		p.endLine()
		if e.State == string(runtime.StateWaiting) {
			fmt.Fprintf(p.out, "(waiting for %s)\n", p.name(e.WaitingFor))
		}
	}
}

func (p *printer) endLine() {
	if p.current != "" {
		fmt.Fprintln(p.out)
		p.current, p.role = "", ""
	}
}

func (c *cli) cmdChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	chatID := fs.Int64("chat", 0, "chat id to resume (0 starts a new chat)")
	spoken := fs.Bool("spoken", false, "convert clock times in replies to spoken form")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sys, err := c.openSystem(ctx, *workspace, *spoken)
	if err != nil {
		return err
	}
	defer sys.Close(context.Background())

	sched, err := sys.OpenChat(ctx, *chatID)
	if err != nil {
		return err
	}
	sys.Env.Bridge.Subscribe(newPrinter(c.stdout, sched.Workflow().MemberName))

	if *chatID == 0 {
		fmt.Fprintf(c.stdout, "Chat created: %d\n", sched.Workflow().Store().RootID())
	} else {
		fmt.Fprintf(c.stdout, "Chat resumed: %d (%d message(s))\n", *chatID, sched.Workflow().Store().Len())
		printNextDue(c.stdout, sched.Workflow())
	}
	fmt.Fprintln(c.stdout, "Commands: send <text>, stop, start <member>, branch <id> [text], select-branch <id>, rewind <id>, history, branches, waiting, quit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	sess := &chatSession{cli: c, sched: sched, flush: sys.Env.Bridge.Flush}
	return sess.loop(ctx, sig)
}

type chatSession struct {
	cli   *cli
	sched *runtime.Scheduler
	flush func()
	// turn delivers the outcome of the running turn; nil when idle.
	turn chan runtime.Outcome
}

func (s *chatSession) loop(ctx context.Context, sig <-chan os.Signal) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.cli.stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// piped input ran out; let the last turn finish
				s.finish(false)
				return nil
			}
			quit, err := s.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(s.cli.stdout, "error: %v\n", err)
			}
			if quit {
				s.finish(true)
				return nil
			}
		case out := <-s.turn:
			s.turn = nil
			s.flush()
			if out.Err != nil {
				fmt.Fprintf(s.cli.stdout, "turn %d failed: %v\n", out.TurnID, out.Err)
			}
		case <-sig:
			if s.turn == nil {
				return nil
			}
			s.sched.Stop()
		}
	}
}

// finish waits for a running turn, stopping it first when stop is set.
func (s *chatSession) finish(stop bool) {
	if s.turn != nil {
		if stop {
			s.sched.Stop()
		}
		<-s.turn
		s.turn = nil
	}
	s.flush()
}

func (s *chatSession) started(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("a turn is already responding; use stop first")
	}
	ch := make(chan runtime.Outcome, 1)
	go func() { ch <- s.sched.Wait() }()
	s.turn = ch
	return nil
}

func (s *chatSession) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	out := s.cli.stdout
	wf := s.sched.Workflow()

	switch cmd {
	case "quit", "exit", "/exit":
		return true, nil
	case "stop":
		s.sched.Stop()
		return false, nil
	case "send":
		return false, s.started(s.sched.SendMessage(ctx, arg, ""))
	case "start":
		if arg == "" {
			return false, errors.New("start requires <member>")
		}
		if _, ok := wf.Graph().Member(arg); !ok {
			return false, fmt.Errorf("unknown member %q", arg)
		}
		return false, s.started(s.sched.Start(ctx, arg, false), nil)
	case "branch":
		idArg, text, _ := strings.Cut(arg, " ")
		id, err := strconv.ParseInt(idArg, 10, 64)
		if err != nil {
			return false, fmt.Errorf("branch requires <message id> [text]")
		}
		if text = strings.TrimSpace(text); text != "" {
			return false, s.started(s.sched.EditMessage(ctx, id, text))
		}
		return false, s.started(s.sched.Regenerate(ctx, id))
	case "select-branch":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return false, fmt.Errorf("select-branch requires <message id>")
		}
		ctxID, err := s.sched.NextBranch(ctx, id)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Now on context %d\n", ctxID)
		printHistory(out, wf)
		return false, nil
	case "history":
		printHistory(out, wf)
		return false, nil
	case "branches":
		branches := wf.Store().Branches()
		if len(branches) == 0 {
			fmt.Fprintln(out, "No branches.")
			return false, nil
		}
		ids := make([]int64, 0, len(branches))
		for id := range branches {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			active, _ := wf.Store().ActiveBranch(id)
			fmt.Fprintf(out, "#%d contexts=%v active=%d\n", id, branches[id], active)
		}
		return false, nil
	case "rewind":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return false, fmt.Errorf("rewind requires <message id>")
		}
		if err := s.sched.Rewind(ctx, id); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Removed messages from #%d\n", id)
		printNextDue(out, wf)
		return false, nil
	case "waiting":
		state, _ := s.sched.State()
		if msg := s.sched.WaitingMessage(); msg != "" {
			fmt.Fprintln(out, msg)
		} else {
			fmt.Fprintln(out, state)
		}
		printNextDue(out, wf)
		return false, nil
	default:
		// bare text is sent as the first user member
		return false, s.started(s.sched.SendMessage(ctx, line, ""))
	}
}

// printNextDue names the member history says should speak next.
func printNextDue(out io.Writer, wf *workflow.Workflow) {
	m, ok, err := wf.NextExpectedMember()
	switch {
	case err != nil:
		fmt.Fprintf(out, "Next due: unknown (%v)\n", err)
	case ok:
		fmt.Fprintf(out, "Next due: %s\n", m.Name())
	}
}
