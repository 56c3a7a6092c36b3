package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"agentpilot/internal/app"
	"agentpilot/internal/history"
	"agentpilot/internal/project"
	"agentpilot/internal/runtime"
	"agentpilot/internal/scaffold"
	"agentpilot/internal/workflow"
)

const (
	exitOK        = 0
	exitStartup   = 1
	exitTurnError = 2
)

func main() {
	c := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	err := c.run(context.Background(), os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status: 2 when a turn
// failed, 1 for anything that stopped the command before or around it.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var te *runtime.TurnError
	if errors.As(err, &te) {
		return exitTurnError
	}
	return exitStartup
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		c.printUsage()
		return nil
	}
	switch args[0] {
	case "help", "-h", "--help":
		c.printUsage()
		return nil
	case "init":
		return c.cmdInit(args[1:])
	case "validate":
		return c.cmdValidate(args[1:])
	case "chat":
		return c.cmdChat(ctx, args[1:])
	case "send":
		return c.cmdSend(ctx, args[1:])
	case "history":
		return c.cmdHistory(ctx, args[1:])
	case "chats":
		return c.cmdChats(ctx, args[1:])
	case "workflow":
		return c.cmdWorkflow(args[1:])
	case "provider":
		return c.cmdProvider(args[1:])
	case "type":
		return c.cmdType(args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stdout, "agentpilot - multi-member agent workflows with branching chat history")
	fmt.Fprintln(c.stdout, "")
	fmt.Fprintln(c.stdout, "Usage:")
	fmt.Fprintln(c.stdout, "  agentpilot init [--workspace DIR]")
	fmt.Fprintln(c.stdout, "  agentpilot validate [--workspace DIR]")
	fmt.Fprintln(c.stdout, "  agentpilot chat [--workspace DIR] [--chat ID] [--spoken]")
	fmt.Fprintln(c.stdout, "  agentpilot send [--workspace DIR] [--chat ID] [--as MEMBER] [--spoken] <text>")
	fmt.Fprintln(c.stdout, "  agentpilot history [--workspace DIR] --chat ID")
	fmt.Fprintln(c.stdout, "  agentpilot chats [--workspace DIR]")
	fmt.Fprintln(c.stdout, "  agentpilot workflow show [--workspace DIR]")
	fmt.Fprintln(c.stdout, "  agentpilot workflow add-agent [--workspace DIR] [--id ID] [--provider NAME] [--model MODEL] [--sys-msg TEXT] <name>")
	fmt.Fprintln(c.stdout, "  agentpilot provider list [--workspace DIR]")
	fmt.Fprintln(c.stdout, "  agentpilot provider add [--workspace DIR] [--name NAME] [--model MODEL] [--set-default] [--force] <mock|http|openai|deepseek>")
	fmt.Fprintln(c.stdout, "  agentpilot type list [--category CAT]")
	fmt.Fprintln(c.stdout, "  agentpilot type explain [--json] <kind|member kind>")
}

func (c *cli) cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	abs, err := filepath.Abs(*workspace)
	if err != nil {
		return err
	}
	if err := scaffold.InitWorkspace(abs); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Initialized agentpilot workspace at %s\n", abs)
	fmt.Fprintln(c.stdout, "Next steps:")
	fmt.Fprintln(c.stdout, "  1. agentpilot validate")
	fmt.Fprintln(c.stdout, "  2. agentpilot chat")
	fmt.Fprintln(c.stdout, "  3. edit workflows/default.json or try examples/workflows/review_loop.json")
	return nil
}

func (c *cli) cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, abs, verr, err := loadAndValidate(*workspace)
	if err != nil {
		return err
	}
	c.printValidation(verr)
	if verr.HasErrors() {
		return verr
	}

	data, err := os.ReadFile(p.WorkflowPath())
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	g, wverr := project.ValidateWorkflow(p, data)
	c.printValidation(wverr)
	if wverr.HasErrors() {
		return wverr
	}
	fmt.Fprintf(c.stdout, "Validation OK (%d member(s), %d provider(s)) in %s\n", len(g.Members()), len(p.Root.Providers), abs)
	return nil
}

func (c *cli) cmdSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	chatID := fs.Int64("chat", 0, "chat id (0 starts a new chat)")
	as := fs.String("as", "", "user member id to send as (default: first user member)")
	spoken := fs.Bool("spoken", false, "convert clock times in replies to spoken form")
	rest, err := parseFlagsLoose(fs, args)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(rest, " "))
	if text == "" {
		return errors.New("send requires <text>")
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
	fmt.Fprintf(c.stderr, "chat %d\n", sched.Workflow().Store().RootID())
	sys.Env.Bridge.Subscribe(newPrinter(c.stdout, sched.Workflow().MemberName))

	ok, err := sched.SendMessage(ctx, text, *as)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("a turn is already responding")
	}
	out := sched.Wait()
	sys.Env.Bridge.Flush()
	return out.Err
}

func (c *cli) cmdHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	chatID := fs.Int64("chat", 0, "chat id")
	rest, err := parseFlagsLoose(fs, args)
	if err != nil {
		return err
	}
	if *chatID == 0 && len(rest) > 0 {
		if *chatID, err = strconv.ParseInt(rest[0], 10, 64); err != nil {
			return fmt.Errorf("invalid chat id %q", rest[0])
		}
	}
	if *chatID == 0 {
		return errors.New("history requires --chat ID")
	}

	sys, err := c.openSystem(ctx, *workspace, false)
	if err != nil {
		return err
	}
	defer sys.Close(context.Background())
	sched, err := sys.OpenChat(ctx, *chatID)
	if err != nil {
		return err
	}
	printHistory(c.stdout, sched.Workflow())
	return nil
}

func (c *cli) cmdChats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chats", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sys, err := c.openSystem(ctx, *workspace, false)
	if err != nil {
		return err
	}
	defer sys.Close(context.Background())

	chats, err := sys.Chats(ctx)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Fprintln(c.stdout, "No chats yet.")
		return nil
	}
	for _, ch := range chats {
		fmt.Fprintf(c.stdout, "%d\t%s\n", ch.ID, ch.CreatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func (c *cli) cmdWorkflow(args []string) error {
	if len(args) == 0 {
		return errors.New("workflow requires a subcommand: show | add-agent")
	}
	switch args[0] {
	case "show":
		return c.cmdWorkflowShow(args[1:])
	case "add-agent":
		return c.cmdWorkflowAddAgent(args[1:])
	default:
		return fmt.Errorf("unknown workflow subcommand %q", args[0])
	}
}

func (c *cli) cmdWorkflowShow(args []string) error {
	fs := flag.NewFlagSet("workflow show", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, _, verr, err := loadAndValidate(*workspace)
	if err != nil {
		return err
	}
	if verr.HasErrors() {
		c.printValidation(verr)
		return verr
	}
	data, err := os.ReadFile(p.WorkflowPath())
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	g, wverr := project.ValidateWorkflow(p, data)
	c.printValidation(wverr)
	if g == nil {
		return wverr
	}
	fmt.Fprintf(c.stdout, "Workflow: %s\n", p.Root.Workflow)
	printMembers(c.stdout, g, g.Members(), "")
	return nil
}

func printMembers(w io.Writer, g *workflow.Graph, members []*workflow.Member, indent string) {
	for _, m := range members {
		fmt.Fprintf(w, "%s- %s [%s] %s\n", indent, m.ID, m.Kind, m.Name())
		if p := m.Config.String("chat.provider", ""); p != "" {
			fmt.Fprintf(w, "%s    provider: %s\n", indent, p)
		}
		for _, in := range g.Inputs(m.ID) {
			line := fmt.Sprintf("%s    <- %s (%s)", indent, in.From, in.Type.Short())
			switch {
			case in.Implicit:
				line += " implicit"
			case in.Looper:
				line += fmt.Sprintf(" looper max=%d exit=%q", in.MaxIterations, in.ExitCondition)
			}
			fmt.Fprintln(w, line)
		}
		if m.Inner != nil {
			printMembers(w, g, m.Inner.Members(), indent+"    ")
		}
	}
}

func (c *cli) cmdWorkflowAddAgent(args []string) error {
	fs := flag.NewFlagSet("workflow add-agent", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	id := fs.String("id", "", "member id (default: next numeric id)")
	provider := fs.String("provider", "", "provider name")
	model := fs.String("model", "", "model name")
	sysMsg := fs.String("sys-msg", "", "system message template")
	rest, err := parseFlagsLoose(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("workflow add-agent requires <name>")
	}
	p, _, verr, err := loadAndValidate(*workspace)
	if err != nil {
		return err
	}
	if verr.HasErrors() {
		c.printValidation(verr)
		return verr
	}
	memberID, err := scaffold.AddAgent(p.WorkflowPath(), scaffold.AgentOptions{
		ID:       *id,
		Name:     rest[0],
		Provider: *provider,
		Model:    *model,
		SysMsg:   *sysMsg,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Added agent %s as member %s to %s\n", rest[0], memberID, p.Root.Workflow)
	return nil
}

func (c *cli) openSystem(ctx context.Context, workspace string, spoken bool) (*app.System, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	sys, err := app.New(ctx, abs, app.Options{LogOutput: c.stderr, SpokenTimes: spoken, NodeID: 1})
	if err != nil {
		var verr *project.ValidationError
		if errors.As(err, &verr) {
			c.printValidation(verr)
		}
		return nil, err
	}
	return sys, nil
}

func loadAndValidate(workspace string) (*project.Project, string, *project.ValidationError, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, "", nil, err
	}
	p, err := project.Load(abs)
	if err != nil {
		return nil, abs, nil, err
	}
	return p, abs, project.Validate(p), nil
}

func (c *cli) printValidation(verr *project.ValidationError) {
	if verr == nil {
		return
	}
	for _, issue := range verr.Issues {
		fmt.Fprintln(c.stdout, issue.String())
	}
}

func printHistory(w io.Writer, wf *workflow.Workflow) {
	s := wf.Store()
	branches := s.Branches()
	msgs := s.Messages()
	if len(msgs) == 0 {
		fmt.Fprintln(w, "(empty)")
		return
	}
	for _, m := range msgs {
		who := wf.MemberName(m.MemberID)
		if who == "" {
			who = m.Role
		}
		marker := ""
		if sibs, ok := branches[m.ID]; ok {
			marker = fmt.Sprintf(" [%d branches]", len(sibs))
		}
		content := m.Content
		if m.Role == history.RoleTool || m.Role == history.RoleToolCall || m.Role == history.RoleCode {
			content = strings.TrimSpace(content)
		}
		fmt.Fprintf(w, "#%d %s (%s)%s: %s\n", m.ID, who, m.Role, marker, content)
	}
}
