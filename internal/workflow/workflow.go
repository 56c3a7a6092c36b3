package workflow

import (
	"fmt"
	"strings"
	"sync"

	"agentpilot/internal/history"
	"agentpilot/internal/typesys"
)

// DefaultLooperCap bounds looper edges that declare no max_iterations.
const DefaultLooperCap = 25

// Workflow ties a graph to the message store of one chat and guards the
// single responding turn.
type Workflow struct {
	store     *history.Store
	looperCap int

	mu         sync.Mutex
	graph      *Graph
	responding bool
}

func New(g *Graph, s *history.Store, looperCap int) *Workflow {
	if looperCap <= 0 {
		looperCap = DefaultLooperCap
	}
	return &Workflow{graph: g, store: s, looperCap: looperCap}
}

func (w *Workflow) Store() *history.Store { return w.store }

func (w *Workflow) LooperCap() int { return w.looperCap }

func (w *Workflow) Graph() *Graph {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.graph
}

// SetGraph swaps the graph. Rejected while a turn is responding.
func (w *Workflow) SetGraph(g *Graph) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.responding {
		return ErrResponding
	}
	w.graph = g
	return nil
}

// TryBeginResponding marks a turn as running. It returns false when one
// already is.
func (w *Workflow) TryBeginResponding() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.responding {
		return false
	}
	w.responding = true
	return true
}

func (w *Workflow) EndResponding() {
	w.mu.Lock()
	w.responding = false
	w.mu.Unlock()
}

// LastMessage is the newest message owned by the member, including inner
// members of a nested workflow.
func (w *Workflow) LastMessage(memberID string) (history.Message, bool) {
	return w.store.LastMatching(func(m history.Message) bool {
		return m.MemberID == memberID || strings.HasPrefix(m.MemberID, memberID+".")
	})
}

func (w *Workflow) LastMessageID(memberID string) int64 {
	m, _ := w.LastMessage(memberID)
	return m.ID
}

// MemberName resolves display names for conversation rendering.
func (w *Workflow) MemberName(memberID string) string {
	if m, ok := w.Graph().Member(memberID); ok {
		return m.Name()
	}
	return ""
}

// NextExpectedMember returns the member due to speak next judging from
// history alone. User members are returned too; callers decide whether
// that means waiting.
func (w *Workflow) NextExpectedMember() (*Member, bool, error) {
	due, ok, err := NewRound(w.looperCap).Next(w)
	return due.Member, ok, err
}

// Due is one scheduling decision. Looper is set when the member was
// triggered through a looper edge.
type Due struct {
	Member *Member
	Looper *Input
}

// Round holds the per-turn bookkeeping: the last message id each member
// has processed and the number of looper iterations per edge.
type Round struct {
	cap       int
	processed map[string]int64
	loops     map[string]int
	feedBack  *Input
}

func NewRound(looperCap int) *Round {
	if looperCap <= 0 {
		looperCap = DefaultLooperCap
	}
	return &Round{cap: looperCap, processed: map[string]int64{}, loops: map[string]int{}}
}

// FeedBack treats m as having a looper edge to itself, bounded by its
// loop.max_iterations and loop.exit_condition config.
func (r *Round) FeedBack(m *Member) {
	r.feedBack = &Input{
		From:          m.ID,
		To:            m.ID,
		Type:          typesys.InputMessage,
		Looper:        true,
		MaxIterations: m.Config.Int("loop.max_iterations", 0),
		ExitCondition: m.Config.String("loop.exit_condition", ""),
		Implicit:      true,
	}
}

// Processed records that memberID has handled everything up to lastID.
// This keeps a member that produced no message from being due again.
func (r *Round) Processed(memberID string, lastID int64) {
	if lastID > r.processed[memberID] {
		r.processed[memberID] = lastID
	}
}

// Next picks the due member with the lowest position. A member is due when
// every non-looper input spoke after it, or when any looper input spoke at
// or after its last response and the loop has not ended.
func (r *Round) Next(w *Workflow) (Due, bool, error) {
	g := w.Graph()
	for _, m := range g.order {
		last := max(w.LastMessageID(m.ID), r.processed[m.ID])
		inputs := g.Inputs(m.ID)
		if r.feedBack != nil && r.feedBack.To == m.ID {
			inputs = append(inputs, *r.feedBack)
		}

		normal, satisfied := 0, 0
		var loopers []Input
		for _, in := range inputs {
			if in.Looper {
				loopers = append(loopers, in)
				continue
			}
			normal++
			if src := w.LastMessageID(in.From); src > 0 && src > last {
				satisfied++
			}
		}
		if normal > 0 && satisfied == normal {
			return Due{Member: m}, true, nil
		}

		for _, in := range loopers {
			src, ok := w.LastMessage(in.From)
			if !ok || last == 0 || src.ID < last {
				continue
			}
			if in.ExitCondition != "" && strings.Contains(strings.ToLower(src.Content), strings.ToLower(in.ExitCondition)) {
				continue
			}
			n := r.loops[in.key()]
			if in.MaxIterations > 0 {
				if n >= in.MaxIterations {
					continue
				}
			} else if n >= r.cap {
				return Due{}, false, &GraphError{
					MemberID: m.ID,
					Message:  fmt.Sprintf("looper input from %s reached cap of %d iterations without exit", in.From, r.cap),
				}
			}
			r.loops[in.key()] = n + 1
			edge := in
			return Due{Member: m, Looper: &edge}, true, nil
		}
	}
	return Due{}, false, nil
}
