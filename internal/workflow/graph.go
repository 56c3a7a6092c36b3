package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"agentpilot/internal/typesys"
)

// Input is a directed edge: To takes input from From.
type Input struct {
	From          string
	To            string
	Type          typesys.Kind
	Looper        bool
	MaxIterations int
	ExitCondition string
	// Implicit edges are derived, never persisted.
	Implicit bool

	doc *InputDoc
}

func (in Input) key() string { return in.From + "->" + in.To }

// Graph is the structural description of a workflow. It is not safe for
// concurrent mutation; edits happen only while no turn is responding.
type Graph struct {
	prefix   string
	members  map[string]*Member
	declared []*Member
	order    []*Member
	inputs   []Input
	extra    map[string]json.RawMessage
}

// Parse decodes and builds a workflow graph from its JSON document.
func Parse(data []byte) (*Graph, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Build turns a document into a validated graph.
func Build(doc Document) (*Graph, error) {
	g, err := build(doc, "")
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func build(doc Document, prefix string) (*Graph, error) {
	g := &Graph{prefix: prefix, members: map[string]*Member{}, extra: doc.Extra}
	for i, md := range doc.Members {
		if md.ID == "" {
			return nil, &GraphError{Message: fmt.Sprintf("member %d has no id", i)}
		}
		id := prefix + md.ID
		if _, dup := g.members[id]; dup {
			return nil, &GraphError{MemberID: id, Message: "duplicate member id"}
		}
		kind := Kind(strings.ToLower(md.Config.Type()))
		if kind == "" {
			kind = KindAgent
		}
		if _, ok := contracts[kind]; !ok {
			return nil, &ConfigError{MemberID: id, Key: KeyType, Message: fmt.Sprintf("unknown member type %q", md.Config.Type())}
		}
		m := &Member{
			ID:      id,
			Kind:    kind,
			AgentID: md.AgentID,
			LocX:    md.LocX,
			LocY:    md.LocY,
			Config:  md.Config,
			Index:   i,
			doc:     md,
		}
		if kind == KindWorkflow {
			inner, err := nestedGraph(md.Config, id+".")
			if err != nil {
				return nil, err
			}
			m.Inner = inner
		}
		g.members[id] = m
		g.declared = append(g.declared, m)
	}
	g.order = append([]*Member(nil), g.declared...)
	sort.SliceStable(g.order, func(i, j int) bool {
		a, b := g.order[i], g.order[j]
		if a.LocX != b.LocX {
			return a.LocX < b.LocX
		}
		return a.LocY < b.LocY
	})

	for i := range doc.Inputs {
		in, err := g.inputFromDoc(&doc.Inputs[i])
		if err != nil {
			return nil, err
		}
		g.inputs = append(g.inputs, in)
	}
	return g, nil
}

func nestedGraph(cfg Config, prefix string) (*Graph, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, &ConfigError{MemberID: strings.TrimSuffix(prefix, "."), Message: fmt.Sprintf("encode nested workflow: %v", err)}
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ConfigError{MemberID: strings.TrimSuffix(prefix, "."), Message: fmt.Sprintf("parse nested workflow: %v", err)}
	}
	return build(doc, prefix)
}

func (g *Graph) inputFromDoc(d *InputDoc) (Input, error) {
	typ, err := typesys.NormalizeInput(d.Type)
	if err != nil {
		return Input{}, &ConfigError{MemberID: g.prefix + d.MemberID, Key: "type", Message: err.Error()}
	}
	cfg := Config(d.Config)
	return Input{
		From:          g.prefix + d.InputMemberID,
		To:            g.prefix + d.MemberID,
		Type:          typ,
		Looper:        cfg.Bool("looper", false),
		MaxIterations: cfg.Int("max_iterations", 0),
		ExitCondition: cfg.String("exit_condition", ""),
		doc:           d,
	}, nil
}

// Members returns top-level members in position order: loc_x, then loc_y,
// then declaration order.
func (g *Graph) Members() []*Member {
	return append([]*Member(nil), g.order...)
}

// Member finds a member by fully qualified id, descending into nested
// workflows.
func (g *Graph) Member(id string) (*Member, bool) {
	if m, ok := g.members[id]; ok {
		return m, true
	}
	for _, m := range g.declared {
		if m.Inner != nil && strings.HasPrefix(id, m.ID+".") {
			return m.Inner.Member(id)
		}
	}
	return nil, false
}

// Inputs returns the edges feeding id. A member without declared inputs
// takes an implicit message input from the member before it in position
// order; the first member has none.
func (g *Graph) Inputs(id string) []Input {
	var out []Input
	for _, in := range g.inputs {
		if in.To == id {
			out = append(out, in)
		}
	}
	if len(out) > 0 {
		return out
	}
	for i, m := range g.order {
		if m.ID == id {
			if i == 0 {
				return nil
			}
			return []Input{{From: g.order[i-1].ID, To: id, Type: typesys.InputMessage, Implicit: true}}
		}
		if m.Inner != nil && strings.HasPrefix(id, m.ID+".") {
			return m.Inner.Inputs(id)
		}
	}
	return nil
}

// MemberInputs maps input member id to input kind for id.
func (g *Graph) MemberInputs(id string) map[string]typesys.Kind {
	out := map[string]typesys.Kind{}
	for _, in := range g.Inputs(id) {
		out[in.From] = in.Type
	}
	return out
}

// CheckForCircularReferences reports whether target is reachable by walking
// upstream from any of inputIDs over non-looper edges. Adding an edge
// target<-id for such an id would close a cycle; a self edge counts.
func (g *Graph) CheckForCircularReferences(target string, inputIDs []string) bool {
	seen := map[string]bool{}
	var walk func(ids []string) bool
	walk = func(ids []string) bool {
		for _, id := range ids {
			if id == target {
				return true
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			var up []string
			for _, in := range g.Inputs(id) {
				if !in.Looper {
					up = append(up, in.From)
				}
			}
			if walk(up) {
				return true
			}
		}
		return false
	}
	return walk(inputIDs)
}

// AddInput adds or replaces the edge in.From -> in.To. Non-looper edges
// that would close a cycle are rejected.
func (g *Graph) AddInput(in Input) error {
	src, ok := g.members[in.From]
	if !ok {
		return &GraphError{MemberID: in.To, Message: fmt.Sprintf("input references unknown member %s", in.From)}
	}
	dst, ok := g.members[in.To]
	if !ok {
		return &GraphError{MemberID: in.To, Message: "unknown member"}
	}
	if in.Type == "" {
		in.Type = typesys.InputMessage
	}
	if err := edgeKindError(src, dst, in.Type); err != nil {
		return err
	}
	if !in.Looper && g.CheckForCircularReferences(in.To, []string{in.From}) {
		return &GraphError{MemberID: in.To, Message: fmt.Sprintf("input from %s creates a cycle; mark it as a looper", in.From)}
	}
	g.RemoveInput(in.From, in.To)
	in.Implicit = false
	in.doc = nil
	g.inputs = append(g.inputs, in)
	return nil
}

// edgeKindError checks that src produces what an edge of kind typ carries
// and that dst takes such an edge.
func edgeKindError(src, dst *Member, typ typesys.Kind) error {
	if !contracts[src.Kind].CanFeed(typ) {
		return &ConfigError{MemberID: dst.ID, Key: "type", Message: fmt.Sprintf("%s member %s cannot feed a %s input", src.Kind, src.ID, typ.Short())}
	}
	if !contracts[dst.Kind].CanReceive(typ) {
		return &ConfigError{MemberID: dst.ID, Key: "type", Message: fmt.Sprintf("%s member %s cannot receive a %s input", dst.Kind, dst.ID, typ.Short())}
	}
	return nil
}

func (g *Graph) RemoveInput(from, to string) bool {
	for i, in := range g.inputs {
		if in.From == from && in.To == to {
			g.inputs = append(g.inputs[:i], g.inputs[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks references, cycles and member configs. The returned
// error joins every GraphError and ConfigError found.
func (g *Graph) Validate() error {
	var errs []error
	for _, m := range g.declared {
		c := contracts[m.Kind]
		for _, p := range c.Check(m.Config) {
			errs = append(errs, &ConfigError{MemberID: m.ID, Key: p.Key, Message: p.Message})
		}
		if m.Inner != nil {
			if err := m.Inner.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, in := range g.inputs {
		src, ok := g.members[in.From]
		if !ok {
			errs = append(errs, &GraphError{MemberID: in.To, Message: fmt.Sprintf("input references unknown member %s", in.From)})
			continue
		}
		dst, ok := g.members[in.To]
		if !ok {
			errs = append(errs, &GraphError{MemberID: in.To, Message: "input targets unknown member"})
			continue
		}
		if err := edgeKindError(src, dst, in.Type); err != nil {
			errs = append(errs, err)
		}
		if !in.Looper && g.CheckForCircularReferences(in.To, []string{in.From}) {
			errs = append(errs, &GraphError{MemberID: in.To, Message: fmt.Sprintf("input from %s forms a cycle without looper", in.From)})
		}
		if in.Looper && in.MaxIterations < 0 {
			errs = append(errs, &ConfigError{MemberID: in.To, Key: "max_iterations", Message: "must be >= 0"})
		}
	}
	return errors.Join(errs...)
}

// Document serializes the graph back to its persisted form, keeping
// unknown keys of the source document.
func (g *Graph) Document() Document {
	doc := Document{Extra: g.extra}
	for _, m := range g.declared {
		md := m.doc
		md.ID = strings.TrimPrefix(m.ID, g.prefix)
		md.AgentID = m.AgentID
		md.LocX, md.LocY = m.LocX, m.LocY
		md.Config = m.Config
		doc.Members = append(doc.Members, md)
	}
	for _, in := range g.inputs {
		var d InputDoc
		if in.doc != nil {
			d = *in.doc
		}
		d.MemberID = strings.TrimPrefix(in.To, g.prefix)
		d.InputMemberID = strings.TrimPrefix(in.From, g.prefix)
		if in.doc == nil {
			d.Type = in.Type.Short()
		}
		cfg := Config(d.Config).Clone()
		if in.Looper || cfg["looper"] != nil {
			if cfg == nil {
				cfg = Config{}
			}
			cfg["looper"] = in.Looper
			if in.MaxIterations > 0 {
				cfg["max_iterations"] = in.MaxIterations
			}
			if in.ExitCondition != "" {
				cfg["exit_condition"] = in.ExitCondition
			}
		}
		d.Config = cfg
		doc.Inputs = append(doc.Inputs, d)
	}
	return doc
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Document())
}
