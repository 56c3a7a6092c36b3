package typesys

import (
	"fmt"
	"slices"
	"sort"
)

type Field struct {
	Key         string
	Kind        Kind
	Required    bool
	Description string
}

// Contract declares the config keys a member kind reads, the outputs it
// produces and the edge kinds it can receive. An empty Accepts takes any
// input kind.
type Contract struct {
	Inputs  []Field
	Outputs []Kind
	Accepts []Kind
}

type Problem struct {
	Key     string
	Message string
}

func (p Problem) String() string { return fmt.Sprintf("%s: %s", p.Key, p.Message) }

// Check validates cfg against the contract. Keys the contract does not
// declare are ignored.
func (c Contract) Check(cfg map[string]any) []Problem {
	var out []Problem
	for _, f := range c.Inputs {
		v, ok := cfg[f.Key]
		if !ok || v == nil {
			if f.Required {
				out = append(out, Problem{Key: f.Key, Message: "is required"})
			}
			continue
		}
		if !f.Kind.Accepts(v) {
			out = append(out, Problem{Key: f.Key, Message: fmt.Sprintf("expected %s, got %T", f.Kind.Short(), v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c Contract) Field(key string) (Field, bool) {
	for _, f := range c.Inputs {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// CanFeed reports whether a member producing c's outputs can be the source
// of an edge of the given input kind. A context edge renders the source's
// conversation, so only text producers can feed one.
func (c Contract) CanFeed(input Kind) bool {
	switch input {
	case InputContext:
		return slices.Contains(c.Outputs, OutputText)
	case InputMessage:
		for _, o := range c.Outputs {
			if o == OutputText || o == OutputJSON || o == OutputCode {
				return true
			}
		}
	}
	return false
}

// CanReceive reports whether a member of c's kind takes an edge of the
// given input kind.
func (c Contract) CanReceive(input Kind) bool {
	return len(c.Accepts) == 0 || slices.Contains(c.Accepts, input)
}
