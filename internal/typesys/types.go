package typesys

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Kind string

type TypeDef struct {
	Kind        Kind
	Category    string
	Description string
	Aliases     []string
}

const (
	KindString Kind = "value/string"
	KindText   Kind = "value/text"
	KindInt    Kind = "value/int"
	KindFloat  Kind = "value/float"
	KindBool   Kind = "value/bool"
	KindList   Kind = "value/list"
	KindObject Kind = "value/object"
	KindAny    Kind = "value/any"

	// Edge input kinds.
	InputMessage Kind = "input/message"
	InputContext Kind = "input/context"

	// Output kinds a member can produce.
	OutputText Kind = "output/text"
	OutputJSON Kind = "output/json"
	OutputCode Kind = "output/code"
)

var registry = []TypeDef{
	{KindString, "value", "Single line string.", []string{"string", "str"}},
	{KindText, "value", "Multi line text, e.g. a system message.", []string{"text", "prompt"}},
	{KindInt, "value", "Integer number.", []string{"int", "integer"}},
	{KindFloat, "value", "Floating point number.", []string{"float", "number"}},
	{KindBool, "value", "Boolean flag.", []string{"bool", "boolean"}},
	{KindList, "value", "JSON array.", []string{"list", "array"}},
	{KindObject, "value", "JSON object.", []string{"object", "map", "dict"}},
	{KindAny, "value", "Any JSON value.", []string{"any"}},

	{InputMessage, "input", "Target receives the latest upstream message.", []string{"message", "msg"}},
	{InputContext, "input", "Target receives the whole upstream conversation render.", []string{"context", "ctx"}},

	{OutputText, "output", "Plain text message.", []string{"output.text"}},
	{OutputJSON, "output", "JSON encoded payload.", []string{"output.json", "json"}},
	{OutputCode, "output", "Code execution output.", []string{"output.code", "code"}},
}

var byCanonical map[Kind]TypeDef
var byAlias map[string]Kind

func init() {
	byCanonical = make(map[Kind]TypeDef, len(registry))
	byAlias = map[string]Kind{}
	for _, def := range registry {
		byCanonical[def.Kind] = def
		byAlias[normalize(def.Kind.String())] = def.Kind
		for _, a := range def.Aliases {
			byAlias[normalize(a)] = def.Kind
		}
	}
}

func (k Kind) String() string { return string(k) }

// Short is the persisted form, e.g. "message" for InputMessage.
func (k Kind) Short() string {
	s := string(k)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func List() []TypeDef {
	out := make([]TypeDef, len(registry))
	copy(out, registry)
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func Lookup(raw string) (TypeDef, bool) {
	k, ok := NormalizeKind(raw)
	if !ok {
		return TypeDef{}, false
	}
	d, ok := byCanonical[k]
	return d, ok
}

func NormalizeKind(raw string) (Kind, bool) {
	n := normalize(raw)
	if n == "" {
		return "", false
	}
	k, ok := byAlias[n]
	return k, ok
}

// NormalizeInput maps a persisted edge type to an input kind. Empty means
// message.
func NormalizeInput(raw string) (Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return InputMessage, nil
	}
	k, ok := NormalizeKind(raw)
	if !ok || (k != InputMessage && k != InputContext) {
		return "", fmt.Errorf("unknown input type %q", raw)
	}
	return k, nil
}

func normalize(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, "_", "/")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// Accepts reports whether a decoded JSON value fits the kind.
func (k Kind) Accepts(v any) bool {
	switch k {
	case KindAny, "":
		return true
	case KindString, KindText:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindInt:
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case KindFloat:
		switch n := v.(type) {
		case int, int64, float64:
			return true
		case json.Number:
			_, err := n.Float64()
			return err == nil
		}
		return false
	case KindList:
		_, ok := v.([]any)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}
