package runtime

import (
	"regexp"
	"strings"
	"time"
)

var placeholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// directives are the response instruction macros selectable per member
// with chat.response_instruction.
var directives = map[string]string{
	"brief":    "Answer briefly, in one or two sentences at most.",
	"question": "Respond with a single question to the others in the conversation and nothing else.",
	"fact":     "State your response as plain fact, without hedging, opinions or qualifiers.",
	"continue": "Continue directly from where your previous message left off, without repeating it.",
	"narrate":  "Narrate what happens next in the third person, describing actions rather than speaking.",
}

var directiveAliases = map[string]string{
	"short":    "brief",
	"briefly":  "brief",
	"ask":      "question",
	"state":    "fact",
	"as_fact":  "fact",
	"go_on":    "continue",
	"narrator": "narrate",
}

// Directive returns the canonical name and instruction text for a
// response instruction, accepting aliases.
func Directive(name string) (string, string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := directiveAliases[key]; ok {
		key = alias
	}
	text, ok := directives[key]
	return key, text, ok
}

// SystemVars are the values available to {placeholder} substitution.
type SystemVars struct {
	AgentName    string
	CharName     string
	Verb         string
	ResponseType string
	Now          time.Time
}

func (v SystemVars) lookup(key string) (string, bool) {
	switch key {
	case "agent_name":
		return v.AgentName, true
	case "char_name":
		return coalesce(v.CharName, v.AgentName), true
	case "verb":
		return v.Verb, true
	case "response_type":
		return coalesce(v.ResponseType, "response"), true
	case "date":
		return v.Now.Format("Monday, January 2, 2006"), true
	case "time":
		return v.Now.Format("03:04 PM"), true
	}
	return "", false
}

// RenderTemplate replaces known {placeholders}. Unknown ones stay as
// written.
func RenderTemplate(tmpl string, vars SystemVars) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := vars.lookup(m[1 : len(m)-1]); ok {
			return v
		}
		return m
	})
}

// SystemMessage assembles the final system prompt: the rendered template,
// the conversation when it is carried in the system message, and the
// response instruction.
func SystemMessage(tmpl string, vars SystemVars, conversation, instruction string) string {
	parts := []string{}
	if s := strings.TrimSpace(RenderTemplate(tmpl, vars)); s != "" {
		parts = append(parts, s)
	}
	if conversation != "" {
		parts = append(parts, "Conversation so far:\n"+conversation)
	}
	if _, text, ok := Directive(instruction); ok {
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}
