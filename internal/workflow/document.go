package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const TypeWorkflow = "workflow"

// Document is the persisted workflow JSON. Keys the runtime does not
// understand are kept in Extra and written back unchanged.
type Document struct {
	Members []MemberDoc
	Inputs  []InputDoc
	Extra   map[string]json.RawMessage
}

type MemberDoc struct {
	ID      string
	AgentID *int64
	LocX    float64
	LocY    float64
	Config  Config
	Extra   map[string]json.RawMessage

	numericID bool
}

type InputDoc struct {
	MemberID      string
	InputMemberID string
	Type          string
	Config        map[string]any
	Extra         map[string]json.RawMessage

	numericIDs bool
}

// ParseDocument decodes a workflow document. A bare member config (no
// workflow _TYPE) becomes a user member followed by that member.
func ParseDocument(data []byte) (Document, error) {
	var top map[string]json.RawMessage
	if err := decodeJSON(data, &top); err != nil {
		return Document{}, &ConfigError{Message: fmt.Sprintf("parse workflow: %v", err)}
	}
	if rawString(top[KeyType]) != TypeWorkflow {
		var cfg Config
		if err := decodeJSON(data, &cfg); err != nil {
			return Document{}, &ConfigError{Message: fmt.Sprintf("parse member config: %v", err)}
		}
		if cfg == nil {
			cfg = Config{}
		}
		if cfg.Type() == "" {
			cfg[KeyType] = string(KindAgent)
		}
		return Document{Members: []MemberDoc{
			{ID: "1", Config: Config{KeyType: string(KindUser)}},
			{ID: "2", Config: cfg},
		}}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, &ConfigError{Message: fmt.Sprintf("parse workflow: %v", err)}
	}
	return doc, nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}
	out[KeyType] = TypeWorkflow
	members := d.Members
	if members == nil {
		members = []MemberDoc{}
	}
	inputs := d.Inputs
	if inputs == nil {
		inputs = []InputDoc{}
	}
	out["members"] = members
	out["inputs"] = inputs
	return json.Marshal(out)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := decodeJSON(data, &top); err != nil {
		return err
	}
	if raw, ok := top["members"]; ok {
		if err := json.Unmarshal(raw, &d.Members); err != nil {
			return fmt.Errorf("members: %w", err)
		}
	}
	if raw, ok := top["inputs"]; ok {
		if err := json.Unmarshal(raw, &d.Inputs); err != nil {
			return fmt.Errorf("inputs: %w", err)
		}
	}
	delete(top, KeyType)
	delete(top, "members")
	delete(top, "inputs")
	if len(top) > 0 {
		d.Extra = top
	}
	return nil
}

func (m MemberDoc) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["id"] = idValue(m.ID, m.numericID)
	out["agent_id"] = m.AgentID
	out["loc_x"] = m.LocX
	out["loc_y"] = m.LocY
	cfg := m.Config
	if cfg == nil {
		cfg = Config{}
	}
	out["config"] = cfg
	return json.Marshal(out)
}

func (m *MemberDoc) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := decodeJSON(data, &top); err != nil {
		return err
	}
	var err error
	if m.ID, m.numericID, err = decodeID(top["id"]); err != nil {
		return fmt.Errorf("member id: %w", err)
	}
	if raw, ok := top["agent_id"]; ok && string(raw) != "null" {
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("member %s agent_id: %w", m.ID, err)
		}
		m.AgentID = &id
	}
	for key, dst := range map[string]*float64{"loc_x": &m.LocX, "loc_y": &m.LocY} {
		if raw, ok := top[key]; ok && string(raw) != "null" {
			if err := json.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("member %s %s: %w", m.ID, key, err)
			}
		}
	}
	if raw, ok := top["config"]; ok {
		if err := decodeJSON(raw, &m.Config); err != nil {
			return fmt.Errorf("member %s config: %w", m.ID, err)
		}
	}
	if m.Config == nil {
		m.Config = Config{}
	}
	for _, k := range []string{"id", "agent_id", "loc_x", "loc_y", "config"} {
		delete(top, k)
	}
	if len(top) > 0 {
		m.Extra = top
	}
	return nil
}

func (in InputDoc) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(in.Extra)+4)
	for k, v := range in.Extra {
		out[k] = v
	}
	out["member_id"] = idValue(in.MemberID, in.numericIDs)
	out["input_member_id"] = idValue(in.InputMemberID, in.numericIDs)
	if in.Type != "" {
		out["type"] = in.Type
	}
	if len(in.Config) > 0 {
		out["config"] = in.Config
	}
	return json.Marshal(out)
}

func (in *InputDoc) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := decodeJSON(data, &top); err != nil {
		return err
	}
	var err error
	var numeric bool
	if in.MemberID, numeric, err = decodeID(top["member_id"]); err != nil {
		return fmt.Errorf("input member_id: %w", err)
	}
	if in.InputMemberID, _, err = decodeID(top["input_member_id"]); err != nil {
		return fmt.Errorf("input input_member_id: %w", err)
	}
	in.numericIDs = numeric
	in.Type = rawString(top["type"])
	if raw, ok := top["config"]; ok && string(raw) != "null" {
		if err := decodeJSON(raw, &in.Config); err != nil {
			return fmt.Errorf("input %s->%s config: %w", in.InputMemberID, in.MemberID, err)
		}
	}
	for _, k := range []string{"member_id", "input_member_id", "type", "config"} {
		delete(top, k)
	}
	if len(top) > 0 {
		in.Extra = top
	}
	return nil
}

func decodeJSON(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

func rawString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// decodeID accepts string or integer ids.
func decodeID(raw json.RawMessage) (string, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false, fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), false, nil
	}
	var n json.Number
	if err := decodeJSON(raw, &n); err != nil {
		return "", false, err
	}
	return n.String(), true, nil
}

func idValue(id string, numeric bool) any {
	if numeric {
		return json.Number(id)
	}
	return id
}
