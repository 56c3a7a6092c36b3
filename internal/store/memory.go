package store

import (
	"context"
	"slices"
	"sync"

	"agentpilot/internal/history"
)

// Memory keeps everything in process. Ids are never reused, matching the
// durable backends.
type Memory struct {
	mu       sync.Mutex
	nextMsg  int64
	nextCtx  int64
	contexts map[int64]history.Context
	messages map[int64][]history.Message
	leaves   map[int64]int64
}

func NewMemory() *Memory {
	return &Memory{
		contexts: map[int64]history.Context{},
		messages: map[int64][]history.Message{},
		leaves:   map[int64]int64{},
	}
}

func (m *Memory) InsertMessage(_ context.Context, msg history.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[msg.ContextID]; !ok {
		return 0, history.ErrNotFound
	}
	m.nextMsg++
	msg.ID = m.nextMsg
	m.messages[msg.ContextID] = append(m.messages[msg.ContextID], msg)
	return msg.ID, nil
}

func (m *Memory) SelectChain(_ context.Context, chain []history.ChainLink) ([]history.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Message
	for _, link := range chain {
		for _, msg := range m.messages[link.ContextID] {
			if link.BeforeID != 0 && msg.ID >= link.BeforeID {
				break
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) InsertContext(_ context.Context, c history.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ParentID != 0 {
		if _, ok := m.contexts[c.ParentID]; !ok {
			return 0, history.ErrNotFound
		}
	}
	m.nextCtx++
	c.ID = m.nextCtx
	m.contexts[c.ID] = c
	return c.ID, nil
}

func (m *Memory) UpdateLeaf(_ context.Context, rootID, leafID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[leafID]; !ok {
		return history.ErrNotFound
	}
	m.leaves[rootID] = leafID
	return nil
}

func (m *Memory) DeleteMessagesSince(_ context.Context, contextID, msgID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[contextID]
	i := slices.IndexFunc(msgs, func(x history.Message) bool { return x.ID >= msgID })
	if i >= 0 {
		m.messages[contextID] = slices.Clip(msgs[:i])
	}
	return nil
}

func (m *Memory) GetContext(_ context.Context, id int64) (history.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	if !ok {
		return history.Context{}, history.ErrNotFound
	}
	return c, nil
}

func (m *Memory) ChildContexts(_ context.Context, parentID int64) ([]history.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Context
	for _, c := range m.contexts {
		if c.ParentID == parentID && parentID != 0 {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, byID)
	return out, nil
}

func (m *Memory) Leaf(_ context.Context, rootID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.leaves[rootID]
	if !ok {
		return 0, history.ErrNotFound
	}
	return id, nil
}

func (m *Memory) RootContexts(_ context.Context) ([]history.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Context
	for _, c := range m.contexts {
		if c.ParentID == 0 {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, byID)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func byID(a, b history.Context) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
