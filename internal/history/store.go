package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"
)

const maxChainDepth = 4096

// Store is the in-memory view of the active leaf context plus its ancestor
// chain. All mutations and every read that must agree with a concurrent
// append happen under mu.
type Store struct {
	backend Backend
	rootID  int64

	mu       sync.Mutex
	leafID   int64
	chain    []Context
	messages []Message
	branches map[int64][]int64
}

// Create inserts a new root context carrying config and opens a store on it.
func Create(ctx context.Context, backend Backend, config string) (*Store, error) {
	id, err := backend.InsertContext(ctx, Context{Kind: KindChat, Config: config, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("create root context: %w", err)
	}
	if err := backend.UpdateLeaf(ctx, id, id); err != nil {
		return nil, fmt.Errorf("set leaf: %w", err)
	}
	return Open(ctx, backend, id)
}

// Open loads the store for an existing root context.
func Open(ctx context.Context, backend Backend, rootID int64) (*Store, error) {
	s := &Store{backend: backend, rootID: rootID, branches: map[int64][]int64{}}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Chats lists root contexts, oldest first.
func Chats(ctx context.Context, backend Backend) ([]Context, error) {
	return backend.RootContexts(ctx)
}

func (s *Store) RootID() int64 { return s.rootID }

func (s *Store) LeafID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leafID
}

// RootContext returns the root of the active chain.
func (s *Store) RootContext() (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chain) == 0 {
		return Context{}, false
	}
	return s.chain[0], true
}

// Load rebuilds messages from root to leaf. A missing root yields an empty view.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.rootID == 0 {
		s.resetLocked()
		return nil
	}
	leaf, err := s.backend.Leaf(ctx, s.rootID)
	if errors.Is(err, ErrNotFound) {
		leaf = s.rootID
	} else if err != nil {
		return fmt.Errorf("load leaf: %w", err)
	}
	chain, err := s.ancestors(ctx, leaf)
	if errors.Is(err, ErrNotFound) {
		s.resetLocked()
		return nil
	}
	if err != nil {
		return err
	}
	links := make([]ChainLink, len(chain))
	for i, c := range chain {
		links[i] = ChainLink{ContextID: c.ID}
		if i+1 < len(chain) {
			links[i].BeforeID = chain[i+1].BranchMsgID
		}
	}
	msgs, err := s.backend.SelectChain(ctx, links)
	if err != nil {
		return fmt.Errorf("select messages: %w", err)
	}
	s.leafID = leaf
	s.chain = chain
	s.messages = msgs
	return s.loadBranchesLocked(ctx)
}

func (s *Store) resetLocked() {
	s.leafID = 0
	s.chain = nil
	s.messages = nil
	s.branches = map[int64][]int64{}
}

func (s *Store) ancestors(ctx context.Context, leaf int64) ([]Context, error) {
	var chain []Context
	id := leaf
	for id != 0 {
		if len(chain) >= maxChainDepth {
			return nil, fmt.Errorf("context chain deeper than %d at %d", maxChainDepth, leaf)
		}
		c, err := s.backend.GetContext(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
		id = c.ParentID
	}
	slices.Reverse(chain)
	return chain, nil
}

// LoadBranches recomputes the branch map for the active chain.
func (s *Store) LoadBranches(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadBranchesLocked(ctx)
}

func (s *Store) loadBranchesLocked(ctx context.Context) error {
	present := make(map[int64]struct{}, len(s.messages))
	for _, m := range s.messages {
		present[m.ID] = struct{}{}
	}
	branches := map[int64][]int64{}
	for i, c := range s.chain {
		children, err := s.backend.ChildContexts(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("load branches of %d: %w", c.ID, err)
		}
		var taken int64
		if i+1 < len(s.chain) {
			taken = s.chain[i+1].BranchMsgID
		}
		for _, ch := range children {
			_, visible := present[ch.BranchMsgID]
			if ch.BranchMsgID != taken && !visible {
				continue
			}
			if taken != 0 && ch.BranchMsgID > taken {
				continue
			}
			if _, ok := branches[ch.BranchMsgID]; !ok {
				branches[ch.BranchMsgID] = []int64{c.ID}
			}
			branches[ch.BranchMsgID] = append(branches[ch.BranchMsgID], ch.ID)
		}
	}
	for _, ids := range branches {
		slices.Sort(ids[1:])
	}
	s.branches = branches
	return nil
}

// Branches maps a branch point message id to [owner context, child contexts...].
func (s *Store) Branches() map[int64][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]int64, len(s.branches))
	for k, v := range s.branches {
		out[k] = slices.Clone(v)
	}
	return out
}

// ActiveBranch returns the context currently shown at a branch point.
func (s *Store) ActiveBranch(msgID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeBranchLocked(msgID)
}

func (s *Store) activeBranchLocked(msgID int64) (int64, bool) {
	sibs, ok := s.branches[msgID]
	if !ok {
		return 0, false
	}
	for _, c := range s.chain {
		if c.BranchMsgID == msgID && c.ParentID == sibs[0] {
			return c.ID, true
		}
	}
	return sibs[0], true
}

// SaveMessage appends to the leaf context. Empty content is a no-op and
// reports false.
func (s *Store) SaveMessage(ctx context.Context, role, content, memberID string, log map[string]any) (Message, bool, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.saveLocked(ctx, role, content, memberID, log)
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) saveLocked(ctx context.Context, role, content, memberID string, log map[string]any) (Message, error) {
	if s.leafID == 0 {
		return Message{}, ErrNoContext
	}
	m := Message{
		ContextID: s.leafID,
		Role:      role,
		Content:   content,
		MemberID:  memberID,
		Log:       log,
		AltTurn:   s.nextAltTurnLocked(role),
		CreatedAt: time.Now().UTC(),
	}
	id, err := s.backend.InsertMessage(ctx, m)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if n := len(s.messages); n > 0 && id <= s.messages[n-1].ID {
		return Message{}, fmt.Errorf("backend assigned id %d after %d", id, s.messages[n-1].ID)
	}
	m.ID = id
	s.messages = append(s.messages, m)
	return m, nil
}

// nextAltTurnLocked flips the parity bit whenever a user message follows a
// non-user message.
func (s *Store) nextAltTurnLocked(role string) int {
	if len(s.messages) == 0 {
		return 0
	}
	prev := s.messages[len(s.messages)-1]
	if role == RoleUser && prev.Role != RoleUser {
		return 1 - prev.AltTurn
	}
	return prev.AltTurn
}

// AltTurn is the parity bit of the newest message.
func (s *Store) AltTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return 0
	}
	return s.messages[len(s.messages)-1].AltTurn
}

func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LastID is the id of the newest message, or 0.
func (s *Store) LastID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return 0
	}
	return s.messages[len(s.messages)-1].ID
}

// Last returns the newest message whose role is in roles (any role when empty).
func (s *Store) Last(roles ...string) (Message, bool) {
	return s.LastMatching(func(m Message) bool {
		return len(roles) == 0 || slices.Contains(roles, m.Role)
	})
}

func (s *Store) LastMatching(match func(Message) bool) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if match(s.messages[i]) {
			return s.messages[i], true
		}
	}
	return Message{}, false
}

func (s *Store) Find(msgID int64) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(msgID); i >= 0 {
		return s.messages[i], true
	}
	return Message{}, false
}

func (s *Store) indexLocked(msgID int64) int {
	i, ok := slices.BinarySearchFunc(s.messages, msgID, func(m Message, id int64) int {
		switch {
		case m.ID < id:
			return -1
		case m.ID > id:
			return 1
		}
		return 0
	})
	if !ok {
		return -1
	}
	return i
}

// NameFunc resolves a member id to a display name.
type NameFunc func(memberID string) string

// Conversation yields "name: content" lines for the last limit messages
// (all when limit <= 0). The sequence iterates a snapshot and can be
// ranged over more than once.
func (s *Store) Conversation(limit int, name NameFunc) iter.Seq[string] {
	s.mu.Lock()
	snap := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Role == RoleError || m.Role == RoleAudio {
			continue
		}
		snap = append(snap, m)
	}
	s.mu.Unlock()
	if limit > 0 && len(snap) > limit {
		snap = snap[len(snap)-limit:]
	}
	return func(yield func(string) bool) {
		for _, m := range snap {
			who := ""
			if name != nil {
				who = name(m.MemberID)
			}
			if who == "" {
				who = m.Role
			}
			if !yield(who + ": " + m.Content) {
				return
			}
		}
	}
}

func (s *Store) ConversationString(limit int, name NameFunc) string {
	return strings.Join(slices.Collect(s.Conversation(limit, name)), "\n")
}

// DeleteMessagesSince removes msgID and everything after it. Only messages
// owned by the leaf context can be deleted; ancestors are shared with
// sibling branches.
func (s *Store) DeleteMessagesSince(ctx context.Context, msgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(msgID)
	if i < 0 {
		return &BranchConflictError{MessageID: msgID, Reason: "message is not in the active context chain"}
	}
	if s.messages[i].ContextID != s.leafID {
		return &BranchConflictError{MessageID: msgID, Reason: "message belongs to an ancestor context"}
	}
	if err := s.backend.DeleteMessagesSince(ctx, s.leafID, msgID); err != nil {
		return fmt.Errorf("delete messages since %d: %w", msgID, err)
	}
	s.messages = slices.Clip(s.messages[:i])
	return s.loadBranchesLocked(ctx)
}

// Branch creates a child context that diverges at msgID and makes it the
// leaf. The new view holds every message before msgID.
func (s *Store) Branch(ctx context.Context, msgID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, id, err := s.branchLocked(ctx, msgID)
	return id, err
}

func (s *Store) branchLocked(ctx context.Context, msgID int64) (Message, int64, error) {
	i := s.indexLocked(msgID)
	if i < 0 {
		return Message{}, 0, &BranchConflictError{MessageID: msgID, Reason: "message is not in the active context chain"}
	}
	m := s.messages[i]
	id, err := s.backend.InsertContext(ctx, Context{
		ParentID:    m.ContextID,
		BranchMsgID: msgID,
		Kind:        KindBranch,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return Message{}, 0, fmt.Errorf("insert branch context: %w", err)
	}
	if err := s.backend.UpdateLeaf(ctx, s.rootID, id); err != nil {
		return Message{}, 0, fmt.Errorf("set leaf: %w", err)
	}
	if err := s.loadLocked(ctx); err != nil {
		return Message{}, 0, err
	}
	return m, id, nil
}

// EditMessage branches at msgID and saves content in its place with the
// original role and member.
func (s *Store) EditMessage(ctx context.Context, msgID int64, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("edit message %d: empty content", msgID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, _, err := s.branchLocked(ctx, msgID)
	if err != nil {
		return Message{}, err
	}
	return s.saveLocked(ctx, orig.Role, content, orig.MemberID, orig.Log)
}

// Regenerate branches at msgID and returns the message it replaced so the
// caller can re-run its member.
func (s *Store) Regenerate(ctx context.Context, msgID int64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, _, err := s.branchLocked(ctx, msgID)
	return orig, err
}

// SelectBranch makes contextID, one of the siblings at msgID, the leaf.
func (s *Store) SelectBranch(ctx context.Context, msgID, contextID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sibs, ok := s.branches[msgID]
	if !ok || !slices.Contains(sibs, contextID) {
		return &BranchConflictError{MessageID: msgID, Reason: fmt.Sprintf("context %d is not a branch here", contextID)}
	}
	if err := s.backend.UpdateLeaf(ctx, s.rootID, contextID); err != nil {
		return fmt.Errorf("set leaf: %w", err)
	}
	return s.loadLocked(ctx)
}

// NextBranch cycles to the sibling after the active one at msgID.
func (s *Store) NextBranch(ctx context.Context, msgID int64) (int64, error) {
	s.mu.Lock()
	cur, ok := s.activeBranchLocked(msgID)
	sibs := slices.Clone(s.branches[msgID])
	s.mu.Unlock()
	if !ok {
		return 0, &BranchConflictError{MessageID: msgID, Reason: "no branches at message"}
	}
	next := sibs[(slices.Index(sibs, cur)+1)%len(sibs)]
	if err := s.SelectBranch(ctx, msgID, next); err != nil {
		return 0, err
	}
	return next, nil
}
