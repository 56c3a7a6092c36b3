package history_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"agentpilot/internal/history"
	"agentpilot/internal/store"
)

func newStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Create(context.Background(), store.NewMemory(), `{"_TYPE":"workflow"}`)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func save(t *testing.T, s *history.Store, role, content, member string) history.Message {
	t.Helper()
	m, ok, err := s.SaveMessage(context.Background(), role, content, member, nil)
	if err != nil || !ok {
		t.Fatalf("save %q: ok=%v err=%v", content, ok, err)
	}
	return m
}

func contents(msgs []history.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestSaveMessageConcurrentIDsMonotonic(t *testing.T) {
	dir := t.TempDir()
	backend, err := store.OpenSQLite(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer backend.Close()
	s, err := history.Create(context.Background(), backend, "{}")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, _, err := s.SaveMessage(context.Background(), history.RoleUser, "hi", "1", nil); err != nil {
					t.Errorf("save: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	msgs := s.Messages()
	if len(msgs) != 80 {
		t.Fatalf("len=%d want=80", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d: %d <= %d", i, msgs[i].ID, msgs[i-1].ID)
		}
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := s.Messages(); !slices.EqualFunc(got, msgs, func(a, b history.Message) bool { return a.ID == b.ID }) {
		t.Fatalf("reload order differs")
	}
}

func TestSaveMessageEmptyIsNoop(t *testing.T) {
	s := newStore(t)
	_, ok, err := s.SaveMessage(context.Background(), history.RoleUser, "  \n ", "1", nil)
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v want no-op", ok, err)
	}
	if s.Len() != 0 {
		t.Fatalf("len=%d want=0", s.Len())
	}
}

func TestIdempotentReload(t *testing.T) {
	s := newStore(t)
	save(t, s, history.RoleUser, "hello", "1")
	save(t, s, history.RoleAssistant, "hi there", "2")

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	first := s.Messages()
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	second := s.Messages()
	if !slices.Equal(contents(first), contents(second)) || len(first) != 2 {
		t.Fatalf("first=%v second=%v", contents(first), contents(second))
	}
}

func TestLoadWithoutContextIsEmpty(t *testing.T) {
	s, err := history.Open(context.Background(), store.NewMemory(), 99)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("len=%d want=0", s.Len())
	}
	if _, _, err := s.SaveMessage(context.Background(), history.RoleUser, "x", "1", nil); !errors.Is(err, history.ErrNoContext) {
		t.Fatalf("err=%v want ErrNoContext", err)
	}
}

func TestBranchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	save(t, s, history.RoleUser, "q1", "1")
	a1 := save(t, s, history.RoleAssistant, "a1", "2")
	save(t, s, history.RoleUser, "q2", "1")
	save(t, s, history.RoleAssistant, "a2", "2")
	original := contents(s.Messages())
	origLeaf := s.LeafID()

	child, err := s.Branch(ctx, a1.ID)
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if got := contents(s.Messages()); !slices.Equal(got, []string{"q1"}) {
		t.Fatalf("branch view=%v", got)
	}
	save(t, s, history.RoleAssistant, "a1 again", "2")
	save(t, s, history.RoleUser, "q2 alt", "1")

	if err := s.LoadBranches(ctx); err != nil {
		t.Fatalf("load branches: %v", err)
	}
	sibs := s.Branches()[a1.ID]
	if !slices.Equal(sibs, []int64{origLeaf, child}) {
		t.Fatalf("branches=%v want=[%d %d]", sibs, origLeaf, child)
	}
	if active, _ := s.ActiveBranch(a1.ID); active != child {
		t.Fatalf("active=%d want=%d", active, child)
	}

	if err := s.SelectBranch(ctx, a1.ID, origLeaf); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := contents(s.Messages()); !slices.Equal(got, original) {
		t.Fatalf("after switch back=%v want=%v", got, original)
	}
	if m, ok := s.Find(a1.ID); !ok || m.Content != "a1" {
		t.Fatalf("find=%+v ok=%v", m, ok)
	}

	next, err := s.NextBranch(ctx, a1.ID)
	if err != nil || next != child {
		t.Fatalf("next=%d err=%v want=%d", next, err, child)
	}
	if got := contents(s.Messages()); !slices.Equal(got, []string{"q1", "a1 again", "q2 alt"}) {
		t.Fatalf("child view=%v", got)
	}
}

func TestEditMessageKeepsRoleAndMember(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	q := save(t, s, history.RoleUser, "what is go", "1")
	save(t, s, history.RoleAssistant, "a language", "2")

	m, err := s.EditMessage(ctx, q.ID, "what is rust")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if m.Role != history.RoleUser || m.MemberID != "1" || m.ID <= q.ID {
		t.Fatalf("edited=%+v", m)
	}
	if got := contents(s.Messages()); !slices.Equal(got, []string{"what is rust"}) {
		t.Fatalf("view=%v", got)
	}
	if len(s.Branches()[q.ID]) != 2 {
		t.Fatalf("branches=%v", s.Branches())
	}
}

func TestDeleteMessagesSince(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	var ids []int64
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		ids = append(ids, save(t, s, history.RoleUser, text, "1").ID)
	}
	if err := s.DeleteMessagesSince(ctx, ids[2]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := contents(s.Messages()); !slices.Equal(got, []string{"1", "2"}) {
		t.Fatalf("memory=%v", got)
	}
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := contents(s.Messages()); !slices.Equal(got, []string{"1", "2"}) {
		t.Fatalf("persisted=%v", got)
	}
}

func TestDeleteMessagesSinceConflicts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	first := save(t, s, history.RoleUser, "a", "1")
	second := save(t, s, history.RoleAssistant, "b", "2")
	if _, err := s.Branch(ctx, second.ID); err != nil {
		t.Fatalf("branch: %v", err)
	}

	var conflict *history.BranchConflictError
	if err := s.DeleteMessagesSince(ctx, first.ID); !errors.As(err, &conflict) {
		t.Fatalf("ancestor delete err=%v want BranchConflictError", err)
	}
	if err := s.DeleteMessagesSince(ctx, second.ID); !errors.As(err, &conflict) {
		t.Fatalf("stale id err=%v want BranchConflictError", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len=%d want=1", s.Len())
	}
}

func TestAltTurnFlipsOnUserAfterReply(t *testing.T) {
	s := newStore(t)
	a := save(t, s, history.RoleUser, "a", "1")
	b := save(t, s, history.RoleAssistant, "b", "2")
	c := save(t, s, history.RoleUser, "c", "1")
	d := save(t, s, history.RoleUser, "d", "1")
	got := []int{a.AltTurn, b.AltTurn, c.AltTurn, d.AltTurn}
	if !slices.Equal(got, []int{0, 0, 1, 1}) {
		t.Fatalf("alt turns=%v", got)
	}
	if s.AltTurn() != 1 {
		t.Fatalf("alt=%d want=1", s.AltTurn())
	}
}

func TestConversationRestartable(t *testing.T) {
	s := newStore(t)
	save(t, s, history.RoleUser, "one", "1")
	save(t, s, history.RoleError, "boom", "2")
	save(t, s, history.RoleAssistant, "two", "2")
	save(t, s, history.RoleUser, "three", "1")

	names := func(id string) string {
		if id == "2" {
			return "Bot"
		}
		return ""
	}
	seq := s.Conversation(2, names)
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	want := []string{"Bot: two", "user: three"}
	if !slices.Equal(first, want) || !slices.Equal(second, want) {
		t.Fatalf("first=%v second=%v want=%v", first, second, want)
	}
}

func TestLastFiltersRoles(t *testing.T) {
	s := newStore(t)
	save(t, s, history.RoleUser, "q", "1")
	save(t, s, history.RoleAssistant, "a", "2")
	if m, ok := s.Last(history.RoleUser); !ok || m.Content != "q" {
		t.Fatalf("last user=%v ok=%v", m, ok)
	}
	if _, ok := s.Last(history.RoleTool); ok {
		t.Fatalf("expected no tool message")
	}
	if m, _ := s.Last(); m.Content != "a" {
		t.Fatalf("last=%v", m)
	}
}
