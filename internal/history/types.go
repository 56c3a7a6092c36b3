package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
	RoleCode      = "code"
	RoleBlock     = "block"
	RoleError     = "error"
	RoleAudio     = "audio"

	// RoleToolCall holds a model's request to run a tool, encoded as JSON.
	// The matching RoleTool result carries the same tool_call_id in its log.
	RoleToolCall = "tool_call"
)

const (
	KindChat   = "chat"
	KindBranch = "branch"
)

// ErrNotFound is returned by backends for missing contexts or leaf pointers.
var ErrNotFound = errors.New("not found")

// ErrNoContext means the store has no root context to load from.
var ErrNoContext = errors.New("no context")

type Message struct {
	ID        int64          `json:"id"`
	ContextID int64          `json:"context_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	MemberID  string         `json:"member_id"`
	Log       map[string]any `json:"log,omitempty"`
	AltTurn   int            `json:"alt_turn"`
	CreatedAt time.Time      `json:"created_at"`
}

// Context is one timeline. Root contexts have ParentID 0 and carry the
// workflow document they were created with in Config.
type Context struct {
	ID          int64     `json:"id"`
	ParentID    int64     `json:"parent_id"`
	BranchMsgID int64     `json:"branch_msg_id"`
	Kind        string    `json:"kind"`
	Config      string    `json:"config,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChainLink selects the messages of one context. BeforeID is exclusive;
// zero means every message of the context.
type ChainLink struct {
	ContextID int64
	BeforeID  int64
}

// Backend is the persistence collaborator behind a Store.
type Backend interface {
	InsertMessage(ctx context.Context, m Message) (int64, error)
	SelectChain(ctx context.Context, chain []ChainLink) ([]Message, error)
	InsertContext(ctx context.Context, c Context) (int64, error)
	UpdateLeaf(ctx context.Context, rootID, leafID int64) error
	DeleteMessagesSince(ctx context.Context, contextID, msgID int64) error

	GetContext(ctx context.Context, id int64) (Context, error)
	ChildContexts(ctx context.Context, parentID int64) ([]Context, error)
	Leaf(ctx context.Context, rootID int64) (int64, error)
	RootContexts(ctx context.Context) ([]Context, error)
	Close() error
}

type BranchConflictError struct {
	MessageID int64
	Reason    string
}

func (e *BranchConflictError) Error() string {
	return fmt.Sprintf("branch conflict at message %d: %s", e.MessageID, e.Reason)
}
