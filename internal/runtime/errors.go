package runtime

import "fmt"

// ProviderError is a failed model or tool call of one member.
type ProviderError struct {
	MemberID string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("member %s: %v", e.MemberID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TurnError is what a failed turn reports to its caller.
type TurnError struct {
	TurnID   int64
	MemberID string
	Err      error
}

func (e *TurnError) Error() string {
	if e.MemberID == "" {
		return fmt.Sprintf("turn %d: %v", e.TurnID, e.Err)
	}
	return fmt.Sprintf("turn %d failed at member %s: %v", e.TurnID, e.MemberID, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
