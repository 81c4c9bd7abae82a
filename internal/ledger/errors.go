package ledger

import (
	"errors"
	"fmt"
)

// Validation and capacity errors are rejected before any append: no state
// changed, safe to retry with corrected input. Infrastructure errors may
// leave the commit status ambiguous and must stay visible to the caller.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrDuplicateHold       = errors.New("reference already has an open hold")
	ErrHoldNotFound        = errors.New("no escrow hold for reference")
	ErrHoldAlreadyClosed   = errors.New("escrow hold already closed")
	ErrStoreUnavailable    = errors.New("entry store unavailable")
	ErrPartialRelease      = errors.New("release partially committed")
)

// DriftError reports a cached snapshot that disagrees with a full replay of
// the account's entries. Drift is never auto-corrected; silently fixing a
// ledger discrepancy would hide its root cause.
type DriftError struct {
	AccountID string
	Cached    Snapshot
	Replayed  Snapshot
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("ledger drift on account %s: cached balance=%d held=%d seq=%d, replayed balance=%d held=%d seq=%d",
		e.AccountID,
		e.Cached.Balance, e.Cached.Held, e.Cached.LastSequence,
		e.Replayed.Balance, e.Replayed.Held, e.Replayed.LastSequence)
}

// HoldStateError reports an escrow transition attempted out of a terminal
// state, carrying enough context for the caller to log or surface it.
type HoldStateError struct {
	Reference string
	State     HoldState
	Operation string
}

func (e *HoldStateError) Error() string {
	return fmt.Sprintf("cannot %s hold %q in state %s", e.Operation, e.Reference, e.State)
}

// Unwrap maps terminal-state violations onto ErrHoldAlreadyClosed so callers
// can match with errors.Is.
func (e *HoldStateError) Unwrap() error {
	return ErrHoldAlreadyClosed
}
