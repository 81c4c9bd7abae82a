package ledger

import "context"

// EntryStore is the durable, append-only home of ledger entries and the only
// component that owns them. Implementations assign sequence numbers and chain
// checksums via Seal inside their commit boundary, so a persisted entry is
// visible to subsequent reads exactly once and no partial append is ever
// observable. Write failures wrap ErrStoreUnavailable and mean the operation
// did not commit.
type EntryStore interface {
	// Append seals and durably persists one draft.
	Append(ctx context.Context, d Draft) (Entry, error)

	// AppendPair seals and persists two drafts atomically: both entries
	// become durable or neither does. The drafts may target different
	// accounts (escrow release) or the same account. An implementation that
	// cannot guarantee atomicity and loses the second append after the
	// first committed must report the split by wrapping ErrPartialRelease.
	AppendPair(ctx context.Context, first, second Draft) (Entry, Entry, error)

	// List returns the account's entries with sequence >= sinceSeq in
	// ascending sequence order, as a point-in-time copy.
	List(ctx context.Context, accountID string, sinceSeq int64) ([]Entry, error)

	// Last returns the account's highest-sequence entry, or ok=false when
	// the account has no entries.
	Last(ctx context.Context, accountID string) (Entry, bool, error)

	// Accounts lists the IDs of all accounts with at least one entry.
	Accounts(ctx context.Context) ([]string, error)
}
