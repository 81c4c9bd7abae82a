package ledger

import (
	"time"

	"github.com/example/credit-ledger/pkg/chain"
)

// Kind labels the effect of a ledger entry on an account.
type Kind string

const (
	KindCredit        Kind = "CREDIT"
	KindSpend         Kind = "SPEND"
	KindEscrowHold    Kind = "ESCROW_HOLD"
	KindEscrowRelease Kind = "ESCROW_RELEASE"
	KindEscrowRefund  Kind = "ESCROW_REFUND"
)

// Entry is one immutable, sequenced value movement on an account's stream.
// CREDIT is positive, SPEND and ESCROW_RELEASE are negative on the account
// that pays, ESCROW_HOLD and ESCROW_REFUND carry the positive reserved amount
// and do not move balance. Entries are never updated or deleted once appended;
// release and refund are new entries, not edits.
type Entry struct {
	AccountID    string    `json:"account_id"`
	Sequence     int64     `json:"sequence"`
	Kind         Kind      `json:"kind"`
	Amount       int64     `json:"amount"`
	Reference    string    `json:"reference"`
	Timestamp    time.Time `json:"timestamp"`
	PrevChecksum string    `json:"prev_checksum"`
	Checksum     string    `json:"checksum"`
}

// Draft is an entry before the store assigns its sequence and checksums.
type Draft struct {
	AccountID string
	Kind      Kind
	Amount    int64
	Reference string
	Timestamp time.Time
}

// Seal turns a draft into a committed entry: it assigns the next sequence
// number and links the chain checksum onto the account's last entry (or the
// genesis checksum for a new account). Store adapters call Seal inside their
// commit critical section so sequence assignment and persistence are atomic.
func Seal(d Draft, last Entry, hasLast bool) Entry {
	seq := int64(0)
	prev := chain.Genesis
	if hasLast {
		seq = last.Sequence + 1
		prev = last.Checksum
	}

	e := Entry{
		AccountID:    d.AccountID,
		Sequence:     seq,
		Kind:         d.Kind,
		Amount:       d.Amount,
		Reference:    d.Reference,
		Timestamp:    d.Timestamp,
		PrevChecksum: prev,
	}
	e.Checksum = chain.Next(prev, chainFields(e))
	return e
}

func chainFields(e Entry) chain.Fields {
	return chain.Fields{
		AccountID: e.AccountID,
		Sequence:  e.Sequence,
		Kind:      string(e.Kind),
		Amount:    e.Amount,
		Reference: e.Reference,
		Timestamp: e.Timestamp,
	}
}

// Links converts stored entries into verifiable chain links.
func Links(entries []Entry) []chain.Link {
	links := make([]chain.Link, 0, len(entries))
	for _, e := range entries {
		links = append(links, chain.Link{
			Fields:       chainFields(e),
			PrevChecksum: e.PrevChecksum,
			Checksum:     e.Checksum,
		})
	}
	return links
}

// Snapshot is the derived state of an account: never stored as truth, always
// recomputable by replaying the account's entries from sequence 0.
type Snapshot struct {
	AccountID    string `json:"account_id"`
	Balance      int64  `json:"balance"`
	Held         int64  `json:"held"`
	Available    int64  `json:"available"`
	LastSequence int64  `json:"last_sequence"`
	LastChecksum string `json:"last_checksum"`
}

// KindStats aggregates the entries of one kind.
type KindStats struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
}

// Stats aggregates counts and sums by kind, for one account or globally.
type Stats struct {
	AccountID string             `json:"account_id,omitempty"`
	Entries   int64              `json:"entries"`
	ByKind    map[Kind]KindStats `json:"by_kind"`
}
