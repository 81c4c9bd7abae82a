package ledger

import "github.com/example/credit-ledger/pkg/chain"

// Replay folds an account's entries in sequence order into a snapshot.
// CREDIT, SPEND and ESCROW_RELEASE move balance by their signed amount.
// ESCROW_HOLD reserves its amount in held without touching balance, and the
// hold's terminal entry clears the reservation: ESCROW_RELEASE carries the
// negative settled amount (so it reduces held alongside balance) and
// ESCROW_REFUND carries the positive reserved amount and only clears held,
// restoring available to its pre-hold value.
func Replay(accountID string, entries []Entry) Snapshot {
	snap := Snapshot{
		AccountID:    accountID,
		LastSequence: -1,
		LastChecksum: chain.Genesis,
	}
	for _, e := range entries {
		snap = snap.apply(e)
	}
	return snap
}

func (s Snapshot) apply(e Entry) Snapshot {
	switch e.Kind {
	case KindCredit, KindSpend:
		s.Balance += e.Amount
	case KindEscrowRelease:
		s.Balance += e.Amount
		s.Held += e.Amount
	case KindEscrowHold:
		s.Held += e.Amount
	case KindEscrowRefund:
		s.Held -= e.Amount
	}
	s.Available = s.Balance - s.Held
	s.LastSequence = e.Sequence
	s.LastChecksum = e.Checksum
	return s
}
