package ledger

// HoldState is the lifecycle position of an escrow hold.
type HoldState string

const (
	HoldOpen     HoldState = "OPEN"
	HoldReleased HoldState = "RELEASED"
	HoldRefunded HoldState = "REFUNDED"
)

// Hold is the logical view of an ESCROW_HOLD entry: it exists as long as the
// hold entry does and moves to a terminal state when a matching
// ESCROW_RELEASE or ESCROW_REFUND entry is appended. There is no physical
// hold record; this is derived state.
type Hold struct {
	Reference string    `json:"reference"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	State     HoldState `json:"state"`
}

// holdIndex is a cached projection of escrow state, keyed by reference. It is
// rebuildable from the entry streams at any time; the entries remain the
// source of truth.
type holdIndex struct {
	holds map[string]Hold
}

func newHoldIndex() *holdIndex {
	return &holdIndex{holds: make(map[string]Hold)}
}

// apply folds one committed entry into the index. A new ESCROW_HOLD replaces
// any prior closed hold on the same reference; a reference can be reused once
// its previous hold reached a terminal state.
func (ix *holdIndex) apply(e Entry) {
	switch e.Kind {
	case KindEscrowHold:
		ix.holds[e.Reference] = Hold{
			Reference: e.Reference,
			AccountID: e.AccountID,
			Amount:    e.Amount,
			State:     HoldOpen,
		}
	case KindEscrowRelease:
		if h, ok := ix.holds[e.Reference]; ok && h.AccountID == e.AccountID {
			h.State = HoldReleased
			ix.holds[e.Reference] = h
		}
	case KindEscrowRefund:
		if h, ok := ix.holds[e.Reference]; ok && h.AccountID == e.AccountID {
			h.State = HoldRefunded
			ix.holds[e.Reference] = h
		}
	}
}

func (ix *holdIndex) get(reference string) (Hold, bool) {
	h, ok := ix.holds[reference]
	return h, ok
}

// checkHold validates a new hold on reference. At most one open hold may
// exist per reference at a time.
func (ix *holdIndex) checkHold(reference string) error {
	if h, ok := ix.holds[reference]; ok && h.State == HoldOpen {
		return ErrDuplicateHold
	}
	return nil
}

// checkClose validates a terminal transition (release or refund) on
// reference. The only transitions are OPEN -> RELEASED and OPEN -> REFUNDED;
// terminal states have no way out.
func (ix *holdIndex) checkClose(reference, operation string) (Hold, error) {
	h, ok := ix.holds[reference]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	if h.State != HoldOpen {
		return Hold{}, &HoldStateError{Reference: reference, State: h.State, Operation: operation}
	}
	return h, nil
}
