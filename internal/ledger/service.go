package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/credit-ledger/pkg/chain"
)

// EventPublisher receives committed entries for downstream consumers. A
// publish failure never fails the ledger operation; the entry is already
// durable.
type EventPublisher interface {
	PublishEntry(ctx context.Context, e Entry) error
}

// Service is the ledger façade. It validates operations, enforces the
// single-writer-per-account discipline, and keeps two cached projections
// (balance snapshots and the escrow hold index) that are always re-derivable
// from the entry store.
//
// Lock order, where multiple are taken: account mutex, then holdMu, then
// snapMu. Escrow release locks both account mutexes in lexicographic order.
type Service struct {
	// Events, when set, is notified after every committed entry.
	Events EventPublisher

	store  EntryStore
	logger *slog.Logger

	mapMu sync.Mutex
	muMap map[string]*sync.Mutex

	snapMu sync.RWMutex
	snaps  map[string]Snapshot

	holdMu sync.Mutex
	holds  *holdIndex

	now func() time.Time
}

// NewService creates a ledger service on top of an entry store.
func NewService(store EntryStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		muMap:  make(map[string]*sync.Mutex),
		snaps:  make(map[string]Snapshot),
		holds:  newHoldIndex(),
		// Timestamps are truncated to microseconds so they survive a
		// round-trip through every persistence adapter unchanged; the
		// chain checksum covers them.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Restore rebuilds the cached projections from the entry store. Call it once
// before serving when the store already holds entries.
func (s *Service) Restore(ctx context.Context) error {
	accounts, err := s.store.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	for _, accountID := range accounts {
		entries, err := s.store.List(ctx, accountID, 0)
		if err != nil {
			return fmt.Errorf("list entries for %s: %w", accountID, err)
		}

		snap := Replay(accountID, entries)

		s.snapMu.Lock()
		s.snaps[accountID] = snap
		s.snapMu.Unlock()

		s.holdMu.Lock()
		for _, e := range entries {
			s.holds.apply(e)
		}
		s.holdMu.Unlock()
	}
	return nil
}

func (s *Service) accountLock(accountID string) *sync.Mutex {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	mu, ok := s.muMap[accountID]
	if !ok {
		mu = &sync.Mutex{}
		s.muMap[accountID] = mu
	}
	return mu
}

// snapshotLocked returns the account's current snapshot. The caller must hold
// the account's write lock; only writers populate the cache, so a cached
// value can never run behind the store.
func (s *Service) snapshotLocked(ctx context.Context, accountID string) (Snapshot, error) {
	s.snapMu.RLock()
	snap, ok := s.snaps[accountID]
	s.snapMu.RUnlock()
	if ok {
		return snap, nil
	}

	entries, err := s.store.List(ctx, accountID, 0)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list entries for %s: %w", accountID, err)
	}

	snap = Replay(accountID, entries)
	s.snapMu.Lock()
	s.snaps[accountID] = snap
	s.snapMu.Unlock()
	return snap, nil
}

// commit folds a durably appended entry into the snapshot cache. The caller
// must hold the account's write lock; publishing happens separately, after
// every lock is released.
func (s *Service) commit(prior Snapshot, e Entry) Snapshot {
	next := prior.apply(e)

	s.snapMu.Lock()
	s.snaps[e.AccountID] = next
	s.snapMu.Unlock()
	return next
}

// publish notifies the event sink of committed entries. It must run outside
// the account mutex and holdMu so a slow or unreachable broker cannot stall
// other ledger operations; the entries are already durable regardless.
func (s *Service) publish(ctx context.Context, entries []Entry) {
	if s.Events == nil {
		return
	}
	for _, e := range entries {
		if err := s.Events.PublishEntry(ctx, e); err != nil {
			s.logger.Warn("entry event publish failed",
				"account_id", e.AccountID,
				"sequence", e.Sequence,
				"error", err,
			)
		}
	}
}

// AddCredits appends a CREDIT entry for amount and returns the new snapshot.
func (s *Service) AddCredits(ctx context.Context, accountID string, amount int64, reference string) (Snapshot, error) {
	if accountID == "" {
		return Snapshot{}, fmt.Errorf("account id is required")
	}
	if amount <= 0 {
		return Snapshot{}, ErrInvalidAmount
	}

	// Registered before the locks so the publish runs after they release.
	var committed []Entry
	defer func() { s.publish(ctx, committed) }()

	mu := s.accountLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	prior, err := s.snapshotLocked(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}

	e, err := s.store.Append(ctx, Draft{
		AccountID: accountID,
		Kind:      KindCredit,
		Amount:    amount,
		Reference: reference,
		Timestamp: s.now(),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("append credit: %w", err)
	}
	committed = append(committed, e)
	return s.commit(prior, e), nil
}

// SpendCredits appends a SPEND entry for -amount. The spend is rejected with
// ErrInsufficientCredits before any append when available < amount, which is
// what prevents overspending against escrowed funds.
func (s *Service) SpendCredits(ctx context.Context, accountID string, amount int64, reference string) (Snapshot, error) {
	if accountID == "" {
		return Snapshot{}, fmt.Errorf("account id is required")
	}
	if amount <= 0 {
		return Snapshot{}, ErrInvalidAmount
	}

	var committed []Entry
	defer func() { s.publish(ctx, committed) }()

	mu := s.accountLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	prior, err := s.snapshotLocked(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	if prior.Available < amount {
		return Snapshot{}, ErrInsufficientCredits
	}

	e, err := s.store.Append(ctx, Draft{
		AccountID: accountID,
		Kind:      KindSpend,
		Amount:    -amount,
		Reference: reference,
		Timestamp: s.now(),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("append spend: %w", err)
	}
	committed = append(committed, e)
	return s.commit(prior, e), nil
}

// HoldEscrow reserves amount against the account under reference. The hold
// reduces available without moving balance. A reference may carry at most one
// open hold at a time.
func (s *Service) HoldEscrow(ctx context.Context, accountID string, amount int64, reference string) (Snapshot, error) {
	if accountID == "" {
		return Snapshot{}, fmt.Errorf("account id is required")
	}
	if reference == "" {
		return Snapshot{}, fmt.Errorf("reference is required")
	}
	if amount <= 0 {
		return Snapshot{}, ErrInvalidAmount
	}

	var committed []Entry
	defer func() { s.publish(ctx, committed) }()

	mu := s.accountLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	s.holdMu.Lock()
	defer s.holdMu.Unlock()

	if err := s.holds.checkHold(reference); err != nil {
		return Snapshot{}, err
	}

	prior, err := s.snapshotLocked(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	if prior.Available < amount {
		return Snapshot{}, ErrInsufficientCredits
	}

	e, err := s.store.Append(ctx, Draft{
		AccountID: accountID,
		Kind:      KindEscrowHold,
		Amount:    amount,
		Reference: reference,
		Timestamp: s.now(),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("append escrow hold: %w", err)
	}

	s.holds.apply(e)
	committed = append(committed, e)
	return s.commit(prior, e), nil
}

// ReleaseEscrow settles the open hold under reference: an ESCROW_RELEASE
// entry on the holder clears the reservation and debits balance, and a CREDIT
// entry pays the full hold amount to payeeAccountID. Both entries commit
// atomically or not at all; a store that reports a split commit surfaces
// ErrPartialRelease, which is passed through for a reconciliation pass to
// resolve, never swallowed.
func (s *Service) ReleaseEscrow(ctx context.Context, reference, payeeAccountID string) (holder Snapshot, payee Snapshot, err error) {
	if reference == "" {
		return Snapshot{}, Snapshot{}, fmt.Errorf("reference is required")
	}
	if payeeAccountID == "" {
		return Snapshot{}, Snapshot{}, fmt.Errorf("payee account id is required")
	}

	var committed []Entry
	defer func() { s.publish(ctx, committed) }()

	h, unlock, err := s.lockOpenHold(reference, "release", payeeAccountID)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	defer unlock()

	holderPrior, err := s.snapshotLocked(ctx, h.AccountID)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	payeePrior, err := s.snapshotLocked(ctx, payeeAccountID)
	if err != nil {
		return Snapshot{}, Snapshot{}, err
	}

	ts := s.now()
	closing := Draft{
		AccountID: h.AccountID,
		Kind:      KindEscrowRelease,
		Amount:    -h.Amount,
		Reference: reference,
		Timestamp: ts,
	}
	credit := Draft{
		AccountID: payeeAccountID,
		Kind:      KindCredit,
		Amount:    h.Amount,
		Reference: reference,
		Timestamp: ts,
	}

	closingEntry, creditEntry, err := s.store.AppendPair(ctx, closing, credit)
	if err != nil {
		s.logger.Error("escrow release append failed",
			"reference", reference,
			"holder", h.AccountID,
			"payee", payeeAccountID,
			"error", err,
		)
		return Snapshot{}, Snapshot{}, fmt.Errorf("release escrow %q: %w", reference, err)
	}

	s.holds.apply(closingEntry)
	committed = append(committed, closingEntry, creditEntry)

	if h.AccountID == payeeAccountID {
		// Self-release: both entries landed on one stream.
		holder = s.commit(holderPrior, closingEntry)
		holder = s.commit(holder, creditEntry)
		return holder, holder, nil
	}

	holder = s.commit(holderPrior, closingEntry)
	payee = s.commit(payeePrior, creditEntry)
	return holder, payee, nil
}

// lockOpenHold locates the open hold under reference and acquires the locks a
// terminal transition needs: the holder's account mutex (plus the payee's,
// for a release) and then holdMu. The holder is only known from an unlocked
// index read, and references are reusable after a hold closes, so by the time
// the locks are held the reference may name a fresh hold on a different
// account. The hold is re-read under holdMu and, when its holder changed, the
// locks are dropped and the lookup retried so the append always runs under
// the lock of the account it writes to.
//
// On success the returned hold is open, both locks are held, and unlock
// releases them. On error nothing is held.
func (s *Service) lockOpenHold(reference, operation, payeeAccountID string) (Hold, func(), error) {
	for {
		s.holdMu.Lock()
		h, ok := s.holds.get(reference)
		s.holdMu.Unlock()
		if !ok {
			return Hold{}, nil, ErrHoldNotFound
		}

		var unlockAccounts func()
		if payeeAccountID == "" {
			mu := s.accountLock(h.AccountID)
			mu.Lock()
			unlockAccounts = mu.Unlock
		} else {
			unlockAccounts = s.lockPair(h.AccountID, payeeAccountID)
		}

		s.holdMu.Lock()
		cur, err := s.holds.checkClose(reference, operation)
		if err != nil {
			s.holdMu.Unlock()
			unlockAccounts()
			return Hold{}, nil, err
		}
		if cur.AccountID != h.AccountID {
			// The hold closed and the reference was re-held by another
			// account while the locks were being acquired.
			s.holdMu.Unlock()
			unlockAccounts()
			continue
		}

		return cur, func() {
			s.holdMu.Unlock()
			unlockAccounts()
		}, nil
	}
}

// RefundEscrow cancels the open hold under reference. The ESCROW_REFUND entry
// clears the reservation on the holder; the hold never moved balance, so
// available returns exactly to its pre-hold value.
func (s *Service) RefundEscrow(ctx context.Context, reference string) (Snapshot, error) {
	if reference == "" {
		return Snapshot{}, fmt.Errorf("reference is required")
	}

	var committed []Entry
	defer func() { s.publish(ctx, committed) }()

	h, unlock, err := s.lockOpenHold(reference, "refund", "")
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	prior, err := s.snapshotLocked(ctx, h.AccountID)
	if err != nil {
		return Snapshot{}, err
	}

	e, err := s.store.Append(ctx, Draft{
		AccountID: h.AccountID,
		Kind:      KindEscrowRefund,
		Amount:    h.Amount,
		Reference: reference,
		Timestamp: s.now(),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("append escrow refund: %w", err)
	}

	s.holds.apply(e)
	committed = append(committed, e)
	return s.commit(prior, e), nil
}

// HoldFor returns the current state of the hold under reference.
func (s *Service) HoldFor(reference string) (Hold, bool) {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	return s.holds.get(reference)
}

// BalanceOf derives the account's balance, held and available amounts. It
// serves the cached snapshot when one exists and otherwise replays the
// account's entries from a point-in-time read; either way it never blocks
// writers on other accounts. An account with no entries reports a zero
// snapshot.
func (s *Service) BalanceOf(ctx context.Context, accountID string) (Snapshot, error) {
	if accountID == "" {
		return Snapshot{}, fmt.Errorf("account id is required")
	}

	s.snapMu.RLock()
	snap, ok := s.snaps[accountID]
	s.snapMu.RUnlock()
	if ok {
		return snap, nil
	}

	entries, err := s.store.List(ctx, accountID, 0)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list entries for %s: %w", accountID, err)
	}
	return Replay(accountID, entries), nil
}

// History returns the account's entries with sequence >= sinceSeq, ascending.
// It is side-effect free and restartable: the same call yields the same
// prefix of the stream every time.
func (s *Service) History(ctx context.Context, accountID string, sinceSeq int64) ([]Entry, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	return s.store.List(ctx, accountID, sinceSeq)
}

// StatsFor aggregates counts and sums by kind for one account, or across all
// accounts when accountID is empty. Each account's entries are read as one
// point-in-time copy, but the global view is assembled account by account, so
// it is not a single consistent cut across the whole ledger.
func (s *Service) StatsFor(ctx context.Context, accountID string) (Stats, error) {
	stats := Stats{AccountID: accountID, ByKind: make(map[Kind]KindStats)}

	accounts := []string{accountID}
	if accountID == "" {
		var err error
		accounts, err = s.store.Accounts(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("list accounts: %w", err)
		}
	}

	for _, id := range accounts {
		entries, err := s.store.List(ctx, id, 0)
		if err != nil {
			return Stats{}, fmt.Errorf("list entries for %s: %w", id, err)
		}
		for _, e := range entries {
			ks := stats.ByKind[e.Kind]
			ks.Count++
			ks.Sum += e.Amount
			stats.ByKind[e.Kind] = ks
			stats.Entries++
		}
	}
	return stats, nil
}

// ReconcileReport is the outcome of a full replay check of one account.
type ReconcileReport struct {
	AccountID            string   `json:"account_id"`
	Cached               Snapshot `json:"cached"`
	Replayed             Snapshot `json:"replayed"`
	Drift                bool     `json:"drift"`
	ChainValid           bool     `json:"chain_valid"`
	FirstInvalidSequence int64    `json:"first_invalid_sequence"`
}

// Reconcile recomputes the account's balance, held and chain by replaying all
// entries and compares the result to the cached snapshot. Drift is reported,
// never corrected: the error carries both states so an operator can
// investigate.
func (s *Service) Reconcile(ctx context.Context, accountID string) (ReconcileReport, error) {
	if accountID == "" {
		return ReconcileReport{}, fmt.Errorf("account id is required")
	}

	entries, err := s.store.List(ctx, accountID, 0)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list entries for %s: %w", accountID, err)
	}

	replayed := Replay(accountID, entries)
	valid, firstBad := chain.Verify(Links(entries))

	report := ReconcileReport{
		AccountID:            accountID,
		Replayed:             replayed,
		ChainValid:           valid,
		FirstInvalidSequence: firstBad,
	}

	s.snapMu.RLock()
	cached, ok := s.snaps[accountID]
	s.snapMu.RUnlock()
	if !ok {
		// Nothing served for this account yet, so nothing to drift from.
		report.Cached = replayed
		return report, nil
	}

	report.Cached = cached
	if cached != replayed {
		report.Drift = true
		return report, &DriftError{AccountID: accountID, Cached: cached, Replayed: replayed}
	}
	return report, nil
}

// IntegrityReport is the outcome of a hash-chain verification of one account.
type IntegrityReport struct {
	AccountID            string `json:"account_id"`
	Entries              int64  `json:"entries"`
	Valid                bool   `json:"valid"`
	FirstInvalidSequence int64  `json:"first_invalid_sequence"`
}

// VerifyIntegrity replays the account's chain from the genesis checksum and
// reports the first entry whose stored checksums disagree with the
// recomputation. Tampering is located, never repaired.
func (s *Service) VerifyIntegrity(ctx context.Context, accountID string) (IntegrityReport, error) {
	if accountID == "" {
		return IntegrityReport{}, fmt.Errorf("account id is required")
	}

	entries, err := s.store.List(ctx, accountID, 0)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("list entries for %s: %w", accountID, err)
	}

	valid, firstBad := chain.Verify(Links(entries))
	return IntegrityReport{
		AccountID:            accountID,
		Entries:              int64(len(entries)),
		Valid:                valid,
		FirstInvalidSequence: firstBad,
	}, nil
}

// lockPair locks two account mutexes in lexicographic order so concurrent
// releases touching the same accounts cannot deadlock.
func (s *Service) lockPair(a, b string) func() {
	if a == b {
		mu := s.accountLock(a)
		mu.Lock()
		return mu.Unlock
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}
	muFirst := s.accountLock(first)
	muSecond := s.accountLock(second)
	muFirst.Lock()
	muSecond.Lock()
	return func() {
		muSecond.Unlock()
		muFirst.Unlock()
	}
}
