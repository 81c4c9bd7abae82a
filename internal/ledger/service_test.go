package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/credit-ledger/internal/ledger"
	"github.com/example/credit-ledger/internal/storage/memory"
)

func newService(t *testing.T) *ledger.Service {
	t.Helper()
	return ledger.NewService(memory.New(), nil)
}

func TestAddAndSpendCredits(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	snap, err := svc.AddCredits(ctx, "alice", 100, "topup-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Balance)
	assert.Equal(t, int64(100), snap.Available)
	assert.Equal(t, int64(0), snap.Held)
	assert.Equal(t, int64(0), snap.LastSequence)

	snap, err = svc.SpendCredits(ctx, "alice", 100, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Available)
	assert.Equal(t, int64(0), snap.Balance)

	// The account is empty now; one more credit cannot be spent.
	_, err = svc.SpendCredits(ctx, "alice", 1, "ord-2")
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	for _, amount := range []int64{0, -5} {
		_, err := svc.AddCredits(ctx, "alice", amount, "r")
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

		_, err = svc.SpendCredits(ctx, "alice", amount, "r")
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

		_, err = svc.HoldEscrow(ctx, "alice", amount, "r")
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	}

	_, err := svc.AddCredits(ctx, "", 10, "r")
	require.Error(t, err)
}

func TestHoldReducesAvailableNotBalance(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 120, "topup")
	require.NoError(t, err)

	snap, err := svc.HoldEscrow(ctx, "alice", 50, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), snap.Balance)
	assert.Equal(t, int64(50), snap.Held)
	assert.Equal(t, int64(70), snap.Available)
	assert.Equal(t, snap.Available, snap.Balance-snap.Held)

	// Balance would cover 100, but 50 of it is reserved.
	_, err = svc.SpendCredits(ctx, "alice", 100, "ord-2")
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	// Spending within available still works.
	snap, err = svc.SpendCredits(ctx, "alice", 70, "ord-3")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Available)
}

func TestHoldRequiresAvailable(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 40, "topup")
	require.NoError(t, err)

	_, err = svc.HoldEscrow(ctx, "alice", 50, "ord-1")
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestDuplicateHoldRejected(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 200, "topup")
	require.NoError(t, err)

	_, err = svc.HoldEscrow(ctx, "alice", 50, "ord-1")
	require.NoError(t, err)

	_, err = svc.HoldEscrow(ctx, "alice", 10, "ord-1")
	require.ErrorIs(t, err, ledger.ErrDuplicateHold)

	// Another account cannot reuse an open reference either.
	_, err = svc.AddCredits(ctx, "bob", 100, "topup")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "bob", 10, "ord-1")
	require.ErrorIs(t, err, ledger.ErrDuplicateHold)
}

func TestReleaseEscrow(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "alice", 50, "ord-1")
	require.NoError(t, err)

	holder, payee, err := svc.ReleaseEscrow(ctx, "ord-1", "bob")
	require.NoError(t, err)

	assert.Equal(t, int64(0), holder.Held)
	assert.Equal(t, int64(50), holder.Balance)
	assert.Equal(t, int64(50), holder.Available)
	assert.Equal(t, int64(50), payee.Balance)
	assert.Equal(t, int64(50), payee.Available)

	h, ok := svc.HoldFor("ord-1")
	require.True(t, ok)
	assert.Equal(t, ledger.HoldReleased, h.State)

	// Terminal states have no way out.
	_, _, err = svc.ReleaseEscrow(ctx, "ord-1", "bob")
	require.ErrorIs(t, err, ledger.ErrHoldAlreadyClosed)
	_, err = svc.RefundEscrow(ctx, "ord-1")
	require.ErrorIs(t, err, ledger.ErrHoldAlreadyClosed)
}

func TestRefundRestoresAvailableExactly(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)

	before, err := svc.BalanceOf(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.HoldEscrow(ctx, "alice", 50, "ord-2")
	require.NoError(t, err)

	after, err := svc.RefundEscrow(ctx, "ord-2")
	require.NoError(t, err)
	assert.Equal(t, before.Available, after.Available)
	assert.Equal(t, before.Balance, after.Balance)
	assert.Equal(t, int64(0), after.Held)

	h, ok := svc.HoldFor("ord-2")
	require.True(t, ok)
	assert.Equal(t, ledger.HoldRefunded, h.State)
}

func TestHoldNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, _, err := svc.ReleaseEscrow(ctx, "never-held", "bob")
	require.ErrorIs(t, err, ledger.ErrHoldNotFound)

	_, err = svc.RefundEscrow(ctx, "never-held")
	require.ErrorIs(t, err, ledger.ErrHoldNotFound)
}

func TestReferenceReusableAfterClose(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)

	_, err = svc.HoldEscrow(ctx, "alice", 30, "ord-1")
	require.NoError(t, err)
	_, err = svc.RefundEscrow(ctx, "ord-1")
	require.NoError(t, err)

	// The previous hold on ord-1 is terminal, so a fresh hold is allowed.
	snap, err := svc.HoldEscrow(ctx, "alice", 40, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), snap.Held)
}

func TestSelfRelease(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "alice", 60, "ord-1")
	require.NoError(t, err)

	holder, payee, err := svc.ReleaseEscrow(ctx, "ord-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, holder, payee)
	assert.Equal(t, int64(100), holder.Balance)
	assert.Equal(t, int64(0), holder.Held)
	assert.Equal(t, int64(100), holder.Available)
}

func TestHistoryIsIdempotentAndRestartable(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.SpendCredits(ctx, "alice", 40, "ord-1")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "alice", 10, "ord-2")
	require.NoError(t, err)

	first, err := svc.History(ctx, "alice", 0)
	require.NoError(t, err)
	second, err := svc.History(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 3)

	for i, e := range first {
		assert.Equal(t, int64(i), e.Sequence)
	}

	tail, err := svc.History(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, ledger.KindEscrowHold, tail[0].Kind)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.SpendCredits(ctx, "alice", 30, "ord-1")
	require.NoError(t, err)
	_, err = svc.AddCredits(ctx, "bob", 20, "topup")
	require.NoError(t, err)

	stats, err := svc.StatsFor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(1), stats.ByKind[ledger.KindCredit].Count)
	assert.Equal(t, int64(100), stats.ByKind[ledger.KindCredit].Sum)
	assert.Equal(t, int64(-30), stats.ByKind[ledger.KindSpend].Sum)

	global, err := svc.StatsFor(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), global.Entries)
	assert.Equal(t, int64(120), global.ByKind[ledger.KindCredit].Sum)
}

func TestReconcileCleanAccount(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "alice", 25, "ord-1")
	require.NoError(t, err)
	_, err = svc.RefundEscrow(ctx, "ord-1")
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, report.Drift)
	assert.True(t, report.ChainValid)
	assert.Equal(t, report.Cached, report.Replayed)
	assert.Equal(t, int64(-1), report.FirstInvalidSequence)
}

func TestRestoreRebuildsProjections(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := ledger.NewService(store, nil)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "alice", 40, "ord-1")
	require.NoError(t, err)

	// A fresh service over the same store must see the same state.
	restored := ledger.NewService(store, nil)
	require.NoError(t, restored.Restore(ctx))

	snap, err := restored.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Balance)
	assert.Equal(t, int64(40), snap.Held)
	assert.Equal(t, int64(60), snap.Available)

	// The hold survived the restart and can still be refunded exactly once.
	_, err = restored.RefundEscrow(ctx, "ord-1")
	require.NoError(t, err)
	_, err = restored.RefundEscrow(ctx, "ord-1")
	require.ErrorIs(t, err, ledger.ErrHoldAlreadyClosed)

	report, err := restored.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, report.Drift)
}

func TestVerifyIntegrityCleanAccount(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.SpendCredits(ctx, "alice", 10, "ord-1")
	require.NoError(t, err)

	report, err := svc.VerifyIntegrity(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(2), report.Entries)
	assert.Equal(t, int64(-1), report.FirstInvalidSequence)
}

func TestConcurrentSpendsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)

	const attempts = 150
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SpendCredits(ctx, "alice", 1, fmt.Sprintf("ord-%d", i))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
		}
	}
	assert.Equal(t, 100, succeeded)

	snap, err := svc.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Available)
	assert.GreaterOrEqual(t, snap.Available, int64(0))

	report, err := svc.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, report.Drift)
}

func TestConcurrentHoldsOnOneReference(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	for _, acct := range []string{"a", "b", "c", "d"} {
		_, err := svc.AddCredits(ctx, acct, 100, "topup")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for _, acct := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(acct string) {
			defer wg.Done()
			_, err := svc.HoldEscrow(ctx, acct, 10, "ord-contested")
			results <- err
		}(acct)
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ledger.ErrDuplicateHold)
		}
	}
	assert.Equal(t, 1, won)
}

// flakyStore reports a split commit on release so the failure path stays
// visible to the caller.
type flakyStore struct {
	ledger.EntryStore
}

func (s *flakyStore) AppendPair(ctx context.Context, first, second ledger.Draft) (ledger.Entry, ledger.Entry, error) {
	e, err := s.EntryStore.Append(ctx, first)
	if err != nil {
		return ledger.Entry{}, ledger.Entry{}, err
	}
	return e, ledger.Entry{}, fmt.Errorf("%w: payee append lost", ledger.ErrPartialRelease)
}

func TestPartialReleaseSurfaces(t *testing.T) {
	ctx := context.Background()
	svc := ledger.NewService(&flakyStore{EntryStore: memory.New()}, nil)

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "alice", 50, "ord-1")
	require.NoError(t, err)

	_, _, err = svc.ReleaseEscrow(ctx, "ord-1", "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrPartialRelease))
}
