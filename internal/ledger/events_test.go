package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publisherFunc func(context.Context, Entry) error

func (f publisherFunc) PublishEntry(ctx context.Context, e Entry) error { return f(ctx, e) }

// A stalled broker must never stall ledger writes on other goroutines, so
// publishing has to happen after the account mutex and the hold index mutex
// are released. The publisher here checks both locks are free at publish
// time.
func TestPublishRunsOutsideLocks(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newStubStore(), nil)

	type lockCheck struct {
		kind        Kind
		accountFree bool
		holdsFree   bool
	}
	var checks []lockCheck

	svc.Events = publisherFunc(func(_ context.Context, e Entry) error {
		c := lockCheck{kind: e.Kind}

		mu := svc.accountLock(e.AccountID)
		if c.accountFree = mu.TryLock(); c.accountFree {
			mu.Unlock()
		}
		if c.holdsFree = svc.holdMu.TryLock(); c.holdsFree {
			svc.holdMu.Unlock()
		}

		checks = append(checks, c)
		return nil
	})

	_, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	_, err = svc.SpendCredits(ctx, "alice", 10, "ord-0")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "alice", 40, "ord-1")
	require.NoError(t, err)
	_, _, err = svc.ReleaseEscrow(ctx, "ord-1", "bob")
	require.NoError(t, err)
	_, err = svc.HoldEscrow(ctx, "alice", 20, "ord-2")
	require.NoError(t, err)
	_, err = svc.RefundEscrow(ctx, "ord-2")
	require.NoError(t, err)

	// credit, spend, hold, release pair, hold, refund
	require.Len(t, checks, 7)
	for _, c := range checks {
		assert.True(t, c.accountFree, "%s published under the account lock", c.kind)
		assert.True(t, c.holdsFree, "%s published under the hold index lock", c.kind)
	}
}

// A failing publisher is logged, never surfaced: the entry is already durable
// by the time publishing happens.
func TestPublishFailureDoesNotFailWrites(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newStubStore(), nil)
	svc.Events = publisherFunc(func(context.Context, Entry) error {
		return context.DeadlineExceeded
	})

	snap, err := svc.AddCredits(ctx, "alice", 100, "topup")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Balance)

	_, err = svc.HoldEscrow(ctx, "alice", 40, "ord-1")
	require.NoError(t, err)
	_, err = svc.RefundEscrow(ctx, "ord-1")
	require.NoError(t, err)
}
