package swapengine

import (
	"context"
	"testing"
	"time"

	"github.com/atomicbridge/swapengine/swapdb"
	"github.com/stretchr/testify/require"
)

// TestEscrowOutCommit tests that committing the escrow persists the contract
// before the chain call and that a repeated commit is a no-op.
func TestEscrowOutCommit(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowOut(tctx.cfg, 1)
	require.False(t, s.isInitiated())
	require.Empty(t, tctx.store.EscrowOutSwaps)

	require.NoError(t, s.Commit(ctx))
	require.Equal(t, swapdb.EscrowOutCommitted, s.State())
	require.True(t, s.isInitiated())
	require.Equal(t, 1, tctx.chain.commitCalls)

	// The contract is persisted and the state log carries the initiation
	// record followed by the commit.
	require.Contains(t, tctx.store.EscrowOutSwaps, s.hash)
	events := tctx.store.EscrowOutUpdates[s.hash]
	require.Len(t, events, 2)
	require.Equal(t, uint8(swapdb.EscrowOutCreated), events[0].State)
	require.Equal(t, uint8(swapdb.EscrowOutCommitted), events[1].State)

	// Committing again must not touch the chain.
	require.NoError(t, s.Commit(ctx))
	require.Equal(t, 1, tctx.chain.commitCalls)
	require.Len(t, tctx.store.EscrowOutUpdates[s.hash], 2)
}

// TestEscrowOutCommitExpired tests that a commit past the hard quote
// deadline is rejected without persisting anything.
func TestEscrowOutCommitExpired(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowOut(tctx.cfg, 1)

	deadline := s.contract.QuoteExpiry.Add(quoteExpiryMargin)
	tctx.clock.SetTime(deadline.Add(time.Second))

	require.ErrorIs(t, s.Commit(ctx), ErrQuoteExpired)
	require.Equal(t, 0, tctx.chain.commitCalls)
	require.False(t, s.isInitiated())
	require.Empty(t, tctx.store.EscrowOutSwaps)
}

// TestEscrowOutExpiry tests the two-stage quote expiry driven by the tick.
func TestEscrowOutExpiry(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowOut(tctx.cfg, 1)
	expiry := s.contract.QuoteExpiry

	// Before the deadline nothing happens.
	changed, err := s.Tick(ctx, expiry)
	require.NoError(t, err)
	require.False(t, changed)

	// Past the deadline the quote soft expires, once.
	changed, err = s.Tick(ctx, expiry.Add(time.Second))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowOutQuoteSoftExpired, s.State())

	changed, err = s.Tick(ctx, expiry.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, changed)

	// Past the margin the expiry is hard.
	changed, err = s.Tick(ctx, expiry.Add(quoteExpiryMargin+time.Second))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowOutQuoteExpired, s.State())

	// Both transitions were published but, uninitiated, nothing was
	// persisted.
	updates := tctx.notifications()
	require.Len(t, updates, 2)
	require.Empty(t, tctx.store.EscrowOutSwaps)
}

// TestEscrowOutStatusPrecedence tests that authoritative status reads only
// move the swap toward higher finality. A stale read or a duplicate event
// never regresses the state.
func TestEscrowOutStatusPrecedence(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowOut(tctx.cfg, 1)
	require.NoError(t, s.Commit(ctx))

	// The intermediary claimed the escrow.
	changed, err := s.forceCommitStatus(ctx, CommitStatusPaid)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowOutClaimed, s.State())

	// A stale committed read leaves the claim in place.
	changed, err = s.forceCommitStatus(ctx, CommitStatusCommitted)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, swapdb.EscrowOutClaimed, s.State())

	// A duplicate claim event is a no-op as well.
	err = s.handleEvent(ctx, &ChainEvent{
		Type: EventClaim,
		Hash: s.contract.Escrow.ClaimHash,
	})
	require.NoError(t, err)
	require.Equal(t, swapdb.EscrowOutClaimed, s.State())

	// An event carrying mismatching escrow data is ignored even when it
	// would otherwise advance the swap.
	s2 := testEscrowOut(tctx.cfg, 2)
	require.NoError(t, s2.Commit(ctx))

	other := testEscrowData(s2.contract.Escrow.ClaimHash)
	other.Nonce++
	err = s2.handleEvent(ctx, &ChainEvent{
		Type:   EventClaim,
		Hash:   s2.contract.Escrow.ClaimHash,
		Escrow: &other,
	})
	require.NoError(t, err)
	require.Equal(t, swapdb.EscrowOutCommitted, s2.State())
}

// TestEscrowOutSync tests that sync only reads the chain when there is
// something to reconcile.
func TestEscrowOutSync(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowOut(tctx.cfg, 1)

	// An uncommitted quote has nothing to reconcile against, the chain
	// is not consulted.
	changed, err := s.Sync(ctx, false)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 0, tctx.chain.statusCalls)

	require.NoError(t, s.Commit(ctx))

	tctx.chain.setStatus(s.contract.Escrow.ClaimHash, CommitStatusPaid)

	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowOutClaimed, s.State())

	// The claim is final, a plain sync no longer reads the chain.
	calls := tctx.chain.statusCalls
	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, calls, tctx.chain.statusCalls)
}

// TestEscrowOutRefund tests refunding an expired, unclaimed escrow.
func TestEscrowOutRefund(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowOut(tctx.cfg, 1)
	require.NoError(t, s.Commit(ctx))

	// Refund is only allowed once the escrow is refundable.
	require.ErrorIs(t, s.Refund(ctx), ErrInvalidState)

	changed, err := s.forceCommitStatus(ctx, CommitStatusRefundable)
	require.NoError(t, err)
	require.True(t, changed)

	// Refundable but the timelock has not passed on chain yet, the refund
	// is rejected before anything is submitted.
	require.ErrorIs(t, s.Refund(ctx), ErrInvalidState)
	require.Equal(t, 0, tctx.chain.refundCalls)
	require.Equal(t, swapdb.EscrowOutRefundable, s.State())

	tctx.chain.setExpired(s.contract.Escrow.ClaimHash)

	require.NoError(t, s.Refund(ctx))
	require.Equal(t, swapdb.EscrowOutRefunded, s.State())
	require.Equal(t, 1, tctx.chain.refundCalls)

	require.ErrorIs(t, s.Refund(ctx), ErrInvalidState)
	require.Equal(t, 1, tctx.chain.refundCalls)
}

// TestEscrowOutResume tests that a committed swap recreated from the store
// resumes with its persisted state.
func TestEscrowOutResume(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowOut(tctx.cfg, 1)
	require.NoError(t, s.Commit(ctx))

	stored, err := tctx.store.FetchEscrowOutSwaps(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	resumed := resumeEscrowOut(tctx.cfg, stored[0])
	require.Equal(t, swapdb.EscrowOutCommitted, resumed.State())
	require.True(t, resumed.isInitiated())
	require.Equal(t, s.hash, resumed.hash)
	require.True(t, s.contract.Escrow.Equal(&resumed.contract.Escrow))

	// The resumed swap reconciles against the chain like the original.
	tctx.chain.setStatus(
		resumed.contract.Escrow.ClaimHash, CommitStatusPaid,
	)
	changed, err := resumed.Sync(ctx, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowOutClaimed, resumed.State())
}

// TestEscrowOutWaitTillClaimed tests that a waiter wakes up on the state
// change signal without relying on the poll timer.
func TestEscrowOutWaitTillClaimed(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowOut(tctx.cfg, 1)
	require.NoError(t, s.Commit(ctx))

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- s.WaitTillClaimed(ctx)
	}()

	_, err := s.forceCommitStatus(ctx, CommitStatusPaid)
	require.NoError(t, err)

	select {
	case err := <-waitErr:
		require.NoError(t, err)

	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not wake up")
	}

	// A waiter on a swap that ends in a different final state errors
	// out immediately.
	s2 := testEscrowOut(tctx.cfg, 2)
	require.NoError(t, s2.Commit(ctx))
	_, err = s2.forceCommitStatus(ctx, CommitStatusRefunded)
	require.NoError(t, err)

	require.ErrorIs(t, s2.WaitTillClaimed(ctx), ErrInvalidState)
}
