package swapengine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/swapdb"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

// testEscrowIn builds a self-settled Lightning-funded swap. The claim
// preimage is derived from the seed.
func testEscrowIn(cfg *swapConfig, seed byte) *EscrowInSwap {
	preimage := lntypes.Preimage{seed}
	hash := preimage.Hash()

	data := testEscrowData(hash)
	data.Offerer, data.Claimer = testClaimer, testInitiator

	return newEscrowIn(cfg, &swapdb.EscrowInContract{
		SwapContract: testContractBase(hash),
		Preimage:     preimage,
		SwapInvoice:  "lnbcrt1invoice",
		Escrow:       data,
	})
}

// TestEscrowInPaymentFlow tests the full happy path: invoice paid, escrow
// committed, claimed with the secret.
func TestEscrowInPaymentFlow(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowIn(tctx.cfg, 1)

	// While the invoice is unpaid, sync stops at the intermediary and
	// never reads the chain.
	tctx.intermediary.paymentStatus = func(_ context.Context,
		_ lntypes.Hash) (PaymentStatus, error) {

		return PaymentStatusPending, nil
	}

	changed, err := s.Sync(ctx, false)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 0, tctx.chain.statusCalls)

	// The invoice is paid, but nothing is on-chain yet.
	tctx.intermediary.paymentStatus = func(_ context.Context,
		_ lntypes.Hash) (PaymentStatus, error) {

		return PaymentStatusPaid, nil
	}

	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowInInvoicePaid, s.State())

	// The intermediary committed the escrow.
	tctx.chain.setStatus(s.hash, CommitStatusCommitted)

	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowInClaimCommitted, s.State())

	// Claiming reveals the secret on the smart chain.
	require.NoError(t, s.Claim(ctx))
	require.Equal(t, swapdb.EscrowInClaimed, s.State())
	require.Equal(t, 1, tctx.chain.claimCalls)

	require.NoError(t, s.Claim(ctx))
	require.Equal(t, 1, tctx.chain.claimCalls)
}

// TestEscrowInClaimTooEarly tests that the escrow cannot be claimed before
// the intermediary committed it.
func TestEscrowInClaimTooEarly(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowIn(tctx.cfg, 1)
	require.ErrorIs(t, s.Claim(ctx), ErrInvalidState)
	require.Equal(t, 0, tctx.chain.claimCalls)
}

// TestEscrowInInitializeEvent tests that an initialize event only advances
// the swap when the committed escrow matches the quote-time promise exactly.
func TestEscrowInInitializeEvent(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowIn(tctx.cfg, 1)

	// An event without escrow data is rejected, there is nothing to
	// verify the commitment against.
	err := s.handleEvent(ctx, &ChainEvent{
		Type: EventInitialize,
		Hash: s.hash,
	})
	require.ErrorIs(t, err, escrow.ErrFieldMismatch)
	require.False(t, IsRecoverable(err))

	// A commitment with a lower amount is not the promised escrow.
	short := s.contract.Escrow
	short.Amount = new(big.Int).Sub(short.Amount, big.NewInt(1))
	err = s.handleEvent(ctx, &ChainEvent{
		Type:   EventInitialize,
		Hash:   s.hash,
		Escrow: &short,
	})
	require.ErrorIs(t, err, escrow.ErrFieldMismatch)
	require.Equal(t, swapdb.EscrowInInvoiceCreated, s.State())

	// The exact promised escrow advances the swap.
	promised := s.contract.Escrow
	err = s.handleEvent(ctx, &ChainEvent{
		Type:   EventInitialize,
		Hash:   s.hash,
		Escrow: &promised,
	})
	require.NoError(t, err)
	require.Equal(t, swapdb.EscrowInClaimCommitted, s.State())
}

// TestEscrowInExpiry tests that only an unpaid invoice expires.
func TestEscrowInExpiry(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowIn(tctx.cfg, 1)
	deadline := s.contract.QuoteExpiry.Add(time.Second)

	changed, err := s.Tick(ctx, deadline)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowInExpired, s.State())

	// A paid swap no longer expires.
	s2 := testEscrowIn(tctx.cfg, 2)
	_, err = s2.forceCommitStatus(ctx, CommitStatusCommitted)
	require.NoError(t, err)

	changed, err = s2.Tick(ctx, deadline)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, swapdb.EscrowInClaimCommitted, s2.State())
}

// TestEscrowInWaitForPayment tests that handing out the invoice to wait on
// is the initiation point that persists the swap.
func TestEscrowInWaitForPayment(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowIn(tctx.cfg, 1)

	// The invoice was already paid when the wait starts.
	tctx.intermediary.paymentStatus = func(_ context.Context,
		_ lntypes.Hash) (PaymentStatus, error) {

		return PaymentStatusPaid, nil
	}
	_, err := s.Sync(ctx, false)
	require.NoError(t, err)
	require.Empty(t, tctx.store.EscrowInSwaps)

	require.NoError(t, s.WaitForPayment(ctx))
	require.True(t, s.isInitiated())
	require.Contains(t, tctx.store.EscrowInSwaps, s.hash)
}

// TestEscrowInFailure tests that a refunded escrow marks the swap failed, a
// terminal state the intermediary cannot talk the swap out of.
func TestEscrowInFailure(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testEscrowIn(tctx.cfg, 1)

	changed, err := s.forceCommitStatus(ctx, CommitStatusRefunded)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.EscrowInFailed, s.State())

	changed, err = s.forceCommitStatus(ctx, CommitStatusCommitted)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, swapdb.EscrowInFailed, s.State())
}
