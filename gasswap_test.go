package swapengine

import (
	"context"
	"testing"
	"time"

	"github.com/atomicbridge/swapengine/swapdb"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func testGasSwap(cfg *swapConfig, seed byte) *GasSwap {
	preimage := lntypes.Preimage{seed}
	hash := preimage.Hash()

	contract := testContractBase(hash)
	contract.AmountSats = 50_000
	contract.AmountToken = nil
	contract.Token = ""

	return newGasSwap(cfg, &swapdb.GasSwapContract{
		SwapContract:  contract,
		Preimage:      preimage,
		SwapInvoice:   "lnbcrt1gas",
		RefundAddress: "bcrt1qrefund",
	})
}

// TestGasSwapSync tests that the intermediary report drives the swap but
// cannot regress a resolved one.
func TestGasSwapSync(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testGasSwap(tctx.cfg, 1)

	status := PaymentStatusPending
	tctx.intermediary.paymentStatus = func(_ context.Context,
		_ lntypes.Hash) (PaymentStatus, error) {

		return status, nil
	}

	changed, err := s.Sync(ctx, false)
	require.NoError(t, err)
	require.False(t, changed)

	status = PaymentStatusFinished
	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.GasSwapFinished, s.State())

	// A stale refundable report cannot undo the payout.
	status = PaymentStatusRefundable
	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, swapdb.GasSwapFinished, s.State())
}

// TestGasSwapRefund tests the refund path of a failed payout.
func TestGasSwapRefund(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testGasSwap(tctx.cfg, 1)
	require.ErrorIs(t, s.Refund(ctx), ErrInvalidState)

	_, err := s.forcePaymentStatus(ctx, PaymentStatusRefundable)
	require.NoError(t, err)

	// No authorization yet, the refund stays retryable.
	var auth []byte
	tctx.intermediary.refundAuthorization = func(_ context.Context,
		_ lntypes.Hash, refundAddress string) ([]byte, error) {

		require.Equal(t, "bcrt1qrefund", refundAddress)
		return auth, nil
	}

	err = s.Refund(ctx)
	require.ErrorIs(t, err, errRefundNotReady)
	require.True(t, IsRecoverable(err))
	require.Equal(t, swapdb.GasSwapRefundable, s.State())

	auth = []byte("refund-auth")
	require.NoError(t, s.Refund(ctx))
	require.Equal(t, swapdb.GasSwapRefunded, s.State())

	require.NoError(t, s.Refund(ctx))
}

// TestGasSwapExpiry tests the invoice expiry tick.
func TestGasSwapExpiry(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testGasSwap(tctx.cfg, 1)

	changed, err := s.Tick(ctx, s.contract.QuoteExpiry)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = s.Tick(ctx, s.contract.QuoteExpiry.Add(time.Second))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.GasSwapExpired, s.State())
}

// TestGasSwapWaitForCompletion tests that waiting initiates the swap and
// resolves through the push signal.
func TestGasSwapWaitForCompletion(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s := testGasSwap(tctx.cfg, 1)
	_, err := s.forcePaymentStatus(ctx, PaymentStatusFinished)
	require.NoError(t, err)

	require.NoError(t, s.WaitForCompletion(ctx))
	require.True(t, s.isInitiated())
	require.Contains(t, tctx.store.GasSwaps, s.hash)

	// A refundable swap surfaces the failure to the waiter.
	s2 := testGasSwap(tctx.cfg, 2)
	_, err = s2.forcePaymentStatus(ctx, PaymentStatusRefundable)
	require.NoError(t, err)

	require.ErrorIs(t, s2.WaitForCompletion(ctx), ErrInvalidState)
}
