package swapengine

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"

	"github.com/atomicbridge/swapengine/swapdb"
)

// newUnsignedVaultIn builds a freshly quoted vault swap that has not signed
// its funding transaction yet.
func newUnsignedVaultIn(tctx *testContext, seed byte) (*VaultInSwap,
	*wire.MsgTx) {

	hash := lntypes.Hash{seed, 0xfd}
	contract := &swapdb.VaultInContract{
		SwapContract: testContractBase(hash),
		VaultOwner:   "0x0ffe",
		VaultID:      1,
		VaultUtxo: wire.OutPoint{
			Hash: chainhash.Hash{0xaa}, Index: 0,
		},
		RequiredConfirmations: 3,
	}

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{seed, 1}}, nil, nil,
	))
	fundingTx.AddTxOut(wire.NewTxOut(1_000_000, []byte{0x51}))

	return newVaultIn(tctx.cfg, contract), fundingTx
}

// TestVaultInSignFunding tests that signing is the first irreversible step:
// it pins the funding tx, persists the swap and rejects an expired quote.
func TestVaultInSignFunding(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s, fundingTx := newUnsignedVaultIn(tctx, 1)

	// Nothing can be delivered or published before signing.
	require.ErrorIs(t, s.Post(ctx), ErrInvalidState)
	require.ErrorIs(t, s.Broadcast(ctx), ErrInvalidState)

	require.NoError(t, s.SignFunding(ctx, fundingTx))
	require.Equal(t, swapdb.VaultInSigned, s.State())

	txid := fundingTx.TxHash()
	require.Equal(t, &txid, s.FundingTx())
	require.Contains(t, tctx.store.VaultInSwaps, s.hash)
	require.Equal(t, &txid, tctx.store.VaultInFundingTxs[s.hash])

	// Signing again is a no-op.
	require.NoError(t, s.SignFunding(ctx, fundingTx))
	require.Equal(t, swapdb.VaultInSigned, s.State())

	// A swap whose quote has lapsed refuses to sign and stays
	// unpersisted.
	s2, fundingTx2 := newUnsignedVaultIn(tctx, 2)
	tctx.clock.SetTime(s2.contract.QuoteExpiry.Add(time.Second))

	require.ErrorIs(t, s2.SignFunding(ctx, fundingTx2), ErrQuoteExpired)
	require.NotContains(t, tctx.store.VaultInSwaps, s2.hash)
}

// TestVaultInPost tests delivery of the signed transaction to the
// intermediary.
func TestVaultInPost(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s, fundingTx := newUnsignedVaultIn(tctx, 1)
	require.NoError(t, s.SignFunding(ctx, fundingTx))

	// The intermediary is down, the swap stays signed and the error is
	// retryable.
	err := s.Post(ctx)
	require.Error(t, err)
	require.True(t, IsRecoverable(err))
	require.Equal(t, swapdb.VaultInSigned, s.State())

	var posts int
	tctx.intermediary.postVaultTransaction = func(_ context.Context,
		hash lntypes.Hash, tx *wire.MsgTx) error {

		posts++
		require.Equal(t, s.hash, hash)
		require.Equal(t, fundingTx.TxHash(), tx.TxHash())

		return nil
	}

	require.NoError(t, s.Post(ctx))
	require.Equal(t, swapdb.VaultInPosted, s.State())
	require.Equal(t, 1, posts)

	require.NoError(t, s.Post(ctx))
	require.Equal(t, 1, posts)
}

// TestVaultInBroadcast tests the direct publication fallback.
func TestVaultInBroadcast(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s, fundingTx := newUnsignedVaultIn(tctx, 1)
	require.NoError(t, s.SignFunding(ctx, fundingTx))

	require.NoError(t, s.Broadcast(ctx))
	require.Equal(t, swapdb.VaultInBroadcast, s.State())
	require.Len(t, tctx.btc.published, 1)
	require.Equal(t, fundingTx.TxHash(), tctx.btc.published[0].TxHash())

	// Once the transaction is out, handing it to the intermediary is
	// pointless.
	require.ErrorIs(t, s.Post(ctx), ErrInvalidState)

	// Broadcast is also open to a posted swap that the intermediary sat
	// on.
	s2, fundingTx2 := newUnsignedVaultIn(tctx, 2)
	require.NoError(t, s2.SignFunding(ctx, fundingTx2))

	tctx.intermediary.postVaultTransaction = func(context.Context,
		lntypes.Hash, *wire.MsgTx) error {

		return nil
	}
	require.NoError(t, s2.Post(ctx))
	require.NoError(t, s2.Broadcast(ctx))
	require.Equal(t, swapdb.VaultInBroadcast, s2.State())
}

// TestVaultInSync tests state derivation from Bitcoin confirmations and the
// vault's withdrawal processing.
func TestVaultInSync(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s, fundingTx := newUnsignedVaultIn(tctx, 1)
	require.NoError(t, s.SignFunding(ctx, fundingTx))
	require.NoError(t, s.Broadcast(ctx))

	txid := fundingTx.TxHash()
	tctx.btc.addTx(fundingTx, 1)

	// One confirmation is below the required depth, and the vault has no
	// withdrawal on record yet.
	changed, err := s.Sync(ctx, false)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, swapdb.VaultInBroadcast, s.State())
	require.Equal(t, 1, tctx.vaultChain.withdrawalCalls)

	tctx.btc.setConfs(txid, 3)
	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.VaultInBtcConfirmed, s.State())

	tctx.vaultChain.withdrawals[txid] = WithdrawalStatusClaimed
	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.VaultInClaimed, s.State())

	// A finished swap is no longer reconciled.
	calls := tctx.vaultChain.withdrawalCalls
	changed, err = s.Sync(ctx, false)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, calls, tctx.vaultChain.withdrawalCalls)

	// A late fronting event cannot demote the claim.
	err = s.handleEvent(ctx, &ChainEvent{Type: EventFront, Hash: s.hash})
	require.NoError(t, err)
	require.Equal(t, swapdb.VaultInClaimed, s.State())
}

// TestVaultInResume tests picking a swap back up after a restart, when the
// signed transaction is no longer in memory.
func TestVaultInResume(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	s, fundingTx := newUnsignedVaultIn(tctx, 1)
	require.NoError(t, s.SignFunding(ctx, fundingTx))

	tctx.intermediary.postVaultTransaction = func(context.Context,
		lntypes.Hash, *wire.MsgTx) error {

		return nil
	}
	require.NoError(t, s.Post(ctx))

	r := resumeVaultIn(tctx.cfg, &swapdb.VaultIn{
		Contract:  s.contract,
		FundingTx: s.FundingTx(),
		Events:    tctx.store.VaultInUpdates[s.hash],
	})

	require.Equal(t, swapdb.VaultInPosted, r.State())
	require.Equal(t, s.FundingTx(), r.FundingTx())
	require.Nil(t, r.FundingOutputs())
	require.True(t, r.isInitiated())

	// Posting again is a no-op, but the fallback broadcast needs the raw
	// transaction, which did not survive the restart.
	require.NoError(t, r.Post(ctx))
	require.ErrorIs(t, r.Broadcast(ctx), ErrInvalidState)
}

// TestVaultInExpiry tests the quote deadline, including the posting margin.
func TestVaultInExpiry(t *testing.T) {
	tctx := newTestContext(t)
	ctx := context.Background()

	expiry := testContractBase(lntypes.Hash{}).QuoteExpiry

	s1, _ := newUnsignedVaultIn(tctx, 1)
	changed, err := s1.Tick(ctx, expiry)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = s1.Tick(ctx, expiry.Add(time.Second))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.VaultInQuoteExpired, s1.State())

	// A posted transaction may still be broadcast by the intermediary
	// right at the deadline, so it gets a grace margin.
	s2, fundingTx2 := newUnsignedVaultIn(tctx, 2)
	require.NoError(t, s2.SignFunding(ctx, fundingTx2))
	tctx.intermediary.postVaultTransaction = func(context.Context,
		lntypes.Hash, *wire.MsgTx) error {

		return nil
	}
	require.NoError(t, s2.Post(ctx))

	changed, err = s2.Tick(ctx, expiry.Add(time.Second))
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = s2.Tick(ctx, expiry.Add(quoteExpiryMargin+time.Second))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, swapdb.VaultInQuoteExpired, s2.State())

	// A broadcast deposit is on chain, the quote can no longer lapse.
	s3, fundingTx3 := newUnsignedVaultIn(tctx, 3)
	require.NoError(t, s3.SignFunding(ctx, fundingTx3))
	require.NoError(t, s3.Broadcast(ctx))

	changed, err = s3.Tick(ctx, expiry.Add(24*time.Hour))
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, swapdb.VaultInBroadcast, s3.State())
}
