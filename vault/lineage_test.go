package vault

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type txSourceMock struct {
	txs map[chainhash.Hash]*wire.MsgTx
}

func (s *txSourceMock) GetTransaction(_ context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	tx, ok := s.txs[*txid]
	if !ok {
		return nil, fmt.Errorf("tx %v not found", txid)
	}

	return tx, nil
}

// withdrawalTx builds a vault withdrawal transaction spending the given
// vault UTXO and carrying the encoded payload of w.
func withdrawalTx(t *testing.T, spent wire.OutPoint, vaultValue int64,
	w *WithdrawalData) *wire.MsgTx {

	t.Helper()

	payload, err := EncodePayload(w)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&spent, nil, nil))
	tx.AddTxOut(wire.NewTxOut(vaultValue, []byte{txscript.OP_TRUE}))
	tx.AddTxOut(wire.NewTxOut(0, payload))

	return tx
}

func usdt(amount int64) []TokenAmount {
	return []TokenAmount{{Token: "USDT", Amount: big.NewInt(amount)}}
}

// lineageFixture is a vault with a confirmed state and a chain of pending
// withdrawals of 1_000_000 USDT base units each, fee free.
type lineageFixture struct {
	state  *State
	source *txSourceMock
	tip    wire.OutPoint
}

func newLineageFixture(t *testing.T, pendingTxs int) *lineageFixture {
	t.Helper()

	f := &lineageFixture{
		state: &State{
			CurrentUtxo: wire.OutPoint{
				Hash:  chainhash.Hash{1},
				Index: 0,
			},
			UtxoValue: 100_000,
			Balances: map[string]*big.Int{
				"USDT": big.NewInt(10_000_000),
			},
		},
		source: &txSourceMock{
			txs: make(map[chainhash.Hash]*wire.MsgTx),
		},
	}
	f.tip = f.state.CurrentUtxo

	for i := 0; i < pendingTxs; i++ {
		tx := withdrawalTx(t, f.tip, 90_000, &WithdrawalData{
			Withdrawals: usdt(1_000_000),
		})
		f.source.txs[tx.TxHash()] = tx
		f.tip = wire.OutPoint{Hash: tx.TxHash(), Index: 0}
	}

	return f
}

// TestParseWithdrawalRoundTrip asserts that an encoded withdrawal parses
// back to the same effect plus the transaction-derived fields.
func TestParseWithdrawalRoundTrip(t *testing.T) {
	spent := wire.OutPoint{Hash: chainhash.Hash{7}, Index: 0}
	data := &WithdrawalData{
		Withdrawals: []TokenAmount{
			{Token: "USDT", Amount: big.NewInt(5_000_000)},
			{Token: "USDC", Amount: big.NewInt(123)},
		},
		CallerFeeRate:    1000,
		FrontingFeeRate:  2000,
		ExecutionFeeRate: 3000,
	}

	tx := withdrawalTx(t, spent, 42_000, data)

	parsed, err := ParseWithdrawal(tx)
	require.NoError(t, err)

	require.Equal(t, spent, parsed.SpentVaultUtxo)
	require.Equal(t,
		wire.OutPoint{Hash: tx.TxHash(), Index: 0},
		parsed.NewVaultUtxo,
	)
	require.EqualValues(t, 42_000, parsed.NewVaultAmount)
	require.Equal(t, data.Withdrawals, parsed.Withdrawals)
	require.EqualValues(t, 1000, parsed.CallerFeeRate)
	require.EqualValues(t, 2000, parsed.FrontingFeeRate)
	require.EqualValues(t, 3000, parsed.ExecutionFeeRate)

	require.NoError(t, parsed.Validate())
}

// TestParseWithdrawalRejections asserts that transactions without the vault
// withdrawal shape are rejected.
func TestParseWithdrawalRejections(t *testing.T) {
	spent := wire.OutPoint{Hash: chainhash.Hash{7}, Index: 0}
	data := &WithdrawalData{Withdrawals: usdt(1)}

	// Missing payload output.
	tx := withdrawalTx(t, spent, 1000, data)
	tx.TxOut = tx.TxOut[:1]
	_, err := ParseWithdrawal(tx)
	require.ErrorIs(t, err, ErrNotWithdrawal)

	// Payload output is not an OP_RETURN.
	tx = withdrawalTx(t, spent, 1000, data)
	tx.TxOut[1].PkScript = []byte{txscript.OP_TRUE, txscript.OP_TRUE}
	_, err = ParseWithdrawal(tx)
	require.ErrorIs(t, err, ErrNotWithdrawal)

	// Opcodes trailing the payload push.
	payload, err := EncodePayload(data)
	require.NoError(t, err)
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload[2:]).
		AddOp(txscript.OP_TRUE).
		Script()
	require.NoError(t, err)
	tx = withdrawalTx(t, spent, 1000, data)
	tx.TxOut[1].PkScript = script
	_, err = ParseWithdrawal(tx)
	require.ErrorIs(t, err, ErrNotWithdrawal)

	// Bytes trailing the decoded payload.
	var padded []byte
	padded = append(padded, payload[2:]...)
	padded = append(padded, 0x00)
	script, err = txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(padded).
		Script()
	require.NoError(t, err)
	tx = withdrawalTx(t, spent, 1000, data)
	tx.TxOut[1].PkScript = script
	_, err = ParseWithdrawal(tx)
	require.ErrorIs(t, err, ErrNotWithdrawal)
}

// TestWithdrawalValidate asserts the internal consistency checks.
func TestWithdrawalValidate(t *testing.T) {
	valid := &WithdrawalData{
		Withdrawals:   usdt(1_000_000),
		CallerFeeRate: 1000,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		data *WithdrawalData
	}{{
		name: "no token outputs",
		data: &WithdrawalData{},
	}, {
		name: "too many token outputs",
		data: &WithdrawalData{
			Withdrawals: func() []TokenAmount {
				outs := make([]TokenAmount, 9)
				for i := range outs {
					outs[i] = TokenAmount{
						Token:  fmt.Sprintf("T%d", i),
						Amount: big.NewInt(1),
					}
				}
				return outs
			}(),
		},
	}, {
		name: "fee rate at ppm base",
		data: &WithdrawalData{
			Withdrawals:   usdt(1),
			CallerFeeRate: PPMBase,
		},
	}, {
		name: "zero amount",
		data: &WithdrawalData{Withdrawals: usdt(0)},
	}, {
		name: "duplicate token",
		data: &WithdrawalData{
			Withdrawals: append(usdt(1), usdt(2)...),
		},
	}, {
		name: "negative vault amount",
		data: &WithdrawalData{
			Withdrawals:    usdt(1),
			NewVaultAmount: -1,
		},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.ErrorIs(t,
				test.data.Validate(), ErrInvalidWithdrawal,
			)
		})
	}
}

// TestTotalDeducted asserts that all three ppm fees are charged on top of
// the paid out amount.
func TestTotalDeducted(t *testing.T) {
	w := &WithdrawalData{
		Withdrawals:      usdt(1_000_000),
		CallerFeeRate:    1000,
		FrontingFeeRate:  2000,
		ExecutionFeeRate: 3000,
	}

	require.Equal(t, big.NewInt(1_006_000), w.TotalDeducted("USDT"))
	require.Zero(t, w.TotalDeducted("USDC").Sign())
}

// TestVerifyLineage asserts the walk from a reported UTXO back to the
// confirmed vault state.
func TestVerifyLineage(t *testing.T) {
	ctx := context.Background()

	// Reported UTXO equals the confirmed one, nothing pending.
	f := newLineageFixture(t, 0)
	v := NewLineageVerifier(LineageVerifierConfig{TxSource: f.source})

	pending, predicted, err := v.VerifyLineage(
		ctx, f.state, f.tip, usdt(10_000_000),
	)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, big.NewInt(10_000_000), predicted["USDT"])

	// Two pending withdrawals of a million each leave eight.
	f = newLineageFixture(t, 2)
	v = NewLineageVerifier(LineageVerifierConfig{TxSource: f.source})

	pending, predicted, err = v.VerifyLineage(
		ctx, f.state, f.tip, usdt(8_000_000),
	)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, big.NewInt(8_000_000), predicted["USDT"])

	// The oldest pending withdrawal connects to the confirmed UTXO.
	require.Equal(t, f.state.CurrentUtxo, pending[0].SpentVaultUtxo)
	require.Equal(t, f.tip, pending[1].NewVaultUtxo)

	// Requesting more than the predicted balance is rejected.
	_, _, err = v.VerifyLineage(ctx, f.state, f.tip, usdt(8_000_001))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// An unknown token can never be covered.
	_, _, err = v.VerifyLineage(ctx, f.state, f.tip, []TokenAmount{{
		Token: "USDC", Amount: big.NewInt(1),
	}})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

// TestVerifyLineageDepthBound asserts that a lineage deeper than the bound
// is rejected outright, whatever the amounts.
func TestVerifyLineageDepthBound(t *testing.T) {
	f := newLineageFixture(t, 3)
	v := NewLineageVerifier(LineageVerifierConfig{
		TxSource:             f.source,
		MaxTransactionsDelta: 2,
	})

	_, _, err := v.VerifyLineage(
		context.Background(), f.state, f.tip, usdt(1),
	)
	require.ErrorIs(t, err, ErrLineageTooDeep)

	// The same chain passes with a matching bound.
	v = NewLineageVerifier(LineageVerifierConfig{
		TxSource:             f.source,
		MaxTransactionsDelta: 3,
	})
	_, _, err = v.VerifyLineage(
		context.Background(), f.state, f.tip, usdt(1),
	)
	require.NoError(t, err)
}

// TestVerifyLineageBroken asserts that a lineage transaction recreating the
// vault at an unexpected output is rejected.
func TestVerifyLineageBroken(t *testing.T) {
	f := newLineageFixture(t, 1)
	v := NewLineageVerifier(LineageVerifierConfig{TxSource: f.source})

	// Point the reported UTXO at the wrong output index of the tip
	// transaction.
	reported := f.tip
	reported.Index = 1

	_, _, err := v.VerifyLineage(
		context.Background(), f.state, reported, usdt(1),
	)
	require.ErrorIs(t, err, ErrLineageBroken)
}

// TestReplay asserts balance prediction and its failure modes.
func TestReplay(t *testing.T) {
	state := &State{
		CurrentUtxo: wire.OutPoint{Hash: chainhash.Hash{1}},
		Balances: map[string]*big.Int{
			"USDT": big.NewInt(3_000_000),
		},
	}

	next := wire.OutPoint{Hash: chainhash.Hash{2}}
	pending := []*WithdrawalData{{
		SpentVaultUtxo: state.CurrentUtxo,
		NewVaultUtxo:   next,
		Withdrawals:    usdt(1_000_000),
		CallerFeeRate:  1000,
	}}

	predicted, err := Replay(state, pending)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_999_000), predicted["USDT"])

	// The input state is never mutated.
	require.Equal(t, big.NewInt(3_000_000), state.Balances["USDT"])

	// A withdrawal not connecting to the current UTXO breaks the replay.
	disconnected := []*WithdrawalData{{
		SpentVaultUtxo: next,
		NewVaultUtxo:   wire.OutPoint{Hash: chainhash.Hash{3}},
		Withdrawals:    usdt(1),
	}}
	_, err = Replay(state, disconnected)
	require.ErrorIs(t, err, ErrLineageBroken)

	// Overdrawing mid-lineage is rejected.
	overdrawn := []*WithdrawalData{{
		SpentVaultUtxo: state.CurrentUtxo,
		NewVaultUtxo:   next,
		Withdrawals:    usdt(4_000_000),
	}}
	_, err = Replay(state, overdrawn)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// Tokens the vault does not back cannot be withdrawn.
	unknown := []*WithdrawalData{{
		SpentVaultUtxo: state.CurrentUtxo,
		NewVaultUtxo:   next,
		Withdrawals: []TokenAmount{{
			Token: "USDC", Amount: big.NewInt(1),
		}},
	}}
	_, err = Replay(state, unknown)
	require.ErrorIs(t, err, ErrInvalidWithdrawal)
}
