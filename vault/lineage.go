package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultMaxTransactionsDelta bounds how many unconfirmed withdrawals
	// a reported vault UTXO may be ahead of the on-chain state. A deeper
	// chain is rejected outright, whatever the amounts involved.
	DefaultMaxTransactionsDelta = 10
)

var (
	// ErrLineageTooDeep is returned if the chain of pending withdrawals
	// between the on-chain UTXO and the reported one exceeds the bound.
	ErrLineageTooDeep = errors.New("vault utxo lineage too deep")

	// ErrLineageBroken is returned if a transaction in the lineage does
	// not connect to its neighbors.
	ErrLineageBroken = errors.New("vault utxo lineage broken")

	// ErrInsufficientBalance is returned if the predicted vault balance
	// after all pending withdrawals cannot cover the requested amount.
	ErrInsufficientBalance = errors.New(
		"insufficient predicted vault balance",
	)
)

// TxSource looks up raw Bitcoin transactions by id. Implemented by the
// bitcoin RPC collaborator.
type TxSource interface {
	// GetTransaction returns the transaction with the given id.
	GetTransaction(ctx context.Context,
		txid *chainhash.Hash) (*wire.MsgTx, error)
}

// State is the authoritative on-chain state of a vault.
type State struct {
	// CurrentUtxo is the vault UTXO as last confirmed on-chain.
	CurrentUtxo wire.OutPoint

	// UtxoValue is the Bitcoin amount on the current vault output.
	UtxoValue btcutil.Amount

	// Balances are the token balances backed by the vault at the current
	// UTXO.
	Balances map[string]*big.Int
}

// LineageVerifierConfig groups the lineage verifier dependencies.
type LineageVerifierConfig struct {
	// TxSource is used to fetch the transactions forming the lineage.
	TxSource TxSource

	// MaxTransactionsDelta bounds the accepted lineage depth. Zero means
	// DefaultMaxTransactionsDelta.
	MaxTransactionsDelta int
}

// LineageVerifier traces an intermediary-reported vault UTXO back to the last
// state known on-chain and predicts the vault balance after all pending
// withdrawals confirm. It is the only thing standing between the engine and a
// forged vault front, so every link is independently re-validated.
type LineageVerifier struct {
	cfg LineageVerifierConfig
}

// NewLineageVerifier creates a new lineage verifier.
func NewLineageVerifier(cfg LineageVerifierConfig) *LineageVerifier {
	if cfg.MaxTransactionsDelta == 0 {
		cfg.MaxTransactionsDelta = DefaultMaxTransactionsDelta
	}

	return &LineageVerifier{cfg: cfg}
}

// VerifyLineage walks from the reported UTXO back to the vault's confirmed
// on-chain UTXO and returns the pending withdrawals in confirmation order
// together with the predicted balances after replaying them. The requested
// amounts must be covered by the predicted balance per token, otherwise the
// quote is rejected.
func (l *LineageVerifier) VerifyLineage(ctx context.Context, state *State,
	reported wire.OutPoint, requested []TokenAmount) ([]*WithdrawalData,
	map[string]*big.Int, error) {

	pending, err := l.collect(ctx, state, reported)
	if err != nil {
		return nil, nil, err
	}

	predicted, err := Replay(state, pending)
	if err != nil {
		return nil, nil, err
	}

	for _, req := range requested {
		balance, ok := predicted[req.Token]
		if !ok || balance.Cmp(req.Amount) < 0 {
			return nil, nil, fmt.Errorf("%w: token %v, "+
				"predicted %v, requested %v",
				ErrInsufficientBalance, req.Token, balance,
				req.Amount)
		}
	}

	return pending, predicted, nil
}

// collect walks backward from the reported UTXO until it connects to the
// on-chain UTXO, returning the pending withdrawals oldest first.
func (l *LineageVerifier) collect(ctx context.Context, state *State,
	reported wire.OutPoint) ([]*WithdrawalData, error) {

	var pending []*WithdrawalData

	cursor := reported
	for cursor != state.CurrentUtxo {
		if len(pending) >= l.cfg.MaxTransactionsDelta {
			return nil, fmt.Errorf("%w: more than %d pending "+
				"withdrawals", ErrLineageTooDeep,
				l.cfg.MaxTransactionsDelta)
		}

		// The transaction that created the cursor UTXO is the tip of
		// the remaining lineage.
		tx, err := l.cfg.TxSource.GetTransaction(ctx, &cursor.Hash)
		if err != nil {
			return nil, fmt.Errorf("fetch lineage tx %v: %w",
				cursor.Hash, err)
		}

		withdrawal, err := ParseWithdrawal(tx)
		if err != nil {
			return nil, err
		}

		if withdrawal.NewVaultUtxo != cursor {
			return nil, fmt.Errorf("%w: tx %v recreates vault at "+
				"%v, expected %v", ErrLineageBroken,
				cursor.Hash, withdrawal.NewVaultUtxo, cursor)
		}

		if err := withdrawal.Validate(); err != nil {
			return nil, err
		}

		// Prepend, the lineage is walked newest to oldest.
		pending = append(
			[]*WithdrawalData{withdrawal}, pending...,
		)

		cursor = withdrawal.SpentVaultUtxo
	}

	return pending, nil
}

// Replay applies the pending withdrawals to the on-chain balances and returns
// the predicted balances. The withdrawals must be in confirmation order and
// connect to the state's current UTXO.
func Replay(state *State, pending []*WithdrawalData) (map[string]*big.Int,
	error) {

	predicted := make(map[string]*big.Int, len(state.Balances))
	for token, balance := range state.Balances {
		predicted[token] = new(big.Int).Set(balance)
	}

	cursor := state.CurrentUtxo
	for _, withdrawal := range pending {
		if withdrawal.SpentVaultUtxo != cursor {
			return nil, fmt.Errorf("%w: withdrawal spends %v, "+
				"expected %v", ErrLineageBroken,
				withdrawal.SpentVaultUtxo, cursor)
		}

		for _, out := range withdrawal.Withdrawals {
			balance, ok := predicted[out.Token]
			if !ok {
				return nil, fmt.Errorf("%w: unknown token %v",
					ErrInvalidWithdrawal, out.Token)
			}

			balance.Sub(
				balance, withdrawal.TotalDeducted(out.Token),
			)
			if balance.Sign() < 0 {
				return nil, fmt.Errorf("%w: token %v "+
					"overdrawn mid-lineage",
					ErrInsufficientBalance, out.Token)
			}
		}

		cursor = withdrawal.NewVaultUtxo
	}

	return predicted, nil
}
