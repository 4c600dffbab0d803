package vault

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// PPMBase is the fixed-point base of the withdrawal fee rates.
	PPMBase = 1_000_000

	// vaultOutputIndex is the output index a withdrawal recreates the
	// vault at.
	vaultOutputIndex = 0

	// payloadOutputIndex is the output index of the OP_RETURN output that
	// carries the parsed withdrawal effect.
	payloadOutputIndex = 1

	// maxWithdrawalTokens bounds the per-withdrawal token list, matching
	// the vault contract.
	maxWithdrawalTokens = 8
)

// byteOrder is the payload serialization byte order.
var byteOrder = binary.BigEndian

var (
	// ErrNotWithdrawal is returned if a transaction does not have the
	// shape of a vault withdrawal.
	ErrNotWithdrawal = errors.New("transaction is not a vault withdrawal")

	// ErrInvalidWithdrawal is returned if a withdrawal's own amounts are
	// internally inconsistent.
	ErrInvalidWithdrawal = errors.New("invalid withdrawal data")
)

// TokenAmount is an amount of a single smart chain token.
type TokenAmount struct {
	// Token identifies the token on the smart chain.
	Token string

	// Amount is the amount in token base units.
	Amount *big.Int
}

// WithdrawalData is the parsed effect of one vault withdrawal transaction.
// A sequence of these, replayed against a known-good vault state, predicts
// the vault balance after all of them confirm.
type WithdrawalData struct {
	// SpentVaultUtxo is the vault UTXO this withdrawal consumes.
	SpentVaultUtxo wire.OutPoint

	// NewVaultUtxo is the vault UTXO this withdrawal creates.
	NewVaultUtxo wire.OutPoint

	// NewVaultAmount is the Bitcoin amount left on the new vault output.
	NewVaultAmount btcutil.Amount

	// Withdrawals are the amounts paid out of the vault per token, before
	// fees.
	Withdrawals []TokenAmount

	// CallerFeeRate is the ppm fee paid to whoever posts the withdrawal.
	CallerFeeRate uint64

	// FrontingFeeRate is the ppm fee paid to a fronter that advances the
	// funds before confirmation.
	FrontingFeeRate uint64

	// ExecutionFeeRate is the ppm fee paid for executing an attached
	// contract call.
	ExecutionFeeRate uint64
}

// Validate performs the internal consistency checks of a single withdrawal.
// It never consults the chain, callers are expected to have obtained the
// transaction from an authoritative source.
func (w *WithdrawalData) Validate() error {
	if len(w.Withdrawals) == 0 ||
		len(w.Withdrawals) > maxWithdrawalTokens {

		return fmt.Errorf("%w: %d token outputs",
			ErrInvalidWithdrawal, len(w.Withdrawals))
	}

	rates := []uint64{
		w.CallerFeeRate, w.FrontingFeeRate, w.ExecutionFeeRate,
	}
	for _, rate := range rates {
		if rate >= PPMBase {
			return fmt.Errorf("%w: fee rate %d ppm",
				ErrInvalidWithdrawal, rate)
		}
	}

	seen := make(map[string]struct{}, len(w.Withdrawals))
	for _, out := range w.Withdrawals {
		if out.Amount == nil || out.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: non-positive amount for %v",
				ErrInvalidWithdrawal, out.Token)
		}

		if _, ok := seen[out.Token]; ok {
			return fmt.Errorf("%w: duplicate token %v",
				ErrInvalidWithdrawal, out.Token)
		}
		seen[out.Token] = struct{}{}
	}

	if w.NewVaultAmount < 0 {
		return fmt.Errorf("%w: negative vault amount",
			ErrInvalidWithdrawal)
	}

	return nil
}

// TotalDeducted returns the total amount deducted from the vault for the
// given token: the paid out amount plus all ppm fees on it. Returns zero if
// the withdrawal does not touch the token.
func (w *WithdrawalData) TotalDeducted(token string) *big.Int {
	for _, out := range w.Withdrawals {
		if out.Token != token {
			continue
		}

		fees := new(big.Int).SetUint64(
			w.CallerFeeRate + w.FrontingFeeRate +
				w.ExecutionFeeRate,
		)
		fees.Mul(fees, out.Amount)
		fees.Quo(fees, big.NewInt(PPMBase))

		return new(big.Int).Add(out.Amount, fees)
	}

	return new(big.Int)
}

// ParseWithdrawal parses a Bitcoin transaction as a vault withdrawal. Input 0
// spends the prior vault UTXO, output 0 recreates the vault and output 1 is
// an OP_RETURN carrying the withdrawal payload.
func ParseWithdrawal(tx *wire.MsgTx) (*WithdrawalData, error) {
	if len(tx.TxIn) == 0 || len(tx.TxOut) <= payloadOutputIndex {
		return nil, fmt.Errorf("%w: %d inputs, %d outputs",
			ErrNotWithdrawal, len(tx.TxIn), len(tx.TxOut))
	}

	script := tx.TxOut[payloadOutputIndex].PkScript
	if len(script) < 2 || script[0] != txscript.OP_RETURN {
		return nil, fmt.Errorf("%w: missing payload output",
			ErrNotWithdrawal)
	}

	payload, err := extractPushData(script)
	if err != nil {
		return nil, err
	}

	data, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}

	data.SpentVaultUtxo = tx.TxIn[0].PreviousOutPoint
	data.NewVaultUtxo = wire.OutPoint{
		Hash:  tx.TxHash(),
		Index: vaultOutputIndex,
	}
	data.NewVaultAmount = btcutil.Amount(
		tx.TxOut[vaultOutputIndex].Value,
	)

	return data, nil
}

// EncodePayload returns the OP_RETURN script carrying the withdrawal effect.
// It is the inverse of the parsing done by ParseWithdrawal and is used by the
// vault owner when constructing withdrawals, and by tests.
func EncodePayload(w *WithdrawalData) ([]byte, error) {
	var b bytes.Buffer

	rates := []uint64{
		w.CallerFeeRate, w.FrontingFeeRate, w.ExecutionFeeRate,
	}
	for _, rate := range rates {
		if err := binary.Write(&b, byteOrder, rate); err != nil {
			return nil, err
		}
	}

	if err := b.WriteByte(byte(len(w.Withdrawals))); err != nil {
		return nil, err
	}

	for _, out := range w.Withdrawals {
		err := wire.WriteVarString(&b, 0, out.Token)
		if err != nil {
			return nil, err
		}

		err = wire.WriteVarBytes(&b, 0, out.Amount.Bytes())
		if err != nil {
			return nil, err
		}
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(b.Bytes()).
		Script()
}

// extractPushData returns the single data push of an OP_RETURN script.
func extractPushData(script []byte) ([]byte, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script[1:])
	if !tokenizer.Next() || tokenizer.Err() != nil {
		return nil, fmt.Errorf("%w: malformed payload script",
			ErrNotWithdrawal)
	}

	data := tokenizer.Data()
	if data == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrNotWithdrawal)
	}

	// A single data push is expected, trailing opcodes are rejected.
	if tokenizer.Next() || tokenizer.Err() != nil {
		return nil, fmt.Errorf("%w: trailing script opcodes",
			ErrNotWithdrawal)
	}

	return data, nil
}

// decodePayload decodes the withdrawal payload serialized by EncodePayload.
func decodePayload(payload []byte) (*WithdrawalData, error) {
	r := bytes.NewReader(payload)

	data := &WithdrawalData{}
	rates := []*uint64{
		&data.CallerFeeRate, &data.FrontingFeeRate,
		&data.ExecutionFeeRate,
	}
	for _, rate := range rates {
		if err := binary.Read(r, byteOrder, rate); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotWithdrawal, err)
		}
	}

	numTokens, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWithdrawal, err)
	}

	if numTokens == 0 || numTokens > maxWithdrawalTokens {
		return nil, fmt.Errorf("%w: %d token outputs",
			ErrNotWithdrawal, numTokens)
	}

	for i := 0; i < int(numTokens); i++ {
		token, err := wire.ReadVarString(r, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotWithdrawal, err)
		}

		amtBytes, err := wire.ReadVarBytes(
			r, 0, 32, "withdrawal amount",
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotWithdrawal, err)
		}

		data.Withdrawals = append(data.Withdrawals, TokenAmount{
			Token:  token,
			Amount: new(big.Int).SetBytes(amtBytes),
		})
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing payload bytes",
			ErrNotWithdrawal)
	}

	return data, nil
}
