package swapengine

import (
	"context"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/vault"
	"github.com/lightningnetwork/lnd/lntypes"
)

// CommitStatus is the authoritative on-chain status of an escrow, as read
// from the smart chain contract.
type CommitStatus uint8

const (
	// CommitStatusNone means the escrow is not known to the contract.
	CommitStatusNone CommitStatus = 0

	// CommitStatusCommitted means the escrow is funded and claimable.
	CommitStatusCommitted CommitStatus = 1

	// CommitStatusPaid means the escrow was claimed with the secret.
	CommitStatusPaid CommitStatus = 2

	// CommitStatusRefundable means the escrow expired unclaimed and the
	// offerer may take the funds back.
	CommitStatusRefundable CommitStatus = 3

	// CommitStatusRefunded means the escrow was refunded.
	CommitStatusRefunded CommitStatus = 4
)

// String returns the name of the commit status.
func (s CommitStatus) String() string {
	switch s {
	case CommitStatusNone:
		return "None"

	case CommitStatusCommitted:
		return "Committed"

	case CommitStatusPaid:
		return "Paid"

	case CommitStatusRefundable:
		return "Refundable"

	case CommitStatusRefunded:
		return "Refunded"

	default:
		return "Unknown"
	}
}

// ChainAdapter abstracts the smart chain holding the escrows. Implementations
// sign and broadcast through chain-specific tooling, the engine only relies
// on this narrow contract.
type ChainAdapter interface {
	escrow.AuthVerifier

	// GetCommitStatus returns the authoritative status of a single
	// escrow.
	GetCommitStatus(ctx context.Context,
		data *escrow.Data) (CommitStatus, error)

	// GetCommitStatuses batches authoritative status reads for many
	// escrows into a single round trip, keyed by claim hash.
	GetCommitStatuses(ctx context.Context,
		escrows []*escrow.Data) (map[lntypes.Hash]CommitStatus, error)

	// CommitEscrow posts the escrow initialization using the
	// intermediary-produced authorization. It returns once the commit
	// transaction is confirmed.
	CommitEscrow(ctx context.Context, data *escrow.Data,
		auth []byte) (string, error)

	// ClaimWithSecret claims a committed escrow with the secret. It
	// returns the claim transaction id once confirmed.
	ClaimWithSecret(ctx context.Context, data *escrow.Data,
		preimage lntypes.Preimage) (string, error)

	// RefundEscrow refunds an expired escrow, or a live one if a
	// cooperative refund authorization is supplied.
	RefundEscrow(ctx context.Context, data *escrow.Data,
		auth []byte) (string, error)

	// IsExpired returns true if the escrow expiry has passed according to
	// chain time.
	IsExpired(ctx context.Context, data *escrow.Data) (bool, error)
}

// BtcChain abstracts the Bitcoin chain backend.
type BtcChain interface {
	vault.TxSource

	// GetSpendingTx returns the transaction spending the given outpoint,
	// or nil if it is unspent.
	GetSpendingTx(ctx context.Context,
		op wire.OutPoint) (*wire.MsgTx, error)

	// Confirmations returns the confirmation depth of a transaction.
	// Zero means it is unconfirmed, a negative count means it is not
	// known to the chain or mempool.
	Confirmations(ctx context.Context,
		txid *chainhash.Hash) (int32, error)

	// PublishTransaction broadcasts a signed transaction.
	PublishTransaction(ctx context.Context, tx *wire.MsgTx) error
}

// PaymentStatus is the intermediary-reported status of a Lightning-funded
// swap. It is untrusted for anything irreversible, the engine only acts on
// it after independent verification where one exists.
type PaymentStatus uint8

const (
	// PaymentStatusPending means the swap invoice has not been paid.
	PaymentStatusPending PaymentStatus = 0

	// PaymentStatusPaid means the intermediary received the payment.
	PaymentStatusPaid PaymentStatus = 1

	// PaymentStatusCommitted means the intermediary funded the escrow.
	PaymentStatusCommitted PaymentStatus = 2

	// PaymentStatusFinished means the intermediary completed the payout.
	PaymentStatusFinished PaymentStatus = 3

	// PaymentStatusRefundable means the intermediary cannot complete the
	// payout and authorizes a refund.
	PaymentStatusRefundable PaymentStatus = 4

	// PaymentStatusFailed means the swap failed terminally.
	PaymentStatusFailed PaymentStatus = 5
)

// EscrowOutTerms is a quote for a swap paying out to Bitcoin, as returned by
// the intermediary. All fields are untrusted until verified.
type EscrowOutTerms struct {
	// Hash is the escrow hash the intermediary asserts.
	Hash lntypes.Hash

	// Escrow is the escrow the client is asked to commit.
	Escrow escrow.Data

	// InitAuth authorizes the client to post the escrow initialization.
	InitAuth []byte

	// SatsBaseFee and FeePPM are the quoted fee terms.
	SatsBaseFee btcutil.Amount
	FeePPM      uint64

	// SwapFee is the intermediary fee in token base units.
	SwapFee *big.Int

	// SwapFeeBtc is the intermediary fee expressed in satoshis.
	SwapFeeBtc btcutil.Amount

	// Expiry is the quote validity deadline.
	Expiry time.Time
}

// InvoiceTerms is a quote for a Lightning-funded swap.
type InvoiceTerms struct {
	// Invoice is the Lightning invoice the user pays.
	Invoice string

	// Escrow is the escrow the intermediary promises to commit once the
	// invoice is paid. Unused for gas swaps.
	Escrow escrow.Data

	// Hash is the escrow hash the intermediary asserts.
	Hash lntypes.Hash

	// SatsBaseFee and FeePPM are the quoted fee terms.
	SatsBaseFee btcutil.Amount
	FeePPM      uint64

	// SwapFee is the intermediary fee in token base units.
	SwapFee *big.Int

	// SwapFeeBtc is the intermediary fee expressed in satoshis.
	SwapFeeBtc btcutil.Amount

	// WatchtowerFeePPM is the ppm share ceded to the settling watchtower,
	// only set for watchtower-settled quotes.
	WatchtowerFeePPM uint64

	// Expiry is the invoice expiry.
	Expiry time.Time
}

// VaultTerms is a quote for an SPV-vault controlled swap.
type VaultTerms struct {
	// Hash is the swap hash the intermediary asserts.
	Hash lntypes.Hash

	// VaultOwner and VaultID identify the vault.
	VaultOwner string
	VaultID    uint64

	// VaultUtxo is the vault UTXO the intermediary reports as current.
	// It must be lineage-verified before the quote is accepted.
	VaultUtxo wire.OutPoint

	// FundingOutputs are the outputs the user's funding transaction must
	// pay to.
	FundingOutputs []*wire.TxOut

	// RequiredConfirmations is the confirmation depth the vault owner
	// demands.
	RequiredConfirmations uint32

	// FrontingAddress is the address allowed to front the destination
	// funds, empty if fronting is disabled.
	FrontingAddress string

	// AmountToken is the token amount the vault will release for the
	// funded satoshi amount.
	AmountToken *big.Int

	// SatsBaseFee and FeePPM are the quoted fee terms.
	SatsBaseFee btcutil.Amount
	FeePPM      uint64

	// SwapFee is the intermediary fee in token base units.
	SwapFee *big.Int

	// SwapFeeBtc is the intermediary fee expressed in satoshis.
	SwapFeeBtc btcutil.Amount

	// Expiry is the quote validity deadline.
	Expiry time.Time
}

// IntermediaryClient is the HTTP-facing contract of one intermediary. Every
// response is adversarial input, nothing it returns is acted on without the
// verification layers of this package.
type IntermediaryClient interface {
	// URL returns the intermediary's endpoint, used for attribution in
	// errors and stored contracts.
	URL() string

	// QuoteEscrowOut requests a quote paying destAmount to destAddr in
	// exchange for a token escrow committed by the client.
	QuoteEscrowOut(ctx context.Context, destAddr string,
		destAmount btcutil.Amount, token string,
		amountToken *big.Int) (*EscrowOutTerms, error)

	// QuoteEscrowIn requests a Lightning-funded escrow quote that the
	// client settles itself.
	QuoteEscrowIn(ctx context.Context, claimHash lntypes.Hash,
		amountSats btcutil.Amount, token string,
		claimer string) (*InvoiceTerms, error)

	// QuoteWatchtowerIn requests a Lightning-funded escrow quote settled
	// by watchtowers.
	QuoteWatchtowerIn(ctx context.Context, claimHash lntypes.Hash,
		amountSats btcutil.Amount, token string,
		claimer string) (*InvoiceTerms, error)

	// QuoteVaultIn requests an SPV-vault quote for an on-chain Bitcoin
	// funding.
	QuoteVaultIn(ctx context.Context, amountSats btcutil.Amount,
		token string, recipient string) (*VaultTerms, error)

	// QuoteGasSwap requests a small trusted gas top-up quote.
	QuoteGasSwap(ctx context.Context, claimHash lntypes.Hash,
		amountSats btcutil.Amount, recipient string) (*InvoiceTerms,
		error)

	// PaymentStatus polls the intermediary-reported status of a
	// Lightning-funded swap.
	PaymentStatus(ctx context.Context,
		hash lntypes.Hash) (PaymentStatus, error)

	// RefundAuthorization polls for an intermediary-signed refund of a
	// failed swap to the given address. Returns a nil authorization
	// while none is available.
	RefundAuthorization(ctx context.Context, hash lntypes.Hash,
		refundAddress string) ([]byte, error)

	// PostVaultTransaction delivers the signed vault funding transaction
	// to the intermediary for broadcast.
	PostVaultTransaction(ctx context.Context, hash lntypes.Hash,
		tx *wire.MsgTx) error

	// BroadcastSecret publishes the swap secret so that watchtowers can
	// settle the escrow.
	BroadcastSecret(ctx context.Context, hash lntypes.Hash,
		preimage lntypes.Preimage) error
}

// WithdrawalStatus is the status of a vault withdrawal on the destination
// chain, keyed by the Bitcoin funding transaction.
type WithdrawalStatus uint8

const (
	// WithdrawalStatusNone means the vault has not processed the
	// withdrawal yet.
	WithdrawalStatusNone WithdrawalStatus = 0

	// WithdrawalStatusFronted means a fronter advanced the destination
	// funds before the Bitcoin confirmation depth was reached.
	WithdrawalStatusFronted WithdrawalStatus = 1

	// WithdrawalStatusClaimed means the destination funds were released.
	WithdrawalStatusClaimed WithdrawalStatus = 2

	// WithdrawalStatusClosed means the vault was closed before processing
	// the withdrawal.
	WithdrawalStatusClosed WithdrawalStatus = 3
)

// VaultChain abstracts the smart chain side of SPV vaults.
type VaultChain interface {
	// GetVaultState returns the authoritative on-chain state of a vault:
	// its current UTXO and token balances.
	GetVaultState(ctx context.Context, owner string,
		vaultID uint64) (*vault.State, error)

	// GetFrontingAddress returns the address currently allowed to front
	// withdrawals of the vault, empty if fronting is disabled.
	GetFrontingAddress(ctx context.Context, owner string,
		vaultID uint64) (string, error)

	// GetWithdrawalState returns the processing status of the withdrawal
	// keyed by its Bitcoin transaction.
	GetWithdrawalState(ctx context.Context, owner string, vaultID uint64,
		btcTxid *chainhash.Hash) (WithdrawalStatus, error)
}

// EventType is the type of a smart chain event.
type EventType uint8

const (
	// EventInitialize signals an escrow was committed on-chain.
	EventInitialize EventType = 0

	// EventClaim signals an escrow was claimed with its secret.
	EventClaim EventType = 1

	// EventRefund signals an escrow was refunded.
	EventRefund EventType = 2

	// EventFront signals a vault withdrawal was fronted.
	EventFront EventType = 3

	// EventClose signals a vault was closed.
	EventClose EventType = 4
)

// ChainEvent is one typed on-chain event delivered by the event
// subscription.
type ChainEvent struct {
	// Type is the event type.
	Type EventType

	// Hash identifies the swap the event belongs to: the escrow claim
	// hash for escrow events, the swap hash for vault events.
	Hash lntypes.Hash

	// Escrow is the escrow data parsed from the event, nil for vault
	// events.
	Escrow *escrow.Data

	// Withdrawal is the withdrawal parsed from a vault event, nil
	// otherwise.
	Withdrawal *vault.WithdrawalData

	// TxID is the transaction that produced the event.
	TxID string
}

// ChainEvents is the smart chain event subscription for one (protocol,
// chain) pair.
type ChainEvents interface {
	// Subscribe starts delivering events on the returned channel until
	// the context is cancelled.
	Subscribe(ctx context.Context) (<-chan *ChainEvent, error)
}
