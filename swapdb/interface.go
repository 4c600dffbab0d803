package swapdb

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
)

// SwapStore is the primary database interface of the engine. It houses the
// swaps of every protocol, keyed by swap hash, each carrying an append-only
// state log. Only initiated swaps ever reach the store, quotes the user never
// acted on live in the wrapper's quote cache only.
type SwapStore interface {
	// FetchEscrowOutSwaps returns all escrow out swaps currently in the
	// store.
	FetchEscrowOutSwaps(ctx context.Context) ([]*EscrowOut, error)

	// FetchEscrowOutSwap returns the escrow out swap with the given hash.
	FetchEscrowOutSwap(ctx context.Context,
		hash lntypes.Hash) (*EscrowOut, error)

	// CreateEscrowOut adds an initiated escrow out swap to the store.
	CreateEscrowOut(ctx context.Context, hash lntypes.Hash,
		contract *EscrowOutContract) error

	// UpdateEscrowOut appends a state transition to the swap's event log.
	UpdateEscrowOut(ctx context.Context, hash lntypes.Hash,
		time time.Time, state EscrowOutState, cost SwapCost) error

	// RemoveEscrowOut removes a swap from the store. Used for swaps whose
	// quote expired unused.
	RemoveEscrowOut(ctx context.Context, hash lntypes.Hash) error

	// FetchEscrowInSwaps returns all escrow in swaps currently in the
	// store.
	FetchEscrowInSwaps(ctx context.Context) ([]*EscrowIn, error)

	// FetchEscrowInSwap returns the escrow in swap with the given hash.
	FetchEscrowInSwap(ctx context.Context,
		hash lntypes.Hash) (*EscrowIn, error)

	// CreateEscrowIn adds an initiated escrow in swap to the store.
	CreateEscrowIn(ctx context.Context, hash lntypes.Hash,
		contract *EscrowInContract) error

	// UpdateEscrowIn appends a state transition to the swap's event log.
	UpdateEscrowIn(ctx context.Context, hash lntypes.Hash,
		time time.Time, state EscrowInState, cost SwapCost) error

	// RemoveEscrowIn removes a swap from the store.
	RemoveEscrowIn(ctx context.Context, hash lntypes.Hash) error

	// FetchWatchtowerInSwaps returns all watchtower in swaps currently in
	// the store.
	FetchWatchtowerInSwaps(ctx context.Context) ([]*WatchtowerIn, error)

	// FetchWatchtowerInSwap returns the watchtower in swap with the given
	// hash.
	FetchWatchtowerInSwap(ctx context.Context,
		hash lntypes.Hash) (*WatchtowerIn, error)

	// CreateWatchtowerIn adds an initiated watchtower in swap to the
	// store.
	CreateWatchtowerIn(ctx context.Context, hash lntypes.Hash,
		contract *WatchtowerInContract) error

	// UpdateWatchtowerIn appends a state transition to the swap's event
	// log.
	UpdateWatchtowerIn(ctx context.Context, hash lntypes.Hash,
		time time.Time, state WatchtowerInState, cost SwapCost) error

	// RemoveWatchtowerIn removes a swap from the store.
	RemoveWatchtowerIn(ctx context.Context, hash lntypes.Hash) error

	// FetchVaultInSwaps returns all vault in swaps currently in the
	// store.
	FetchVaultInSwaps(ctx context.Context) ([]*VaultIn, error)

	// FetchVaultInSwap returns the vault in swap with the given hash.
	FetchVaultInSwap(ctx context.Context,
		hash lntypes.Hash) (*VaultIn, error)

	// CreateVaultIn adds an initiated vault in swap to the store.
	CreateVaultIn(ctx context.Context, hash lntypes.Hash,
		contract *VaultInContract) error

	// UpdateVaultIn appends a state transition to the swap's event log.
	UpdateVaultIn(ctx context.Context, hash lntypes.Hash,
		time time.Time, state VaultInState, cost SwapCost) error

	// SetVaultInFundingTx records the id of the signed Bitcoin funding
	// transaction. It may be set exactly once.
	SetVaultInFundingTx(ctx context.Context, hash lntypes.Hash,
		txid *chainhash.Hash) error

	// RemoveVaultIn removes a swap from the store.
	RemoveVaultIn(ctx context.Context, hash lntypes.Hash) error

	// FetchGasSwaps returns all gas swaps currently in the store.
	FetchGasSwaps(ctx context.Context) ([]*GasSwap, error)

	// FetchGasSwap returns the gas swap with the given hash.
	FetchGasSwap(ctx context.Context, hash lntypes.Hash) (*GasSwap, error)

	// CreateGasSwap adds an initiated gas swap to the store.
	CreateGasSwap(ctx context.Context, hash lntypes.Hash,
		contract *GasSwapContract) error

	// UpdateGasSwap appends a state transition to the swap's event log.
	UpdateGasSwap(ctx context.Context, hash lntypes.Hash,
		time time.Time, state GasSwapState, cost SwapCost) error

	// RemoveGasSwap removes a swap from the store.
	RemoveGasSwap(ctx context.Context, hash lntypes.Hash) error

	// Close closes the underlying database.
	Close() error
}
