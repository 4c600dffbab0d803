package swapdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.etcd.io/bbolt"
)

var (
	// dbFileName is the default file name of the client-side swap
	// database.
	dbFileName = "swaps.db"

	// escrowOutBucketKey is a bucket that contains all escrow out swaps,
	// pending or completed.
	//
	// maps: swapHash -> swapBucket
	escrowOutBucketKey = []byte("escrow-out-swaps")

	// escrowInBucketKey is a bucket that contains all escrow in swaps.
	//
	// maps: swapHash -> swapBucket
	escrowInBucketKey = []byte("escrow-in-swaps")

	// watchtowerInBucketKey is a bucket that contains all watchtower in
	// swaps.
	//
	// maps: swapHash -> swapBucket
	watchtowerInBucketKey = []byte("watchtower-in-swaps")

	// vaultInBucketKey is a bucket that contains all vault in swaps.
	//
	// maps: swapHash -> swapBucket
	vaultInBucketKey = []byte("vault-in-swaps")

	// gasSwapBucketKey is a bucket that contains all gas swaps.
	//
	// maps: swapHash -> swapBucket
	gasSwapBucketKey = []byte("gas-swaps")

	// updatesBucketKey is a sub-bucket of the swap bucket holding the
	// append-only state log.
	//
	// maps: updateNumber -> time || state || cost
	updatesBucketKey = []byte("updates")

	// contractKey is the key that stores the serialized swap contract
	// within the swap bucket.
	contractKey = []byte("contract")

	// fundingTxKey is the key that stores the id of the Bitcoin funding
	// transaction of a vault swap, once known.
	fundingTxKey = []byte("funding-tx")

	// swapBucketKeys are all per-protocol root buckets.
	swapBucketKeys = [][]byte{
		escrowOutBucketKey, escrowInBucketKey, watchtowerInBucketKey,
		vaultInBucketKey, gasSwapBucketKey,
	}
)

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// boltSwapStore stores swap data in boltdb.
type boltSwapStore struct {
	db *bbolt.DB
}

// A compile-time flag to ensure that boltSwapStore implements the SwapStore
// interface.
var _ SwapStore = (*boltSwapStore)(nil)

// NewBoltSwapStore creates a new client swap store.
func NewBoltSwapStore(dbPath string) (*boltSwapStore, error) {
	// If the target path for the swap store doesn't exist, then we'll
	// create it now before we proceed.
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(dbPath, dbFileName)
	bdb, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	// We'll create all the buckets we need if this is the first time
	// we're starting up.
	err = bdb.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(metaBucketKey) == nil {
			log.Infof("Initializing new database with version %v",
				latestDBVersion)

			if err := setDBVersion(tx, latestDBVersion); err != nil {
				return err
			}
		}

		for _, key := range swapBucketKeys {
			if _, err := tx.CreateBucketIfNotExists(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// Sync the DB version to pick up any possible migrations.
	if err := syncVersions(bdb); err != nil {
		return nil, err
	}

	return &boltSwapStore{db: bdb}, nil
}

// deserializeUpdates deserializes the state log stored in the given swap
// bucket.
func deserializeUpdates(swapBucket *bbolt.Bucket) ([]*SwapEvent, error) {
	stateBucket := swapBucket.Bucket(updatesBucketKey)
	if stateBucket == nil {
		return nil, errors.New("updates bucket not found")
	}

	var updates []*SwapEvent
	err := stateBucket.ForEach(func(k, v []byte) error {
		event, err := deserializeSwapEvent(v)
		if err != nil {
			return err
		}

		updates = append(updates, event)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updates, nil
}

// forEachSwap traverses all swaps of one protocol bucket and invokes the
// callback with the swap bucket and its deserialized state log.
func (s *boltSwapStore) forEachSwap(bucketKey []byte,
	callback func(hash lntypes.Hash, swapBucket *bbolt.Bucket,
		events []*SwapEvent) error) error {

	return s.db.View(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(bucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		return rootBucket.ForEach(func(swapHash, v []byte) error {
			// Only go into things that we know are sub-bucket
			// keys.
			if v != nil {
				return nil
			}

			swapBucket := rootBucket.Bucket(swapHash)
			if swapBucket == nil {
				return fmt.Errorf("swap bucket %x not found",
					swapHash)
			}

			hash, err := lntypes.MakeHash(swapHash)
			if err != nil {
				return err
			}

			updates, err := deserializeUpdates(swapBucket)
			if err != nil {
				return err
			}

			return callback(hash, swapBucket, updates)
		})
	})
}

// fetchSwap reads one swap of one protocol bucket.
func (s *boltSwapStore) fetchSwap(bucketKey []byte, hash lntypes.Hash,
	callback func(swapBucket *bbolt.Bucket,
		events []*SwapEvent) error) error {

	return s.db.View(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(bucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		swapBucket := rootBucket.Bucket(hash[:])
		if swapBucket == nil {
			return ErrSwapNotFound
		}

		updates, err := deserializeUpdates(swapBucket)
		if err != nil {
			return err
		}

		return callback(swapBucket, updates)
	})
}

// ErrSwapNotFound is returned when a swap is not present in the store.
var ErrSwapNotFound = errors.New("swap not found")

// createSwap creates the bucket hierarchy for a new swap and stores the
// serialized contract.
func (s *boltSwapStore) createSwap(bucketKey []byte, hash lntypes.Hash,
	contractBytes []byte) error {

	return s.db.Update(func(tx *bbolt.Tx) error {
		rootBucket, err := tx.CreateBucketIfNotExists(bucketKey)
		if err != nil {
			return err
		}

		// If the swap already exists, we'll exit as we don't want to
		// override a swap.
		if rootBucket.Bucket(hash[:]) != nil {
			return fmt.Errorf("swap %v already exists", hash)
		}

		swapBucket, err := rootBucket.CreateBucket(hash[:])
		if err != nil {
			return err
		}

		if err := swapBucket.Put(contractKey, contractBytes); err != nil {
			return err
		}

		// Create an empty updates bucket to track future state
		// transitions.
		_, err = swapBucket.CreateBucket(updatesBucketKey)
		return err
	})
}

// updateSwap appends a state transition to a swap's event log.
func (s *boltSwapStore) updateSwap(bucketKey []byte, hash lntypes.Hash,
	t time.Time, state uint8, cost SwapCost) error {

	return s.db.Update(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(bucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		swapBucket := rootBucket.Bucket(hash[:])
		if swapBucket == nil {
			return ErrSwapNotFound
		}

		updatesBucket := swapBucket.Bucket(updatesBucketKey)
		if updatesBucket == nil {
			return errors.New("updates bucket not found")
		}

		// Each update gets a new monotonically increasing ID.
		id, err := updatesBucket.NextSequence()
		if err != nil {
			return err
		}

		updateValue, err := serializeSwapEvent(t, state, cost)
		if err != nil {
			return err
		}

		return updatesBucket.Put(itob(id), updateValue)
	})
}

// removeSwap removes a swap entirely from the store.
func (s *boltSwapStore) removeSwap(bucketKey []byte, hash lntypes.Hash) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(bucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		if rootBucket.Bucket(hash[:]) == nil {
			return ErrSwapNotFound
		}

		return rootBucket.DeleteBucket(hash[:])
	})
}

// getContract reads the raw contract bytes of a swap bucket.
func getContract(swapBucket *bbolt.Bucket) ([]byte, error) {
	contractBytes := swapBucket.Get(contractKey)
	if contractBytes == nil {
		return nil, errors.New("contract not found")
	}

	return contractBytes, nil
}

// FetchEscrowOutSwaps returns all escrow out swaps currently in the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchEscrowOutSwaps(_ context.Context) ([]*EscrowOut,
	error) {

	var swaps []*EscrowOut

	err := s.forEachSwap(escrowOutBucketKey, func(hash lntypes.Hash,
		swapBucket *bbolt.Bucket, events []*SwapEvent) error {

		contractBytes, err := getContract(swapBucket)
		if err != nil {
			return err
		}

		contract, err := deserializeEscrowOutContract(contractBytes)
		if err != nil {
			return err
		}

		swaps = append(swaps, &EscrowOut{
			Contract: contract,
			Events:   events,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// FetchEscrowOutSwap returns the escrow out swap with the given hash.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchEscrowOutSwap(_ context.Context,
	hash lntypes.Hash) (*EscrowOut, error) {

	var swap *EscrowOut

	err := s.fetchSwap(escrowOutBucketKey, hash,
		func(swapBucket *bbolt.Bucket, events []*SwapEvent) error {
			contractBytes, err := getContract(swapBucket)
			if err != nil {
				return err
			}

			contract, err := deserializeEscrowOutContract(
				contractBytes,
			)
			if err != nil {
				return err
			}

			swap = &EscrowOut{
				Contract: contract,
				Events:   events,
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return swap, nil
}

// CreateEscrowOut adds an initiated escrow out swap to the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) CreateEscrowOut(_ context.Context, hash lntypes.Hash,
	contract *EscrowOutContract) error {

	// The swap is keyed by the canonical escrow hash, a contract that
	// doesn't hash to its key is corrupt.
	if contract.Escrow.Hash() != hash {
		return errors.New("escrow data does not match swap hash")
	}

	contractBytes, err := serializeEscrowOutContract(contract)
	if err != nil {
		return err
	}

	return s.createSwap(escrowOutBucketKey, hash, contractBytes)
}

// UpdateEscrowOut appends a state transition to the swap's event log.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) UpdateEscrowOut(_ context.Context, hash lntypes.Hash,
	t time.Time, state EscrowOutState, cost SwapCost) error {

	return s.updateSwap(escrowOutBucketKey, hash, t, uint8(state), cost)
}

// RemoveEscrowOut removes a swap from the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) RemoveEscrowOut(_ context.Context,
	hash lntypes.Hash) error {

	return s.removeSwap(escrowOutBucketKey, hash)
}

// FetchEscrowInSwaps returns all escrow in swaps currently in the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchEscrowInSwaps(_ context.Context) ([]*EscrowIn,
	error) {

	var swaps []*EscrowIn

	err := s.forEachSwap(escrowInBucketKey, func(hash lntypes.Hash,
		swapBucket *bbolt.Bucket, events []*SwapEvent) error {

		contractBytes, err := getContract(swapBucket)
		if err != nil {
			return err
		}

		contract, err := deserializeEscrowInContract(contractBytes)
		if err != nil {
			return err
		}

		swaps = append(swaps, &EscrowIn{
			Contract: contract,
			Events:   events,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// FetchEscrowInSwap returns the escrow in swap with the given hash.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchEscrowInSwap(_ context.Context,
	hash lntypes.Hash) (*EscrowIn, error) {

	var swap *EscrowIn

	err := s.fetchSwap(escrowInBucketKey, hash,
		func(swapBucket *bbolt.Bucket, events []*SwapEvent) error {
			contractBytes, err := getContract(swapBucket)
			if err != nil {
				return err
			}

			contract, err := deserializeEscrowInContract(
				contractBytes,
			)
			if err != nil {
				return err
			}

			swap = &EscrowIn{
				Contract: contract,
				Events:   events,
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return swap, nil
}

// CreateEscrowIn adds an initiated escrow in swap to the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) CreateEscrowIn(_ context.Context, hash lntypes.Hash,
	contract *EscrowInContract) error {

	// If the hash doesn't match the preimage, then this is an invalid
	// swap so we'll bail out early.
	if contract.Preimage.Hash() != hash {
		return errors.New("hash and preimage do not match")
	}

	contractBytes, err := serializeEscrowInContract(contract)
	if err != nil {
		return err
	}

	return s.createSwap(escrowInBucketKey, hash, contractBytes)
}

// UpdateEscrowIn appends a state transition to the swap's event log.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) UpdateEscrowIn(_ context.Context, hash lntypes.Hash,
	t time.Time, state EscrowInState, cost SwapCost) error {

	return s.updateSwap(escrowInBucketKey, hash, t, uint8(state), cost)
}

// RemoveEscrowIn removes a swap from the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) RemoveEscrowIn(_ context.Context,
	hash lntypes.Hash) error {

	return s.removeSwap(escrowInBucketKey, hash)
}

// FetchWatchtowerInSwaps returns all watchtower in swaps currently in the
// store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchWatchtowerInSwaps(_ context.Context) (
	[]*WatchtowerIn, error) {

	var swaps []*WatchtowerIn

	err := s.forEachSwap(watchtowerInBucketKey, func(hash lntypes.Hash,
		swapBucket *bbolt.Bucket, events []*SwapEvent) error {

		contractBytes, err := getContract(swapBucket)
		if err != nil {
			return err
		}

		contract, err := deserializeWatchtowerInContract(contractBytes)
		if err != nil {
			return err
		}

		swaps = append(swaps, &WatchtowerIn{
			Contract: contract,
			Events:   events,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// FetchWatchtowerInSwap returns the watchtower in swap with the given hash.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchWatchtowerInSwap(_ context.Context,
	hash lntypes.Hash) (*WatchtowerIn, error) {

	var swap *WatchtowerIn

	err := s.fetchSwap(watchtowerInBucketKey, hash,
		func(swapBucket *bbolt.Bucket, events []*SwapEvent) error {
			contractBytes, err := getContract(swapBucket)
			if err != nil {
				return err
			}

			contract, err := deserializeWatchtowerInContract(
				contractBytes,
			)
			if err != nil {
				return err
			}

			swap = &WatchtowerIn{
				Contract: contract,
				Events:   events,
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return swap, nil
}

// CreateWatchtowerIn adds an initiated watchtower in swap to the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) CreateWatchtowerIn(_ context.Context,
	hash lntypes.Hash, contract *WatchtowerInContract) error {

	if contract.Preimage.Hash() != hash {
		return errors.New("hash and preimage do not match")
	}

	contractBytes, err := serializeWatchtowerInContract(contract)
	if err != nil {
		return err
	}

	return s.createSwap(watchtowerInBucketKey, hash, contractBytes)
}

// UpdateWatchtowerIn appends a state transition to the swap's event log.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) UpdateWatchtowerIn(_ context.Context,
	hash lntypes.Hash, t time.Time, state WatchtowerInState,
	cost SwapCost) error {

	return s.updateSwap(watchtowerInBucketKey, hash, t, uint8(state), cost)
}

// RemoveWatchtowerIn removes a swap from the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) RemoveWatchtowerIn(_ context.Context,
	hash lntypes.Hash) error {

	return s.removeSwap(watchtowerInBucketKey, hash)
}

// FetchVaultInSwaps returns all vault in swaps currently in the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchVaultInSwaps(_ context.Context) ([]*VaultIn,
	error) {

	var swaps []*VaultIn

	err := s.forEachSwap(vaultInBucketKey, func(hash lntypes.Hash,
		swapBucket *bbolt.Bucket, events []*SwapEvent) error {

		swap, err := assembleVaultIn(swapBucket, events)
		if err != nil {
			return err
		}

		swaps = append(swaps, swap)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// FetchVaultInSwap returns the vault in swap with the given hash.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchVaultInSwap(_ context.Context,
	hash lntypes.Hash) (*VaultIn, error) {

	var swap *VaultIn

	err := s.fetchSwap(vaultInBucketKey, hash,
		func(swapBucket *bbolt.Bucket, events []*SwapEvent) error {
			var err error
			swap, err = assembleVaultIn(swapBucket, events)
			return err
		},
	)
	if err != nil {
		return nil, err
	}

	return swap, nil
}

// assembleVaultIn reads the contract and funding tx of a vault swap bucket.
func assembleVaultIn(swapBucket *bbolt.Bucket, events []*SwapEvent) (*VaultIn,
	error) {

	contractBytes, err := getContract(swapBucket)
	if err != nil {
		return nil, err
	}

	contract, err := deserializeVaultInContract(contractBytes)
	if err != nil {
		return nil, err
	}

	swap := &VaultIn{
		Contract: contract,
		Events:   events,
	}

	if txBytes := swapBucket.Get(fundingTxKey); txBytes != nil {
		txid, err := chainhash.NewHash(txBytes)
		if err != nil {
			return nil, err
		}
		swap.FundingTx = txid
	}

	return swap, nil
}

// CreateVaultIn adds an initiated vault in swap to the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) CreateVaultIn(_ context.Context, hash lntypes.Hash,
	contract *VaultInContract) error {

	contractBytes, err := serializeVaultInContract(contract)
	if err != nil {
		return err
	}

	return s.createSwap(vaultInBucketKey, hash, contractBytes)
}

// UpdateVaultIn appends a state transition to the swap's event log.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) UpdateVaultIn(_ context.Context, hash lntypes.Hash,
	t time.Time, state VaultInState, cost SwapCost) error {

	return s.updateSwap(vaultInBucketKey, hash, t, uint8(state), cost)
}

// SetVaultInFundingTx records the id of the signed Bitcoin funding
// transaction. It may be set exactly once.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) SetVaultInFundingTx(_ context.Context,
	hash lntypes.Hash, txid *chainhash.Hash) error {

	return s.db.Update(func(tx *bbolt.Tx) error {
		rootBucket := tx.Bucket(vaultInBucketKey)
		if rootBucket == nil {
			return errors.New("bucket does not exist")
		}

		swapBucket := rootBucket.Bucket(hash[:])
		if swapBucket == nil {
			return ErrSwapNotFound
		}

		if swapBucket.Get(fundingTxKey) != nil {
			return errors.New("funding tx already set")
		}

		return swapBucket.Put(fundingTxKey, txid[:])
	})
}

// RemoveVaultIn removes a swap from the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) RemoveVaultIn(_ context.Context,
	hash lntypes.Hash) error {

	return s.removeSwap(vaultInBucketKey, hash)
}

// FetchGasSwaps returns all gas swaps currently in the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchGasSwaps(_ context.Context) ([]*GasSwap, error) {
	var swaps []*GasSwap

	err := s.forEachSwap(gasSwapBucketKey, func(hash lntypes.Hash,
		swapBucket *bbolt.Bucket, events []*SwapEvent) error {

		contractBytes, err := getContract(swapBucket)
		if err != nil {
			return err
		}

		contract, err := deserializeGasSwapContract(contractBytes)
		if err != nil {
			return err
		}

		swaps = append(swaps, &GasSwap{
			Contract: contract,
			Events:   events,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// FetchGasSwap returns the gas swap with the given hash.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) FetchGasSwap(_ context.Context,
	hash lntypes.Hash) (*GasSwap, error) {

	var swap *GasSwap

	err := s.fetchSwap(gasSwapBucketKey, hash,
		func(swapBucket *bbolt.Bucket, events []*SwapEvent) error {
			contractBytes, err := getContract(swapBucket)
			if err != nil {
				return err
			}

			contract, err := deserializeGasSwapContract(
				contractBytes,
			)
			if err != nil {
				return err
			}

			swap = &GasSwap{
				Contract: contract,
				Events:   events,
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return swap, nil
}

// CreateGasSwap adds an initiated gas swap to the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) CreateGasSwap(_ context.Context, hash lntypes.Hash,
	contract *GasSwapContract) error {

	if contract.Preimage.Hash() != hash {
		return errors.New("hash and preimage do not match")
	}

	contractBytes, err := serializeGasSwapContract(contract)
	if err != nil {
		return err
	}

	return s.createSwap(gasSwapBucketKey, hash, contractBytes)
}

// UpdateGasSwap appends a state transition to the swap's event log.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) UpdateGasSwap(_ context.Context, hash lntypes.Hash,
	t time.Time, state GasSwapState, cost SwapCost) error {

	return s.updateSwap(gasSwapBucketKey, hash, t, uint8(state), cost)
}

// RemoveGasSwap removes a swap from the store.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) RemoveGasSwap(_ context.Context,
	hash lntypes.Hash) error {

	return s.removeSwap(gasSwapBucketKey, hash)
}

// Close closes the underlying database.
//
// NOTE: Part of the swapdb.SwapStore interface.
func (s *boltSwapStore) Close() error {
	return s.db.Close()
}
