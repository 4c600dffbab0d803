package swapdb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
)

// StoreMock implements the SwapStore interface in memory.
type StoreMock struct {
	EscrowOutSwaps   map[lntypes.Hash]*EscrowOutContract
	EscrowOutUpdates map[lntypes.Hash][]*SwapEvent

	EscrowInSwaps   map[lntypes.Hash]*EscrowInContract
	EscrowInUpdates map[lntypes.Hash][]*SwapEvent

	WatchtowerInSwaps   map[lntypes.Hash]*WatchtowerInContract
	WatchtowerInUpdates map[lntypes.Hash][]*SwapEvent

	VaultInSwaps      map[lntypes.Hash]*VaultInContract
	VaultInUpdates    map[lntypes.Hash][]*SwapEvent
	VaultInFundingTxs map[lntypes.Hash]*chainhash.Hash

	GasSwaps       map[lntypes.Hash]*GasSwapContract
	GasSwapUpdates map[lntypes.Hash][]*SwapEvent

	mu sync.Mutex
}

// NewStoreMock returns a new mock store.
func NewStoreMock() *StoreMock {
	return &StoreMock{
		EscrowOutSwaps:      make(map[lntypes.Hash]*EscrowOutContract),
		EscrowOutUpdates:    make(map[lntypes.Hash][]*SwapEvent),
		EscrowInSwaps:       make(map[lntypes.Hash]*EscrowInContract),
		EscrowInUpdates:     make(map[lntypes.Hash][]*SwapEvent),
		WatchtowerInSwaps:   make(map[lntypes.Hash]*WatchtowerInContract),
		WatchtowerInUpdates: make(map[lntypes.Hash][]*SwapEvent),
		VaultInSwaps:        make(map[lntypes.Hash]*VaultInContract),
		VaultInUpdates:      make(map[lntypes.Hash][]*SwapEvent),
		VaultInFundingTxs:   make(map[lntypes.Hash]*chainhash.Hash),
		GasSwaps:            make(map[lntypes.Hash]*GasSwapContract),
		GasSwapUpdates:      make(map[lntypes.Hash][]*SwapEvent),
	}
}

var _ SwapStore = (*StoreMock)(nil)

// FetchEscrowOutSwaps returns all escrow out swaps currently in the store.
func (s *StoreMock) FetchEscrowOutSwaps(_ context.Context) ([]*EscrowOut,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	swaps := make([]*EscrowOut, 0, len(s.EscrowOutSwaps))
	for hash, contract := range s.EscrowOutSwaps {
		swaps = append(swaps, &EscrowOut{
			Contract: contract,
			Events:   s.EscrowOutUpdates[hash],
		})
	}

	return swaps, nil
}

// FetchEscrowOutSwap returns the escrow out swap with the given hash.
func (s *StoreMock) FetchEscrowOutSwap(_ context.Context,
	hash lntypes.Hash) (*EscrowOut, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	contract, ok := s.EscrowOutSwaps[hash]
	if !ok {
		return nil, ErrSwapNotFound
	}

	return &EscrowOut{
		Contract: contract,
		Events:   s.EscrowOutUpdates[hash],
	}, nil
}

// CreateEscrowOut adds an initiated escrow out swap to the store.
func (s *StoreMock) CreateEscrowOut(_ context.Context, hash lntypes.Hash,
	contract *EscrowOutContract) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.EscrowOutSwaps[hash]; ok {
		return errors.New("swap already exists")
	}

	s.EscrowOutSwaps[hash] = contract
	s.EscrowOutUpdates[hash] = nil

	return nil
}

// UpdateEscrowOut appends a state transition to the swap's event log.
func (s *StoreMock) UpdateEscrowOut(_ context.Context, hash lntypes.Hash,
	t time.Time, state EscrowOutState, cost SwapCost) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.EscrowOutSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	s.EscrowOutUpdates[hash] = append(s.EscrowOutUpdates[hash], &SwapEvent{
		State: uint8(state),
		Time:  t,
		Cost:  cost,
	})

	return nil
}

// RemoveEscrowOut removes a swap from the store.
func (s *StoreMock) RemoveEscrowOut(_ context.Context,
	hash lntypes.Hash) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.EscrowOutSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	delete(s.EscrowOutSwaps, hash)
	delete(s.EscrowOutUpdates, hash)

	return nil
}

// FetchEscrowInSwaps returns all escrow in swaps currently in the store.
func (s *StoreMock) FetchEscrowInSwaps(_ context.Context) ([]*EscrowIn,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	swaps := make([]*EscrowIn, 0, len(s.EscrowInSwaps))
	for hash, contract := range s.EscrowInSwaps {
		swaps = append(swaps, &EscrowIn{
			Contract: contract,
			Events:   s.EscrowInUpdates[hash],
		})
	}

	return swaps, nil
}

// FetchEscrowInSwap returns the escrow in swap with the given hash.
func (s *StoreMock) FetchEscrowInSwap(_ context.Context,
	hash lntypes.Hash) (*EscrowIn, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	contract, ok := s.EscrowInSwaps[hash]
	if !ok {
		return nil, ErrSwapNotFound
	}

	return &EscrowIn{
		Contract: contract,
		Events:   s.EscrowInUpdates[hash],
	}, nil
}

// CreateEscrowIn adds an initiated escrow in swap to the store.
func (s *StoreMock) CreateEscrowIn(_ context.Context, hash lntypes.Hash,
	contract *EscrowInContract) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.EscrowInSwaps[hash]; ok {
		return errors.New("swap already exists")
	}

	s.EscrowInSwaps[hash] = contract
	s.EscrowInUpdates[hash] = nil

	return nil
}

// UpdateEscrowIn appends a state transition to the swap's event log.
func (s *StoreMock) UpdateEscrowIn(_ context.Context, hash lntypes.Hash,
	t time.Time, state EscrowInState, cost SwapCost) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.EscrowInSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	s.EscrowInUpdates[hash] = append(s.EscrowInUpdates[hash], &SwapEvent{
		State: uint8(state),
		Time:  t,
		Cost:  cost,
	})

	return nil
}

// RemoveEscrowIn removes a swap from the store.
func (s *StoreMock) RemoveEscrowIn(_ context.Context,
	hash lntypes.Hash) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.EscrowInSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	delete(s.EscrowInSwaps, hash)
	delete(s.EscrowInUpdates, hash)

	return nil
}

// FetchWatchtowerInSwaps returns all watchtower in swaps currently in the
// store.
func (s *StoreMock) FetchWatchtowerInSwaps(_ context.Context) (
	[]*WatchtowerIn, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	swaps := make([]*WatchtowerIn, 0, len(s.WatchtowerInSwaps))
	for hash, contract := range s.WatchtowerInSwaps {
		swaps = append(swaps, &WatchtowerIn{
			Contract: contract,
			Events:   s.WatchtowerInUpdates[hash],
		})
	}

	return swaps, nil
}

// FetchWatchtowerInSwap returns the watchtower in swap with the given hash.
func (s *StoreMock) FetchWatchtowerInSwap(_ context.Context,
	hash lntypes.Hash) (*WatchtowerIn, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	contract, ok := s.WatchtowerInSwaps[hash]
	if !ok {
		return nil, ErrSwapNotFound
	}

	return &WatchtowerIn{
		Contract: contract,
		Events:   s.WatchtowerInUpdates[hash],
	}, nil
}

// CreateWatchtowerIn adds an initiated watchtower in swap to the store.
func (s *StoreMock) CreateWatchtowerIn(_ context.Context, hash lntypes.Hash,
	contract *WatchtowerInContract) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.WatchtowerInSwaps[hash]; ok {
		return errors.New("swap already exists")
	}

	s.WatchtowerInSwaps[hash] = contract
	s.WatchtowerInUpdates[hash] = nil

	return nil
}

// UpdateWatchtowerIn appends a state transition to the swap's event log.
func (s *StoreMock) UpdateWatchtowerIn(_ context.Context, hash lntypes.Hash,
	t time.Time, state WatchtowerInState, cost SwapCost) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.WatchtowerInSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	s.WatchtowerInUpdates[hash] = append(
		s.WatchtowerInUpdates[hash], &SwapEvent{
			State: uint8(state),
			Time:  t,
			Cost:  cost,
		},
	)

	return nil
}

// RemoveWatchtowerIn removes a swap from the store.
func (s *StoreMock) RemoveWatchtowerIn(_ context.Context,
	hash lntypes.Hash) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.WatchtowerInSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	delete(s.WatchtowerInSwaps, hash)
	delete(s.WatchtowerInUpdates, hash)

	return nil
}

// FetchVaultInSwaps returns all vault in swaps currently in the store.
func (s *StoreMock) FetchVaultInSwaps(_ context.Context) ([]*VaultIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swaps := make([]*VaultIn, 0, len(s.VaultInSwaps))
	for hash, contract := range s.VaultInSwaps {
		swaps = append(swaps, &VaultIn{
			Contract:  contract,
			FundingTx: s.VaultInFundingTxs[hash],
			Events:    s.VaultInUpdates[hash],
		})
	}

	return swaps, nil
}

// FetchVaultInSwap returns the vault in swap with the given hash.
func (s *StoreMock) FetchVaultInSwap(_ context.Context,
	hash lntypes.Hash) (*VaultIn, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	contract, ok := s.VaultInSwaps[hash]
	if !ok {
		return nil, ErrSwapNotFound
	}

	return &VaultIn{
		Contract:  contract,
		FundingTx: s.VaultInFundingTxs[hash],
		Events:    s.VaultInUpdates[hash],
	}, nil
}

// CreateVaultIn adds an initiated vault in swap to the store.
func (s *StoreMock) CreateVaultIn(_ context.Context, hash lntypes.Hash,
	contract *VaultInContract) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.VaultInSwaps[hash]; ok {
		return errors.New("swap already exists")
	}

	s.VaultInSwaps[hash] = contract
	s.VaultInUpdates[hash] = nil

	return nil
}

// UpdateVaultIn appends a state transition to the swap's event log.
func (s *StoreMock) UpdateVaultIn(_ context.Context, hash lntypes.Hash,
	t time.Time, state VaultInState, cost SwapCost) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.VaultInSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	s.VaultInUpdates[hash] = append(s.VaultInUpdates[hash], &SwapEvent{
		State: uint8(state),
		Time:  t,
		Cost:  cost,
	})

	return nil
}

// SetVaultInFundingTx records the id of the signed Bitcoin funding
// transaction. It may be set exactly once.
func (s *StoreMock) SetVaultInFundingTx(_ context.Context, hash lntypes.Hash,
	txid *chainhash.Hash) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.VaultInSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	if _, ok := s.VaultInFundingTxs[hash]; ok {
		return errors.New("funding tx already set")
	}

	s.VaultInFundingTxs[hash] = txid

	return nil
}

// RemoveVaultIn removes a swap from the store.
func (s *StoreMock) RemoveVaultIn(_ context.Context,
	hash lntypes.Hash) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.VaultInSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	delete(s.VaultInSwaps, hash)
	delete(s.VaultInUpdates, hash)
	delete(s.VaultInFundingTxs, hash)

	return nil
}

// FetchGasSwaps returns all gas swaps currently in the store.
func (s *StoreMock) FetchGasSwaps(_ context.Context) ([]*GasSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swaps := make([]*GasSwap, 0, len(s.GasSwaps))
	for hash, contract := range s.GasSwaps {
		swaps = append(swaps, &GasSwap{
			Contract: contract,
			Events:   s.GasSwapUpdates[hash],
		})
	}

	return swaps, nil
}

// FetchGasSwap returns the gas swap with the given hash.
func (s *StoreMock) FetchGasSwap(_ context.Context,
	hash lntypes.Hash) (*GasSwap, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	contract, ok := s.GasSwaps[hash]
	if !ok {
		return nil, ErrSwapNotFound
	}

	return &GasSwap{
		Contract: contract,
		Events:   s.GasSwapUpdates[hash],
	}, nil
}

// CreateGasSwap adds an initiated gas swap to the store.
func (s *StoreMock) CreateGasSwap(_ context.Context, hash lntypes.Hash,
	contract *GasSwapContract) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.GasSwaps[hash]; ok {
		return errors.New("swap already exists")
	}

	s.GasSwaps[hash] = contract
	s.GasSwapUpdates[hash] = nil

	return nil
}

// UpdateGasSwap appends a state transition to the swap's event log.
func (s *StoreMock) UpdateGasSwap(_ context.Context, hash lntypes.Hash,
	t time.Time, state GasSwapState, cost SwapCost) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.GasSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	s.GasSwapUpdates[hash] = append(s.GasSwapUpdates[hash], &SwapEvent{
		State: uint8(state),
		Time:  t,
		Cost:  cost,
	})

	return nil
}

// RemoveGasSwap removes a swap from the store.
func (s *StoreMock) RemoveGasSwap(_ context.Context,
	hash lntypes.Hash) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.GasSwaps[hash]; !ok {
		return ErrSwapNotFound
	}

	delete(s.GasSwaps, hash)
	delete(s.GasSwapUpdates, hash)

	return nil
}

// Close closes the mock store.
func (s *StoreMock) Close() error {
	return nil
}
