package swapdb

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// VaultInContract contains the static data of an SPV-vault controlled swap
// from on-chain Bitcoin.
type VaultInContract struct {
	// SwapContract contains the shared swap fields.
	SwapContract

	// VaultOwner is the smart chain address owning the vault.
	VaultOwner string

	// VaultID identifies the vault among those of the owner.
	VaultID uint64

	// VaultUtxo is the vault UTXO the quote was issued against, verified
	// through the lineage check at quote time.
	VaultUtxo wire.OutPoint

	// RequiredConfirmations is the confirmation depth the vault owner
	// demands before processing the withdrawal.
	RequiredConfirmations uint32

	// FrontingAddress is the address allowed to front the destination
	// funds before confirmation, empty if fronting is disabled.
	FrontingAddress string
}

// VaultIn is a combination of the contract, the funding transaction and the
// state log of a vault swap.
type VaultIn struct {
	// Contract is the static part of the swap.
	Contract *VaultInContract

	// FundingTx is the id of the Bitcoin transaction funding the vault,
	// nil until the transaction is signed.
	FundingTx *chainhash.Hash

	// Events is the append-only state log.
	Events []*SwapEvent
}

// State returns the most recent state of this swap.
func (s *VaultIn) State() VaultInState {
	if len(s.Events) == 0 {
		return VaultInCreated
	}

	return VaultInState(s.Events[len(s.Events)-1].State)
}

// Cost returns the accrued cost of this swap.
func (s *VaultIn) Cost() SwapCost {
	if len(s.Events) == 0 {
		return SwapCost{}
	}

	return s.Events[len(s.Events)-1].Cost
}

// LastUpdateTime returns the last update time of this swap.
func (s *VaultIn) LastUpdateTime() time.Time {
	if len(s.Events) == 0 {
		return s.Contract.InitiationTime
	}

	return s.Events[len(s.Events)-1].Time
}

// serializeVaultInContract serializes a vault in contract.
func serializeVaultInContract(c *VaultInContract) ([]byte, error) {
	var b bytes.Buffer

	if err := serializeContract(&b, &c.SwapContract); err != nil {
		return nil, err
	}

	if err := wireWriteString(&b, c.VaultOwner); err != nil {
		return nil, err
	}

	if err := binary.Write(&b, byteOrder, c.VaultID); err != nil {
		return nil, err
	}

	if err := writeOutPoint(&b, c.VaultUtxo); err != nil {
		return nil, err
	}

	err := binary.Write(&b, byteOrder, c.RequiredConfirmations)
	if err != nil {
		return nil, err
	}

	if err := wireWriteString(&b, c.FrontingAddress); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// deserializeVaultInContract deserializes a vault in contract.
func deserializeVaultInContract(value []byte) (*VaultInContract, error) {
	r := bytes.NewReader(value)

	base, err := deserializeContract(r)
	if err != nil {
		return nil, err
	}

	c := &VaultInContract{SwapContract: *base}

	if c.VaultOwner, err = wireReadString(r); err != nil {
		return nil, err
	}

	if err := binary.Read(r, byteOrder, &c.VaultID); err != nil {
		return nil, err
	}

	if c.VaultUtxo, err = readOutPoint(r); err != nil {
		return nil, err
	}

	err = binary.Read(r, byteOrder, &c.RequiredConfirmations)
	if err != nil {
		return nil, err
	}

	if c.FrontingAddress, err = wireReadString(r); err != nil {
		return nil, err
	}

	return c, nil
}
