package swapdb

import (
	"bytes"
	"time"

	"github.com/atomicbridge/swapengine/escrow"
	"github.com/lightningnetwork/lnd/lntypes"
)

// EscrowInContract contains the static data of a Lightning-funded escrow
// swap that the client settles itself.
type EscrowInContract struct {
	// SwapContract contains the shared swap fields.
	SwapContract

	// Preimage is the secret whose hash locks both the Lightning payment
	// and the smart chain escrow.
	Preimage lntypes.Preimage

	// SwapInvoice is the Lightning invoice the user pays to fund the
	// swap.
	SwapInvoice string

	// Escrow is the escrow the intermediary promised to commit. Once the
	// initialize event is seen on-chain it must match this promise
	// exactly.
	Escrow escrow.Data
}

// EscrowIn is a combination of the contract and the state log of an escrow
// in swap.
type EscrowIn struct {
	// Contract is the static part of the swap.
	Contract *EscrowInContract

	// Events is the append-only state log.
	Events []*SwapEvent
}

// State returns the most recent state of this swap.
func (s *EscrowIn) State() EscrowInState {
	if len(s.Events) == 0 {
		return EscrowInInvoiceCreated
	}

	return EscrowInState(s.Events[len(s.Events)-1].State)
}

// Cost returns the accrued cost of this swap.
func (s *EscrowIn) Cost() SwapCost {
	if len(s.Events) == 0 {
		return SwapCost{}
	}

	return s.Events[len(s.Events)-1].Cost
}

// LastUpdateTime returns the last update time of this swap.
func (s *EscrowIn) LastUpdateTime() time.Time {
	if len(s.Events) == 0 {
		return s.Contract.InitiationTime
	}

	return s.Events[len(s.Events)-1].Time
}

// serializeEscrowInContract serializes an escrow in contract.
func serializeEscrowInContract(c *EscrowInContract) ([]byte, error) {
	var b bytes.Buffer

	if err := serializeContract(&b, &c.SwapContract); err != nil {
		return nil, err
	}

	if err := writeHash(&b, c.Preimage); err != nil {
		return nil, err
	}

	if err := wireWriteString(&b, c.SwapInvoice); err != nil {
		return nil, err
	}

	if err := serializeEscrowData(&b, &c.Escrow); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// deserializeEscrowInContract deserializes an escrow in contract.
func deserializeEscrowInContract(value []byte) (*EscrowInContract, error) {
	r := bytes.NewReader(value)

	base, err := deserializeContract(r)
	if err != nil {
		return nil, err
	}

	c := &EscrowInContract{SwapContract: *base}

	preimage, err := readHash(r)
	if err != nil {
		return nil, err
	}
	c.Preimage = preimage

	if c.SwapInvoice, err = wireReadString(r); err != nil {
		return nil, err
	}

	escrowData, err := deserializeEscrowData(r)
	if err != nil {
		return nil, err
	}
	c.Escrow = *escrowData

	return c, nil
}
