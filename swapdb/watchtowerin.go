package swapdb

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/atomicbridge/swapengine/escrow"
	"github.com/lightningnetwork/lnd/lntypes"
)

// WatchtowerInContract contains the static data of a Lightning-funded escrow
// swap that is settled by a permissionless watchtower.
type WatchtowerInContract struct {
	// SwapContract contains the shared swap fields.
	SwapContract

	// Preimage is the secret whose hash locks both the Lightning payment
	// and the smart chain escrow. It is broadcast out-of-band after the
	// escrow commits so that watchtowers can settle.
	Preimage lntypes.Preimage

	// SwapInvoice is the Lightning invoice the user pays to fund the
	// swap.
	SwapInvoice string

	// Escrow is the escrow the intermediary promised to commit.
	Escrow escrow.Data

	// WatchtowerFeePPM is the ppm share of the escrow amount ceded to
	// whichever watchtower settles the claim.
	WatchtowerFeePPM uint64
}

// WatchtowerIn is a combination of the contract and the state log of a
// watchtower-settled swap.
type WatchtowerIn struct {
	// Contract is the static part of the swap.
	Contract *WatchtowerInContract

	// Events is the append-only state log.
	Events []*SwapEvent
}

// State returns the most recent state of this swap.
func (s *WatchtowerIn) State() WatchtowerInState {
	if len(s.Events) == 0 {
		return WatchtowerInInvoiceCreated
	}

	return WatchtowerInState(s.Events[len(s.Events)-1].State)
}

// Cost returns the accrued cost of this swap.
func (s *WatchtowerIn) Cost() SwapCost {
	if len(s.Events) == 0 {
		return SwapCost{}
	}

	return s.Events[len(s.Events)-1].Cost
}

// LastUpdateTime returns the last update time of this swap.
func (s *WatchtowerIn) LastUpdateTime() time.Time {
	if len(s.Events) == 0 {
		return s.Contract.InitiationTime
	}

	return s.Events[len(s.Events)-1].Time
}

// serializeWatchtowerInContract serializes a watchtower in contract.
func serializeWatchtowerInContract(c *WatchtowerInContract) ([]byte, error) {
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

	err := binary.Write(&b, byteOrder, c.WatchtowerFeePPM)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// deserializeWatchtowerInContract deserializes a watchtower in contract.
func deserializeWatchtowerInContract(value []byte) (*WatchtowerInContract,
	error) {

	r := bytes.NewReader(value)

	base, err := deserializeContract(r)
	if err != nil {
		return nil, err
	}

	c := &WatchtowerInContract{SwapContract: *base}

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

	err = binary.Read(r, byteOrder, &c.WatchtowerFeePPM)
	if err != nil {
		return nil, err
	}

	return c, nil
}
