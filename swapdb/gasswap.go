package swapdb

import (
	"bytes"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

// GasSwapContract contains the static data of a trusted gas top-up swap.
// Gas swaps are small by policy, the amount cap is what bounds the trust
// given to the intermediary.
type GasSwapContract struct {
	// SwapContract contains the shared swap fields.
	SwapContract

	// Preimage is the secret of the swap invoice payment.
	Preimage lntypes.Preimage

	// SwapInvoice is the Lightning invoice the user pays.
	SwapInvoice string

	// RefundAddress is the Bitcoin address refunds are authorized to, if
	// the intermediary cannot pay out.
	RefundAddress string
}

// GasSwap is a combination of the contract and the state log of a gas swap.
type GasSwap struct {
	// Contract is the static part of the swap.
	Contract *GasSwapContract

	// Events is the append-only state log.
	Events []*SwapEvent
}

// State returns the most recent state of this swap.
func (s *GasSwap) State() GasSwapState {
	if len(s.Events) == 0 {
		return GasSwapInvoiceCreated
	}

	return GasSwapState(s.Events[len(s.Events)-1].State)
}

// Cost returns the accrued cost of this swap.
func (s *GasSwap) Cost() SwapCost {
	if len(s.Events) == 0 {
		return SwapCost{}
	}

	return s.Events[len(s.Events)-1].Cost
}

// LastUpdateTime returns the last update time of this swap.
func (s *GasSwap) LastUpdateTime() time.Time {
	if len(s.Events) == 0 {
		return s.Contract.InitiationTime
	}

	return s.Events[len(s.Events)-1].Time
}

// serializeGasSwapContract serializes a gas swap contract.
func serializeGasSwapContract(c *GasSwapContract) ([]byte, error) {
	var b bytes.Buffer

	if err := serializeContract(&b, &c.SwapContract); err != nil {
		return nil, err
	}

	if err := writeHash(&b, c.Preimage); err != nil {
		return nil, err
	}

	for _, s := range []string{c.SwapInvoice, c.RefundAddress} {
		if err := wireWriteString(&b, s); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// deserializeGasSwapContract deserializes a gas swap contract.
func deserializeGasSwapContract(value []byte) (*GasSwapContract, error) {
	r := bytes.NewReader(value)

	base, err := deserializeContract(r)
	if err != nil {
		return nil, err
	}

	c := &GasSwapContract{SwapContract: *base}

	preimage, err := readHash(r)
	if err != nil {
		return nil, err
	}
	c.Preimage = preimage

	strings := []*string{&c.SwapInvoice, &c.RefundAddress}
	for _, s := range strings {
		if *s, err = wireReadString(r); err != nil {
			return nil, err
		}
	}

	return c, nil
}
