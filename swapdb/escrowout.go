package swapdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/atomicbridge/swapengine/escrow"
)

// EscrowOutContract contains the static data of an escrow swap paying out to
// Bitcoin.
type EscrowOutContract struct {
	// SwapContract contains the shared swap fields.
	SwapContract

	// Escrow is the escrow the client commits on the smart chain. Its
	// canonical hash equals the swap hash.
	Escrow escrow.Data

	// DestAddr is the Bitcoin address the intermediary must pay.
	DestAddr string

	// DestAmountSats is the Bitcoin amount the intermediary must pay.
	DestAmountSats btcutil.Amount

	// RequiredConfirmations is the confirmation depth at which the
	// Bitcoin payment is considered settled.
	RequiredConfirmations int32
}

// EscrowOut is a combination of the contract and the state log of an escrow
// out swap.
type EscrowOut struct {
	// Contract is the static part of the swap.
	Contract *EscrowOutContract

	// Events is the append-only state log.
	Events []*SwapEvent
}

// State returns the most recent state of this swap.
func (s *EscrowOut) State() EscrowOutState {
	if len(s.Events) == 0 {
		return EscrowOutCreated
	}

	return EscrowOutState(s.Events[len(s.Events)-1].State)
}

// Cost returns the accrued cost of this swap.
func (s *EscrowOut) Cost() SwapCost {
	if len(s.Events) == 0 {
		return SwapCost{}
	}

	return s.Events[len(s.Events)-1].Cost
}

// LastUpdateTime returns the last update time of this swap.
func (s *EscrowOut) LastUpdateTime() time.Time {
	if len(s.Events) == 0 {
		return s.Contract.InitiationTime
	}

	return s.Events[len(s.Events)-1].Time
}

// serializeEscrowOutContract serializes an escrow out contract.
func serializeEscrowOutContract(c *EscrowOutContract) ([]byte, error) {
	var b bytes.Buffer

	if err := serializeContract(&b, &c.SwapContract); err != nil {
		return nil, err
	}

	if err := serializeEscrowData(&b, &c.Escrow); err != nil {
		return nil, err
	}

	if err := wireWriteString(&b, c.DestAddr); err != nil {
		return nil, err
	}

	err := binary.Write(&b, byteOrder, int64(c.DestAmountSats))
	if err != nil {
		return nil, err
	}

	err = binary.Write(&b, byteOrder, c.RequiredConfirmations)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// deserializeEscrowOutContract deserializes an escrow out contract.
func deserializeEscrowOutContract(value []byte) (*EscrowOutContract, error) {
	r := bytes.NewReader(value)

	base, err := deserializeContract(r)
	if err != nil {
		return nil, err
	}

	c := &EscrowOutContract{SwapContract: *base}

	escrowData, err := deserializeEscrowData(r)
	if err != nil {
		return nil, err
	}
	c.Escrow = *escrowData

	if c.DestAddr, err = wireReadString(r); err != nil {
		return nil, err
	}

	var destAmount int64
	if err := binary.Read(r, byteOrder, &destAmount); err != nil {
		return nil, err
	}
	c.DestAmountSats = btcutil.Amount(destAmount)

	err = binary.Read(r, byteOrder, &c.RequiredConfirmations)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// serializeEscrowData serializes a smart chain escrow.
func serializeEscrowData(w *bytes.Buffer, d *escrow.Data) error {
	if err := writeHash(w, d.ClaimHash); err != nil {
		return err
	}

	if err := writeBigInt(w, d.Amount); err != nil {
		return err
	}

	for _, s := range []string{d.Token, d.Offerer, d.Claimer} {
		if err := wireWriteString(w, s); err != nil {
			return err
		}
	}

	if err := binary.Write(w, byteOrder, d.Expiry); err != nil {
		return err
	}

	if err := writeBigInt(w, d.SecurityDeposit); err != nil {
		return err
	}

	if err := writeBigInt(w, d.TotalDeposit); err != nil {
		return err
	}

	return binary.Write(w, byteOrder, d.Nonce)
}

// deserializeEscrowData deserializes a smart chain escrow.
func deserializeEscrowData(r io.Reader) (*escrow.Data, error) {
	d := &escrow.Data{}

	hash, err := readHash(r)
	if err != nil {
		return nil, err
	}
	d.ClaimHash = hash

	if d.Amount, err = readBigInt(r); err != nil {
		return nil, err
	}

	strings := []*string{&d.Token, &d.Offerer, &d.Claimer}
	for _, s := range strings {
		if *s, err = wireReadString(r); err != nil {
			return nil, err
		}
	}

	if err := binary.Read(r, byteOrder, &d.Expiry); err != nil {
		return nil, err
	}

	if d.SecurityDeposit, err = readBigInt(r); err != nil {
		return nil, err
	}

	if d.TotalDeposit, err = readBigInt(r); err != nil {
		return nil, err
	}

	if err := binary.Read(r, byteOrder, &d.Nonce); err != nil {
		return nil, err
	}

	return d, nil
}
