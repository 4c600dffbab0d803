package swapdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/atomicbridge/swapengine/pricing"
	"github.com/lightningnetwork/lnd/lntypes"
)

// SwapCost is a breakdown of the final swap costs, in satoshis.
type SwapCost struct {
	// Intermediary is the amount paid to the intermediary.
	Intermediary btcutil.Amount

	// Onchain is the amount paid to miners and smart chain gas.
	Onchain btcutil.Amount

	// Offchain is the amount paid in Lightning routing fees.
	Offchain btcutil.Amount
}

// Total returns the total costs represented by swap costs.
func (c SwapCost) Total() btcutil.Amount {
	return c.Intermediary + c.Onchain + c.Offchain
}

// SwapContract contains the data shared by all swap protocols that is
// serialized to persistent storage for pending swaps.
type SwapContract struct {
	// Hash is the swap id, a cryptographic hash binding the quote.
	Hash lntypes.Hash

	// Nonce disambiguates identical quotes obtained from different
	// intermediaries.
	Nonce uint64

	// IntermediaryURL is the endpoint of the intermediary that quoted the
	// swap.
	IntermediaryURL string

	// Initiator is the smart chain address of the swap initiator.
	Initiator string

	// AmountSats is the swap amount on the Bitcoin side.
	AmountSats btcutil.Amount

	// AmountToken is the swap amount on the smart chain side, in token
	// base units.
	AmountToken *big.Int

	// Token identifies the smart chain token.
	Token string

	// TokenDecimals is the number of base unit decimals of the token.
	TokenDecimals uint8

	// SwapFee is the intermediary fee in destination units.
	SwapFee *big.Int

	// SwapFeeBtc is the intermediary fee expressed in satoshis.
	SwapFeeBtc btcutil.Amount

	// Pricing is the pricing snapshot taken at quote validation time.
	Pricing pricing.Info

	// QuoteExpiry is the deadline until which the quote may be acted
	// upon.
	QuoteExpiry time.Time

	// InitiationTime is the time at which the swap was created.
	InitiationTime time.Time

	// Version is the snapshot version the swap was created with.
	Version SnapshotVersion
}

// SwapEvent is one entry of a swap's append-only state log. The raw state is
// interpreted against the owning protocol's state set.
type SwapEvent struct {
	// State is the protocol-specific numeric state.
	State uint8

	// Cost are the accrued costs so far.
	Cost SwapCost

	// Time is the time the swap entered the state.
	Time time.Time
}

// serializeContract writes the shared contract fields.
func serializeContract(w *bytes.Buffer, c *SwapContract) error {
	if err := writeHash(w, c.Hash); err != nil {
		return err
	}

	if err := binary.Write(w, byteOrder, c.Nonce); err != nil {
		return err
	}

	strings := []string{c.IntermediaryURL, c.Initiator, c.Token}
	for _, s := range strings {
		if err := wireWriteString(w, s); err != nil {
			return err
		}
	}

	if err := binary.Write(w, byteOrder, int64(c.AmountSats)); err != nil {
		return err
	}

	if err := writeBigInt(w, c.AmountToken); err != nil {
		return err
	}

	if err := binary.Write(w, byteOrder, c.TokenDecimals); err != nil {
		return err
	}

	if err := writeBigInt(w, c.SwapFee); err != nil {
		return err
	}

	if err := binary.Write(w, byteOrder, int64(c.SwapFeeBtc)); err != nil {
		return err
	}

	if err := serializePricingInfo(w, &c.Pricing); err != nil {
		return err
	}

	if err := writeTime(w, c.QuoteExpiry); err != nil {
		return err
	}

	if err := writeTime(w, c.InitiationTime); err != nil {
		return err
	}

	return binary.Write(w, byteOrder, uint32(c.Version))
}

// deserializeContract reads the shared contract fields.
func deserializeContract(r io.Reader) (*SwapContract, error) {
	c := &SwapContract{}

	hash, err := readHash(r)
	if err != nil {
		return nil, err
	}
	c.Hash = hash

	if err := binary.Read(r, byteOrder, &c.Nonce); err != nil {
		return nil, err
	}

	strings := []*string{&c.IntermediaryURL, &c.Initiator, &c.Token}
	for _, s := range strings {
		if *s, err = wireReadString(r); err != nil {
			return nil, err
		}
	}

	var amountSats int64
	if err := binary.Read(r, byteOrder, &amountSats); err != nil {
		return nil, err
	}
	c.AmountSats = btcutil.Amount(amountSats)

	if c.AmountToken, err = readBigInt(r); err != nil {
		return nil, err
	}

	if err := binary.Read(r, byteOrder, &c.TokenDecimals); err != nil {
		return nil, err
	}

	if c.SwapFee, err = readBigInt(r); err != nil {
		return nil, err
	}

	var swapFeeBtc int64
	if err := binary.Read(r, byteOrder, &swapFeeBtc); err != nil {
		return nil, err
	}
	c.SwapFeeBtc = btcutil.Amount(swapFeeBtc)

	pricingInfo, err := deserializePricingInfo(r)
	if err != nil {
		return nil, err
	}
	c.Pricing = *pricingInfo

	if c.QuoteExpiry, err = readTime(r); err != nil {
		return nil, err
	}

	if c.InitiationTime, err = readTime(r); err != nil {
		return nil, err
	}

	var version uint32
	if err := binary.Read(r, byteOrder, &version); err != nil {
		return nil, err
	}
	c.Version = SnapshotVersion(version)

	if !c.Version.Valid() {
		return nil, fmt.Errorf("unknown snapshot version %d", version)
	}

	return c, nil
}

// serializePricingInfo writes a pricing snapshot. Big amounts are stored as
// decimal strings since they may exceed native integer precision.
func serializePricingInfo(w *bytes.Buffer, info *pricing.Info) error {
	var valid uint8
	if info.IsValid {
		valid = 1
	}
	if err := binary.Write(w, byteOrder, valid); err != nil {
		return err
	}

	if err := binary.Write(w, byteOrder, info.DifferencePPM); err != nil {
		return err
	}

	err := binary.Write(w, byteOrder, int64(info.SatsBaseFee))
	if err != nil {
		return err
	}

	if err := binary.Write(w, byteOrder, info.FeePPM); err != nil {
		return err
	}

	bigs := []*big.Int{
		info.SwapPriceUSatPerToken, info.RealPriceUSatPerToken,
	}
	for _, v := range bigs {
		if err := writeBigInt(w, v); err != nil {
			return err
		}
	}

	return binary.Write(w, byteOrder, info.RealUsdPerBitcoinMicro)
}

// deserializePricingInfo reads a pricing snapshot.
func deserializePricingInfo(r io.Reader) (*pricing.Info, error) {
	info := &pricing.Info{}

	var valid uint8
	if err := binary.Read(r, byteOrder, &valid); err != nil {
		return nil, err
	}
	info.IsValid = valid == 1

	if err := binary.Read(r, byteOrder, &info.DifferencePPM); err != nil {
		return nil, err
	}

	var baseFee int64
	if err := binary.Read(r, byteOrder, &baseFee); err != nil {
		return nil, err
	}
	info.SatsBaseFee = btcutil.Amount(baseFee)

	if err := binary.Read(r, byteOrder, &info.FeePPM); err != nil {
		return nil, err
	}

	var err error
	if info.SwapPriceUSatPerToken, err = readBigInt(r); err != nil {
		return nil, err
	}

	if info.RealPriceUSatPerToken, err = readBigInt(r); err != nil {
		return nil, err
	}

	err = binary.Read(r, byteOrder, &info.RealUsdPerBitcoinMicro)
	if err != nil {
		return nil, err
	}

	return info, nil
}

// serializeSwapEvent serializes one entry of a swap's state log.
func serializeSwapEvent(t time.Time, state uint8, cost SwapCost) ([]byte,
	error) {

	var b bytes.Buffer

	if err := writeTime(&b, t); err != nil {
		return nil, err
	}

	if err := binary.Write(&b, byteOrder, state); err != nil {
		return nil, err
	}

	amounts := []btcutil.Amount{
		cost.Intermediary, cost.Onchain, cost.Offchain,
	}
	for _, amt := range amounts {
		if err := binary.Write(&b, byteOrder, int64(amt)); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// deserializeSwapEvent deserializes one entry of a swap's state log.
func deserializeSwapEvent(value []byte) (*SwapEvent, error) {
	event := &SwapEvent{}

	r := bytes.NewReader(value)

	var err error
	if event.Time, err = readTime(r); err != nil {
		return nil, err
	}

	if err := binary.Read(r, byteOrder, &event.State); err != nil {
		return nil, err
	}

	amounts := []*btcutil.Amount{
		&event.Cost.Intermediary, &event.Cost.Onchain,
		&event.Cost.Offchain,
	}
	for _, amt := range amounts {
		var v int64
		if err := binary.Read(r, byteOrder, &v); err != nil {
			return nil, err
		}
		*amt = btcutil.Amount(v)
	}

	return event, nil
}
