package escrow

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

// byteOrder is the serialization byte order of the canonical escrow encoding.
var byteOrder = binary.BigEndian

// Data mirrors the escrow contract held by the smart chain. The engine never
// trusts an intermediary-provided copy without checking its canonical hash
// against the hash asserted at quote time.
type Data struct {
	// ClaimHash is the hash whose preimage releases the escrow.
	ClaimHash lntypes.Hash

	// Amount is the escrowed amount in token base units.
	Amount *big.Int

	// Token identifies the escrowed token on the smart chain.
	Token string

	// Offerer is the address funding the escrow.
	Offerer string

	// Claimer is the address allowed to claim the escrow.
	Claimer string

	// Expiry is the chain timestamp after which the offerer may refund.
	Expiry uint64

	// SecurityDeposit is the deposit forfeited by the offerer on
	// misbehavior, in native gas token base units.
	SecurityDeposit *big.Int

	// TotalDeposit is the total native amount locked alongside the
	// escrow, including the security deposit.
	TotalDeposit *big.Int

	// Nonce disambiguates otherwise identical escrows.
	Nonce uint64
}

// bigBytes returns the canonical big-endian encoding of x. A nil big int
// encodes like zero, so hashing a malformed escrow stays panic-free.
func bigBytes(x *big.Int) []byte {
	if x == nil {
		return nil
	}

	return x.Bytes()
}

// bigEqual returns true if both big ints are present and equal. A missing
// value never compares equal, not even to another missing value.
func bigEqual(a, b *big.Int) bool {
	return a != nil && b != nil && a.Cmp(b) == 0
}

// serializeCanonical writes the canonical encoding of the escrow that the
// hash commits to. Variable-length fields are length-prefixed so that no two
// distinct escrows share an encoding.
func (d *Data) serializeCanonical(w *bytes.Buffer) error {
	if _, err := w.Write(d.ClaimHash[:]); err != nil {
		return err
	}

	if err := wire.WriteVarBytes(w, 0, bigBytes(d.Amount)); err != nil {
		return err
	}

	for _, s := range []string{d.Token, d.Offerer, d.Claimer} {
		if err := wire.WriteVarString(w, 0, s); err != nil {
			return err
		}
	}

	if err := binary.Write(w, byteOrder, d.Expiry); err != nil {
		return err
	}

	deposits := [][]byte{
		bigBytes(d.SecurityDeposit), bigBytes(d.TotalDeposit),
	}
	for _, dep := range deposits {
		if err := wire.WriteVarBytes(w, 0, dep); err != nil {
			return err
		}
	}

	return binary.Write(w, byteOrder, d.Nonce)
}

// Hash returns the canonical hash of the escrow data. It must match the hash
// asserted by the intermediary at quote time and the hash the smart chain
// contract is keyed by.
func (d *Data) Hash() lntypes.Hash {
	var b bytes.Buffer

	// Writing to a bytes.Buffer cannot fail.
	_ = d.serializeCanonical(&b)

	return lntypes.Hash(sha256.Sum256(b.Bytes()))
}

// Equal returns true if both escrows have identical field values.
func (d *Data) Equal(other *Data) bool {
	if d == nil || other == nil {
		return d == other
	}

	return d.ClaimHash == other.ClaimHash &&
		bigEqual(d.Amount, other.Amount) &&
		d.Token == other.Token &&
		d.Offerer == other.Offerer &&
		d.Claimer == other.Claimer &&
		d.Expiry == other.Expiry &&
		bigEqual(d.SecurityDeposit, other.SecurityDeposit) &&
		bigEqual(d.TotalDeposit, other.TotalDeposit) &&
		d.Nonce == other.Nonce
}
