package swapdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// byteOrder is the database serialization byte order.
var byteOrder = binary.BigEndian

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	byteOrder.PutUint64(b, v)
	return b
}

// writeBigInt writes a big integer as a decimal string. Token amounts and
// micro-sat prices routinely exceed 64 bits, so they are never stored as
// fixed-width integers.
func writeBigInt(w io.Writer, v *big.Int) error {
	var s string
	if v != nil {
		s = v.String()
	}

	return wire.WriteVarString(w, 0, s)
}

// readBigInt reads a big integer written by writeBigInt. An empty string
// decodes to nil.
func readBigInt(r io.Reader) (*big.Int, error) {
	s, err := wire.ReadVarString(r, 0)
	if err != nil {
		return nil, err
	}

	if s == "" {
		return nil, nil
	}

	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer %q", s)
	}

	return v, nil
}

// wireWriteString writes a variable length string.
func wireWriteString(w io.Writer, s string) error {
	return wire.WriteVarString(w, 0, s)
}

// wireReadString reads a variable length string.
func wireReadString(r io.Reader) (string, error) {
	return wire.ReadVarString(r, 0)
}

// writeTime writes a timestamp with nanosecond precision.
func writeTime(w io.Writer, t time.Time) error {
	return binary.Write(w, byteOrder, t.UnixNano())
}

// readTime reads a timestamp written by writeTime.
func readTime(r io.Reader) (time.Time, error) {
	var unixNano int64
	if err := binary.Read(r, byteOrder, &unixNano); err != nil {
		return time.Time{}, err
	}

	return time.Unix(0, unixNano), nil
}

// writeOutPoint writes a bitcoin outpoint.
func writeOutPoint(w io.Writer, op wire.OutPoint) error {
	if _, err := w.Write(op.Hash[:]); err != nil {
		return err
	}

	return binary.Write(w, byteOrder, op.Index)
}

// readOutPoint reads an outpoint written by writeOutPoint.
func readOutPoint(r io.Reader) (wire.OutPoint, error) {
	var op wire.OutPoint
	if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
		return op, err
	}

	if err := binary.Read(r, byteOrder, &op.Index); err != nil {
		return op, err
	}

	return op, nil
}

// writeHash writes a 32-byte hash.
func writeHash(w io.Writer, h [32]byte) error {
	_, err := w.Write(h[:])
	return err
}

// readHash reads a 32-byte hash.
func readHash(r io.Reader) ([32]byte, error) {
	var h [32]byte
	_, err := io.ReadFull(r, h[:])
	return h, err
}

// writeTxHash writes an optional transaction hash, with a presence byte.
func writeTxHash(w io.Writer, h *chainhash.Hash) error {
	if h == nil {
		_, err := w.Write([]byte{0})
		return err
	}

	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}

	_, err := w.Write(h[:])
	return err
}

// readTxHash reads an optional transaction hash written by writeTxHash.
func readTxHash(r io.Reader) (*chainhash.Hash, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}

	if present[0] == 0 {
		return nil, nil
	}

	var h chainhash.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}

	return &h, nil
}
