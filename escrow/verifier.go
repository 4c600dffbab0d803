package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrHashMismatch is returned if the canonical hash of the returned
	// escrow does not match the hash asserted at quote time.
	ErrHashMismatch = errors.New("escrow hash mismatch")

	// ErrFieldMismatch is returned if a returned escrow field contradicts
	// the requested terms.
	ErrFieldMismatch = errors.New("escrow field mismatch")

	// ErrExpiryOutOfRange is returned if the escrow expiry is outside the
	// window the client asked for.
	ErrExpiryOutOfRange = errors.New("escrow expiry out of range")
)

// AuthVerifier checks intermediary-produced authorizations against the smart
// chain's signature scheme. It is implemented by the chain adapter.
type AuthVerifier interface {
	// VerifyInitAuthorization checks the authorization that lets the
	// client post the escrow initialization built by the intermediary.
	VerifyInitAuthorization(ctx context.Context, data *Data,
		auth []byte) error

	// VerifyRefundAuthorization checks an intermediary-signed cooperative
	// refund for the escrow.
	VerifyRefundAuthorization(ctx context.Context, data *Data,
		auth []byte) error
}

// Request captures the terms the client asked for. A returned escrow is only
// accepted if it matches these terms exactly.
type Request struct {
	// ClaimHash is the payment hash the client generated for the swap.
	ClaimHash lntypes.Hash

	// Amount is the token amount the escrow must hold.
	Amount *big.Int

	// Token is the token the escrow must be denominated in.
	Token string

	// Claimer is the address that must be allowed to claim.
	Claimer string

	// MinExpiry and MaxExpiry bound the acceptable escrow expiry. A too
	// early expiry lets the intermediary refund before the client can
	// claim, a too late one locks client funds needlessly.
	MinExpiry uint64
	MaxExpiry uint64

	// RequiredDeposit is the minimum security deposit the escrow must
	// carry, nil if no deposit is required.
	RequiredDeposit *big.Int
}

// Verifier validates escrow data returned by an intermediary against what was
// requested. All failures are hard failures, a mismatching escrow is never
// accepted with a warning.
type Verifier struct {
	auth AuthVerifier
}

// NewVerifier creates a new escrow verifier using the given chain adapter for
// authorization checks.
func NewVerifier(auth AuthVerifier) *Verifier {
	return &Verifier{auth: auth}
}

// VerifyFields checks that the returned escrow matches the requested terms
// and that its canonical hash equals the asserted hash.
func (v *Verifier) VerifyFields(req *Request, data *Data,
	assertedHash lntypes.Hash) error {

	// The escrow comes straight from an untrusted response. A missing
	// amount or deposit is a malformed escrow, not a zero one.
	if data == nil {
		return fmt.Errorf("%w: no escrow returned", ErrFieldMismatch)
	}
	if data.Amount == nil || data.SecurityDeposit == nil ||
		data.TotalDeposit == nil {

		return fmt.Errorf("%w: incomplete escrow", ErrFieldMismatch)
	}

	if data.ClaimHash != req.ClaimHash {
		return fmt.Errorf("%w: claim hash %v, requested %v",
			ErrFieldMismatch, data.ClaimHash, req.ClaimHash)
	}

	if data.Amount.Cmp(req.Amount) != 0 {
		return fmt.Errorf("%w: amount %v, requested %v",
			ErrFieldMismatch, data.Amount, req.Amount)
	}

	if data.Token != req.Token {
		return fmt.Errorf("%w: token %v, requested %v",
			ErrFieldMismatch, data.Token, req.Token)
	}

	if data.Claimer != req.Claimer {
		return fmt.Errorf("%w: claimer %v, requested %v",
			ErrFieldMismatch, data.Claimer, req.Claimer)
	}

	if data.Expiry < req.MinExpiry || data.Expiry > req.MaxExpiry {
		return fmt.Errorf("%w: expiry %v outside [%v, %v]",
			ErrExpiryOutOfRange, data.Expiry, req.MinExpiry,
			req.MaxExpiry)
	}

	if req.RequiredDeposit != nil &&
		data.SecurityDeposit.Cmp(req.RequiredDeposit) < 0 {

		return fmt.Errorf("%w: security deposit %v below required %v",
			ErrFieldMismatch, data.SecurityDeposit,
			req.RequiredDeposit)
	}

	if hash := data.Hash(); hash != assertedHash {
		return fmt.Errorf("%w: computed %v, asserted %v",
			ErrHashMismatch, hash, assertedHash)
	}

	return nil
}

// VerifyInit checks the returned escrow fields and the authorization that
// accompanies it.
func (v *Verifier) VerifyInit(ctx context.Context, req *Request, data *Data,
	assertedHash lntypes.Hash, auth []byte) error {

	if err := v.VerifyFields(req, data, assertedHash); err != nil {
		return err
	}

	return v.auth.VerifyInitAuthorization(ctx, data, auth)
}

// VerifyRefund checks an intermediary-signed cooperative refund
// authorization for a known-good escrow.
func (v *Verifier) VerifyRefund(ctx context.Context, data *Data,
	auth []byte) error {

	return v.auth.VerifyRefundAuthorization(ctx, data, auth)
}
