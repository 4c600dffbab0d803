package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// PPMBase is the fixed-point base used for fee rates and price
	// deviations throughout the engine.
	PPMBase = 1_000_000

	// DefaultMaxFeeDifferencePPM is the default tolerated deviation of a
	// quoted price from the independently derived market price, 1%.
	DefaultMaxFeeDifferencePPM = 10_000
)

var (
	// ErrZeroTokenAmount is returned if a quote carries a zero token
	// amount, which would make the implied price undefined.
	ErrZeroTokenAmount = errors.New("quoted token amount is zero")

	// ErrZeroMarketPrice is returned if the oracle reports a zero market
	// price for a token that is not on the ignore list.
	ErrZeroMarketPrice = errors.New("oracle returned zero market price")

	// ErrNegativeTotal is returned if the fee terms of a quote consume the
	// full swap amount.
	ErrNegativeTotal = errors.New("fee terms exceed swap amount")

	bigPPM = big.NewInt(PPMBase)
)

// Oracle provides independent market prices. It is the only trusted price
// source, intermediary-quoted terms are always checked against it.
type Oracle interface {
	// TokenPriceUSats returns the current market price of one whole token
	// (10^decimals base units) in micro-satoshis.
	TokenPriceUSats(ctx context.Context, token string) (*big.Int, error)

	// UsdPerBitcoinMicro returns the current bitcoin price in micro-USD.
	// It is informational only and not part of quote acceptance.
	UsdPerBitcoinMicro(ctx context.Context) (uint64, error)
}

// Info is the pricing snapshot attached to a swap at quote time.
type Info struct {
	// IsValid is true if the quoted price deviates from the market price
	// by no more than the configured tolerance.
	IsValid bool

	// DifferencePPM is the signed deviation of the quoted price from the
	// market price in parts per million. Positive means the user is worse
	// off than at market price.
	DifferencePPM int64

	// SatsBaseFee is the flat fee component quoted by the intermediary.
	SatsBaseFee btcutil.Amount

	// FeePPM is the proportional fee component quoted by the
	// intermediary.
	FeePPM uint64

	// SwapPriceUSatPerToken is the implied price of the quote in
	// micro-satoshis per whole token.
	SwapPriceUSatPerToken *big.Int

	// RealPriceUSatPerToken is the independently derived market price.
	// Nil for tokens on the ignore list.
	RealPriceUSatPerToken *big.Int

	// RealUsdPerBitcoinMicro is the bitcoin price in micro-USD at
	// validation time, zero if unknown.
	RealUsdPerBitcoinMicro uint64
}

// Config groups the validator dependencies and limits.
type Config struct {
	// MaxFeeDifferencePPM is the maximum tolerated absolute deviation of
	// the quoted price from the market price.
	MaxFeeDifferencePPM int64

	// Oracle is the independent price source.
	Oracle Oracle

	// IgnoreTokens are tokens whose price is definitionally trusted, for
	// example intermediary-issued vouchers with no market. Quotes in these
	// tokens skip the market comparison but keep the exact fee
	// computation.
	IgnoreTokens map[string]struct{}
}

// Validator turns intermediary-quoted fee terms into an implied price and
// rejects quotes that deviate from the market beyond the configured
// tolerance. All arithmetic is big-integer exact, there is no floating point
// anywhere on the acceptance path.
type Validator struct {
	cfg Config
}

// NewValidator creates a new price validator.
func NewValidator(cfg Config) *Validator {
	if cfg.MaxFeeDifferencePPM == 0 {
		cfg.MaxFeeDifferencePPM = DefaultMaxFeeDifferencePPM
	}

	return &Validator{cfg: cfg}
}

// TotalSatsSend returns the total satoshi amount the user pays for a swap
// that sends amountSats worth of value to the token side, after applying the
// quoted fee terms.
func TotalSatsSend(amountSats, baseFee btcutil.Amount,
	feePPM uint64) btcutil.Amount {

	total := new(big.Int).SetInt64(int64(amountSats))
	total.Mul(total, big.NewInt(PPMBase+int64(feePPM)))
	total.Quo(total, bigPPM)

	return btcutil.Amount(total.Int64()) + baseFee
}

// TotalSatsReceive returns the satoshi amount the user is left with for a
// swap that receives amountSats from the token side, after deducting the
// quoted fee terms.
func TotalSatsReceive(amountSats, baseFee btcutil.Amount,
	feePPM uint64) btcutil.Amount {

	total := new(big.Int).SetInt64(int64(amountSats))
	total.Mul(total, big.NewInt(PPMBase-int64(feePPM)))
	total.Quo(total, bigPPM)

	return btcutil.Amount(total.Int64()) - baseFee
}

// impliedPrice returns the implied price of a quote in micro-satoshis per
// whole token: totalSats * 1e6 * 10^decimals / tokenAmount.
func impliedPrice(totalSats btcutil.Amount, decimals uint8,
	tokenAmount *big.Int) *big.Int {

	price := new(big.Int).SetInt64(int64(totalSats))
	price.Mul(price, bigPPM)
	price.Mul(price, pow10(decimals))
	price.Quo(price, tokenAmount)

	return price
}

// pow10 returns 10^exp as a big integer.
func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(
		big.NewInt(10), big.NewInt(int64(exp)), nil,
	)
}

// diffPPM returns (quoted - expected) * 1e6 / expected.
func diffPPM(quoted, expected *big.Int) int64 {
	diff := new(big.Int).Sub(quoted, expected)
	diff.Mul(diff, bigPPM)
	diff.Quo(diff, expected)

	return diff.Int64()
}

// ValidateSend validates a quote in which the user pays amountSats (plus
// fees) and receives tokenAmount base units of the given token. A positive
// DifferencePPM means the quoted price is above market, so the user pays too
// much per token.
func (v *Validator) ValidateSend(ctx context.Context, amountSats btcutil.Amount,
	baseFee btcutil.Amount, feePPM uint64, token string, decimals uint8,
	tokenAmount *big.Int) (*Info, error) {

	totalSats := TotalSatsSend(amountSats, baseFee, feePPM)

	return v.validate(ctx, totalSats, baseFee, feePPM, token, decimals,
		tokenAmount, false)
}

// ValidateReceive validates a quote in which the user pays tokenAmount base
// units of the given token and receives amountSats minus fees. A positive
// DifferencePPM means the quoted price is below market, so the user receives
// too little per token.
func (v *Validator) ValidateReceive(ctx context.Context,
	amountSats btcutil.Amount, baseFee btcutil.Amount, feePPM uint64,
	token string, decimals uint8, tokenAmount *big.Int) (*Info, error) {

	totalSats := TotalSatsReceive(amountSats, baseFee, feePPM)

	return v.validate(ctx, totalSats, baseFee, feePPM, token, decimals,
		tokenAmount, true)
}

// validate derives the implied price of the quote and compares it against the
// oracle price. The receive flag flips the sign convention so that a positive
// deviation always means the user is worse off.
func (v *Validator) validate(ctx context.Context, totalSats btcutil.Amount,
	baseFee btcutil.Amount, feePPM uint64, token string, decimals uint8,
	tokenAmount *big.Int, receive bool) (*Info, error) {

	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return nil, ErrZeroTokenAmount
	}

	if totalSats <= 0 {
		return nil, ErrNegativeTotal
	}

	swapPrice := impliedPrice(totalSats, decimals, tokenAmount)

	info := &Info{
		SatsBaseFee:           baseFee,
		FeePPM:                feePPM,
		SwapPriceUSatPerToken: swapPrice,
	}

	// Tokens on the ignore list have no market to compare against, their
	// price is definitionally trusted.
	if _, ok := v.cfg.IgnoreTokens[token]; ok {
		info.IsValid = true
		return info, nil
	}

	realPrice, err := v.cfg.Oracle.TokenPriceUSats(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("oracle price for %v: %w", token, err)
	}

	if realPrice == nil || realPrice.Sign() <= 0 {
		return nil, ErrZeroMarketPrice
	}

	info.RealPriceUSatPerToken = realPrice

	// The USD price is only recorded for reporting, a failure to fetch it
	// never fails validation.
	if usd, err := v.cfg.Oracle.UsdPerBitcoinMicro(ctx); err == nil {
		info.RealUsdPerBitcoinMicro = usd
	}

	// Positive difference always means the user is worse off: paying
	// above market when buying tokens, receiving below market when
	// selling them.
	if receive {
		info.DifferencePPM = diffPPM(realPrice, swapPrice)
	} else {
		info.DifferencePPM = diffPPM(swapPrice, realPrice)
	}

	info.IsValid = abs64(info.DifferencePPM) <= v.cfg.MaxFeeDifferencePPM

	if !info.IsValid {
		log.Debugf("Quote rejected for token %v: difference %v ppm "+
			"exceeds limit %v ppm", token, info.DifferencePPM,
			v.cfg.MaxFeeDifferencePPM)
	}

	return info, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}
