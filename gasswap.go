package swapengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atomicbridge/swapengine/swapdb"
)

// GasSwap is the state machine of a small trusted gas top-up swap: the
// user pays a Lightning invoice and the intermediary sends native gas tokens
// on the destination chain. The protocol is trusted by construction, the
// amount cap is what bounds the exposure; if the payout fails the
// intermediary authorizes a Bitcoin refund instead.
type GasSwap struct {
	*swapKit

	cfg *swapConfig

	contract *swapdb.GasSwapContract
	state    swapdb.GasSwapState
}

var _ swapMachine = (*GasSwap)(nil)

// newGasSwap creates the state machine for a freshly accepted quote.
func newGasSwap(cfg *swapConfig, contract *swapdb.GasSwapContract) *GasSwap {
	return &GasSwap{
		swapKit: newSwapKit(
			contract.Hash, swapdb.ProtocolGasSwap,
			&contract.SwapContract,
		),
		cfg:      cfg,
		contract: contract,
		state:    swapdb.GasSwapInvoiceCreated,
	}
}

// resumeGasSwap recreates the state machine of a persisted swap.
func resumeGasSwap(cfg *swapConfig, stored *swapdb.GasSwap) *GasSwap {
	s := newGasSwap(cfg, stored.Contract)
	s.state = stored.State()
	s.cost = stored.Cost()
	s.lastUpdateTime = stored.LastUpdateTime()
	s.initiated = true
	s.persisted = true

	return s
}

// State returns the current state of the swap.
func (s *GasSwap) State() swapdb.GasSwapState {
	s.Lock()
	defer s.Unlock()

	return s.state
}

// Info returns a snapshot of the swap.
func (s *GasSwap) Info() *SwapInfo {
	s.Lock()
	defer s.Unlock()

	return s.infoLocked(
		uint8(s.state), s.state.String(), s.state.IsPending(),
	)
}

// Invoice returns the Lightning invoice the user pays.
func (s *GasSwap) Invoice() string {
	return s.contract.SwapInvoice
}

func (s *GasSwap) persistLocked(ctx context.Context) error {
	if !s.initiated {
		return nil
	}

	if !s.persisted {
		err := s.cfg.store.CreateGasSwap(ctx, s.hash, s.contract)
		if err != nil {
			return err
		}
		s.persisted = true
	}

	return s.cfg.store.UpdateGasSwap(
		ctx, s.hash, s.lastUpdateTime, s.state, s.cost,
	)
}

func (s *GasSwap) setStateLocked(ctx context.Context,
	next swapdb.GasSwapState) error {

	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidState, s.state,
			next)
	}

	return s.applyStateLocked(ctx, next)
}

func (s *GasSwap) applyStateLocked(ctx context.Context,
	next swapdb.GasSwapState) error {

	s.log.Infof("State %v -> %v", s.state, next)

	s.state = next
	s.lastUpdateTime = s.cfg.clock.Now()
	s.signalState()

	if err := s.persistLocked(ctx); err != nil {
		return err
	}

	s.cfg.notify(s.infoLocked(
		uint8(next), next.String(), next.IsPending(),
	))

	return nil
}

// WaitForCompletion blocks until the intermediary either paid out the gas or
// the swap resolved into a refundable or failed state. Calling it marks the
// swap initiated.
func (s *GasSwap) WaitForCompletion(ctx context.Context) error {
	s.Lock()
	if !s.initiated {
		s.initiated = true
		if err := s.persistLocked(ctx); err != nil {
			s.Unlock()
			return err
		}
	}
	s.Unlock()

	return waitForCondition(
		ctx, s.swapKit, s.cfg.clock, defaultPollInterval,
		func(ctx context.Context) (bool, error) {
			return s.Sync(ctx, false)
		},
		func() (bool, error) {
			switch state := s.State(); {
			case state == swapdb.GasSwapFinished:
				return true, nil

			case state == swapdb.GasSwapRefundable:
				return false, fmt.Errorf("%w: payout failed, "+
					"refund authorized", ErrInvalidState)

			case state.IsFinal():
				return false, fmt.Errorf("%w: swap ended in "+
					"%v", ErrInvalidState, state)
			}

			return false, nil
		},
	)
}

// errRefundNotReady is returned while no refund authorization is available
// yet.
var errRefundNotReady = errors.New("refund authorization not available yet")

// Refund obtains the intermediary-signed refund of a failed payout to the
// swap's refund address.
func (s *GasSwap) Refund(ctx context.Context) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.Lock()
	switch s.state {
	case swapdb.GasSwapRefunded:
		s.Unlock()
		return nil

	case swapdb.GasSwapRefundable:

	default:
		state := s.state
		s.Unlock()
		return fmt.Errorf("%w: refund in state %v", ErrInvalidState,
			state)
	}
	s.Unlock()

	auth, err := s.cfg.intermediary.RefundAuthorization(
		ctx, s.hash, s.contract.RefundAddress,
	)
	if err != nil {
		return transientIntermediaryError(
			s.contract.IntermediaryURL, err,
		)
	}

	if len(auth) == 0 {
		return transientIntermediaryError(
			s.contract.IntermediaryURL, errRefundNotReady,
		)
	}

	s.Lock()
	defer s.Unlock()

	s.log.Infof("Refund authorization obtained, %d bytes", len(auth))

	if s.state == swapdb.GasSwapRefunded {
		return nil
	}

	return s.setStateLocked(ctx, swapdb.GasSwapRefunded)
}

// gasSwapFinality ranks states for the pull-path precedence rule.
func gasSwapFinality(state swapdb.GasSwapState) int {
	switch state {
	case swapdb.GasSwapInvoiceCreated:
		return 0

	case swapdb.GasSwapRefundable:
		return 1

	default:
		return 2
	}
}

// forcePaymentStatus applies an intermediary-reported status. Gas swaps have
// no on-chain escrow to verify against, the intermediary report is the only
// pull source; precedence still applies so a stale report cannot regress a
// resolved swap.
func (s *GasSwap) forcePaymentStatus(ctx context.Context,
	status PaymentStatus) (bool, error) {

	var target swapdb.GasSwapState
	switch status {
	case PaymentStatusFinished:
		target = swapdb.GasSwapFinished

	case PaymentStatusRefundable:
		target = swapdb.GasSwapRefundable

	case PaymentStatusFailed:
		target = swapdb.GasSwapFailed

	default:
		return false, nil
	}

	s.Lock()
	defer s.Unlock()

	if gasSwapFinality(target) <= gasSwapFinality(s.state) {
		return false, nil
	}

	if err := s.applyStateLocked(ctx, target); err != nil {
		return false, err
	}

	return true, nil
}

// Sync polls the intermediary-reported status.
func (s *GasSwap) Sync(ctx context.Context, forceOnchain bool) (bool,
	error) {

	s.Lock()
	state := s.state
	s.Unlock()

	if state.IsFinal() {
		return false, nil
	}

	status, err := s.cfg.intermediary.PaymentStatus(ctx, s.hash)
	if err != nil {
		return false, transientIntermediaryError(
			s.contract.IntermediaryURL, err,
		)
	}

	return s.forcePaymentStatus(ctx, status)
}

// Tick expires an unpaid invoice.
func (s *GasSwap) Tick(ctx context.Context, now time.Time) (bool,
	error) {

	s.Lock()
	defer s.Unlock()

	if s.state != swapdb.GasSwapInvoiceCreated {
		return false, nil
	}

	if !now.After(s.contract.QuoteExpiry) {
		return false, nil
	}

	err := s.setStateLocked(ctx, swapdb.GasSwapExpired)
	return err == nil, err
}

// handleEvent is a no-op, gas swaps produce no chain events.
func (s *GasSwap) handleEvent(context.Context, *ChainEvent) error {
	return nil
}
