package swapengine

import (
	"context"
	"fmt"
	"time"

	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/swapdb"
)

// EscrowInSwap is the state machine of a Lightning-funded escrow swap that
// the client settles itself: the user pays a swap invoice, the intermediary
// commits a token escrow locked to the invoice hash, and the client claims it
// with the payment secret.
type EscrowInSwap struct {
	*swapKit

	cfg *swapConfig

	contract *swapdb.EscrowInContract
	state    swapdb.EscrowInState
}

var _ escrowMachine = (*EscrowInSwap)(nil)

// newEscrowIn creates the state machine for a freshly accepted quote.
func newEscrowIn(cfg *swapConfig, contract *swapdb.EscrowInContract) *EscrowInSwap {
	return &EscrowInSwap{
		swapKit: newSwapKit(
			contract.Hash, swapdb.ProtocolEscrowIn,
			&contract.SwapContract,
		),
		cfg:      cfg,
		contract: contract,
		state:    swapdb.EscrowInInvoiceCreated,
	}
}

// resumeEscrowIn recreates the state machine of a persisted swap.
func resumeEscrowIn(cfg *swapConfig, stored *swapdb.EscrowIn) *EscrowInSwap {
	s := newEscrowIn(cfg, stored.Contract)
	s.state = stored.State()
	s.cost = stored.Cost()
	s.lastUpdateTime = stored.LastUpdateTime()
	s.initiated = true
	s.persisted = true

	return s
}

// State returns the current state of the swap.
func (s *EscrowInSwap) State() swapdb.EscrowInState {
	s.Lock()
	defer s.Unlock()

	return s.state
}

// Info returns a snapshot of the swap.
func (s *EscrowInSwap) Info() *SwapInfo {
	s.Lock()
	defer s.Unlock()

	return s.infoLocked(
		uint8(s.state), s.state.String(), s.state.IsPending(),
	)
}

// Invoice returns the Lightning invoice the user pays to fund the swap.
func (s *EscrowInSwap) Invoice() string {
	return s.contract.SwapInvoice
}

// escrowData returns the escrow the intermediary promised to commit.
func (s *EscrowInSwap) escrowData() *escrow.Data {
	return &s.contract.Escrow
}

func (s *EscrowInSwap) persistLocked(ctx context.Context) error {
	if !s.initiated {
		return nil
	}

	if !s.persisted {
		err := s.cfg.store.CreateEscrowIn(ctx, s.hash, s.contract)
		if err != nil {
			return err
		}
		s.persisted = true
	}

	return s.cfg.store.UpdateEscrowIn(
		ctx, s.hash, s.lastUpdateTime, s.state, s.cost,
	)
}

func (s *EscrowInSwap) setStateLocked(ctx context.Context,
	next swapdb.EscrowInState) error {

	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidState, s.state,
			next)
	}

	return s.applyStateLocked(ctx, next)
}

func (s *EscrowInSwap) applyStateLocked(ctx context.Context,
	next swapdb.EscrowInState) error {

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

// WaitForPayment blocks until the intermediary acknowledged receipt of the
// Lightning payment. Calling it marks the swap initiated: the user has taken
// the invoice to pay, so the swap must survive a restart from here on.
func (s *EscrowInSwap) WaitForPayment(ctx context.Context) error {
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
			case state != swapdb.EscrowInInvoiceCreated &&
				!state.IsFinal():

				return true, nil

			case state.IsFinal():
				return false, fmt.Errorf("%w: swap ended in "+
					"%v", ErrInvalidState, state)
			}

			return false, nil
		},
	)
}

// WaitTillCommitted blocks until the intermediary funded the escrow.
func (s *EscrowInSwap) WaitTillCommitted(ctx context.Context) error {
	return waitForCondition(
		ctx, s.swapKit, s.cfg.clock, defaultPollInterval,
		func(ctx context.Context) (bool, error) {
			return s.Sync(ctx, false)
		},
		func() (bool, error) {
			switch state := s.State(); {
			case state == swapdb.EscrowInClaimCommitted ||
				state == swapdb.EscrowInClaimed:

				return true, nil

			case state.IsFinal():
				return false, fmt.Errorf("%w: swap ended in "+
					"%v", ErrInvalidState, state)
			}

			return false, nil
		},
	)
}

// Claim settles the committed escrow with the swap secret. This is the step
// that makes the swap atomic: revealing the secret on the smart chain is
// what pays the intermediary's Lightning invoice claim.
func (s *EscrowInSwap) Claim(ctx context.Context) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.Lock()
	switch s.state {
	case swapdb.EscrowInClaimed:
		s.Unlock()
		return nil

	case swapdb.EscrowInClaimCommitted:

	default:
		state := s.state
		s.Unlock()
		return fmt.Errorf("%w: claim in state %v", ErrInvalidState,
			state)
	}
	s.Unlock()

	txid, err := s.cfg.chain.ClaimWithSecret(
		ctx, &s.contract.Escrow, s.contract.Preimage,
	)
	if err != nil {
		return fmt.Errorf("claim escrow: %w", err)
	}

	s.Lock()
	defer s.Unlock()

	s.log.Infof("Escrow claimed in tx %v", txid)

	if s.state == swapdb.EscrowInClaimed {
		return nil
	}

	return s.setStateLocked(ctx, swapdb.EscrowInClaimed)
}

// Sync re-derives the swap state. The commit status is authoritative; the
// intermediary's payment status only drives the pre-commit invoice states
// and is never allowed to regress anything.
func (s *EscrowInSwap) Sync(ctx context.Context, forceOnchain bool) (bool,
	error) {

	s.Lock()
	state := s.state
	s.Unlock()

	if state.IsFinal() && !forceOnchain {
		return false, nil
	}

	// Before the invoice is paid there can be nothing on-chain; ask the
	// intermediary first. Its answer is only ever used to move forward.
	if state == swapdb.EscrowInInvoiceCreated && !forceOnchain {
		status, err := s.cfg.intermediary.PaymentStatus(ctx, s.hash)
		if err != nil {
			return false, transientIntermediaryError(
				s.contract.IntermediaryURL, err,
			)
		}

		if status == PaymentStatusPending {
			return false, nil
		}
	}

	commitStatus, err := s.cfg.chain.GetCommitStatus(
		ctx, &s.contract.Escrow,
	)
	if err != nil {
		return false, err
	}

	changed, err := s.forceCommitStatus(ctx, commitStatus)
	if err != nil || changed {
		return changed, err
	}

	// Nothing on-chain yet but the invoice is paid: record that.
	s.Lock()
	defer s.Unlock()
	if s.state == swapdb.EscrowInInvoiceCreated {
		err := s.setStateLocked(ctx, swapdb.EscrowInInvoicePaid)
		return err == nil, err
	}

	return false, nil
}

// escrowInFinality ranks states by finality for the pull-path precedence
// rule.
func escrowInFinality(state swapdb.EscrowInState) int {
	switch state {
	case swapdb.EscrowInInvoiceCreated:
		return 0

	case swapdb.EscrowInInvoicePaid:
		return 1

	case swapdb.EscrowInClaimCommitted:
		return 2

	case swapdb.EscrowInFailed, swapdb.EscrowInExpired:
		return 3

	case swapdb.EscrowInClaimed:
		return 4

	default:
		return 0
	}
}

// forceCommitStatus applies an authoritative commit status read.
func (s *EscrowInSwap) forceCommitStatus(ctx context.Context,
	status CommitStatus) (bool, error) {

	var target swapdb.EscrowInState
	switch status {
	case CommitStatusCommitted:
		target = swapdb.EscrowInClaimCommitted

	case CommitStatusPaid:
		target = swapdb.EscrowInClaimed

	case CommitStatusRefundable, CommitStatusRefunded:
		// The intermediary reclaimed or abandoned the escrow without
		// the client claiming, the swap failed.
		target = swapdb.EscrowInFailed

	default:
		return false, nil
	}

	s.Lock()
	defer s.Unlock()

	if escrowInFinality(target) <= escrowInFinality(s.state) {
		return false, nil
	}

	if err := s.applyStateLocked(ctx, target); err != nil {
		return false, err
	}

	return true, nil
}

// Tick expires an unpaid invoice.
func (s *EscrowInSwap) Tick(ctx context.Context, now time.Time) (bool,
	error) {

	s.Lock()
	defer s.Unlock()

	if s.state != swapdb.EscrowInInvoiceCreated {
		return false, nil
	}

	if !now.After(s.contract.QuoteExpiry) {
		return false, nil
	}

	err := s.setStateLocked(ctx, swapdb.EscrowInExpired)
	return err == nil, err
}

// handleEvent applies a routed on-chain event. The escrow carried by an
// initialize event must match the promise made at quote time exactly, a
// mismatching escrow is never claimed against.
func (s *EscrowInSwap) handleEvent(ctx context.Context,
	event *ChainEvent) error {

	var status CommitStatus
	switch event.Type {
	case EventInitialize:
		if event.Escrow == nil ||
			!s.contract.Escrow.Equal(event.Escrow) {

			s.log.Errorf("Initialize event does not match the "+
				"promised escrow, tx %v", event.TxID)
			return permanentIntermediaryError(
				s.contract.IntermediaryURL,
				escrow.ErrFieldMismatch,
			)
		}
		status = CommitStatusCommitted

	case EventClaim:
		status = CommitStatusPaid

	case EventRefund:
		status = CommitStatusRefunded

	default:
		return nil
	}

	_, err := s.forceCommitStatus(ctx, status)
	return err
}
