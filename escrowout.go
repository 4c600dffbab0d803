package swapengine

import (
	"context"
	"fmt"
	"time"

	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/swapdb"
)

// EscrowOutSwap is the state machine of an escrow swap paying out to
// Bitcoin: the client commits a token escrow on the smart chain, the
// intermediary pays the Bitcoin side and claims the escrow with the payment
// secret.
type EscrowOutSwap struct {
	*swapKit

	cfg *swapConfig

	contract *swapdb.EscrowOutContract
	state    swapdb.EscrowOutState

	// initAuth is the intermediary-produced authorization accompanying
	// the escrow initialization, verified at quote time.
	initAuth []byte
}

var _ escrowMachine = (*EscrowOutSwap)(nil)

// newEscrowOut creates the state machine for a freshly accepted quote. The
// swap is not persisted until the first irreversible action.
func newEscrowOut(cfg *swapConfig, contract *swapdb.EscrowOutContract,
	initAuth []byte) *EscrowOutSwap {

	return &EscrowOutSwap{
		swapKit: newSwapKit(
			contract.Hash, swapdb.ProtocolEscrowOut,
			&contract.SwapContract,
		),
		cfg:      cfg,
		contract: contract,
		initAuth: initAuth,
		state:    swapdb.EscrowOutCreated,
	}
}

// resumeEscrowOut recreates the state machine of a persisted swap.
func resumeEscrowOut(cfg *swapConfig, stored *swapdb.EscrowOut) *EscrowOutSwap {
	s := newEscrowOut(cfg, stored.Contract, nil)
	s.state = stored.State()
	s.cost = stored.Cost()
	s.lastUpdateTime = stored.LastUpdateTime()
	s.initiated = true
	s.persisted = true

	return s
}

// State returns the current state of the swap.
func (s *EscrowOutSwap) State() swapdb.EscrowOutState {
	s.Lock()
	defer s.Unlock()

	return s.state
}

// Info returns a snapshot of the swap.
func (s *EscrowOutSwap) Info() *SwapInfo {
	s.Lock()
	defer s.Unlock()

	return s.infoLocked(
		uint8(s.state), s.state.String(), s.state.IsPending(),
	)
}

// escrowData returns the escrow this swap commits.
func (s *EscrowOutSwap) escrowData() *escrow.Data {
	return &s.contract.Escrow
}

// persistLocked writes the contract and the current state to the store. A
// no-op until the swap is initiated.
func (s *EscrowOutSwap) persistLocked(ctx context.Context) error {
	if !s.initiated {
		return nil
	}

	if !s.persisted {
		err := s.cfg.store.CreateEscrowOut(ctx, s.hash, s.contract)
		if err != nil {
			return err
		}
		s.persisted = true
	}

	return s.cfg.store.UpdateEscrowOut(
		ctx, s.hash, s.lastUpdateTime, s.state, s.cost,
	)
}

// setStateLocked performs a graph-checked transition and persists it.
func (s *EscrowOutSwap) setStateLocked(ctx context.Context,
	next swapdb.EscrowOutState) error {

	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidState, s.state,
			next)
	}

	return s.applyStateLocked(ctx, next)
}

// applyStateLocked records a transition that has already been validated,
// either through the graph or through an authoritative on-chain read.
func (s *EscrowOutSwap) applyStateLocked(ctx context.Context,
	next swapdb.EscrowOutState) error {

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

// Commit funds the escrow on the smart chain. It is the swap's first
// irreversible action: the contract is persisted before the transaction is
// posted so that a crash mid-commit recovers into reconciliation. Invoking
// Commit on an already committed swap is a no-op.
func (s *EscrowOutSwap) Commit(ctx context.Context) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.Lock()
	switch {
	case s.state == swapdb.EscrowOutCommitted:
		s.Unlock()
		return nil

	case s.state != swapdb.EscrowOutCreated &&
		s.state != swapdb.EscrowOutQuoteSoftExpired:

		state := s.state
		s.Unlock()
		return fmt.Errorf("%w: commit in state %v", ErrInvalidState,
			state)
	}

	// Past the hard deadline the intermediary is no longer bound by the
	// quote, committing would lock funds for nothing.
	now := s.cfg.clock.Now()
	if now.After(s.contract.QuoteExpiry.Add(quoteExpiryMargin)) {
		s.Unlock()
		return ErrQuoteExpired
	}

	s.initiated = true
	if err := s.persistLocked(ctx); err != nil {
		s.Unlock()
		return err
	}
	s.Unlock()

	txid, err := s.cfg.chain.CommitEscrow(
		ctx, &s.contract.Escrow, s.initAuth,
	)
	if err != nil {
		return fmt.Errorf("commit escrow: %w", err)
	}

	s.Lock()
	defer s.Unlock()

	s.log.Infof("Escrow committed in tx %v", txid)

	// Reconciliation may have already observed the commit.
	if s.state == swapdb.EscrowOutCommitted {
		return nil
	}

	return s.setStateLocked(ctx, swapdb.EscrowOutCommitted)
}

// Refund takes the escrowed funds back after the escrow expired unclaimed.
func (s *EscrowOutSwap) Refund(ctx context.Context) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.Lock()
	if s.state != swapdb.EscrowOutRefundable {
		state := s.state
		s.Unlock()
		return fmt.Errorf("%w: refund in state %v", ErrInvalidState,
			state)
	}
	s.Unlock()

	// A refund only confirms after the escrow timelock has passed on the
	// contract chain. Check chain time first so we don't submit a refund
	// the contract is still going to reject.
	expired, err := s.cfg.chain.IsExpired(ctx, &s.contract.Escrow)
	if err != nil {
		return fmt.Errorf("expiry check: %w", err)
	}
	if !expired {
		return fmt.Errorf("%w: escrow not yet expired on chain",
			ErrInvalidState)
	}

	txid, err := s.cfg.chain.RefundEscrow(ctx, &s.contract.Escrow, nil)
	if err != nil {
		return fmt.Errorf("refund escrow: %w", err)
	}

	s.Lock()
	defer s.Unlock()

	s.log.Infof("Escrow refunded in tx %v", txid)

	if s.state == swapdb.EscrowOutRefunded {
		return nil
	}

	return s.setStateLocked(ctx, swapdb.EscrowOutRefunded)
}

// WaitTillCommitted blocks until the escrow is committed on-chain.
func (s *EscrowOutSwap) WaitTillCommitted(ctx context.Context) error {
	return waitForCondition(
		ctx, s.swapKit, s.cfg.clock, defaultPollInterval,
		func(ctx context.Context) (bool, error) {
			return s.Sync(ctx, false)
		},
		func() (bool, error) {
			switch state := s.State(); {
			case state == swapdb.EscrowOutCommitted:
				return true, nil

			case state.IsFinal():
				return false, fmt.Errorf("%w: swap ended in "+
					"%v", ErrInvalidState, state)
			}

			return false, nil
		},
	)
}

// WaitTillClaimed blocks until the intermediary claimed the escrow, meaning
// the Bitcoin side was paid and the swap succeeded.
func (s *EscrowOutSwap) WaitTillClaimed(ctx context.Context) error {
	return waitForCondition(
		ctx, s.swapKit, s.cfg.clock, defaultPollInterval,
		func(ctx context.Context) (bool, error) {
			return s.Sync(ctx, false)
		},
		func() (bool, error) {
			switch state := s.State(); {
			case state == swapdb.EscrowOutClaimed:
				return true, nil

			case state.IsFinal():
				return false, fmt.Errorf("%w: swap ended in "+
					"%v", ErrInvalidState, state)
			}

			return false, nil
		},
	)
}

// Sync re-derives the swap state from the authoritative commit status and
// returns true if anything changed. Final states are only re-read with
// forceOnchain set.
func (s *EscrowOutSwap) Sync(ctx context.Context, forceOnchain bool) (bool,
	error) {

	s.Lock()
	state := s.state
	s.Unlock()

	if state.IsFinal() && !forceOnchain {
		return false, nil
	}

	// An uncommitted quote has nothing on-chain to reconcile against
	// unless a commit might have landed after soft expiry.
	if state == swapdb.EscrowOutCreated && !forceOnchain {
		return false, nil
	}

	status, err := s.cfg.chain.GetCommitStatus(ctx, &s.contract.Escrow)
	if err != nil {
		return false, err
	}

	return s.forceCommitStatus(ctx, status)
}

// escrowOutFinality ranks states by on-chain finality. An authoritative read
// may only ever move a swap up this ranking.
func escrowOutFinality(state swapdb.EscrowOutState) int {
	switch state {
	case swapdb.EscrowOutCreated:
		return 0

	case swapdb.EscrowOutQuoteSoftExpired:
		return 1

	case swapdb.EscrowOutQuoteExpired:
		return 2

	case swapdb.EscrowOutCommitted:
		return 3

	case swapdb.EscrowOutSoftClaimed:
		return 4

	case swapdb.EscrowOutRefundable:
		return 5

	case swapdb.EscrowOutClaimed, swapdb.EscrowOutRefunded:
		return 6

	default:
		return 0
	}
}

// forceCommitStatus applies an authoritative commit status read, moving the
// swap only toward higher finality. A stale read never regresses local
// state.
func (s *EscrowOutSwap) forceCommitStatus(ctx context.Context,
	status CommitStatus) (bool, error) {

	var target swapdb.EscrowOutState
	switch status {
	case CommitStatusCommitted:
		target = swapdb.EscrowOutCommitted

	case CommitStatusPaid:
		target = swapdb.EscrowOutClaimed

	case CommitStatusRefundable:
		target = swapdb.EscrowOutRefundable

	case CommitStatusRefunded:
		target = swapdb.EscrowOutRefunded

	default:
		// Nothing on-chain yet, local state stands.
		return false, nil
	}

	s.Lock()
	defer s.Unlock()

	if escrowOutFinality(target) <= escrowOutFinality(s.state) {
		return false, nil
	}

	if err := s.applyStateLocked(ctx, target); err != nil {
		return false, err
	}

	return true, nil
}

// Tick runs the local expiry checks. It performs no I/O besides persisting a
// resulting transition and is safe to run every second.
func (s *EscrowOutSwap) Tick(ctx context.Context, now time.Time) (bool,
	error) {

	s.Lock()
	defer s.Unlock()

	switch s.state {
	case swapdb.EscrowOutCreated:
		if !now.After(s.contract.QuoteExpiry) {
			return false, nil
		}

		err := s.setStateLocked(ctx, swapdb.EscrowOutQuoteSoftExpired)
		return err == nil, err

	case swapdb.EscrowOutQuoteSoftExpired:
		deadline := s.contract.QuoteExpiry.Add(quoteExpiryMargin)
		if !now.After(deadline) {
			return false, nil
		}

		err := s.setStateLocked(ctx, swapdb.EscrowOutQuoteExpired)
		return err == nil, err
	}

	return false, nil
}

// handleEvent applies a routed on-chain event. Events map onto the same
// precedence logic as the poll path, so a late or duplicate event is a
// no-op.
func (s *EscrowOutSwap) handleEvent(ctx context.Context,
	event *ChainEvent) error {

	if event.Escrow != nil && !s.contract.Escrow.Equal(event.Escrow) {
		s.log.Warnf("Ignoring event %v with mismatching escrow data",
			event.Type)
		return nil
	}

	var status CommitStatus
	switch event.Type {
	case EventInitialize:
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

// markSoftClaimed records an intermediary-delivered claim proof that has not
// confirmed on the smart chain yet.
func (s *EscrowOutSwap) markSoftClaimed(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()

	if s.state != swapdb.EscrowOutCommitted {
		return nil
	}

	return s.setStateLocked(ctx, swapdb.EscrowOutSoftClaimed)
}
