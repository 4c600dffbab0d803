package swapengine

import (
	"context"
	"fmt"
	"time"

	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/swapdb"
)

// WatchtowerInSwap is the state machine of a Lightning-funded escrow swap
// settled by permissionless watchtowers: once the escrow commits, the client
// broadcasts the secret out-of-band and any watchtower may post the claim in
// exchange for a ppm share of the escrow.
type WatchtowerInSwap struct {
	*swapKit

	cfg *swapConfig

	contract *swapdb.WatchtowerInContract
	state    swapdb.WatchtowerInState

	// secretBroadcast dedupes the out-of-band secret publication.
	secretBroadcast bool
}

var _ escrowMachine = (*WatchtowerInSwap)(nil)

// newWatchtowerIn creates the state machine for a freshly accepted quote.
func newWatchtowerIn(cfg *swapConfig,
	contract *swapdb.WatchtowerInContract) *WatchtowerInSwap {

	return &WatchtowerInSwap{
		swapKit: newSwapKit(
			contract.Hash, swapdb.ProtocolWatchtowerIn,
			&contract.SwapContract,
		),
		cfg:      cfg,
		contract: contract,
		state:    swapdb.WatchtowerInInvoiceCreated,
	}
}

// resumeWatchtowerIn recreates the state machine of a persisted swap.
func resumeWatchtowerIn(cfg *swapConfig,
	stored *swapdb.WatchtowerIn) *WatchtowerInSwap {

	s := newWatchtowerIn(cfg, stored.Contract)
	s.state = stored.State()
	s.cost = stored.Cost()
	s.lastUpdateTime = stored.LastUpdateTime()
	s.initiated = true
	s.persisted = true

	// A swap resumed past commitment re-broadcasts the secret, the
	// publication is idempotent.
	return s
}

// State returns the current state of the swap.
func (s *WatchtowerInSwap) State() swapdb.WatchtowerInState {
	s.Lock()
	defer s.Unlock()

	return s.state
}

// Info returns a snapshot of the swap.
func (s *WatchtowerInSwap) Info() *SwapInfo {
	s.Lock()
	defer s.Unlock()

	return s.infoLocked(
		uint8(s.state), s.state.String(), s.state.IsPending(),
	)
}

// Invoice returns the Lightning invoice the user pays to fund the swap.
func (s *WatchtowerInSwap) Invoice() string {
	return s.contract.SwapInvoice
}

// escrowData returns the escrow the intermediary promised to commit.
func (s *WatchtowerInSwap) escrowData() *escrow.Data {
	return &s.contract.Escrow
}

func (s *WatchtowerInSwap) persistLocked(ctx context.Context) error {
	if !s.initiated {
		return nil
	}

	if !s.persisted {
		err := s.cfg.store.CreateWatchtowerIn(ctx, s.hash, s.contract)
		if err != nil {
			return err
		}
		s.persisted = true
	}

	return s.cfg.store.UpdateWatchtowerIn(
		ctx, s.hash, s.lastUpdateTime, s.state, s.cost,
	)
}

func (s *WatchtowerInSwap) setStateLocked(ctx context.Context,
	next swapdb.WatchtowerInState) error {

	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidState, s.state,
			next)
	}

	return s.applyStateLocked(ctx, next)
}

func (s *WatchtowerInSwap) applyStateLocked(ctx context.Context,
	next swapdb.WatchtowerInState) error {

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
// Lightning payment, marking the swap initiated.
func (s *WatchtowerInSwap) WaitForPayment(ctx context.Context) error {
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
			case state != swapdb.WatchtowerInInvoiceCreated &&
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

// BroadcastSecret publishes the swap secret so watchtowers can settle the
// claim. It is idempotent and a no-op before the escrow is committed.
func (s *WatchtowerInSwap) BroadcastSecret(ctx context.Context) error {
	s.Lock()
	if s.state != swapdb.WatchtowerInClaimCommitted || s.secretBroadcast {
		s.Unlock()
		return nil
	}
	s.Unlock()

	err := s.cfg.intermediary.BroadcastSecret(
		ctx, s.hash, s.contract.Preimage,
	)
	if err != nil {
		return transientIntermediaryError(
			s.contract.IntermediaryURL, err,
		)
	}

	s.Lock()
	s.secretBroadcast = true
	s.Unlock()

	s.log.Infof("Secret broadcast for watchtower settlement")

	return nil
}

// Claim settles the escrow directly, as a fallback if no watchtower picks
// the claim up in time.
func (s *WatchtowerInSwap) Claim(ctx context.Context) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.Lock()
	switch s.state {
	case swapdb.WatchtowerInClaimed:
		s.Unlock()
		return nil

	case swapdb.WatchtowerInClaimCommitted:

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

	if s.state == swapdb.WatchtowerInClaimed {
		return nil
	}

	return s.setStateLocked(ctx, swapdb.WatchtowerInClaimed)
}

// WaitTillClaimed blocks until a watchtower (or the fallback claim) settled
// the escrow. While waiting, the secret is re-broadcast whenever the swap
// reaches commitment.
func (s *WatchtowerInSwap) WaitTillClaimed(ctx context.Context) error {
	return waitForCondition(
		ctx, s.swapKit, s.cfg.clock, defaultPollInterval,
		func(ctx context.Context) (bool, error) {
			changed, err := s.Sync(ctx, false)
			if err != nil {
				return changed, err
			}

			return changed, s.BroadcastSecret(ctx)
		},
		func() (bool, error) {
			switch state := s.State(); {
			case state == swapdb.WatchtowerInClaimed:
				return true, nil

			case state.IsFinal():
				return false, fmt.Errorf("%w: swap ended in "+
					"%v", ErrInvalidState, state)
			}

			return false, nil
		},
	)
}

// Sync re-derives the swap state, mirroring the escrow in machine with the
// watchtower-specific claim edge.
func (s *WatchtowerInSwap) Sync(ctx context.Context, forceOnchain bool) (bool,
	error) {

	s.Lock()
	state := s.state
	s.Unlock()

	if state.IsFinal() && !forceOnchain {
		return false, nil
	}

	if state == swapdb.WatchtowerInInvoiceCreated && !forceOnchain {
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

	s.Lock()
	defer s.Unlock()
	if s.state == swapdb.WatchtowerInInvoiceCreated {
		err := s.setStateLocked(ctx, swapdb.WatchtowerInInvoicePaid)
		return err == nil, err
	}

	return false, nil
}

// watchtowerInFinality ranks states by finality for the pull-path precedence
// rule.
func watchtowerInFinality(state swapdb.WatchtowerInState) int {
	switch state {
	case swapdb.WatchtowerInInvoiceCreated:
		return 0

	case swapdb.WatchtowerInInvoicePaid:
		return 1

	case swapdb.WatchtowerInClaimCommitted:
		return 2

	case swapdb.WatchtowerInFailed, swapdb.WatchtowerInExpired:
		return 3

	case swapdb.WatchtowerInClaimed:
		return 4

	default:
		return 0
	}
}

// forceCommitStatus applies an authoritative commit status read.
func (s *WatchtowerInSwap) forceCommitStatus(ctx context.Context,
	status CommitStatus) (bool, error) {

	var target swapdb.WatchtowerInState
	switch status {
	case CommitStatusCommitted:
		target = swapdb.WatchtowerInClaimCommitted

	case CommitStatusPaid:
		target = swapdb.WatchtowerInClaimed

	case CommitStatusRefundable, CommitStatusRefunded:
		target = swapdb.WatchtowerInFailed

	default:
		return false, nil
	}

	s.Lock()
	defer s.Unlock()

	if watchtowerInFinality(target) <= watchtowerInFinality(s.state) {
		return false, nil
	}

	if err := s.applyStateLocked(ctx, target); err != nil {
		return false, err
	}

	return true, nil
}

// Tick expires an unpaid invoice.
func (s *WatchtowerInSwap) Tick(ctx context.Context, now time.Time) (bool,
	error) {

	s.Lock()
	defer s.Unlock()

	if s.state != swapdb.WatchtowerInInvoiceCreated {
		return false, nil
	}

	if !now.After(s.contract.QuoteExpiry) {
		return false, nil
	}

	err := s.setStateLocked(ctx, swapdb.WatchtowerInExpired)
	return err == nil, err
}

// handleEvent applies a routed on-chain event.
func (s *WatchtowerInSwap) handleEvent(ctx context.Context,
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
