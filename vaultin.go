package swapengine

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/atomicbridge/swapengine/swapdb"
	"github.com/atomicbridge/swapengine/vault"
)

// VaultInSwap is the state machine of an SPV-vault controlled swap: the user
// funds a Bitcoin transaction paying into the vault, and the vault releases
// destination funds once the transaction reaches the required confirmation
// depth, or earlier if a fronter advances them.
type VaultInSwap struct {
	*swapKit

	cfg *swapConfig

	contract *swapdb.VaultInContract
	state    swapdb.VaultInState

	// fundingOutputs are the outputs the funding transaction must pay
	// to, as quoted. Only available on freshly quoted swaps, a resumed
	// swap already has its transaction signed.
	fundingOutputs []*wire.TxOut

	// fundingTx is the id of the signed funding transaction, nil until
	// signing.
	fundingTx *chainhash.Hash

	// signedTx is the signed funding transaction itself. It is only held
	// in memory between signing and posting; a resumed swap past Posted
	// no longer needs it.
	signedTx *wire.MsgTx
}

var _ swapMachine = (*VaultInSwap)(nil)

// newVaultIn creates the state machine for a freshly accepted,
// lineage-verified quote.
func newVaultIn(cfg *swapConfig, contract *swapdb.VaultInContract) *VaultInSwap {
	return &VaultInSwap{
		swapKit: newSwapKit(
			contract.Hash, swapdb.ProtocolVaultIn,
			&contract.SwapContract,
		),
		cfg:      cfg,
		contract: contract,
		state:    swapdb.VaultInCreated,
	}
}

// resumeVaultIn recreates the state machine of a persisted swap.
func resumeVaultIn(cfg *swapConfig, stored *swapdb.VaultIn) *VaultInSwap {
	s := newVaultIn(cfg, stored.Contract)
	s.state = stored.State()
	s.cost = stored.Cost()
	s.lastUpdateTime = stored.LastUpdateTime()
	s.fundingTx = stored.FundingTx
	s.initiated = true
	s.persisted = true

	return s
}

// State returns the current state of the swap.
func (s *VaultInSwap) State() swapdb.VaultInState {
	s.Lock()
	defer s.Unlock()

	return s.state
}

// Info returns a snapshot of the swap.
func (s *VaultInSwap) Info() *SwapInfo {
	s.Lock()
	defer s.Unlock()

	return s.infoLocked(
		uint8(s.state), s.state.String(), s.state.IsPending(),
	)
}

// FundingTx returns the id of the signed funding transaction, nil before
// signing.
func (s *VaultInSwap) FundingTx() *chainhash.Hash {
	s.Lock()
	defer s.Unlock()

	return s.fundingTx
}

// FundingOutputs returns the outputs the funding transaction must pay to.
// Nil on a resumed swap, which is already past signing.
func (s *VaultInSwap) FundingOutputs() []*wire.TxOut {
	s.Lock()
	defer s.Unlock()

	return s.fundingOutputs
}

func (s *VaultInSwap) persistLocked(ctx context.Context) error {
	if !s.initiated {
		return nil
	}

	if !s.persisted {
		err := s.cfg.store.CreateVaultIn(ctx, s.hash, s.contract)
		if err != nil {
			return err
		}
		s.persisted = true
	}

	return s.cfg.store.UpdateVaultIn(
		ctx, s.hash, s.lastUpdateTime, s.state, s.cost,
	)
}

func (s *VaultInSwap) setStateLocked(ctx context.Context,
	next swapdb.VaultInState) error {

	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidState, s.state,
			next)
	}

	return s.applyStateLocked(ctx, next)
}

func (s *VaultInSwap) applyStateLocked(ctx context.Context,
	next swapdb.VaultInState) error {

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

// SignFunding records the signed Bitcoin funding transaction. This is the
// swap's first irreversible action: the swap is persisted, the funding tx id
// pinned, and the transition to Signed recorded.
func (s *VaultInSwap) SignFunding(ctx context.Context,
	signedTx *wire.MsgTx) error {

	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.Lock()
	defer s.Unlock()

	if s.state == swapdb.VaultInSigned {
		return nil
	}

	if s.state != swapdb.VaultInCreated {
		return fmt.Errorf("%w: sign in state %v", ErrInvalidState,
			s.state)
	}

	if s.cfg.clock.Now().After(s.contract.QuoteExpiry) {
		return ErrQuoteExpired
	}

	txid := signedTx.TxHash()
	s.fundingTx = &txid
	s.signedTx = signedTx
	s.initiated = true

	if err := s.persistLocked(ctx); err != nil {
		return err
	}

	err := s.cfg.store.SetVaultInFundingTx(ctx, s.hash, s.fundingTx)
	if err != nil {
		return err
	}

	return s.setStateLocked(ctx, swapdb.VaultInSigned)
}

// Post delivers the signed funding transaction to the intermediary for
// broadcast.
func (s *VaultInSwap) Post(ctx context.Context) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.Lock()
	switch {
	case s.state == swapdb.VaultInPosted:
		s.Unlock()
		return nil

	case s.state != swapdb.VaultInSigned:
		state := s.state
		s.Unlock()
		return fmt.Errorf("%w: post in state %v", ErrInvalidState,
			state)

	case s.signedTx == nil:
		s.Unlock()
		return fmt.Errorf("%w: signed transaction not retained "+
			"across restart, broadcast directly", ErrInvalidState)
	}
	signedTx := s.signedTx
	s.Unlock()

	err := s.cfg.intermediary.PostVaultTransaction(ctx, s.hash, signedTx)
	if err != nil {
		return transientIntermediaryError(
			s.contract.IntermediaryURL, err,
		)
	}

	s.Lock()
	defer s.Unlock()

	if s.state != swapdb.VaultInSigned {
		return nil
	}

	return s.setStateLocked(ctx, swapdb.VaultInPosted)
}

// Broadcast publishes the signed funding transaction through the Bitcoin
// backend directly, as a fallback if the intermediary does not broadcast.
func (s *VaultInSwap) Broadcast(ctx context.Context) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.Lock()
	switch {
	case s.state != swapdb.VaultInSigned &&
		s.state != swapdb.VaultInPosted:

		state := s.state
		s.Unlock()
		return fmt.Errorf("%w: broadcast in state %v",
			ErrInvalidState, state)

	case s.signedTx == nil:
		s.Unlock()
		return fmt.Errorf("%w: signed transaction not retained "+
			"across restart", ErrInvalidState)
	}
	signedTx := s.signedTx
	s.Unlock()

	if err := s.cfg.btc.PublishTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("publish funding tx: %w", err)
	}

	return s.forceBroadcast(ctx)
}

// WaitTillConfirmed blocks until the funding transaction reached the
// required confirmation depth, or a fronter advanced the funds earlier.
func (s *VaultInSwap) WaitTillConfirmed(ctx context.Context) error {
	return waitForCondition(
		ctx, s.swapKit, s.cfg.clock, defaultPollInterval,
		func(ctx context.Context) (bool, error) {
			return s.Sync(ctx, false)
		},
		func() (bool, error) {
			switch state := s.State(); {
			case state == swapdb.VaultInBtcConfirmed ||
				state == swapdb.VaultInFronted ||
				state == swapdb.VaultInClaimed:

				return true, nil

			case state.IsFinal():
				return false, fmt.Errorf("%w: swap ended in "+
					"%v", ErrInvalidState, state)
			}

			return false, nil
		},
	)
}

// WaitTillClaimed blocks until the vault released the destination funds.
func (s *VaultInSwap) WaitTillClaimed(ctx context.Context) error {
	return waitForCondition(
		ctx, s.swapKit, s.cfg.clock, defaultPollInterval,
		func(ctx context.Context) (bool, error) {
			return s.Sync(ctx, false)
		},
		func() (bool, error) {
			switch state := s.State(); {
			case state == swapdb.VaultInClaimed:
				return true, nil

			case state.IsFinal():
				return false, fmt.Errorf("%w: swap ended in "+
					"%v", ErrInvalidState, state)
			}

			return false, nil
		},
	)
}

// Sync re-derives the swap state from the Bitcoin chain and the vault's
// withdrawal status.
func (s *VaultInSwap) Sync(ctx context.Context, forceOnchain bool) (bool,
	error) {

	if s.State().IsFinal() && !forceOnchain {
		return false, nil
	}

	changed, err := s.syncBtc(ctx)
	if err != nil {
		return changed, err
	}

	// Before the transaction is visible on the Bitcoin side the vault
	// cannot have processed anything.
	if s.State() < swapdb.VaultInBroadcast {
		return changed, nil
	}

	statusChanged, err := s.syncWithdrawal(ctx)
	return changed || statusChanged, err
}

// syncBtc reconciles against the Bitcoin side: mempool presence and
// confirmation depth of the funding transaction.
func (s *VaultInSwap) syncBtc(ctx context.Context) (bool, error) {
	s.Lock()
	fundingTx := s.fundingTx
	s.Unlock()

	// Without a signed funding transaction there is nothing on any chain
	// yet.
	if fundingTx == nil {
		return false, nil
	}

	confs, err := s.cfg.btc.Confirmations(ctx, fundingTx)
	if err != nil {
		return false, err
	}

	return s.forceConfirmations(ctx, confs)
}

// syncWithdrawal reconciles against the vault's withdrawal processing
// status on the destination chain.
func (s *VaultInSwap) syncWithdrawal(ctx context.Context) (bool, error) {
	s.Lock()
	fundingTx := s.fundingTx
	s.Unlock()

	if fundingTx == nil {
		return false, nil
	}

	status, err := s.cfg.vaultChain.GetWithdrawalState(
		ctx, s.contract.VaultOwner, s.contract.VaultID, fundingTx,
	)
	if err != nil {
		return false, err
	}

	return s.forceWithdrawalStatus(ctx, status)
}

// needsWithdrawalCheck reports whether a withdrawal state lookup for this
// swap can yield anything new, given the vault's current UTXO and fronting
// address.
func (s *VaultInSwap) needsWithdrawalCheck(state *vault.State,
	frontingAddr string) bool {

	s.Lock()
	defer s.Unlock()

	if s.state.IsFinal() || s.state < swapdb.VaultInBroadcast {
		return false
	}

	// Once the deposit is fully confirmed the vault may process it at any
	// moment.
	if s.state >= swapdb.VaultInBtcConfirmed {
		return true
	}

	// Still waiting for confirmations. The vault can only have acted on
	// this swap through fronting, which shows up as either a vault UTXO
	// advance or a fronting address change.
	return state.CurrentUtxo != s.contract.VaultUtxo ||
		frontingAddr != s.contract.FrontingAddress
}

// vaultInFinality ranks states by finality for the pull-path precedence
// rule. An authoritative broadcast sighting outranks a locally assumed quote
// expiry, the transaction made it out in time after all.
func vaultInFinality(state swapdb.VaultInState) int {
	switch state {
	case swapdb.VaultInCreated:
		return 0

	case swapdb.VaultInSigned:
		return 1

	case swapdb.VaultInPosted:
		return 2

	case swapdb.VaultInQuoteExpired:
		return 3

	case swapdb.VaultInBroadcast:
		return 4

	case swapdb.VaultInBtcConfirmed:
		return 5

	case swapdb.VaultInFronted:
		return 6

	case swapdb.VaultInClaimed, swapdb.VaultInClosed:
		return 7

	default:
		return 0
	}
}

// forceVaultState applies an authoritative target state under the precedence
// rule.
func (s *VaultInSwap) forceVaultState(ctx context.Context,
	target swapdb.VaultInState) (bool, error) {

	s.Lock()
	defer s.Unlock()

	if vaultInFinality(target) <= vaultInFinality(s.state) {
		return false, nil
	}

	if err := s.applyStateLocked(ctx, target); err != nil {
		return false, err
	}

	return true, nil
}

// forceBroadcast records an authoritative mempool sighting.
func (s *VaultInSwap) forceBroadcast(ctx context.Context) error {
	_, err := s.forceVaultState(ctx, swapdb.VaultInBroadcast)
	return err
}

// forceConfirmations applies an authoritative confirmation depth. Negative
// means the transaction is unknown to chain and mempool.
func (s *VaultInSwap) forceConfirmations(ctx context.Context,
	confs int32) (bool, error) {

	switch {
	case confs < 0:
		return false, nil

	case confs >= int32(s.contract.RequiredConfirmations):
		return s.forceVaultState(ctx, swapdb.VaultInBtcConfirmed)

	default:
		return s.forceVaultState(ctx, swapdb.VaultInBroadcast)
	}
}

// forceWithdrawalStatus applies an authoritative withdrawal status read.
func (s *VaultInSwap) forceWithdrawalStatus(ctx context.Context,
	status WithdrawalStatus) (bool, error) {

	var target swapdb.VaultInState
	switch status {
	case WithdrawalStatusFronted:
		target = swapdb.VaultInFronted

	case WithdrawalStatusClaimed:
		target = swapdb.VaultInClaimed

	case WithdrawalStatusClosed:
		target = swapdb.VaultInClosed

	default:
		return false, nil
	}

	return s.forceVaultState(ctx, target)
}

// Tick expires the quote if the funding transaction did not make it to
// broadcast in time. A posted transaction gets the safety margin, the
// intermediary may still broadcast it right at the deadline.
func (s *VaultInSwap) Tick(ctx context.Context, now time.Time) (bool,
	error) {

	s.Lock()
	defer s.Unlock()

	deadline := s.contract.QuoteExpiry
	switch s.state {
	case swapdb.VaultInCreated, swapdb.VaultInSigned:

	case swapdb.VaultInPosted:
		deadline = deadline.Add(quoteExpiryMargin)

	default:
		return false, nil
	}

	if !now.After(deadline) {
		return false, nil
	}

	err := s.setStateLocked(ctx, swapdb.VaultInQuoteExpired)
	return err == nil, err
}

// handleEvent applies a routed vault event.
func (s *VaultInSwap) handleEvent(ctx context.Context,
	event *ChainEvent) error {

	var status WithdrawalStatus
	switch event.Type {
	case EventFront:
		status = WithdrawalStatusFronted

	case EventClaim:
		status = WithdrawalStatusClaimed

	case EventClose:
		status = WithdrawalStatusClosed

	default:
		return nil
	}

	_, err := s.forceWithdrawalStatus(ctx, status)
	return err
}
