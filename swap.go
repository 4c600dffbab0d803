package swapengine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/swapdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
)

const (
	// defaultPollInterval is the fallback poll cadence of the waiting
	// primitives when no push event arrives.
	defaultPollInterval = time.Second * 30

	// quoteExpiryMargin is the safety margin after the quote deadline
	// before a soft-expired swap is considered unrecoverably expired. A
	// commit sent just before the deadline may still confirm within the
	// margin.
	quoteExpiryMargin = time.Minute * 10
)

// swapConfig groups the collaborators shared by all swap state machines.
type swapConfig struct {
	store        swapdb.SwapStore
	chain        ChainAdapter
	btc          BtcChain
	vaultChain   VaultChain
	intermediary IntermediaryClient
	clock        clock.Clock

	// notify publishes a swap snapshot after every persisted change. Set
	// by the owning wrapper, never nil.
	notify func(*SwapInfo)
}

// newSwapConfig constructs a swap config with the given collaborators.
func newSwapConfig(store swapdb.SwapStore, chain ChainAdapter, btc BtcChain,
	vaultChain VaultChain, intermediary IntermediaryClient,
	clk clock.Clock, notify func(*SwapInfo)) *swapConfig {

	if notify == nil {
		notify = func(*SwapInfo) {}
	}

	return &swapConfig{
		store:        store,
		chain:        chain,
		btc:          btc,
		vaultChain:   vaultChain,
		intermediary: intermediary,
		clock:        clk,
		notify:       notify,
	}
}

// SwapInfo is a point-in-time snapshot of a swap, emitted on every persisted
// change and served by the wrapper's queries.
type SwapInfo struct {
	// SwapHash identifies the swap.
	SwapHash lntypes.Hash

	// Protocol is the swap protocol.
	Protocol swapdb.ProtocolType

	// State is the protocol-specific numeric state.
	State uint8

	// StateName is the human readable state name.
	StateName string

	// Pending is true while the swap is in flight.
	Pending bool

	// AmountSats is the swap amount on the Bitcoin side.
	AmountSats btcutil.Amount

	// AmountToken is the swap amount in token base units.
	AmountToken *big.Int

	// Token identifies the smart chain token.
	Token string

	// Cost is the accrued cost breakdown.
	Cost swapdb.SwapCost

	// LastUpdate is the time of the last state change.
	LastUpdate time.Time

	// IntermediaryURL is the endpoint of the owning intermediary.
	IntermediaryURL string

	// Initiated is true once the swap has taken an irreversible action.
	Initiated bool
}

// swapKit holds the mutable bookkeeping shared by all swap state machines.
// The embedded mutex guards the machine's state, machines lock it around
// every transition.
type swapKit struct {
	sync.Mutex

	hash     lntypes.Hash
	protocol swapdb.ProtocolType
	contract *swapdb.SwapContract

	log *SwapLog

	cost           swapdb.SwapCost
	lastUpdateTime time.Time

	// initiated is set on the first irreversible action. It gates
	// persistence: an uninitiated swap lives only in the quote cache.
	initiated bool

	// persisted tracks whether the contract has been written to the
	// store.
	persisted bool

	// stateChanged is closed and replaced on every transition, waiters
	// use it as a broadcast signal.
	stateChanged chan struct{}

	// opInFlight serializes the blocking user operations of this swap.
	opInFlight bool
}

// newSwapKit initializes the shared bookkeeping of a swap.
func newSwapKit(hash lntypes.Hash, protocol swapdb.ProtocolType,
	contract *swapdb.SwapContract) *swapKit {

	return &swapKit{
		hash:     hash,
		protocol: protocol,
		contract: contract,
		log: &SwapLog{
			Hash:   hash,
			Logger: log,
		},
		lastUpdateTime: contract.InitiationTime,
		stateChanged:   make(chan struct{}),
	}
}

// signalState broadcasts a state change to all waiters. Must be called with
// the kit locked.
func (s *swapKit) signalState() {
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
}

// changeChan returns the channel closed on the next state change.
func (s *swapKit) changeChan() <-chan struct{} {
	s.Lock()
	defer s.Unlock()

	return s.stateChanged
}

// beginOp reserves the swap for one blocking operation. The state mutex is
// not held across the operation's I/O, the reservation is what keeps
// transitions on one swap strictly sequential.
func (s *swapKit) beginOp() error {
	s.Lock()
	defer s.Unlock()

	if s.opInFlight {
		return ErrOperationInFlight
	}

	s.opInFlight = true
	return nil
}

// endOp releases the operation reservation.
func (s *swapKit) endOp() {
	s.Lock()
	defer s.Unlock()

	s.opInFlight = false
}

// isInitiated returns true once the swap has taken an irreversible action.
func (s *swapKit) isInitiated() bool {
	s.Lock()
	defer s.Unlock()

	return s.initiated
}

// swapHash returns the swap identifier.
func (s *swapKit) swapHash() lntypes.Hash {
	return s.hash
}

// protocolType returns the swap protocol.
func (s *swapKit) protocolType() swapdb.ProtocolType {
	return s.protocol
}

// infoLocked assembles the protocol-independent part of a snapshot. Must be
// called with the kit locked.
func (s *swapKit) infoLocked(state uint8, stateName string,
	pending bool) *SwapInfo {

	return &SwapInfo{
		SwapHash:        s.hash,
		Protocol:        s.protocol,
		State:           state,
		StateName:       stateName,
		Pending:         pending,
		AmountSats:      s.contract.AmountSats,
		AmountToken:     s.contract.AmountToken,
		Token:           s.contract.Token,
		Cost:            s.cost,
		LastUpdate:      s.lastUpdateTime,
		IntermediaryURL: s.contract.IntermediaryURL,
		Initiated:       s.initiated,
	}
}

// swapMachine is the contract shared by all protocol state machines, used by
// the wrapper for polymorphic handling.
type swapMachine interface {
	// swapHash returns the swap identifier.
	swapHash() lntypes.Hash

	// protocolType returns the swap protocol.
	protocolType() swapdb.ProtocolType

	// isInitiated returns true once the swap has taken an irreversible
	// action.
	isInitiated() bool

	// Info returns a snapshot of the swap.
	Info() *SwapInfo

	// Tick runs the local, non-blocking per-second checks, principally
	// quote expiry. It returns true if the state changed.
	Tick(ctx context.Context, now time.Time) (bool, error)

	// Sync re-derives the swap state from authoritative sources and
	// returns true if anything changed. With forceOnchain set, cached
	// knowledge is bypassed.
	Sync(ctx context.Context, forceOnchain bool) (bool, error)

	// handleEvent applies a routed on-chain event.
	handleEvent(ctx context.Context, event *ChainEvent) error
}

// escrowMachine is implemented by the escrow-backed protocol machines that
// the watchdog reconciles through batched commit status reads.
type escrowMachine interface {
	swapMachine

	// escrowData returns the escrow the machine is bound to.
	escrowData() *escrow.Data

	// forceCommitStatus applies an authoritative commit status read. It
	// only ever moves the swap toward higher finality, a stale read
	// never regresses local state.
	forceCommitStatus(ctx context.Context,
		status CommitStatus) (bool, error)
}

// waitCondition is polled by waitForCondition. It returns done=true when the
// awaited condition holds, or an error if the swap reached a state from
// which the condition can never hold anymore.
type waitCondition func() (bool, error)

// waitForCondition blocks until cond is satisfied, racing push notifications
// against the poll path: it wakes on swap state changes and additionally
// polls through sync at the given interval, whichever fires first. Poll
// failures are logged and retried on the next interval, they never abort the
// wait.
func waitForCondition(ctx context.Context, kit *swapKit, clk clock.Clock,
	pollInterval time.Duration,
	sync func(context.Context) (bool, error), cond waitCondition) error {

	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	for {
		// Snapshot the change channel before checking, so a
		// transition between the check and the select is not lost.
		changed := kit.changeChan()

		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-changed:

		case <-clk.TickAfter(pollInterval):
			if _, err := sync(ctx); err != nil {
				kit.log.Warnf("Poll failed, retrying: %v", err)
			}
		}
	}
}
