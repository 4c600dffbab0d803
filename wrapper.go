package swapengine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/pricing"
	"github.com/atomicbridge/swapengine/swapdb"
	"github.com/atomicbridge/swapengine/vault"
)

const (
	// defaultTickInterval is the cadence of the wrapper's local expiry
	// checks. Ticks are non-I/O, running them every second is cheap.
	defaultTickInterval = time.Second

	// defaultQuoteCacheTTL is how long an uninitiated quote survives
	// past its expiry before the wrapper forgets it.
	defaultQuoteCacheTTL = time.Minute * 30

	// eventBufferSize is the initial capacity hint of the startup event
	// buffer. The buffer itself is unbounded.
	eventBufferSize = 100

	// statusBufferSize bounds the swap update channel. A slow consumer
	// loses updates rather than blocking the engine.
	statusBufferSize = 50
)

// WrapperConfig groups the collaborators of a swap wrapper. Store, Chain,
// Btc, Intermediary, Events and Pricing are required; VaultChain only when
// vault swaps are quoted.
type WrapperConfig struct {
	// Store persists initiated swaps.
	Store swapdb.SwapStore

	// Chain is the smart chain adapter.
	Chain ChainAdapter

	// Btc is the Bitcoin chain backend.
	Btc BtcChain

	// VaultChain is the vault-side chain adapter, nil disables vault
	// swaps.
	VaultChain VaultChain

	// Intermediary is the quoting intermediary.
	Intermediary IntermediaryClient

	// Events is the on-chain event subscription.
	Events ChainEvents

	// Pricing validates quoted prices against the market.
	Pricing *pricing.Validator

	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock

	// Ticker drives the periodic expiry checks. Defaults to a wall-time
	// ticker at defaultTickInterval.
	Ticker ticker.Ticker

	// QuoteCacheTTL overrides how long uninitiated quotes are kept.
	QuoteCacheTTL time.Duration

	// MaxLineageDepth overrides the vault lineage depth bound.
	MaxLineageDepth int
}

// Wrapper tracks all swaps of one intermediary on one chain pair: it quotes
// and creates swaps, routes chain events to them, runs the periodic expiry
// tick and reconciles everything against authoritative chain state. One
// wrapper per (protocol family, chain) pair.
type Wrapper struct {
	cfg WrapperConfig

	swapCfg  *swapConfig
	verifier *escrow.Verifier
	lineage  *vault.LineageVerifier
	wd       *watchdog

	// mu guards the swap index, the claim index and the quote cache.
	mu sync.Mutex

	// swaps indexes initiated swaps by swap hash.
	swaps map[lntypes.Hash]swapMachine

	// claimIndex maps escrow claim hashes to swap hashes, used for
	// event routing. Claim and swap hash differ for escrow out swaps.
	claimIndex map[lntypes.Hash]lntypes.Hash

	// quotes holds uninitiated swaps. Entries the user never acts on
	// age out without ever touching the store.
	quotes *quoteCache

	statusChan chan *SwapInfo
}

// NewWrapper creates a swap wrapper from the given configuration.
func NewWrapper(cfg WrapperConfig) *Wrapper {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(defaultTickInterval)
	}
	if cfg.QuoteCacheTTL == 0 {
		cfg.QuoteCacheTTL = defaultQuoteCacheTTL
	}

	w := &Wrapper{
		cfg:        cfg,
		swaps:      make(map[lntypes.Hash]swapMachine),
		claimIndex: make(map[lntypes.Hash]lntypes.Hash),
		quotes:     newQuoteCache(cfg.QuoteCacheTTL, cfg.Clock),
		statusChan: make(chan *SwapInfo, statusBufferSize),
	}

	w.swapCfg = newSwapConfig(
		cfg.Store, cfg.Chain, cfg.Btc, cfg.VaultChain,
		cfg.Intermediary, cfg.Clock, w.onSwapUpdate,
	)
	w.verifier = escrow.NewVerifier(cfg.Chain)
	w.lineage = vault.NewLineageVerifier(vault.LineageVerifierConfig{
		TxSource:             cfg.Btc,
		MaxTransactionsDelta: cfg.MaxLineageDepth,
	})
	w.wd = newWatchdog(w.swapCfg)

	return w
}

// SwapUpdates returns the channel carrying a snapshot of every persisted
// swap change. Updates are dropped when the channel is full.
func (w *Wrapper) SwapUpdates() <-chan *SwapInfo {
	return w.statusChan
}

// onSwapUpdate runs after every persisted swap change. It promotes a swap
// out of the quote cache on its first irreversible action and publishes the
// snapshot.
func (w *Wrapper) onSwapUpdate(info *SwapInfo) {
	if info.Initiated {
		w.mu.Lock()
		if m, ok := w.quotes.take(info.SwapHash); ok {
			w.swaps[info.SwapHash] = m
		}
		w.mu.Unlock()
	}

	select {
	case w.statusChan <- info:

	default:
		log.Warnf("Status channel full, dropping update for swap %v",
			shortHash(&info.SwapHash))
	}
}

// addSwap registers a freshly quoted, uninitiated swap in the quote cache
// and the claim index.
func (w *Wrapper) addSwap(m swapMachine) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.quotes.put(m.swapHash(), m)

	if em, ok := m.(escrowMachine); ok {
		w.claimIndex[em.escrowData().ClaimHash] = m.swapHash()
	}
}

// trackSwap registers a swap recovered from the store.
func (w *Wrapper) trackSwap(m swapMachine) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.swaps[m.swapHash()] = m

	if em, ok := m.(escrowMachine); ok {
		w.claimIndex[em.escrowData().ClaimHash] = m.swapHash()
	}
}

// forgetSwap drops a swap from all in-memory indexes.
func (w *Wrapper) forgetSwap(m swapMachine) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.swaps, m.swapHash())
	w.quotes.remove(m.swapHash())

	if em, ok := m.(escrowMachine); ok {
		delete(w.claimIndex, em.escrowData().ClaimHash)
	}
}

// lookupSwap resolves an event hash to a tracked swap, trying the claim
// index first and falling back to a direct swap hash match.
func (w *Wrapper) lookupSwap(hash lntypes.Hash) (swapMachine, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if swapHash, ok := w.claimIndex[hash]; ok {
		hash = swapHash
	}

	if m, ok := w.swaps[hash]; ok {
		return m, true
	}

	return w.quotes.get(hash)
}

// allSwaps snapshots the tracked machines. With includeQuotes set the
// uninitiated quote cache entries are included.
func (w *Wrapper) allSwaps(includeQuotes bool) []swapMachine {
	w.mu.Lock()
	defer w.mu.Unlock()

	machines := make([]swapMachine, 0, len(w.swaps))
	for _, m := range w.swaps {
		machines = append(machines, m)
	}

	if includeQuotes {
		machines = append(machines, w.quotes.all()...)
	}

	return machines
}

// FetchSwaps returns snapshots of all tracked swaps, including uninitiated
// quotes.
func (w *Wrapper) FetchSwaps() []*SwapInfo {
	machines := w.allSwaps(true)

	infos := make([]*SwapInfo, 0, len(machines))
	for _, m := range machines {
		infos = append(infos, m.Info())
	}

	return infos
}

// FetchSwap returns a snapshot of the swap with the given hash.
func (w *Wrapper) FetchSwap(hash lntypes.Hash) (*SwapInfo, error) {
	m, ok := w.lookupSwap(hash)
	if !ok {
		return nil, swapdb.ErrSwapNotFound
	}

	return m.Info(), nil
}

// Start recovers persisted swaps, reconciles them against authoritative
// chain state and then runs the live event and tick loop until the context
// is cancelled. Events arriving during the startup reconciliation are
// buffered and replayed afterwards, so that a live event is never applied
// to a swap that a stale bulk read is about to overwrite.
func (w *Wrapper) Start(ctx context.Context) error {
	log.Infof("Swap engine version %v", Version())

	// Subscribe before reconciling so that no event falls between the
	// bulk read and the live loop.
	eventChan, err := w.cfg.Events.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("event subscription: %w", err)
	}

	buffer := queue.NewConcurrentQueue(eventBufferSize)
	buffer.Start()
	defer buffer.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case event, ok := <-eventChan:
				if !ok {
					return
				}
				buffer.ChanIn() <- event

			case <-ctx.Done():
				return
			}
		}
	}()
	defer wg.Wait()

	if err := w.recoverSwaps(ctx); err != nil {
		return fmt.Errorf("swap recovery: %w", err)
	}

	if err := w.CheckPastSwaps(ctx, nil); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	log.Infof("Wrapper started with %v pending swaps", len(w.allSwaps(false)))

	w.cfg.Ticker.Resume()
	defer w.cfg.Ticker.Stop()

	for {
		select {
		case item := <-buffer.ChanOut():
			w.routeEvent(ctx, item.(*ChainEvent))

		case <-w.cfg.Ticker.Ticks():
			w.Tick(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recoverSwaps loads all pending swaps from the store and resumes their
// state machines.
func (w *Wrapper) recoverSwaps(ctx context.Context) error {
	escrowOuts, err := w.cfg.Store.FetchEscrowOutSwaps(ctx)
	if err != nil {
		return err
	}
	for _, s := range escrowOuts {
		if !s.State().IsPending() {
			continue
		}
		w.trackSwap(resumeEscrowOut(w.swapCfg, s))
	}

	escrowIns, err := w.cfg.Store.FetchEscrowInSwaps(ctx)
	if err != nil {
		return err
	}
	for _, s := range escrowIns {
		if !s.State().IsPending() {
			continue
		}
		w.trackSwap(resumeEscrowIn(w.swapCfg, s))
	}

	watchtowerIns, err := w.cfg.Store.FetchWatchtowerInSwaps(ctx)
	if err != nil {
		return err
	}
	for _, s := range watchtowerIns {
		if !s.State().IsPending() {
			continue
		}
		w.trackSwap(resumeWatchtowerIn(w.swapCfg, s))
	}

	vaultIns, err := w.cfg.Store.FetchVaultInSwaps(ctx)
	if err != nil {
		return err
	}
	for _, s := range vaultIns {
		if !s.State().IsPending() {
			continue
		}
		w.trackSwap(resumeVaultIn(w.swapCfg, s))
	}

	gasSwaps, err := w.cfg.Store.FetchGasSwaps(ctx)
	if err != nil {
		return err
	}
	for _, s := range gasSwaps {
		if !s.State().IsPending() {
			continue
		}
		w.trackSwap(resumeGasSwap(w.swapCfg, s))
	}

	return nil
}

// Tick runs the local expiry checks of every tracked swap and ages out
// stale quotes. It never performs I/O beyond persisting expiry transitions.
func (w *Wrapper) Tick(ctx context.Context) {
	now := w.cfg.Clock.Now()

	for _, m := range w.allSwaps(true) {
		if _, err := m.Tick(ctx, now); err != nil {
			hash := m.swapHash()
			log.Warnf("Swap %v: tick: %v", shortHash(&hash), err)
		}
	}

	w.mu.Lock()
	evicted := w.quotes.rotate(now)
	w.mu.Unlock()

	// Machine state must not be read under the wrapper mutex, the swaps
	// notify the wrapper while holding their own lock.
	for _, m := range evicted {
		if m.isInitiated() {
			w.trackSwap(m)
			continue
		}

		w.forgetSwap(m)

		hash := m.swapHash()
		log.Debugf("Swap %v: unused quote evicted", shortHash(&hash))
	}
}

// CheckPastSwaps reconciles the given swaps against authoritative chain
// state in batched reads. A nil slice reconciles all tracked initiated
// swaps. Swaps found quote-expired are dropped from storage, only swaps
// that actually changed are persisted and published.
func (w *Wrapper) CheckPastSwaps(ctx context.Context,
	machines []swapMachine) error {

	if machines == nil {
		machines = w.allSwaps(false)
	}

	var (
		escrows  []escrowMachine
		vaults   []*VaultInSwap
		payments []swapMachine
	)
	for _, m := range machines {
		switch s := m.(type) {
		case escrowMachine:
			escrows = append(escrows, s)

		case *VaultInSwap:
			vaults = append(vaults, s)

		default:
			payments = append(payments, m)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.wd.checkEscrowSwaps(gctx, escrows)
	})
	group.Go(func() error {
		return w.wd.checkVaultSwaps(gctx, vaults)
	})
	group.Go(func() error {
		w.wd.checkPaymentSwaps(gctx, payments)
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}

	// Quote-expired swaps are gone for good, drop them from storage
	// instead of carrying a terminal record forever.
	for _, m := range machines {
		if err := w.removeIfQuoteExpired(ctx, m); err != nil {
			hash := m.swapHash()
			log.Warnf("Swap %v: removing expired quote: %v",
				shortHash(&hash), err)
		}
	}

	return nil
}

// removeIfQuoteExpired drops a swap whose quote expired unused from the
// store and the in-memory indexes.
func (w *Wrapper) removeIfQuoteExpired(ctx context.Context,
	m swapMachine) error {

	info := m.Info()

	var expired bool
	switch m.protocolType() {
	case swapdb.ProtocolEscrowOut:
		expired = swapdb.EscrowOutState(info.State) ==
			swapdb.EscrowOutQuoteExpired

	case swapdb.ProtocolEscrowIn:
		expired = swapdb.EscrowInState(info.State) ==
			swapdb.EscrowInExpired

	case swapdb.ProtocolWatchtowerIn:
		expired = swapdb.WatchtowerInState(info.State) ==
			swapdb.WatchtowerInExpired

	case swapdb.ProtocolVaultIn:
		expired = swapdb.VaultInState(info.State) ==
			swapdb.VaultInQuoteExpired

	case swapdb.ProtocolGasSwap:
		expired = swapdb.GasSwapState(info.State) ==
			swapdb.GasSwapExpired
	}

	if !expired {
		return nil
	}

	if m.isInitiated() {
		var err error
		switch m.protocolType() {
		case swapdb.ProtocolEscrowOut:
			err = w.cfg.Store.RemoveEscrowOut(ctx, info.SwapHash)

		case swapdb.ProtocolEscrowIn:
			err = w.cfg.Store.RemoveEscrowIn(ctx, info.SwapHash)

		case swapdb.ProtocolWatchtowerIn:
			err = w.cfg.Store.RemoveWatchtowerIn(
				ctx, info.SwapHash,
			)

		case swapdb.ProtocolVaultIn:
			err = w.cfg.Store.RemoveVaultIn(ctx, info.SwapHash)

		case swapdb.ProtocolGasSwap:
			err = w.cfg.Store.RemoveGasSwap(ctx, info.SwapHash)
		}
		if err != nil {
			return err
		}
	}

	w.forgetSwap(m)

	return nil
}

// routeEvent dispatches a chain event to the swap it belongs to. Events for
// unknown swaps are ignored, they are idempotent no-ops on an absent swap.
func (w *Wrapper) routeEvent(ctx context.Context, event *ChainEvent) {
	m, ok := w.lookupSwap(event.Hash)
	if !ok {
		log.Debugf("Ignoring %v event for unknown swap %v",
			event.Type, shortHash(&event.Hash))

		return
	}

	if err := m.handleEvent(ctx, event); err != nil {
		hash := m.swapHash()
		log.Errorf("Swap %v: %v event: %v", shortHash(&hash),
			event.Type, err)
	}
}

// EscrowOutRequest parametrizes a quote for a swap paying out to Bitcoin.
type EscrowOutRequest struct {
	// Initiator is the smart chain address funding the escrow.
	Initiator string

	// DestAddr is the Bitcoin address to pay out to.
	DestAddr string

	// AmountSats is the Bitcoin amount to receive.
	AmountSats btcutil.Amount

	// Token and TokenDecimals identify the token offered.
	Token         string
	TokenDecimals uint8

	// AmountToken is the token amount to lock in the escrow.
	AmountToken *big.Int

	// RequiredConfirmations is the depth at which the Bitcoin payout is
	// considered settled.
	RequiredConfirmations int32

	// MinEscrowExpiry and MaxEscrowExpiry bound the acceptable escrow
	// refund deadline, in chain timestamp units.
	MinEscrowExpiry uint64
	MaxEscrowExpiry uint64
}

// QuoteEscrowOut obtains and fully verifies a quote for a swap of tokens to
// on-chain Bitcoin. The returned swap is held in the quote cache until the
// user commits it.
func (w *Wrapper) QuoteEscrowOut(ctx context.Context,
	req *EscrowOutRequest) (*EscrowOutSwap, error) {

	terms, err := w.cfg.Intermediary.QuoteEscrowOut(
		ctx, req.DestAddr, req.AmountSats, req.Token, req.AmountToken,
	)
	if err != nil {
		return nil, err
	}

	pricingInfo, err := w.validatePrice(
		ctx, false, req.AmountSats, terms.SatsBaseFee, terms.FeePPM,
		req.Token, req.TokenDecimals, req.AmountToken,
	)
	if err != nil {
		return nil, err
	}

	// The escrow must be funded by us and hold exactly the requested
	// amount; the claimer is the intermediary's choice.
	verReq := &escrow.Request{
		ClaimHash: terms.Escrow.ClaimHash,
		Amount:    req.AmountToken,
		Token:     req.Token,
		Claimer:   terms.Escrow.Claimer,
		MinExpiry: req.MinEscrowExpiry,
		MaxExpiry: req.MaxEscrowExpiry,
	}
	err = w.verifier.VerifyInit(
		ctx, verReq, &terms.Escrow, terms.Hash, terms.InitAuth,
	)
	if err != nil {
		return nil, permanentIntermediaryError(
			w.cfg.Intermediary.URL(), err,
		)
	}

	if terms.Escrow.Offerer != req.Initiator {
		return nil, permanentIntermediaryError(
			w.cfg.Intermediary.URL(),
			fmt.Errorf("%w: offerer %v, requested %v",
				escrow.ErrFieldMismatch, terms.Escrow.Offerer,
				req.Initiator),
		)
	}

	contract := &swapdb.EscrowOutContract{
		SwapContract: w.contractBase(
			terms.Hash, req.Initiator, req.AmountSats,
			req.AmountToken, req.Token, req.TokenDecimals,
			terms.SwapFee, terms.SwapFeeBtc, pricingInfo,
			terms.Expiry,
		),
		Escrow:                terms.Escrow,
		DestAddr:              req.DestAddr,
		DestAmountSats:        req.AmountSats,
		RequiredConfirmations: req.RequiredConfirmations,
	}

	s := newEscrowOut(w.swapCfg, contract, terms.InitAuth)
	w.addSwap(s)

	return s, nil
}

// EscrowInRequest parametrizes a quote for a Lightning-funded escrow swap.
type EscrowInRequest struct {
	// Initiator is the smart chain address that will claim the escrow.
	Initiator string

	// AmountSats is the Lightning amount to pay.
	AmountSats btcutil.Amount

	// Token and TokenDecimals identify the token to receive.
	Token         string
	TokenDecimals uint8

	// MinEscrowExpiry and MaxEscrowExpiry bound the acceptable escrow
	// refund deadline, in chain timestamp units.
	MinEscrowExpiry uint64
	MaxEscrowExpiry uint64
}

// QuoteEscrowIn obtains and verifies a quote for a self-settled swap of
// Lightning funds to tokens. The swap secret is generated locally.
func (w *Wrapper) QuoteEscrowIn(ctx context.Context,
	req *EscrowInRequest) (*EscrowInSwap, error) {

	preimage, err := newPreimage()
	if err != nil {
		return nil, err
	}
	hash := preimage.Hash()

	terms, err := w.cfg.Intermediary.QuoteEscrowIn(
		ctx, hash, req.AmountSats, req.Token, req.Initiator,
	)
	if err != nil {
		return nil, err
	}

	contract := &swapdb.EscrowInContract{
		Preimage:    preimage,
		SwapInvoice: terms.Invoice,
		Escrow:      terms.Escrow,
	}
	contract.SwapContract, err = w.verifyInvoiceTerms(
		ctx, hash, req.Initiator, req.AmountSats, req.Token,
		req.TokenDecimals, req.MinEscrowExpiry, req.MaxEscrowExpiry,
		terms,
	)
	if err != nil {
		return nil, err
	}

	s := newEscrowIn(w.swapCfg, contract)
	w.addSwap(s)

	return s, nil
}

// QuoteWatchtowerIn obtains and verifies a quote for a watchtower-settled
// swap of Lightning funds to tokens.
func (w *Wrapper) QuoteWatchtowerIn(ctx context.Context,
	req *EscrowInRequest) (*WatchtowerInSwap, error) {

	preimage, err := newPreimage()
	if err != nil {
		return nil, err
	}
	hash := preimage.Hash()

	terms, err := w.cfg.Intermediary.QuoteWatchtowerIn(
		ctx, hash, req.AmountSats, req.Token, req.Initiator,
	)
	if err != nil {
		return nil, err
	}

	contract := &swapdb.WatchtowerInContract{
		Preimage:         preimage,
		SwapInvoice:      terms.Invoice,
		Escrow:           terms.Escrow,
		WatchtowerFeePPM: terms.WatchtowerFeePPM,
	}
	contract.SwapContract, err = w.verifyInvoiceTerms(
		ctx, hash, req.Initiator, req.AmountSats, req.Token,
		req.TokenDecimals, req.MinEscrowExpiry, req.MaxEscrowExpiry,
		terms,
	)
	if err != nil {
		return nil, err
	}

	s := newWatchtowerIn(w.swapCfg, contract)
	w.addSwap(s)

	return s, nil
}

// verifyInvoiceTerms runs the shared verification of a Lightning-funded
// escrow quote and assembles the contract base. The escrow amount is the
// intermediary's proposal, the price validation is what keeps it honest.
func (w *Wrapper) verifyInvoiceTerms(ctx context.Context, hash lntypes.Hash,
	initiator string, amountSats btcutil.Amount, token string,
	decimals uint8, minExpiry, maxExpiry uint64,
	terms *InvoiceTerms) (swapdb.SwapContract, error) {

	pricingInfo, err := w.validatePrice(
		ctx, true, amountSats, terms.SatsBaseFee, terms.FeePPM,
		token, decimals, terms.Escrow.Amount,
	)
	if err != nil {
		return swapdb.SwapContract{}, err
	}

	verReq := &escrow.Request{
		ClaimHash: hash,
		Amount:    terms.Escrow.Amount,
		Token:     token,
		Claimer:   initiator,
		MinExpiry: minExpiry,
		MaxExpiry: maxExpiry,
	}
	err = w.verifier.VerifyFields(verReq, &terms.Escrow, terms.Hash)
	if err != nil {
		return swapdb.SwapContract{}, permanentIntermediaryError(
			w.cfg.Intermediary.URL(), err,
		)
	}

	return w.contractBase(
		hash, initiator, amountSats, terms.Escrow.Amount, token,
		decimals, terms.SwapFee, terms.SwapFeeBtc, pricingInfo,
		terms.Expiry,
	), nil
}

// VaultInRequest parametrizes a quote for an SPV-vault controlled swap.
type VaultInRequest struct {
	// Initiator is the smart chain address receiving the vault payout.
	Initiator string

	// AmountSats is the on-chain Bitcoin amount to fund.
	AmountSats btcutil.Amount

	// Token and TokenDecimals identify the token to receive.
	Token         string
	TokenDecimals uint8
}

// QuoteVaultIn obtains a vault swap quote and verifies it, including the
// lineage walk from the reported vault UTXO back to on-chain truth. The
// funding outputs to sign against are available on the returned swap.
func (w *Wrapper) QuoteVaultIn(ctx context.Context,
	req *VaultInRequest) (*VaultInSwap, error) {

	if w.cfg.VaultChain == nil {
		return nil, fmt.Errorf("no vault chain configured")
	}

	terms, err := w.cfg.Intermediary.QuoteVaultIn(
		ctx, req.AmountSats, req.Token, req.Initiator,
	)
	if err != nil {
		return nil, err
	}

	pricingInfo, err := w.validatePrice(
		ctx, true, req.AmountSats, terms.SatsBaseFee, terms.FeePPM,
		req.Token, req.TokenDecimals, terms.AmountToken,
	)
	if err != nil {
		return nil, err
	}

	// The reported vault UTXO may be ahead of the chain. Walk it back to
	// the confirmed UTXO and make sure the predicted balance still covers
	// the payout.
	vaultState, err := w.cfg.VaultChain.GetVaultState(
		ctx, terms.VaultOwner, terms.VaultID,
	)
	if err != nil {
		return nil, fmt.Errorf("vault state: %w", err)
	}

	requested := []vault.TokenAmount{{
		Token:  req.Token,
		Amount: terms.AmountToken,
	}}
	_, _, err = w.lineage.VerifyLineage(
		ctx, vaultState, terms.VaultUtxo, requested,
	)
	if err != nil {
		return nil, permanentIntermediaryError(
			w.cfg.Intermediary.URL(), err,
		)
	}

	if terms.FrontingAddress != "" {
		addr, err := w.cfg.VaultChain.GetFrontingAddress(
			ctx, terms.VaultOwner, terms.VaultID,
		)
		if err != nil {
			return nil, fmt.Errorf("fronting address: %w", err)
		}

		if addr != terms.FrontingAddress {
			return nil, permanentIntermediaryError(
				w.cfg.Intermediary.URL(),
				fmt.Errorf("fronting address %v not "+
					"authorized, vault allows %v",
					terms.FrontingAddress, addr),
			)
		}
	}

	// The intermediary dictates what the funding transaction pays. The
	// outputs must add up to exactly the quoted amount, a padded output
	// list would make the user overpay outside the validated pricing.
	var outputSum btcutil.Amount
	for _, out := range terms.FundingOutputs {
		outputSum += btcutil.Amount(out.Value)
	}
	if outputSum != req.AmountSats {
		return nil, permanentIntermediaryError(
			w.cfg.Intermediary.URL(),
			fmt.Errorf("funding outputs pay %v, quoted %v",
				outputSum, req.AmountSats),
		)
	}

	contract := &swapdb.VaultInContract{
		SwapContract: w.contractBase(
			terms.Hash, req.Initiator, req.AmountSats,
			terms.AmountToken, req.Token, req.TokenDecimals,
			terms.SwapFee, terms.SwapFeeBtc, pricingInfo,
			terms.Expiry,
		),
		VaultOwner:            terms.VaultOwner,
		VaultID:               terms.VaultID,
		VaultUtxo:             terms.VaultUtxo,
		RequiredConfirmations: terms.RequiredConfirmations,
		FrontingAddress:       terms.FrontingAddress,
	}

	s := newVaultIn(w.swapCfg, contract)
	s.fundingOutputs = copyTxOuts(terms.FundingOutputs)
	w.addSwap(s)

	return s, nil
}

// GasSwapRequest parametrizes a quote for a small trusted gas top-up.
type GasSwapRequest struct {
	// Initiator is the smart chain address receiving the gas.
	Initiator string

	// AmountSats is the Lightning amount to pay.
	AmountSats btcutil.Amount

	// RefundAddress is the Bitcoin address refunds are authorized to if
	// the intermediary cannot pay out.
	RefundAddress string
}

// QuoteGasSwap obtains a quote for a gas top-up. Gas swaps are explicitly
// trusted for their small amounts, no market validation applies.
func (w *Wrapper) QuoteGasSwap(ctx context.Context,
	req *GasSwapRequest) (*GasSwap, error) {

	preimage, err := newPreimage()
	if err != nil {
		return nil, err
	}
	hash := preimage.Hash()

	terms, err := w.cfg.Intermediary.QuoteGasSwap(
		ctx, hash, req.AmountSats, req.Initiator,
	)
	if err != nil {
		return nil, err
	}

	contract := &swapdb.GasSwapContract{
		SwapContract: w.contractBase(
			hash, req.Initiator, req.AmountSats, nil, "", 0,
			terms.SwapFee, terms.SwapFeeBtc, &pricing.Info{
				IsValid:     true,
				SatsBaseFee: terms.SatsBaseFee,
				FeePPM:      terms.FeePPM,
			},
			terms.Expiry,
		),
		Preimage:      preimage,
		SwapInvoice:   terms.Invoice,
		RefundAddress: req.RefundAddress,
	}

	s := newGasSwap(w.swapCfg, contract)
	w.addSwap(s)

	return s, nil
}

// validatePrice runs the market price validation and maps a rejection to a
// permanent intermediary error.
func (w *Wrapper) validatePrice(ctx context.Context, send bool,
	amountSats, baseFee btcutil.Amount, feePPM uint64, token string,
	decimals uint8, tokenAmount *big.Int) (*pricing.Info, error) {

	var (
		info *pricing.Info
		err  error
	)
	if send {
		info, err = w.cfg.Pricing.ValidateSend(
			ctx, amountSats, baseFee, feePPM, token, decimals,
			tokenAmount,
		)
	} else {
		info, err = w.cfg.Pricing.ValidateReceive(
			ctx, amountSats, baseFee, feePPM, token, decimals,
			tokenAmount,
		)
	}
	if err != nil {
		return nil, transientIntermediaryError(
			w.cfg.Intermediary.URL(), err,
		)
	}

	if !info.IsValid {
		return nil, permanentIntermediaryError(
			w.cfg.Intermediary.URL(),
			fmt.Errorf("quoted price deviates %v ppm from market",
				info.DifferencePPM),
		)
	}

	return info, nil
}

// contractBase assembles the shared contract fields of a verified quote.
func (w *Wrapper) contractBase(hash lntypes.Hash, initiator string,
	amountSats btcutil.Amount, amountToken *big.Int, token string,
	decimals uint8, swapFee *big.Int, swapFeeBtc btcutil.Amount,
	pricingInfo *pricing.Info, expiry time.Time) swapdb.SwapContract {

	return swapdb.SwapContract{
		Hash:            hash,
		Nonce:           randomNonce(),
		IntermediaryURL: w.cfg.Intermediary.URL(),
		Initiator:       initiator,
		AmountSats:      amountSats,
		AmountToken:     amountToken,
		Token:           token,
		TokenDecimals:   decimals,
		SwapFee:         swapFee,
		SwapFeeBtc:      swapFeeBtc,
		Pricing:         *pricingInfo,
		QuoteExpiry:     expiry,
		InitiationTime:  w.cfg.Clock.Now(),
		Version:         swapdb.CurrentSnapshotVersion(),
	}
}

// newPreimage draws a fresh swap secret.
func newPreimage() (lntypes.Preimage, error) {
	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		return lntypes.Preimage{}, err
	}

	return preimage, nil
}

// randomNonce draws a nonce disambiguating otherwise identical quotes.
func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}

	return binary.BigEndian.Uint64(b[:])
}

func copyTxOuts(outs []*wire.TxOut) []*wire.TxOut {
	copied := make([]*wire.TxOut, len(outs))
	for i, out := range outs {
		copied[i] = wire.NewTxOut(out.Value, out.PkScript)
	}

	return copied
}
