package swapengine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/pricing"
	"github.com/atomicbridge/swapengine/swapdb"
	"github.com/atomicbridge/swapengine/vault"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	testInitiator = "0xa11ce00000000000000000000000000000000000"
	testClaimer   = "0xb0b0000000000000000000000000000000000000"

	testToken    = "USDT"
	testDecimals = uint8(6)

	// testTokenPrice is 25 sats per whole token, in micro-satoshis.
	testTokenPrice = big.NewInt(25_000_000)

	// testTokenAmount prices exactly 1_000_000 sats at testTokenPrice.
	testTokenAmount = big.NewInt(40_000_000_000)

	testAmountSats = btcutil.Amount(1_000_000)

	errMockTransient = errors.New("mock transient failure")
)

// chainMock implements ChainAdapter against an in-memory status map keyed by
// claim hash.
type chainMock struct {
	mu sync.Mutex

	statuses map[lntypes.Hash]CommitStatus
	expired  map[lntypes.Hash]bool

	// statusFails makes the next n status reads fail.
	statusFails int
	statusErr   error

	batchCalls  int
	statusCalls int

	commitCalls int
	commitErr   error

	claimCalls  int
	refundCalls int

	initAuthErr   error
	refundAuthErr error
}

func newChainMock() *chainMock {
	return &chainMock{
		statuses: make(map[lntypes.Hash]CommitStatus),
		expired:  make(map[lntypes.Hash]bool),
	}
}

func (c *chainMock) setStatus(claimHash lntypes.Hash, status CommitStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statuses[claimHash] = status
}

func (c *chainMock) setExpired(claimHash lntypes.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expired[claimHash] = true
}

func (c *chainMock) failStatusReads(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statusFails = n
}

func (c *chainMock) statusReadErr() error {
	if c.statusFails > 0 {
		c.statusFails--
		return errMockTransient
	}

	return c.statusErr
}

func (c *chainMock) VerifyInitAuthorization(_ context.Context,
	_ *escrow.Data, _ []byte) error {

	return c.initAuthErr
}

func (c *chainMock) VerifyRefundAuthorization(_ context.Context,
	_ *escrow.Data, _ []byte) error {

	return c.refundAuthErr
}

func (c *chainMock) GetCommitStatus(_ context.Context,
	data *escrow.Data) (CommitStatus, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.statusCalls++
	if err := c.statusReadErr(); err != nil {
		return CommitStatusNone, err
	}

	return c.statuses[data.ClaimHash], nil
}

func (c *chainMock) GetCommitStatuses(_ context.Context,
	escrows []*escrow.Data) (map[lntypes.Hash]CommitStatus, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.batchCalls++
	if err := c.statusReadErr(); err != nil {
		return nil, err
	}

	statuses := make(map[lntypes.Hash]CommitStatus, len(escrows))
	for _, data := range escrows {
		statuses[data.ClaimHash] = c.statuses[data.ClaimHash]
	}

	return statuses, nil
}

func (c *chainMock) CommitEscrow(_ context.Context, _ *escrow.Data,
	_ []byte) (string, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.commitCalls++
	if c.commitErr != nil {
		return "", c.commitErr
	}

	return "0xcommit", nil
}

func (c *chainMock) ClaimWithSecret(_ context.Context, _ *escrow.Data,
	_ lntypes.Preimage) (string, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.claimCalls++

	return "0xclaim", nil
}

func (c *chainMock) RefundEscrow(_ context.Context, _ *escrow.Data,
	_ []byte) (string, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.refundCalls++

	return "0xrefund", nil
}

func (c *chainMock) IsExpired(_ context.Context,
	data *escrow.Data) (bool, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.expired[data.ClaimHash], nil
}

// btcMock implements BtcChain against in-memory transaction and confirmation
// maps.
type btcMock struct {
	mu sync.Mutex

	txs    map[chainhash.Hash]*wire.MsgTx
	spends map[wire.OutPoint]*wire.MsgTx
	confs  map[chainhash.Hash]int32

	published []*wire.MsgTx
}

func newBtcMock() *btcMock {
	return &btcMock{
		txs:    make(map[chainhash.Hash]*wire.MsgTx),
		spends: make(map[wire.OutPoint]*wire.MsgTx),
		confs:  make(map[chainhash.Hash]int32),
	}
}

func (b *btcMock) addTx(tx *wire.MsgTx, confs int32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hash := tx.TxHash()
	b.txs[hash] = tx
	b.confs[hash] = confs
	for _, in := range tx.TxIn {
		b.spends[in.PreviousOutPoint] = tx
	}
}

func (b *btcMock) setConfs(txid chainhash.Hash, confs int32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.confs[txid] = confs
}

func (b *btcMock) GetTransaction(_ context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, ok := b.txs[*txid]
	if !ok {
		return nil, errors.New("tx not found")
	}

	return tx, nil
}

func (b *btcMock) GetSpendingTx(_ context.Context,
	op wire.OutPoint) (*wire.MsgTx, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.spends[op], nil
}

func (b *btcMock) Confirmations(_ context.Context,
	txid *chainhash.Hash) (int32, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	confs, ok := b.confs[*txid]
	if !ok {
		return -1, nil
	}

	return confs, nil
}

func (b *btcMock) PublishTransaction(_ context.Context,
	tx *wire.MsgTx) error {

	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, tx)

	return nil
}

// vaultChainMock implements VaultChain and counts per-method calls to assert
// the batching behavior of the reconciler.
type vaultChainMock struct {
	mu sync.Mutex

	states      map[vaultKey]*vault.State
	fronting    map[vaultKey]string
	withdrawals map[chainhash.Hash]WithdrawalStatus

	stateFails int

	stateCalls      int
	frontingCalls   int
	withdrawalCalls int
}

func newVaultChainMock() *vaultChainMock {
	return &vaultChainMock{
		states:      make(map[vaultKey]*vault.State),
		fronting:    make(map[vaultKey]string),
		withdrawals: make(map[chainhash.Hash]WithdrawalStatus),
	}
}

func (v *vaultChainMock) GetVaultState(_ context.Context, owner string,
	vaultID uint64) (*vault.State, error) {

	v.mu.Lock()
	defer v.mu.Unlock()

	v.stateCalls++
	if v.stateFails > 0 {
		v.stateFails--
		return nil, errMockTransient
	}

	state, ok := v.states[vaultKey{owner: owner, id: vaultID}]
	if !ok {
		return nil, errors.New("vault not found")
	}

	return state, nil
}

func (v *vaultChainMock) GetFrontingAddress(_ context.Context, owner string,
	vaultID uint64) (string, error) {

	v.mu.Lock()
	defer v.mu.Unlock()

	v.frontingCalls++

	return v.fronting[vaultKey{owner: owner, id: vaultID}], nil
}

func (v *vaultChainMock) GetWithdrawalState(_ context.Context, _ string,
	_ uint64, btcTxid *chainhash.Hash) (WithdrawalStatus, error) {

	v.mu.Lock()
	defer v.mu.Unlock()

	v.withdrawalCalls++

	return v.withdrawals[*btcTxid], nil
}

// intermediaryMock implements IntermediaryClient through optional function
// fields. Methods without a handler fail, tests only wire what they use.
type intermediaryMock struct {
	url string

	quoteEscrowOut func(ctx context.Context, destAddr string,
		destAmount btcutil.Amount, token string,
		amountToken *big.Int) (*EscrowOutTerms, error)

	quoteEscrowIn func(ctx context.Context, claimHash lntypes.Hash,
		amountSats btcutil.Amount, token string,
		claimer string) (*InvoiceTerms, error)

	quoteWatchtowerIn func(ctx context.Context, claimHash lntypes.Hash,
		amountSats btcutil.Amount, token string,
		claimer string) (*InvoiceTerms, error)

	quoteVaultIn func(ctx context.Context, amountSats btcutil.Amount,
		token string, recipient string) (*VaultTerms, error)

	quoteGasSwap func(ctx context.Context, claimHash lntypes.Hash,
		amountSats btcutil.Amount, recipient string) (*InvoiceTerms,
		error)

	paymentStatus func(ctx context.Context,
		hash lntypes.Hash) (PaymentStatus, error)

	refundAuthorization func(ctx context.Context, hash lntypes.Hash,
		refundAddress string) ([]byte, error)

	postVaultTransaction func(ctx context.Context, hash lntypes.Hash,
		tx *wire.MsgTx) error

	broadcastSecret func(ctx context.Context, hash lntypes.Hash,
		preimage lntypes.Preimage) error
}

var errNotWired = errors.New("mock method not wired")

func (m *intermediaryMock) URL() string {
	if m.url == "" {
		return "https://intermediary.test"
	}

	return m.url
}

func (m *intermediaryMock) QuoteEscrowOut(ctx context.Context,
	destAddr string, destAmount btcutil.Amount, token string,
	amountToken *big.Int) (*EscrowOutTerms, error) {

	if m.quoteEscrowOut == nil {
		return nil, errNotWired
	}

	return m.quoteEscrowOut(ctx, destAddr, destAmount, token, amountToken)
}

func (m *intermediaryMock) QuoteEscrowIn(ctx context.Context,
	claimHash lntypes.Hash, amountSats btcutil.Amount, token string,
	claimer string) (*InvoiceTerms, error) {

	if m.quoteEscrowIn == nil {
		return nil, errNotWired
	}

	return m.quoteEscrowIn(ctx, claimHash, amountSats, token, claimer)
}

func (m *intermediaryMock) QuoteWatchtowerIn(ctx context.Context,
	claimHash lntypes.Hash, amountSats btcutil.Amount, token string,
	claimer string) (*InvoiceTerms, error) {

	if m.quoteWatchtowerIn == nil {
		return nil, errNotWired
	}

	return m.quoteWatchtowerIn(ctx, claimHash, amountSats, token, claimer)
}

func (m *intermediaryMock) QuoteVaultIn(ctx context.Context,
	amountSats btcutil.Amount, token string,
	recipient string) (*VaultTerms, error) {

	if m.quoteVaultIn == nil {
		return nil, errNotWired
	}

	return m.quoteVaultIn(ctx, amountSats, token, recipient)
}

func (m *intermediaryMock) QuoteGasSwap(ctx context.Context,
	claimHash lntypes.Hash, amountSats btcutil.Amount,
	recipient string) (*InvoiceTerms, error) {

	if m.quoteGasSwap == nil {
		return nil, errNotWired
	}

	return m.quoteGasSwap(ctx, claimHash, amountSats, recipient)
}

func (m *intermediaryMock) PaymentStatus(ctx context.Context,
	hash lntypes.Hash) (PaymentStatus, error) {

	if m.paymentStatus == nil {
		return PaymentStatusPending, errNotWired
	}

	return m.paymentStatus(ctx, hash)
}

func (m *intermediaryMock) RefundAuthorization(ctx context.Context,
	hash lntypes.Hash, refundAddress string) ([]byte, error) {

	if m.refundAuthorization == nil {
		return nil, errNotWired
	}

	return m.refundAuthorization(ctx, hash, refundAddress)
}

func (m *intermediaryMock) PostVaultTransaction(ctx context.Context,
	hash lntypes.Hash, tx *wire.MsgTx) error {

	if m.postVaultTransaction == nil {
		return errNotWired
	}

	return m.postVaultTransaction(ctx, hash, tx)
}

func (m *intermediaryMock) BroadcastSecret(ctx context.Context,
	hash lntypes.Hash, preimage lntypes.Preimage) error {

	if m.broadcastSecret == nil {
		return errNotWired
	}

	return m.broadcastSecret(ctx, hash, preimage)
}

// eventsMock implements ChainEvents over a buffered channel tests push into.
type eventsMock struct {
	events chan *ChainEvent
}

func newEventsMock() *eventsMock {
	return &eventsMock{events: make(chan *ChainEvent, 16)}
}

func (m *eventsMock) Subscribe(_ context.Context) (<-chan *ChainEvent,
	error) {

	return m.events, nil
}

// oracleMock serves fixed market prices.
type oracleMock struct {
	prices map[string]*big.Int
	usd    uint64
}

func (o *oracleMock) TokenPriceUSats(_ context.Context,
	token string) (*big.Int, error) {

	return o.prices[token], nil
}

func (o *oracleMock) UsdPerBitcoinMicro(_ context.Context) (uint64, error) {
	return o.usd, nil
}

// testContext bundles the mocks behind one swap config and records every
// published swap update.
type testContext struct {
	t *testing.T

	clock        *clock.TestClock
	store        *swapdb.StoreMock
	chain        *chainMock
	btc          *btcMock
	vaultChain   *vaultChainMock
	intermediary *intermediaryMock

	cfg *swapConfig

	mu      sync.Mutex
	updates []*SwapInfo
}

func newTestContext(t *testing.T) *testContext {
	ctx := &testContext{
		t:            t,
		clock:        clock.NewTestClock(testTime),
		store:        swapdb.NewStoreMock(),
		chain:        newChainMock(),
		btc:          newBtcMock(),
		vaultChain:   newVaultChainMock(),
		intermediary: &intermediaryMock{},
	}

	ctx.cfg = newSwapConfig(
		ctx.store, ctx.chain, ctx.btc, ctx.vaultChain,
		ctx.intermediary, ctx.clock, ctx.notify,
	)

	return ctx
}

func (c *testContext) notify(info *SwapInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updates = append(c.updates, info)
}

// notifications returns a snapshot of the updates published so far.
func (c *testContext) notifications() []*SwapInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*SwapInfo(nil), c.updates...)
}

// testEscrowData builds a consistent escrow releasing testTokenAmount to the
// claimer against the given hash.
func testEscrowData(claimHash lntypes.Hash) escrow.Data {
	return escrow.Data{
		ClaimHash:       claimHash,
		Amount:          new(big.Int).Set(testTokenAmount),
		Token:           testToken,
		Offerer:         testInitiator,
		Claimer:         testClaimer,
		Expiry:          2000,
		SecurityDeposit: big.NewInt(100),
		TotalDeposit:    big.NewInt(100),
		Nonce:           7,
	}
}

// validPricingInfo is the pricing snapshot of a quote exactly at market
// price.
func validPricingInfo() pricing.Info {
	return pricing.Info{
		IsValid:               true,
		SwapPriceUSatPerToken: new(big.Int).Set(testTokenPrice),
		RealPriceUSatPerToken: new(big.Int).Set(testTokenPrice),
	}
}

// testContractBase builds the shared contract fields with the quote expiring
// one hour past testTime.
func testContractBase(hash lntypes.Hash) swapdb.SwapContract {
	return swapdb.SwapContract{
		Hash:            hash,
		Nonce:           7,
		IntermediaryURL: "https://intermediary.test",
		Initiator:       testInitiator,
		AmountSats:      testAmountSats,
		AmountToken:     new(big.Int).Set(testTokenAmount),
		Token:           testToken,
		TokenDecimals:   testDecimals,
		SwapFee:         big.NewInt(0),
		SwapFeeBtc:      0,
		Pricing:         validPricingInfo(),
		QuoteExpiry:     testTime.Add(time.Hour),
		InitiationTime:  testTime,
		Version:         swapdb.CurrentSnapshotVersion(),
	}
}

// testEscrowOut builds an escrow out machine over a fresh escrow. The claim
// preimage seeds the claim hash, distinct seeds give distinct swaps.
func testEscrowOut(cfg *swapConfig, seed byte) *EscrowOutSwap {
	preimage := lntypes.Preimage{seed}
	data := testEscrowData(preimage.Hash())

	contract := &swapdb.EscrowOutContract{
		SwapContract:          testContractBase(data.Hash()),
		Escrow:                data,
		DestAddr:              "bcrt1qtest",
		DestAmountSats:        testAmountSats,
		RequiredConfirmations: 3,
	}

	return newEscrowOut(cfg, contract, []byte("init-auth"))
}
