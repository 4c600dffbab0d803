package swapengine

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/atomicbridge/swapengine/escrow"
	"github.com/atomicbridge/swapengine/vault"
)

const (
	// defaultRetryAttempts bounds the retries of a single authoritative
	// chain read during reconciliation.
	defaultRetryAttempts = 3

	// defaultRetryDelay is the initial delay between retries, doubled on
	// every attempt.
	defaultRetryDelay = time.Second
)

// watchdog is the poll-path reconciler. It batches authoritative chain reads
// across all tracked swaps and applies the results through the force paths
// of the individual machines, so that a pulled status always advances local
// state and a stale read never moves it back.
type watchdog struct {
	cfg *swapConfig

	retryAttempts int
	retryDelay    time.Duration
}

func newWatchdog(cfg *swapConfig) *watchdog {
	return &watchdog{
		cfg:           cfg,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
	}
}

// retry runs f with bounded exponential backoff. Reconciliation reads hit
// remote nodes that fail transiently, a few spaced attempts paper over the
// common cases without stalling the reconciliation pass for long.
func (w *watchdog) retry(ctx context.Context, label string,
	f func(context.Context) error) error {

	delay := w.retryDelay

	var err error
	for attempt := 1; ; attempt++ {
		err = f(ctx)
		if err == nil {
			return nil
		}

		if attempt >= w.retryAttempts {
			return err
		}

		log.Debugf("Retrying %v in %v (attempt %v): %v",
			label, delay, attempt, err)

		select {
		case <-w.cfg.clock.TickAfter(delay):

		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
	}
}

// checkEscrowSwaps reconciles the given escrow-backed machines against the
// smart chain in a single batched status read. Per-swap apply failures are
// logged and do not fail the batch.
func (w *watchdog) checkEscrowSwaps(ctx context.Context,
	machines []escrowMachine) error {

	if len(machines) == 0 {
		return nil
	}

	escrows := make([]*escrow.Data, 0, len(machines))
	byClaim := make(map[lntypes.Hash]escrowMachine, len(machines))
	for _, m := range machines {
		data := m.escrowData()
		escrows = append(escrows, data)
		byClaim[data.ClaimHash] = m
	}

	var statuses map[lntypes.Hash]CommitStatus
	err := w.retry(ctx, "commit status batch",
		func(ctx context.Context) error {
			var err error
			statuses, err = w.cfg.chain.GetCommitStatuses(
				ctx, escrows,
			)
			return err
		},
	)
	if err != nil {
		return err
	}

	for claimHash, status := range statuses {
		m, ok := byClaim[claimHash]
		if !ok {
			log.Debugf("Commit status for unknown claim hash %x",
				claimHash[:])

			continue
		}

		if _, err := m.forceCommitStatus(ctx, status); err != nil {
			hash := m.swapHash()
			log.Errorf("Swap %v: applying commit status %v: %v",
				shortHash(&hash), status, err)
		}
	}

	return nil
}

// vaultKey identifies a vault instance. Swaps paying into the same vault
// share its on-chain reads.
type vaultKey struct {
	owner string
	id    uint64
}

// checkVaultSwaps reconciles the given vault swaps. The Bitcoin side is
// synced per swap; the withdrawal side is gated on per-vault pre-checks so
// that a vault that demonstrably has not advanced does not cost one
// withdrawal lookup per swap.
func (w *watchdog) checkVaultSwaps(ctx context.Context,
	swaps []*VaultInSwap) error {

	groups := make(map[vaultKey][]*VaultInSwap)
	for _, s := range swaps {
		key := vaultKey{
			owner: s.contract.VaultOwner,
			id:    s.contract.VaultID,
		}
		groups[key] = append(groups[key], s)
	}

	for key, group := range groups {
		for _, s := range group {
			if _, err := s.syncBtc(ctx); err != nil {
				s.log.Warnf("Bitcoin sync: %v", err)
			}
		}

		var state *vault.State
		err := w.retry(ctx, "vault state",
			func(ctx context.Context) error {
				var err error
				state, err = w.cfg.vaultChain.GetVaultState(
					ctx, key.owner, key.id,
				)
				return err
			},
		)
		if err != nil {
			log.Errorf("Vault %v/%v state: %v",
				key.owner, key.id, err)

			continue
		}

		var frontingAddr string
		err = w.retry(ctx, "fronting address",
			func(ctx context.Context) error {
				var err error
				frontingAddr, err = w.cfg.vaultChain.
					GetFrontingAddress(
						ctx, key.owner, key.id,
					)
				return err
			},
		)
		if err != nil {
			log.Errorf("Vault %v/%v fronting address: %v",
				key.owner, key.id, err)

			continue
		}

		for _, s := range group {
			if !s.needsWithdrawalCheck(state, frontingAddr) {
				continue
			}

			if _, err := s.syncWithdrawal(ctx); err != nil {
				s.log.Warnf("Withdrawal sync: %v", err)
			}
		}
	}

	return nil
}

// checkPaymentSwaps polls the remaining machines through their regular sync
// path. These protocols have no batched read, their authoritative source is
// the intermediary's payment status endpoint.
func (w *watchdog) checkPaymentSwaps(ctx context.Context,
	machines []swapMachine) {

	for _, m := range machines {
		if _, err := m.Sync(ctx, false); err != nil {
			hash := m.swapHash()
			log.Warnf("Swap %v: sync: %v", shortHash(&hash), err)
		}
	}
}
