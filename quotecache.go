package swapengine

import (
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
)

// quoteCache holds swaps that were quoted but never initiated. It keeps two
// generations and rotates them on a fixed interval: an entry untouched for a
// full generation moves to the old one, untouched for two it is dropped. A
// quote nobody looks at again thus vanishes without ever costing storage,
// while any access keeps it alive.
//
// Not safe for concurrent use, the wrapper serializes access under its own
// mutex.
type quoteCache struct {
	ttl     time.Duration
	clk     clock.Clock
	rotated time.Time

	fresh map[lntypes.Hash]swapMachine
	stale map[lntypes.Hash]swapMachine
}

func newQuoteCache(ttl time.Duration, clk clock.Clock) *quoteCache {
	return &quoteCache{
		ttl:     ttl,
		clk:     clk,
		rotated: clk.Now(),
		fresh:   make(map[lntypes.Hash]swapMachine),
		stale:   make(map[lntypes.Hash]swapMachine),
	}
}

// put stores a freshly quoted swap.
func (c *quoteCache) put(hash lntypes.Hash, m swapMachine) {
	c.fresh[hash] = m
	delete(c.stale, hash)
}

// get returns the cached swap and refreshes it.
func (c *quoteCache) get(hash lntypes.Hash) (swapMachine, bool) {
	if m, ok := c.fresh[hash]; ok {
		return m, true
	}

	m, ok := c.stale[hash]
	if !ok {
		return nil, false
	}

	// Touched, move back to the fresh generation.
	delete(c.stale, hash)
	c.fresh[hash] = m

	return m, true
}

// take removes and returns the cached swap, used when a swap is promoted to
// the initiated index.
func (c *quoteCache) take(hash lntypes.Hash) (swapMachine, bool) {
	m, ok := c.get(hash)
	if !ok {
		return nil, false
	}

	delete(c.fresh, hash)

	return m, true
}

// remove drops the cached swap.
func (c *quoteCache) remove(hash lntypes.Hash) {
	delete(c.fresh, hash)
	delete(c.stale, hash)
}

// all returns every cached swap.
func (c *quoteCache) all() []swapMachine {
	machines := make([]swapMachine, 0, len(c.fresh)+len(c.stale))
	for _, m := range c.fresh {
		machines = append(machines, m)
	}
	for _, m := range c.stale {
		machines = append(machines, m)
	}

	return machines
}

// rotate ages the generations once the interval elapsed and returns the
// dropped swaps. The wrapper re-tracks any returned swap that initiated in
// the meantime.
func (c *quoteCache) rotate(now time.Time) []swapMachine {
	if now.Sub(c.rotated) < c.ttl {
		return nil
	}
	c.rotated = now

	evicted := make([]swapMachine, 0, len(c.stale))
	for _, m := range c.stale {
		evicted = append(evicted, m)
	}

	c.stale = c.fresh
	c.fresh = make(map[lntypes.Hash]swapMachine)

	return evicted
}
