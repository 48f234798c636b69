package observer

import (
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/wuwei-labs/antegen/pkg/thread"
)

// CachedThread is the observer's per-thread record. Thread snapshots handed
// out of the cache are immutable; a new observation replaces the pointer
// rather than mutating the old one.
type CachedThread struct {
	// Thread is the latest decoded snapshot.
	Thread *thread.Thread

	// UpdatedAt is the wall time of the last observation.
	UpdatedAt time.Time

	// ReadyAt caches the trigger-ready unix time, zero when unknown.
	ReadyAt int64

	// SubscriptionActive is set while an Account trigger's watched address
	// has a live source subscription.
	SubscriptionActive bool

	// watched is the subscribed address, retained so the subscription can
	// be dropped even after the trigger changes.
	watched solana.PublicKey
}

// threadCache maps thread pubkeys to cached records. Mutation happens only
// on the observer goroutine; the lock exists so executor workers can read
// snapshots concurrently.
type threadCache struct {
	mu      sync.RWMutex
	entries map[solana.PublicKey]*CachedThread
}

func newThreadCache() *threadCache {
	return &threadCache{entries: map[solana.PublicKey]*CachedThread{}}
}

func (c *threadCache) get(pubkey solana.PublicKey) (*CachedThread, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[pubkey]
	return e, ok
}

func (c *threadCache) snapshot(pubkey solana.PublicKey) (*thread.Thread, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[pubkey]
	if !ok {
		return nil, false
	}
	return e.Thread, true
}

func (c *threadCache) upsert(pubkey solana.PublicKey, th *thread.Thread, now time.Time) *CachedThread {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pubkey]
	if !ok {
		e = &CachedThread{}
		c.entries[pubkey] = e
	}
	e.Thread = th
	e.UpdatedAt = now
	e.ReadyAt = 0
	return e
}

func (c *threadCache) remove(pubkey solana.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, pubkey)
}

func (c *threadCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// each visits every entry under the read lock.
func (c *threadCache) each(fn func(pk solana.PublicKey, e *CachedThread)) {
	c.mu.RLock()
	keys := make([]solana.PublicKey, 0, len(c.entries))
	for pk := range c.entries {
		keys = append(keys, pk)
	}
	c.mu.RUnlock()

	for _, pk := range keys {
		if e, ok := c.get(pk); ok {
			fn(pk, e)
		}
	}
}

// expired returns the pubkeys of entries older than ttl.
func (c *threadCache) expired(now time.Time, ttl time.Duration) []solana.PublicKey {
	if ttl <= 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []solana.PublicKey
	for pk, e := range c.entries {
		if now.Sub(e.UpdatedAt) > ttl {
			out = append(out, pk)
		}
	}
	return out
}

// watchersOf returns the cached threads whose Account trigger monitors the
// given address.
func (c *threadCache) watchersOf(address solana.PublicKey) []solana.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []solana.PublicKey
	for pk, e := range c.entries {
		if e.Thread.Trigger.Kind == thread.TriggerAccount && e.Thread.Trigger.Address == address {
			out = append(out, pk)
		}
	}
	return out
}
