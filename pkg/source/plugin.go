package source

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/wuwei-labs/antegen/pkg/thread"
)

// PluginBridge adapts a validator plugin's account-update callbacks into an
// EventSource.
//
// The callbacks run on the validator's hot path and must never block: events
// are written to a bounded channel, and when the channel is full the event
// is dropped and counted. Non-thread, non-clock accounts are filtered out
// before enqueueing unless explicitly subscribed.
type PluginBridge struct {
	logger *zap.Logger

	events chan Event

	mu         sync.RWMutex
	subscribed map[solana.PublicKey]struct{}
	started    bool
	stopped    bool

	currentSlot atomic.Uint64
	dropped     atomic.Int64
}

// PluginBridgeConfig configures the bridge.
type PluginBridgeConfig struct {
	// Buffer is the bounded channel size between the validator callback and
	// the consumer. Default: 4096.
	Buffer int
}

// NewPluginBridge creates a bridge with the given buffer size.
func NewPluginBridge(cfg PluginBridgeConfig, logger *zap.Logger) *PluginBridge {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PluginBridge{
		logger:     logger,
		events:     make(chan Event, cfg.Buffer),
		subscribed: map[solana.PublicKey]struct{}{},
	}
}

// Start marks the bridge live. Restarting after Stop replaces the event
// channel and resets the drop counter.
func (b *PluginBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		b.events = make(chan Event, cap(b.events))
		b.dropped.Store(0)
		b.stopped = false
	}
	b.started = true
	return nil
}

// Stop halts intake. Pending events remain readable until drained.
func (b *PluginBridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started && !b.stopped {
		b.stopped = true
		b.started = false
		close(b.events)
	}
	return nil
}

// Next returns the next bridged event.
func (b *PluginBridge) Next(ctx context.Context) (Event, error) {
	b.mu.RLock()
	ch := b.events
	b.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-ch:
		if !ok {
			return nil, ErrSourceClosed
		}
		return ev, nil
	}
}

// SubscribeThread adds an account to the pass-through filter.
func (b *PluginBridge) SubscribeThread(pubkey solana.PublicKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[pubkey] = struct{}{}
	return nil
}

// UnsubscribeThread removes an account from the pass-through filter.
func (b *PluginBridge) UnsubscribeThread(pubkey solana.PublicKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, pubkey)
	return nil
}

// CurrentSlot returns the highest slot seen from the validator.
func (b *PluginBridge) CurrentSlot() uint64 {
	return b.currentSlot.Load()
}

// Name implements EventSource.
func (b *PluginBridge) Name() string { return "plugin" }

// Dropped returns the number of events discarded because the channel was
// full.
func (b *PluginBridge) Dropped() int64 {
	return b.dropped.Load()
}

// OnAccountUpdate is the validator callback for account writes. It filters,
// decodes, and enqueues without blocking.
func (b *PluginBridge) OnAccountUpdate(pubkey, owner solana.PublicKey, data []byte, slot uint64) {
	if slot > b.currentSlot.Load() {
		b.currentSlot.Store(slot)
	}

	switch {
	case pubkey == solana.SysVarClockPubkey:
		clock, err := thread.DecodeClock(data)
		if err != nil {
			b.logger.Warn("skipping malformed clock sysvar", zap.Error(err))
			return
		}
		b.enqueue(ClockUpdate{Clock: clock})

	case owner == thread.ProgramID:
		th, err := thread.DecodeThread(data)
		if err != nil {
			// Fiber and config accounts share the program owner; only
			// thread accounts flow downstream.
			if err != thread.ErrNotThreadAccount {
				b.logger.Warn("skipping malformed thread account",
					zap.Stringer("pubkey", pubkey),
					zap.Error(err))
			}
			return
		}
		if th.Paused {
			return
		}
		b.enqueue(ThreadUpdate{Pubkey: pubkey, Thread: th, Slot: slot})

	case b.isSubscribed(pubkey):
		b.enqueue(AccountUpdate{
			Pubkey:   pubkey,
			Data:     data,
			DataHash: xxhash.Sum64(data),
			Slot:     slot,
		})
	}
}

// OnSlotStatus is the validator callback for slot commitment transitions.
func (b *PluginBridge) OnSlotStatus(slot uint64, status SlotStatus) {
	if slot > b.currentSlot.Load() {
		b.currentSlot.Store(slot)
	}
	b.enqueue(SlotStatusUpdate{Slot: slot, Status: status})
}

func (b *PluginBridge) isSubscribed(pubkey solana.PublicKey) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribed[pubkey]
	return ok
}

func (b *PluginBridge) enqueue(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.started || b.stopped {
		return
	}
	select {
	case b.events <- ev:
	default:
		// Dropping beats stalling the validator.
		b.dropped.Add(1)
	}
}
