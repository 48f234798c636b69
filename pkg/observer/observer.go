// Package observer folds raw chain events into a per-thread cache and emits
// ThreadReady signals the first time a thread's trigger predicate becomes
// true for a given exec_count.
//
// The observer owns its cache exclusively; downstream consumers receive
// immutable thread snapshots on a bounded channel. When the channel is full
// the observer blocks, pausing event intake rather than dropping signals.
package observer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/wuwei-labs/antegen/pkg/source"
	"github.com/wuwei-labs/antegen/pkg/thread"
)

// Event is an observer output event: ThreadReady or ClockTick.
type Event interface {
	observerEvent() string
}

// ThreadReady signals that a thread's trigger became true at its current
// exec_count. At most one ThreadReady is emitted per (pubkey, exec_count).
type ThreadReady struct {
	Pubkey solana.PublicKey
	Thread *thread.Thread
	// TriggerTime is the unix time at which readiness was decided.
	TriggerTime int64
	Slot        uint64
}

// ClockTick forwards a clock update so the executor can drain time-based
// work.
type ClockTick struct {
	Clock thread.Clock
}

func (ThreadReady) observerEvent() string { return "thread_ready" }
func (ClockTick) observerEvent() string   { return "clock_tick" }

// CompletionSink is notified when a thread's exec_count is observed to have
// advanced on-chain, meaning any in-flight task for an earlier generation
// already succeeded.
type CompletionSink interface {
	OnExecuted(pubkey solana.PublicKey, execCount uint64)
}

// Config tunes the observer.
type Config struct {
	// Buffer is the output channel size. Default: 256.
	Buffer int

	// CacheTTL evicts threads not observed for this long. A negative value
	// disables eviction. Default (zero): 10m.
	CacheTTL time.Duration

	// DedupWindow is the size of the emitted-(pubkey, exec_count) LRU that
	// absorbs duplicate upstream events. Default: 4096.
	DedupWindow int
}

// Observer consumes an EventSource and produces ThreadReady / ClockTick
// events.
type Observer struct {
	src    source.EventSource
	cfg    Config
	logger *zap.Logger

	cache   *threadCache
	clock   thread.Clock
	emitted *lru.Cache[string, struct{}]
	out     chan Event

	completions CompletionSink

	blockHeight atomic.Uint64
}

// New creates an observer reading from src.
func New(src source.EventSource, cfg Config, logger *zap.Logger) (*Observer, error) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	emitted, err := lru.New[string, struct{}](cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("create dedup window: %w", err)
	}
	return &Observer{
		src:     src,
		cfg:     cfg,
		logger:  logger,
		cache:   newThreadCache(),
		emitted: emitted,
		out:     make(chan Event, cfg.Buffer),
	}, nil
}

// WithCompletions registers a completion sink. Must be called before Run.
func (o *Observer) WithCompletions(s CompletionSink) *Observer {
	o.completions = s
	return o
}

// Events returns the output channel. It is closed when Run returns.
func (o *Observer) Events() <-chan Event {
	return o.out
}

// BlockHeight returns the monotonic count of confirmed/rooted slot
// transitions seen.
func (o *Observer) BlockHeight() uint64 {
	return o.blockHeight.Load()
}

// CachedThreads returns the number of threads currently tracked.
func (o *Observer) CachedThreads() int {
	return o.cache.len()
}

// Snapshot returns the cached snapshot for a thread, if tracked. The
// returned thread must be treated as immutable.
func (o *Observer) Snapshot(pubkey solana.PublicKey) (*thread.Thread, bool) {
	return o.cache.snapshot(pubkey)
}

// Run drains the event source until ctx is done or the source fails.
func (o *Observer) Run(ctx context.Context) error {
	defer close(o.out)

	for {
		ev, err := o.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event source %s: %w", o.src.Name(), err)
		}
		if err := o.handle(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (o *Observer) handle(ctx context.Context, ev source.Event) error {
	switch e := ev.(type) {
	case source.ThreadUpdate:
		return o.onThreadUpdate(ctx, e)
	case source.AccountUpdate:
		return o.onAccountUpdate(ctx, e)
	case source.ClockUpdate:
		return o.onClockUpdate(ctx, e)
	case source.SlotStatusUpdate:
		if e.Status == source.SlotConfirmed || e.Status == source.SlotRooted {
			o.blockHeight.Add(1)
		}
		return nil
	default:
		o.logger.Warn("unknown source event", zap.String("kind", fmt.Sprintf("%T", ev)))
		return nil
	}
}

func (o *Observer) onThreadUpdate(ctx context.Context, e source.ThreadUpdate) error {
	prev, known := o.cache.get(e.Pubkey)
	if known && e.Thread.ExecCount < prev.Thread.ExecCount {
		// Stale snapshot from a lagging source; exec_count never regresses.
		return nil
	}
	if known && e.Thread.ExecCount > prev.Thread.ExecCount && o.completions != nil {
		// The chain advanced past the cached generation: that execution
		// succeeded, whoever submitted it.
		o.completions.OnExecuted(e.Pubkey, prev.Thread.ExecCount)
	}

	entry := o.cache.upsert(e.Pubkey, e.Thread, time.Now())
	o.syncAccountSubscription(e.Pubkey, entry)

	if e.Thread.Ready(o.clock) {
		entry.ReadyAt = o.clock.UnixTs
		return o.emitReady(ctx, e.Pubkey, e.Thread, e.Slot)
	}
	return nil
}

func (o *Observer) onAccountUpdate(ctx context.Context, e source.AccountUpdate) error {
	for _, pk := range o.cache.watchersOf(e.Pubkey) {
		entry, _ := o.cache.get(pk)
		th := entry.Thread
		hash := th.Trigger.HashAccountData(e.Data)
		if th.ReadyOnAccount(hash) {
			entry.ReadyAt = o.clock.UnixTs
			if err := o.emitReady(ctx, pk, th, e.Slot); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Observer) onClockUpdate(ctx context.Context, e source.ClockUpdate) error {
	o.clock = e.Clock

	var emitErr error
	o.cache.each(func(pk solana.PublicKey, entry *CachedThread) {
		if emitErr != nil {
			return
		}
		if entry.Thread.Ready(o.clock) {
			entry.ReadyAt = o.clock.UnixTs
			emitErr = o.emitReady(ctx, pk, entry.Thread, o.clock.Slot)
		}
	})
	if emitErr != nil {
		return emitErr
	}

	o.evictStale()

	return o.send(ctx, ClockTick{Clock: e.Clock})
}

func (o *Observer) emitReady(ctx context.Context, pubkey solana.PublicKey, th *thread.Thread, slot uint64) error {
	key := dedupKey(pubkey, th.ExecCount)
	if _, seen := o.emitted.Get(key); seen {
		return nil
	}
	o.emitted.Add(key, struct{}{})

	o.logger.Debug("thread ready",
		zap.Stringer("thread", pubkey),
		zap.Uint64("exec_count", th.ExecCount),
		zap.String("trigger", th.Trigger.Kind.String()))

	return o.send(ctx, ThreadReady{
		Pubkey:      pubkey,
		Thread:      th,
		TriggerTime: o.clock.UnixTs,
		Slot:        slot,
	})
}

// send applies backpressure: a full channel pauses event draining.
func (o *Observer) send(ctx context.Context, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case o.out <- ev:
		return nil
	}
}

func (o *Observer) syncAccountSubscription(pubkey solana.PublicKey, entry *CachedThread) {
	isAccount := entry.Thread.Trigger.Kind == thread.TriggerAccount
	switch {
	case isAccount && !entry.SubscriptionActive:
		if err := o.src.SubscribeThread(entry.Thread.Trigger.Address); err != nil {
			o.logger.Warn("subscribe watched account failed",
				zap.Stringer("thread", pubkey),
				zap.Error(err))
			return
		}
		entry.SubscriptionActive = true
		entry.watched = entry.Thread.Trigger.Address
	case !isAccount && entry.SubscriptionActive:
		// Trigger changed away from Account; drop the stale subscription.
		_ = o.src.UnsubscribeThread(entry.watched)
		entry.SubscriptionActive = false
	case isAccount && entry.SubscriptionActive && entry.watched != entry.Thread.Trigger.Address:
		_ = o.src.UnsubscribeThread(entry.watched)
		if err := o.src.SubscribeThread(entry.Thread.Trigger.Address); err != nil {
			o.logger.Warn("subscribe watched account failed",
				zap.Stringer("thread", pubkey),
				zap.Error(err))
			entry.SubscriptionActive = false
			return
		}
		entry.watched = entry.Thread.Trigger.Address
	}
}

func (o *Observer) evictStale() {
	for _, pk := range o.cache.expired(time.Now(), o.cfg.CacheTTL) {
		entry, _ := o.cache.get(pk)
		if entry.SubscriptionActive {
			_ = o.src.UnsubscribeThread(entry.watched)
		}
		o.cache.remove(pk)
		o.logger.Debug("evicted stale thread", zap.Stringer("thread", pk))
	}
}

func dedupKey(pubkey solana.PublicKey, execCount uint64) string {
	return fmt.Sprintf("%s:%d", pubkey, execCount)
}
