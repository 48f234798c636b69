package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wuwei-labs/antegen/pkg/thread"
)

// Client is the subset of the JSON-RPC surface the poller uses.
type Client interface {
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetEpochInfo(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetEpochInfoResult, error)
	GetBlockTime(ctx context.Context, slot uint64) (*solana.UnixTimeSeconds, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
}

// RPCPollerConfig configures the polling event source.
type RPCPollerConfig struct {
	// PollInterval is the period between getProgramAccounts sweeps.
	// Default: 2s.
	PollInterval time.Duration

	// Buffer is the event channel size. Default: 1024.
	Buffer int

	// RateLimit is the maximum RPC requests per second for auxiliary
	// account fetches. Zero means unlimited.
	RateLimit float64
}

// RPCPoller is the pull-based EventSource: it periodically sweeps the thread
// program's accounts, refreshes the clock, and fetches subscribed accounts.
type RPCPoller struct {
	client Client
	cfg    RPCPollerConfig
	logger *zap.Logger

	events chan Event

	mu         sync.Mutex
	subscribed map[solana.PublicKey]struct{}
	cancel     context.CancelFunc
	done       chan struct{}

	currentSlot atomic.Uint64
	unavailable atomic.Bool

	limiter *rate.Limiter
}

// NewRPCPoller creates a poller over the given RPC client.
func NewRPCPoller(client Client, cfg RPCPollerConfig, logger *zap.Logger) *RPCPoller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &RPCPoller{
		client:     client,
		cfg:        cfg,
		logger:     logger,
		events:     make(chan Event, cfg.Buffer),
		subscribed: map[solana.PublicKey]struct{}{},
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return p
}

// Start launches the poll loop. Calling Start after Stop or a feed loss
// reinitializes state.
func (p *RPCPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("rpc poller already started")
	}
	p.unavailable.Store(false)
	p.events = make(chan Event, p.cfg.Buffer)

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (p *RPCPoller) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Next returns the next polled event.
func (p *RPCPoller) Next(ctx context.Context) (Event, error) {
	p.mu.Lock()
	ch := p.events
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-ch:
		if !ok {
			if p.unavailable.Load() {
				return nil, ErrSourceUnavailable
			}
			return nil, ErrSourceClosed
		}
		return ev, nil
	}
}

// SubscribeThread adds an account to the per-sweep fetch set.
func (p *RPCPoller) SubscribeThread(pubkey solana.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed[pubkey] = struct{}{}
	return nil
}

// UnsubscribeThread removes an account from the per-sweep fetch set.
func (p *RPCPoller) UnsubscribeThread(pubkey solana.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribed, pubkey)
	return nil
}

// CurrentSlot returns the highest slot seen.
func (p *RPCPoller) CurrentSlot() uint64 {
	return p.currentSlot.Load()
}

// Name implements EventSource.
func (p *RPCPoller) Name() string { return "rpc" }

func (p *RPCPoller) loop(ctx context.Context) {
	defer close(p.done)
	defer close(p.events)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Consecutive failures before the source declares itself unavailable.
	const failureBudget = 5
	failures := 0

	for {
		if err := p.sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Warn("rpc sweep failed",
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			if failures >= failureBudget {
				p.unavailable.Store(true)
				return
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep performs one polling round: clock, thread accounts, subscribed
// accounts.
func (p *RPCPoller) sweep(ctx context.Context) error {
	clock, err := p.fetchClock(ctx)
	if err != nil {
		return fmt.Errorf("fetch clock: %w", err)
	}

	prevSlot := p.currentSlot.Load()
	if clock.Slot > prevSlot {
		p.currentSlot.Store(clock.Slot)
	}

	accounts, err := p.client.GetProgramAccountsWithOpts(ctx, thread.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fmt.Errorf("get program accounts: %w", err)
	}

	for _, keyed := range accounts {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		data := keyed.Account.Data.GetBinary()
		th, err := thread.DecodeThread(data)
		if err != nil {
			if err != thread.ErrNotThreadAccount {
				p.logger.Warn("skipping malformed thread account",
					zap.Stringer("pubkey", keyed.Pubkey),
					zap.Error(err))
			}
			continue
		}
		if th.Paused {
			continue
		}
		if err := p.emit(ctx, ThreadUpdate{Pubkey: keyed.Pubkey, Thread: th, Slot: clock.Slot}); err != nil {
			return err
		}
	}

	if err := p.sweepSubscribed(ctx, clock.Slot); err != nil {
		return err
	}

	// Thread updates for a slot are delivered before the clock tick that
	// accompanies them.
	if err := p.emit(ctx, ClockUpdate{Clock: clock}); err != nil {
		return err
	}
	if clock.Slot > prevSlot {
		if err := p.emit(ctx, SlotStatusUpdate{Slot: clock.Slot, Status: SlotConfirmed}); err != nil {
			return err
		}
	}
	return nil
}

func (p *RPCPoller) sweepSubscribed(ctx context.Context, slot uint64) error {
	p.mu.Lock()
	keys := make([]solana.PublicKey, 0, len(p.subscribed))
	for pk := range p.subscribed {
		keys = append(keys, pk)
	}
	p.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	res, err := p.client.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fmt.Errorf("get subscribed accounts: %w", err)
	}
	for i, acc := range res.Value {
		if acc == nil {
			continue
		}
		data := acc.Data.GetBinary()
		ev := AccountUpdate{
			Pubkey:   keys[i],
			Data:     data,
			DataHash: xxhash.Sum64(data),
			Slot:     slot,
		}
		if err := p.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *RPCPoller) fetchClock(ctx context.Context) (thread.Clock, error) {
	slot, err := p.client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return thread.Clock{}, err
	}
	epochInfo, err := p.client.GetEpochInfo(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return thread.Clock{}, err
	}

	unixTs := time.Now().Unix()
	if bt, err := p.client.GetBlockTime(ctx, slot); err == nil && bt != nil {
		unixTs = int64(*bt)
	}
	// Block time can lag for very recent slots; wall time stands in.

	return thread.Clock{Slot: slot, Epoch: epochInfo.Epoch, UnixTs: unixTs}, nil
}

// emit blocks until the consumer accepts the event, applying backpressure to
// the poll loop rather than dropping.
func (p *RPCPoller) emit(ctx context.Context, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.events <- ev:
		return nil
	}
}
