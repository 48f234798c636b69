// Package executor consumes readiness signals from the observer,
// materializes signed execution transactions, and drives them to completion
// through the queue and the submitter.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/wuwei-labs/antegen/pkg/observer"
	"github.com/wuwei-labs/antegen/pkg/queue"
	"github.com/wuwei-labs/antegen/pkg/thread"
)

// Submitter is the send surface the executor drives.
type Submitter interface {
	Submit(ctx context.Context, tx *solana.Transaction, durable bool, threadPubkey solana.PublicKey) (solana.Signature, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// ChainReader fetches individual accounts (fiber, program config).
type ChainReader interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// SnapshotProvider exposes the observer's cached thread snapshots for
// freshness checks.
type SnapshotProvider interface {
	Snapshot(pubkey solana.PublicKey) (*thread.Thread, bool)
}

// Config tunes the executor.
type Config struct {
	// Workers is the execution worker pool size. Default: 10.
	Workers int

	// ClaimBatch caps tasks claimed per clock tick. Default: 32.
	ClaimBatch int

	// SubmitTimeout bounds one submission attempt end to end.
	// Default: 60s.
	SubmitTimeout time.Duration

	// DrainGrace bounds worker drain on shutdown. Default: 10s.
	DrainGrace time.Duration
}

// DeadReasonTriggerNotReady marks tasks the program rejected twice for an
// unready trigger.
const DeadReasonTriggerNotReady = "trigger_not_ready"

// Executor is the intake loop plus worker pool.
type Executor struct {
	builder   *Builder
	queue     *queue.Queue
	submitter Submitter
	chain     ChainReader
	snapshots SnapshotProvider
	cfg       Config
	logger    *zap.Logger

	mu    sync.RWMutex
	clock thread.Clock
}

// New creates an executor.
func New(
	builder *Builder,
	q *queue.Queue,
	sub Submitter,
	chain ChainReader,
	snapshots SnapshotProvider,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 32
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		builder:   builder,
		queue:     q,
		submitter: sub,
		chain:     chain,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger,
	}
}

// Clock returns the executor's latest clock snapshot.
func (e *Executor) Clock() thread.Clock {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock
}

// Run consumes observer events until the channel closes or ctx is done.
// Workers drain in-flight tasks up to the configured grace period.
func (e *Executor) Run(ctx context.Context, events <-chan observer.Event) error {
	tasks := make(chan *queue.Task)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				e.runTask(ctx, task)
			}
		}()
	}

	err := e.intake(ctx, events, tasks)

	close(tasks)
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(e.cfg.DrainGrace):
		e.logger.Warn("worker drain grace expired; orphans recover on next start")
	}
	return err
}

func (e *Executor) intake(ctx context.Context, events <-chan observer.Event, tasks chan<- *queue.Task) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch typed := ev.(type) {
			case observer.ThreadReady:
				e.onThreadReady(ctx, typed)
			case observer.ClockTick:
				e.mu.Lock()
				e.clock = typed.Clock
				e.mu.Unlock()
				if err := e.dispatchReady(ctx, tasks); err != nil {
					return err
				}
			}
		}
	}
}

func (e *Executor) onThreadReady(ctx context.Context, ev observer.ThreadReady) {
	task := queue.NewTask(ev.Pubkey, ev.Thread, ev.TriggerTime, time.Now().UnixMilli())
	err := e.queue.Schedule(ctx, task, time.Now())
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrTaskInFlight):
		e.logger.Debug("generation already in flight",
			zap.String("task_id", task.ID),
			zap.Stringer("thread", ev.Pubkey))
	default:
		e.logger.Error("schedule failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (e *Executor) dispatchReady(ctx context.Context, tasks chan<- *queue.Task) error {
	claimed, err := e.queue.ClaimReady(ctx, time.Now(), e.cfg.ClaimBatch)
	if err != nil {
		return fmt.Errorf("claim ready tasks: %w", err)
	}
	for _, task := range claimed {
		select {
		case <-ctx.Done():
			return nil
		case tasks <- task:
		}
	}
	return nil
}

// runTask is the per-task worker procedure: validate freshness, compose,
// submit, classify.
func (e *Executor) runTask(ctx context.Context, task *queue.Task) {
	log := e.logger.With(
		zap.String("task_id", task.ID),
		zap.Stringer("thread", task.ThreadPubkey),
		zap.Uint64("exec_count", task.Thread.ExecCount),
		zap.Int("retry_count", task.RetryCount),
	)

	// The chain may have moved on while the task sat in the queue.
	if snap, ok := e.snapshots.Snapshot(task.ThreadPubkey); ok && snap.ExecCount > task.Thread.ExecCount {
		log.Info("generation already executed on-chain")
		e.complete(ctx, task, log)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	sig, err := e.executeOnce(taskCtx, task)
	if err == nil {
		log.Info("execution submitted", zap.Stringer("signature", sig))
		e.complete(ctx, task, log)
		return
	}

	class := Classify(err)
	log = log.With(zap.String("class", class.String()), zap.String("reason", err.Error()))

	switch class {
	case ClassBenignRace:
		log.Info("benign race; work already done")
		e.complete(ctx, task, log)

	case ClassSuspicious:
		if task.RetryCount >= 1 {
			e.deadLetter(ctx, task, DeadReasonTriggerNotReady, log)
			return
		}
		e.reschedule(ctx, task, err, log)

	case ClassTransient:
		e.reschedule(ctx, task, err, log)

	default: // ClassPermanent
		e.deadLetter(ctx, task, err.Error(), log)
	}
}

// executeOnce builds, signs, and submits one transaction for the task.
func (e *Executor) executeOnce(ctx context.Context, task *queue.Task) (solana.Signature, error) {
	th := task.Thread

	fiberPubkey, err := thread.FiberPubkey(task.ThreadPubkey, th.ExecIndex)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive fiber address: %w", err)
	}
	fiber, err := e.fetchFiber(ctx, fiberPubkey)
	if err != nil {
		return solana.Signature{}, err
	}
	cfg, err := e.fetchConfig(ctx)
	if err != nil {
		return solana.Signature{}, err
	}

	var blockhash solana.Hash
	if !th.HasNonceAccount() {
		if blockhash, err = e.submitter.LatestBlockhash(ctx); err != nil {
			return solana.Signature{}, fmt.Errorf("fetch blockhash: %w", err)
		}
	}

	tx, durable, err := e.builder.Build(task.ThreadPubkey, th, fiber, cfg, blockhash)
	if err != nil {
		return solana.Signature{}, err
	}

	return e.submitter.Submit(ctx, tx, durable, task.ThreadPubkey)
}

func (e *Executor) fetchFiber(ctx context.Context, pubkey solana.PublicKey) (*thread.Fiber, error) {
	res, err := e.chain.GetAccountInfo(ctx, pubkey)
	if err != nil {
		return nil, fmt.Errorf("fetch fiber account: %w", err)
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("invalid account: fiber %s missing", pubkey)
	}
	fiber, err := thread.DecodeFiber(res.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("invalid account: %w", err)
	}
	return fiber, nil
}

func (e *Executor) fetchConfig(ctx context.Context) (*thread.Config, error) {
	configPubkey, err := thread.ConfigPubkey()
	if err != nil {
		return nil, err
	}
	res, err := e.chain.GetAccountInfo(ctx, configPubkey)
	if err != nil {
		return nil, fmt.Errorf("fetch config account: %w", err)
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("invalid account: program config missing")
	}
	cfg, err := thread.DecodeConfig(res.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("invalid account: %w", err)
	}
	return cfg, nil
}

func (e *Executor) complete(ctx context.Context, task *queue.Task, log *zap.Logger) {
	if err := e.queue.Complete(ctx, task.ID); err != nil {
		log.Error("complete failed", zap.Error(err))
	}
}

func (e *Executor) reschedule(ctx context.Context, task *queue.Task, cause error, log *zap.Logger) {
	delay := e.queue.RetryDelay(task.RetryCount)
	dead, err := e.queue.Reschedule(ctx, task.ID, delay, cause.Error())
	if err != nil {
		log.Error("reschedule failed", zap.Error(err))
		return
	}
	if dead {
		log.Warn("retry budget exhausted; task dead-lettered")
	}
}

func (e *Executor) deadLetter(ctx context.Context, task *queue.Task, reason string, log *zap.Logger) {
	if err := e.queue.DeadLetter(ctx, task.ID, reason); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
		return
	}
	log.Warn("task dead-lettered")
}
