// Package engine wires the execution pipeline: event source → observer →
// queue → executor → submitter, plus the optional replay consumer. It owns
// process lifecycle: orphan recovery on start, ordered shutdown on stop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wuwei-labs/antegen/pkg/executor"
	"github.com/wuwei-labs/antegen/pkg/observer"
	"github.com/wuwei-labs/antegen/pkg/queue"
	"github.com/wuwei-labs/antegen/pkg/source"
	"github.com/wuwei-labs/antegen/pkg/submitter"
)

// Config tunes engine lifecycle behavior.
type Config struct {
	// OrphanStaleAfter is the processing-claim age treated as a crashed
	// worker on startup recovery. Default: 60s.
	OrphanStaleAfter time.Duration

	// OrphanSweepInterval re-runs orphan recovery periodically while the
	// engine is live. Default: 5m.
	OrphanSweepInterval time.Duration
}

// Engine owns the pipeline goroutines.
type Engine struct {
	src    source.EventSource
	obs    *observer.Observer
	exec   *executor.Executor
	queue  *queue.Queue
	replay *submitter.ReplayConsumer
	nats   *nats.Conn
	cfg    Config
	logger *zap.Logger
}

// New assembles an engine. replay and natsConn may be nil when replay is
// disabled.
func New(
	src source.EventSource,
	obs *observer.Observer,
	exec *executor.Executor,
	q *queue.Queue,
	replay *submitter.ReplayConsumer,
	natsConn *nats.Conn,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.OrphanStaleAfter <= 0 {
		cfg.OrphanStaleAfter = 60 * time.Second
	}
	if cfg.OrphanSweepInterval <= 0 {
		cfg.OrphanSweepInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		src:    src,
		obs:    obs,
		exec:   exec,
		queue:  q,
		replay: replay,
		nats:   natsConn,
		cfg:    cfg,
		logger: logger,
	}
}

// QueueCompletions adapts the queue as the observer's completion sink: an
// observed exec_count advance completes the prior generation's task.
type QueueCompletions struct {
	Queue  *queue.Queue
	Logger *zap.Logger
}

// OnExecuted implements observer.CompletionSink.
func (c QueueCompletions) OnExecuted(pubkey solana.PublicKey, execCount uint64) {
	taskID := queue.TaskID(pubkey, execCount)
	if err := c.Queue.Complete(context.Background(), taskID); err != nil && c.Logger != nil {
		c.Logger.Warn("completion sweep failed",
			zap.String("task_id", taskID),
			zap.Stringer("thread", pubkey),
			zap.Error(err))
	}
}

// Run starts the pipeline and blocks until ctx is cancelled or a component
// fails. Shutdown order: event source first, then the observer drains, then
// executor workers finish within their grace period. Orphaned processing
// entries are recovered on the next start.
func (e *Engine) Run(ctx context.Context) error {
	recovered, err := e.queue.RecoverOrphans(ctx, e.cfg.OrphanStaleAfter)
	if err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}
	if recovered > 0 {
		e.logger.Info("recovered orphaned tasks", zap.Int("count", recovered))
	}

	if err := e.src.Start(ctx); err != nil {
		return fmt.Errorf("start event source %s: %w", e.src.Name(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.obs.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("observer: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.exec.Run(runCtx, e.obs.Events()); err != nil {
			errCh <- fmt.Errorf("executor: %w", err)
			cancel()
		}
	}()

	if e.replay != nil && e.nats != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.replay.Run(runCtx, e.nats); err != nil {
				errCh <- fmt.Errorf("replay consumer: %w", err)
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.OrphanSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n, err := e.queue.RecoverOrphans(runCtx, e.cfg.OrphanStaleAfter); err == nil && n > 0 {
					e.logger.Warn("recovered orphaned tasks mid-run", zap.Int("count", n))
				}
			}
		}
	}()

	<-runCtx.Done()

	// Intake stops first so the pipeline drains front to back.
	if err := e.src.Stop(); err != nil {
		e.logger.Warn("event source stop failed", zap.Error(err))
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	return nil
}
