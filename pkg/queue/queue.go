// Package queue is the durable task store between the observer and the
// executor. Tasks are keyed by a deterministic fingerprint of
// (thread, exec_count) and move through three partitions — scheduled,
// processing, dead_letter — with retry bookkeeping in metadata and policy in
// config.
//
// Storage is a single embedded sqlite database; every operation is atomic
// within one transaction, so a failed call leaves no partial writes.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Sentinel errors for queue operations.
var (
	// ErrTaskInFlight indicates a Schedule for a task currently checked out
	// in the processing partition.
	ErrTaskInFlight = errors.New("task is in flight")

	// ErrTaskNotFound indicates the task id is absent from the addressed
	// partition.
	ErrTaskNotFound = errors.New("task not found")
)

// DeadReasonMaxRetries marks tasks that exhausted their retry budget.
const DeadReasonMaxRetries = "max_retries"

const retryConfigKey = "retry_config"

// Stats summarizes partition sizes.
type Stats struct {
	Scheduled  int `json:"scheduled"`
	Processing int `json:"processing"`
	DeadLetter int `json:"dead_letter"`
}

// DeadTask is a dead-letter entry with its terminal metadata.
type DeadTask struct {
	Task       *Task
	Reason     string
	RetryCount int
	DeadAt     int64
}

// Queue is the persistent task queue. It is safe for concurrent use.
type Queue struct {
	db     *sql.DB
	cfg    RetryConfig
	logger *zap.Logger

	// rnd supplies jitter; replaced in tests for determinism.
	rnd func() float64
}

// Open opens (creating if needed) the queue database under dataDir. A
// non-zero cfg is persisted into the config partition; a zero cfg falls
// back to the stored policy, or the defaults on first open.
func Open(dataDir string, cfg RetryConfig, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "queue.db")

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	// Single writer connection with WAL keeps lock contention down.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	q := &Queue{db: db, logger: logger}
	if cfg.isZero() {
		stored, err := q.loadRetryConfig(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		q.cfg = stored
	} else {
		if err := q.storeRetryConfig(ctx, cfg); err != nil {
			_ = db.Close()
			return nil, err
		}
		q.cfg = cfg
	}

	return q, nil
}

// Close releases the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// RetryPolicy returns the active retry configuration.
func (q *Queue) RetryPolicy() RetryConfig {
	return q.cfg
}

// Schedule inserts a task due at readyAt. It is idempotent under the task
// id: a duplicate of a scheduled or dead-lettered task is absorbed, a
// duplicate of an in-flight task returns ErrTaskInFlight.
func (q *Queue) Schedule(ctx context.Context, task *Task, readyAt time.Time) error {
	return q.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM processing WHERE task_id=?`, task.ID).Scan(&one)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrTaskInFlight, task.ID)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		// Terminal until explicitly resurrected.
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM dead_letter WHERE task_id=?`, task.ID).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		blob, err := frameThread(task.Thread)
		if err != nil {
			return err
		}
		nowMs := task.CreatedAt
		if nowMs == 0 {
			nowMs = time.Now().UnixMilli()
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled (task_id, thread_pubkey, thread, trigger_time, scheduled_time, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO NOTHING`,
			task.ID, task.ThreadPubkey.String(), blob, task.TriggerTime, readyAt.UnixMilli(), nowMs)
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (task_id, retry_count, first_seen, updated_at)
			VALUES (?, 0, ?, ?)
			ON CONFLICT(task_id) DO NOTHING`,
			task.ID, nowMs, nowMs); err != nil {
			return err
		}

		q.logger.Info("task scheduled",
			zap.String("task_id", task.ID),
			zap.String("thread", task.ThreadPubkey.String()),
			zap.Uint64("exec_count", task.Thread.ExecCount),
			zap.Int64("scheduled_time", readyAt.UnixMilli()))
		return nil
	})
}

// ClaimReady atomically moves up to max tasks whose scheduled time has
// passed into the processing partition and returns them.
func (q *Queue) ClaimReady(ctx context.Context, now time.Time, max int) ([]*Task, error) {
	if max <= 0 {
		return nil, nil
	}
	var claimed []*Task
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT s.task_id, s.thread_pubkey, s.thread, s.trigger_time, s.scheduled_time, s.created_at,
			       COALESCE(m.retry_count, 0), COALESCE(m.last_error, '')
			FROM scheduled s
			LEFT JOIN metadata m ON m.task_id = s.task_id
			WHERE s.scheduled_time <= ?
			ORDER BY s.scheduled_time, s.task_id
			LIMIT ?`, now.UnixMilli(), max)
		if err != nil {
			return err
		}
		claimed, err = scanTasks(rows)
		if err != nil {
			return err
		}

		nowMs := now.UnixMilli()
		for _, t := range claimed {
			blob, err := frameThread(t.Thread)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO processing (task_id, thread_pubkey, thread, trigger_time, scheduled_time, claimed_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.ThreadPubkey.String(), blob, t.TriggerTime, t.ScheduledAt, nowMs, t.CreatedAt); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled WHERE task_id=?`, t.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range claimed {
		q.logger.Info("task claimed",
			zap.String("task_id", t.ID),
			zap.String("thread", t.ThreadPubkey.String()),
			zap.Uint64("exec_count", t.Thread.ExecCount),
			zap.Int("retry_count", t.RetryCount))
	}
	return claimed, nil
}

// Complete removes a task from processing after terminal success. Completing
// an unknown task is a no-op so benign races (the chain finished the work
// before we did) stay quiet.
func (q *Queue) Complete(ctx context.Context, taskID string) error {
	return q.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM processing WHERE task_id=?`, taskID)
		if err != nil {
			return err
		}
		// A ready-but-unclaimed duplicate of a finished generation is also
		// done.
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled WHERE task_id=?`, taskID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE task_id=?`, taskID); err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			q.logger.Info("task succeeded", zap.String("task_id", taskID))
		}
		return nil
	})
}

// Reschedule moves a processing task back to scheduled after a transient
// failure, with backoff. When the retry budget is exhausted the task moves
// to dead_letter instead; the returned flag reports that.
func (q *Queue) Reschedule(ctx context.Context, taskID string, delay time.Duration, taskErr string) (deadLettered bool, err error) {
	err = q.inTx(ctx, func(tx *sql.Tx) error {
		t, _, err := getProcessing(ctx, tx, taskID)
		if err != nil {
			return err
		}

		retries, err := bumpRetry(ctx, tx, taskID, taskErr)
		if err != nil {
			return err
		}

		if retries > q.cfg.MaxRetries {
			deadLettered = true
			return moveToDeadLetter(ctx, tx, t, DeadReasonMaxRetries, retries)
		}

		nowMs := time.Now().UnixMilli()
		next := nowMs + delay.Milliseconds()
		// Reschedules always move forward in time.
		if next <= t.ScheduledAt {
			next = t.ScheduledAt + 1
		}

		blob, err := frameThread(t.Thread)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled (task_id, thread_pubkey, thread, trigger_time, scheduled_time, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.ThreadPubkey.String(), blob, t.TriggerTime, next, t.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM processing WHERE task_id=?`, taskID); err != nil {
			return err
		}

		q.logger.Warn("task rescheduled",
			zap.String("task_id", taskID),
			zap.Int("retry_count", retries),
			zap.Int64("scheduled_time", next),
			zap.String("reason", taskErr))
		return nil
	})
	return deadLettered, err
}

// RetryDelay computes the backoff for the given retry ordinal using the
// queue's policy.
func (q *Queue) RetryDelay(retry int) time.Duration {
	return q.cfg.Delay(retry, q.rnd)
}

// DeadLetter moves a processing task to the dead-letter partition.
func (q *Queue) DeadLetter(ctx context.Context, taskID, reason string) error {
	return q.inTx(ctx, func(tx *sql.Tx) error {
		t, _, err := getProcessing(ctx, tx, taskID)
		if err != nil {
			return err
		}
		var retries int
		_ = tx.QueryRowContext(ctx, `SELECT retry_count FROM metadata WHERE task_id=?`, taskID).Scan(&retries)
		return moveToDeadLetter(ctx, tx, t, reason, retries)
	})
}

// RecoverOrphans reschedules processing tasks whose claim is older than
// stale — a worker crashed while holding them. They become due immediately.
func (q *Queue) RecoverOrphans(ctx context.Context, stale time.Duration) (int, error) {
	recovered := 0
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		cutoff := time.Now().Add(-stale).UnixMilli()
		rows, err := tx.QueryContext(ctx, `
			SELECT p.task_id, p.thread_pubkey, p.thread, p.trigger_time, p.scheduled_time, p.created_at,
			       0, ''
			FROM processing p
			WHERE p.claimed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		orphans, err := scanTasks(rows)
		if err != nil {
			return err
		}

		nowMs := time.Now().UnixMilli()
		for _, t := range orphans {
			blob, err := frameThread(t.Thread)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO scheduled (task_id, thread_pubkey, thread, trigger_time, scheduled_time, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				t.ID, t.ThreadPubkey.String(), blob, t.TriggerTime, nowMs, t.CreatedAt); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM processing WHERE task_id=?`, t.ID); err != nil {
				return err
			}
			q.logger.Warn("orphaned task recovered", zap.String("task_id", t.ID))
		}
		recovered = len(orphans)
		return nil
	})
	return recovered, err
}

// Stats returns partition sizes.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled`).Scan(&s.Scheduled); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing`).Scan(&s.Processing); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter`).Scan(&s.DeadLetter)
	})
	return s, err
}

// DeadLetterTasks lists the dead-letter partition for manual remediation.
func (q *Queue) DeadLetterTasks(ctx context.Context) ([]DeadTask, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT task_id, thread_pubkey, thread, reason, retry_count, created_at, dead_at
		FROM dead_letter ORDER BY dead_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeadTask
	for rows.Next() {
		var (
			d      DeadTask
			pk     string
			blob   []byte
			create int64
		)
		d.Task = &Task{}
		if err := rows.Scan(&d.Task.ID, &pk, &blob, &d.Reason, &d.RetryCount, &create, &d.DeadAt); err != nil {
			return nil, err
		}
		d.Task.CreatedAt = create
		d.Task.RetryCount = d.RetryCount
		if d.Task.ThreadPubkey, err = solana.PublicKeyFromBase58(pk); err != nil {
			return nil, fmt.Errorf("corrupt thread pubkey %q: %w", pk, err)
		}
		if d.Task.Thread, err = unframeThread(blob); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Resurrect moves a dead-letter task back to scheduled with a reset retry
// budget, due immediately.
func (q *Queue) Resurrect(ctx context.Context, taskID string) error {
	return q.inTx(ctx, func(tx *sql.Tx) error {
		var (
			pk     string
			blob   []byte
			create int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT thread_pubkey, thread, created_at FROM dead_letter WHERE task_id=?`,
			taskID).Scan(&pk, &blob, &create)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err != nil {
			return err
		}

		nowMs := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled (task_id, thread_pubkey, thread, trigger_time, scheduled_time, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			taskID, pk, blob, nowMs/1000, nowMs, create); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter WHERE task_id=?`, taskID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (task_id, retry_count, first_seen, updated_at)
			VALUES (?, 0, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET retry_count=0, last_error=NULL, updated_at=excluded.updated_at`,
			taskID, nowMs, nowMs); err != nil {
			return err
		}
		q.logger.Info("task resurrected", zap.String("task_id", taskID))
		return nil
	})
}

// PurgeDeadLetter deletes dead-letter entries older than retention. A zero
// retention keeps everything.
func (q *Queue) PurgeDeadLetter(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := q.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE dead_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *Queue) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) loadRetryConfig(ctx context.Context) (RetryConfig, error) {
	var raw string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, retryConfigKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		cfg := DefaultRetryConfig()
		return cfg, q.storeRetryConfig(ctx, cfg)
	}
	if err != nil {
		return RetryConfig{}, err
	}
	var cfg RetryConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return RetryConfig{}, fmt.Errorf("parse stored retry config: %w", err)
	}
	return cfg, nil
}

func (q *Queue) storeRetryConfig(ctx context.Context, cfg RetryConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		retryConfigKey, string(raw))
	return err
}

func getProcessing(ctx context.Context, tx *sql.Tx, taskID string) (*Task, int64, error) {
	var (
		t         Task
		pk        string
		blob      []byte
		claimedAt int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT task_id, thread_pubkey, thread, trigger_time, scheduled_time, claimed_at, created_at
		FROM processing WHERE task_id=?`, taskID).
		Scan(&t.ID, &pk, &blob, &t.TriggerTime, &t.ScheduledAt, &claimedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, 0, err
	}
	if t.ThreadPubkey, err = solana.PublicKeyFromBase58(pk); err != nil {
		return nil, 0, fmt.Errorf("corrupt thread pubkey %q: %w", pk, err)
	}
	if t.Thread, err = unframeThread(blob); err != nil {
		return nil, 0, err
	}
	return &t, claimedAt, nil
}

func bumpRetry(ctx context.Context, tx *sql.Tx, taskID, taskErr string) (int, error) {
	nowMs := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO metadata (task_id, retry_count, first_seen, last_error, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			retry_count = retry_count + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		taskID, nowMs, taskErr, nowMs); err != nil {
		return 0, err
	}
	var retries int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM metadata WHERE task_id=?`, taskID).Scan(&retries); err != nil {
		return 0, err
	}
	return retries, nil
}

func moveToDeadLetter(ctx context.Context, tx *sql.Tx, t *Task, reason string, retries int) error {
	blob, err := frameThread(t.Thread)
	if err != nil {
		return err
	}
	nowMs := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letter (task_id, thread_pubkey, thread, reason, retry_count, created_at, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING`,
		t.ID, t.ThreadPubkey.String(), blob, reason, retries, t.CreatedAt, nowMs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM processing WHERE task_id=?`, t.ID); err != nil {
		return err
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		var (
			t    Task
			pk   string
			blob []byte
		)
		if err := rows.Scan(&t.ID, &pk, &blob, &t.TriggerTime, &t.ScheduledAt, &t.CreatedAt, &t.RetryCount, &t.LastError); err != nil {
			return nil, err
		}
		var err error
		if t.ThreadPubkey, err = solana.PublicKeyFromBase58(pk); err != nil {
			return nil, fmt.Errorf("corrupt thread pubkey %q: %w", pk, err)
		}
		if t.Thread, err = unframeThread(blob); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
