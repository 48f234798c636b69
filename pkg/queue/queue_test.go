package queue

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwei-labs/antegen/pkg/thread"
)

func testQueue(t *testing.T, cfg RetryConfig) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	// Deterministic jitter for tests.
	q.rnd = func() float64 { return 0.5 }
	return q
}

func testTask(execCount uint64) *Task {
	pk := solana.NewWallet().PublicKey()
	th := &thread.Thread{
		Version:        1,
		Authority:      solana.NewWallet().PublicKey(),
		ID:             []byte("q"),
		Name:           "q",
		Fibers:         []byte{0},
		ExecCount:      execCount,
		Trigger:        thread.Trigger{Kind: thread.TriggerNow},
		TriggerContext: thread.TriggerContext{Kind: thread.ContextTimestamp},
	}
	return NewTask(pk, th, 1000, time.Now().UnixMilli())
}

func TestTaskID(t *testing.T) {
	pk := solana.NewWallet().PublicKey()

	assert.Equal(t, TaskID(pk, 5), TaskID(pk, 5), "deterministic")
	assert.NotEqual(t, TaskID(pk, 5), TaskID(pk, 6), "exec_count distinguishes")
	assert.NotEqual(t, TaskID(pk, 5), TaskID(solana.NewWallet().PublicKey(), 5), "pubkey distinguishes")
	assert.Len(t, TaskID(pk, 5), 32)
}

func TestQueue_ScheduleAndClaim(t *testing.T) {
	q := testQueue(t, RetryConfig{})
	ctx := context.Background()

	task := testTask(0)
	now := time.Now()
	require.NoError(t, q.Schedule(ctx, task, now))

	// Not yet due.
	early, err := q.ClaimReady(ctx, now.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, early)

	claimed, err := q.ClaimReady(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, task.ID, claimed[0].ID)
	assert.Equal(t, task.ThreadPubkey, claimed[0].ThreadPubkey)
	assert.Equal(t, task.Thread.ExecCount, claimed[0].Thread.ExecCount)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Scheduled: 0, Processing: 1, DeadLetter: 0}, stats)

	require.NoError(t, q.Complete(ctx, task.ID))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestQueue_ScheduleIdempotent(t *testing.T) {
	// A thread observed twice from redundant sources at the same exec_count
	// yields exactly one task.
	q := testQueue(t, RetryConfig{})
	ctx := context.Background()

	task := testTask(5)
	dup := *task
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, task, now))
	require.NoError(t, q.Schedule(ctx, &dup, now.Add(time.Minute)))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)

	claimed, err := q.ClaimReady(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1, "the second schedule must not change the ready time")
}

func TestQueue_ScheduleRejectsInFlight(t *testing.T) {
	q := testQueue(t, RetryConfig{})
	ctx := context.Background()

	task := testTask(0)
	now := time.Now()
	require.NoError(t, q.Schedule(ctx, task, now))
	_, err := q.ClaimReady(ctx, now.Add(time.Second), 1)
	require.NoError(t, err)

	err = q.Schedule(ctx, task, now)
	assert.ErrorIs(t, err, ErrTaskInFlight)
}

func TestQueue_RescheduleBacksOffThenDeadLetters(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:        3,
		InitialDelayMs:    100,
		MaxDelayMs:        10_000,
		BackoffMultiplier: 2.0,
	}
	q := testQueue(t, cfg)
	ctx := context.Background()

	task := testTask(0)
	require.NoError(t, q.Schedule(ctx, task, time.Now()))

	var lastScheduled int64
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		claimed, err := q.ClaimReady(ctx, time.Now().Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		assert.Equal(t, attempt, claimed[0].RetryCount)
		assert.Greater(t, claimed[0].ScheduledAt, lastScheduled, "scheduled_time strictly increases")
		lastScheduled = claimed[0].ScheduledAt
		if attempt > 0 {
			assert.Equal(t, "connection refused", claimed[0].LastError)
		}

		dead, err := q.Reschedule(ctx, task.ID, q.RetryDelay(claimed[0].RetryCount), "connection refused")
		require.NoError(t, err)
		assert.Equal(t, attempt == cfg.MaxRetries, dead,
			"the attempt after the retry budget moves to dead letter")
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{DeadLetter: 1}, stats)

	deads, err := q.DeadLetterTasks(ctx)
	require.NoError(t, err)
	require.Len(t, deads, 1)
	assert.Equal(t, DeadReasonMaxRetries, deads[0].Reason)
	assert.GreaterOrEqual(t, deads[0].RetryCount, cfg.MaxRetries)
}

func TestQueue_DeadLetterAndResurrect(t *testing.T) {
	q := testQueue(t, RetryConfig{})
	ctx := context.Background()

	task := testTask(2)
	require.NoError(t, q.Schedule(ctx, task, time.Now()))
	_, err := q.ClaimReady(ctx, time.Now().Add(time.Second), 1)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, task.ID, "insufficient funds"))

	// Dead-lettered tasks absorb re-schedules silently.
	require.NoError(t, q.Schedule(ctx, task, time.Now()))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{DeadLetter: 1}, stats)

	require.NoError(t, q.Resurrect(ctx, task.ID))
	claimed, err := q.ClaimReady(ctx, time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Zero(t, claimed[0].RetryCount, "resurrect resets the retry budget")

	assert.ErrorIs(t, q.Resurrect(ctx, "missing"), ErrTaskNotFound)
}

func TestQueue_RecoverOrphans(t *testing.T) {
	q := testQueue(t, RetryConfig{})
	ctx := context.Background()

	task := testTask(0)
	require.NoError(t, q.Schedule(ctx, task, time.Now().Add(-time.Second)))
	_, err := q.ClaimReady(ctx, time.Now(), 1)
	require.NoError(t, err)

	// A fresh claim is not an orphan.
	n, err := q.RecoverOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// With a 1ms threshold the 2ms-old claim counts as crashed.
	time.Sleep(2 * time.Millisecond)
	n, err = q.RecoverOrphans(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := q.ClaimReady(ctx, time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1, "recovered task is immediately due")
}

func TestQueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, RetryConfig{MaxRetries: 7, InitialDelayMs: 1, MaxDelayMs: 2, BackoffMultiplier: 1.5, JitterFactor: 0.2}, nil)
	require.NoError(t, err)

	task := testTask(0)
	require.NoError(t, q.Schedule(context.Background(), task, time.Now()))
	require.NoError(t, q.Close())

	reopened, err := Open(dir, RetryConfig{}, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, 7, reopened.RetryPolicy().MaxRetries, "retry policy persists in the config partition")

	claimed, err := reopened.ClaimReady(context.Background(), time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, task.ID, claimed[0].ID)
	assert.Equal(t, task.Thread.ExecCount, claimed[0].Thread.ExecCount)
}

func TestQueue_PurgeDeadLetter(t *testing.T) {
	q := testQueue(t, RetryConfig{})
	ctx := context.Background()

	task := testTask(0)
	require.NoError(t, q.Schedule(ctx, task, time.Now()))
	_, err := q.ClaimReady(ctx, time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, task.ID, "bad account"))

	// Zero retention never evicts.
	n, err := q.PurgeDeadLetter(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(2 * time.Millisecond)
	n, err = q.PurgeDeadLetter(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
