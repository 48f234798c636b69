package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/wuwei-labs/antegen/pkg/thread"
)

// Task is the queue's unit of work: one intended execution of a thread at a
// specific exec_count.
type Task struct {
	// ID is the deterministic fingerprint of (thread pubkey, exec_count).
	ID string

	// ThreadPubkey addresses the thread on-chain.
	ThreadPubkey solana.PublicKey

	// Thread is an immutable snapshot taken when the trigger fired.
	Thread *thread.Thread

	// TriggerTime is the unix time at which the trigger became ready.
	TriggerTime int64

	// ScheduledAt is the earliest execution time, unix milliseconds.
	ScheduledAt int64

	// RetryCount is the number of completed attempts.
	RetryCount int

	// LastError records the most recent failure, if any.
	LastError string

	// CreatedAt is the task creation time, unix milliseconds.
	CreatedAt int64
}

// TaskID derives the task identifier for (pubkey, execCount). Redundant
// observations of the same generation collapse onto the same id, making
// Schedule idempotent across event sources.
func TaskID(pubkey solana.PublicKey, execCount uint64) string {
	var counter [8]byte
	binary.LittleEndian.PutUint64(counter[:], execCount)

	h := sha256.New()
	h.Write(pubkey.Bytes())
	h.Write(counter[:])
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// NewTask builds a task for the thread's current generation.
func NewTask(pubkey solana.PublicKey, th *thread.Thread, triggerTime int64, nowMs int64) *Task {
	return &Task{
		ID:           TaskID(pubkey, th.ExecCount),
		ThreadPubkey: pubkey,
		Thread:       th,
		TriggerTime:  triggerTime,
		CreatedAt:    nowMs,
	}
}

// Record framing: persisted thread snapshots carry a 1-byte version tag so
// the stored layout can evolve.
const threadFrameV1 = 0x01

func frameThread(th *thread.Thread) ([]byte, error) {
	body, err := thread.EncodeThread(th)
	if err != nil {
		return nil, fmt.Errorf("encode thread snapshot: %w", err)
	}
	return append([]byte{threadFrameV1}, body...), nil
}

func unframeThread(data []byte) (*thread.Thread, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty thread snapshot record")
	}
	switch data[0] {
	case threadFrameV1:
		return thread.DecodeThread(data[1:])
	default:
		return nil, fmt.Errorf("unknown thread snapshot version %d", data[0])
	}
}
