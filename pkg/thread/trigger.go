package thread

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/robfig/cron/v3"
)

// TriggerKind discriminates the trigger union. Values follow the on-chain
// enum order.
type TriggerKind uint8

const (
	// TriggerAccount fires when a monitored byte range of an account changes.
	TriggerAccount TriggerKind = iota

	// TriggerNow fires as soon as the thread is observed.
	TriggerNow

	// TriggerTimestamp fires once at a unix timestamp.
	TriggerTimestamp

	// TriggerInterval fires at a fixed period.
	TriggerInterval

	// TriggerCron fires on a cron schedule.
	TriggerCron

	// TriggerSlot fires at a target slot.
	TriggerSlot

	// TriggerEpoch fires at a target epoch.
	TriggerEpoch
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerAccount:
		return "account"
	case TriggerNow:
		return "now"
	case TriggerTimestamp:
		return "timestamp"
	case TriggerInterval:
		return "interval"
	case TriggerCron:
		return "cron"
	case TriggerSlot:
		return "slot"
	case TriggerEpoch:
		return "epoch"
	}
	return fmt.Sprintf("trigger(%d)", uint8(k))
}

// Trigger is the triggering condition of a thread. Only the fields for the
// active Kind are meaningful.
type Trigger struct {
	Kind TriggerKind

	// Account trigger.
	Address solana.PublicKey
	Offset  uint64
	Size    uint64

	// Timestamp trigger.
	UnixTs int64

	// Interval trigger.
	Seconds   int64
	Skippable bool

	// Cron trigger. Skippable is shared with Interval.
	Schedule string

	// Slot / Epoch triggers.
	Slot  uint64
	Epoch uint64
}

// TriggerContextKind discriminates the trigger context union.
type TriggerContextKind uint8

const (
	// ContextAccount carries a running hash of the observed account data.
	ContextAccount TriggerContextKind = iota

	// ContextTimestamp carries {prev, next} fire times for Now, Timestamp,
	// Interval and Cron triggers.
	ContextTimestamp

	// ContextBlock carries {prev, next} slot or epoch numbers.
	ContextBlock
)

// TriggerContext is the evolving per-thread state needed to evaluate the
// trigger.
type TriggerContext struct {
	Kind TriggerContextKind

	// ContextAccount.
	Hash uint64

	// ContextTimestamp.
	Prev int64
	Next int64

	// ContextBlock.
	PrevBlock uint64
	NextBlock uint64
}

// HashAccountData hashes the monitored byte range of account data for an
// Account trigger. A range reaching past the end of the data is clamped to
// the end; an offset past the end hashes the empty slice.
func (tr Trigger) HashAccountData(data []byte) uint64 {
	start := tr.Offset
	if start > uint64(len(data)) {
		start = uint64(len(data))
	}
	end := uint64(len(data))
	if tr.Size > 0 && start+tr.Size < end {
		end = start + tr.Size
	}
	return xxhash.Sum64(data[start:end])
}

// Ready reports whether the thread's trigger condition holds under the given
// clock. Account triggers are evaluated separately against observed account
// data (see ReadyOnAccount); here they report false.
//
// A paused thread is never ready.
func (t *Thread) Ready(clock Clock) bool {
	if t.Paused {
		return false
	}
	switch t.Trigger.Kind {
	case TriggerNow:
		return true
	case TriggerTimestamp:
		if t.TriggerContext.Kind == ContextTimestamp && t.TriggerContext.Prev >= t.Trigger.UnixTs {
			// Already fired for this timestamp.
			return false
		}
		return clock.UnixTs >= t.Trigger.UnixTs
	case TriggerInterval, TriggerCron:
		if t.TriggerContext.Kind != ContextTimestamp {
			return false
		}
		return clock.UnixTs >= t.TriggerContext.Next
	case TriggerSlot:
		return clock.Slot >= t.Trigger.Slot
	case TriggerEpoch:
		return clock.Epoch >= t.Trigger.Epoch
	case TriggerAccount:
		return false
	}
	return false
}

// ReadyOnAccount reports whether an Account trigger fires given the hash of
// the monitored byte range of the freshly observed account data.
func (t *Thread) ReadyOnAccount(dataHash uint64) bool {
	if t.Paused || t.Trigger.Kind != TriggerAccount {
		return false
	}
	if t.TriggerContext.Kind != ContextAccount {
		// First observation: any data counts as a change.
		return true
	}
	return dataHash != t.TriggerContext.Hash
}

// NextFire computes the context's next fire time after firing at the given
// clock time. For skippable triggers missed moments collapse into a single
// fire anchored at now; for non-skippable triggers each missed moment fires
// in order, so next advances by exactly one period from the previous target.
func (tr Trigger) NextFire(prevNext int64, now int64) (int64, error) {
	switch tr.Kind {
	case TriggerInterval:
		if tr.Seconds <= 0 {
			return 0, fmt.Errorf("interval trigger with non-positive period %d", tr.Seconds)
		}
		if tr.Skippable {
			return now + tr.Seconds, nil
		}
		return prevNext + tr.Seconds, nil
	case TriggerCron:
		sched, err := cron.ParseStandard(tr.Schedule)
		if err != nil {
			return 0, fmt.Errorf("parse cron schedule %q: %w", tr.Schedule, err)
		}
		anchor := prevNext
		if tr.Skippable || anchor <= 0 {
			anchor = now
		}
		next := sched.Next(time.Unix(anchor, 0).UTC())
		return next.Unix(), nil
	default:
		return 0, fmt.Errorf("trigger %s has no recurring schedule", tr.Kind)
	}
}
