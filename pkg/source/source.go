// Package source defines the event-source contract that feeds the observer
// with chain state: thread account updates, watched account updates, clock
// ticks, and slot status transitions.
//
// Two implementations exist: a validator-embedded push bridge (PluginBridge)
// and a polling client (RPCPoller). Both deliver the same Event stream to a
// single subscriber; per-account order follows the chain's observed write
// order, cross-account order is unspecified.
package source

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"

	"github.com/wuwei-labs/antegen/pkg/thread"
)

// Sentinel errors for event sources.
var (
	// ErrSourceUnavailable indicates the upstream feed disconnected or is
	// not reachable. Start may be called again to reinitialize.
	ErrSourceUnavailable = errors.New("event source unavailable")

	// ErrSourceClosed indicates Next was called after Stop.
	ErrSourceClosed = errors.New("event source closed")
)

// SlotStatus is the commitment level of a slot-status transition.
type SlotStatus string

const (
	SlotProcessed SlotStatus = "processed"
	SlotConfirmed SlotStatus = "confirmed"
	SlotRooted    SlotStatus = "rooted"
)

// Event is an observed chain event. Implementations are the *Update types
// in this package.
type Event interface {
	eventKind() string
}

// ThreadUpdate reports new state for a thread account.
type ThreadUpdate struct {
	Pubkey solana.PublicKey
	Thread *thread.Thread
	Slot   uint64
}

// AccountUpdate reports new data for an explicitly subscribed account.
type AccountUpdate struct {
	Pubkey solana.PublicKey
	Data   []byte
	// DataHash is a hash of the full account data, for logging and cheap
	// change comparison. Trigger-range hashes are computed by the observer.
	DataHash uint64
	Slot     uint64
}

// ClockUpdate reports a new clock sysvar snapshot.
type ClockUpdate struct {
	Clock thread.Clock
}

// SlotStatusUpdate reports a slot commitment transition.
type SlotStatusUpdate struct {
	Slot   uint64
	Status SlotStatus
}

func (ThreadUpdate) eventKind() string     { return "thread_update" }
func (AccountUpdate) eventKind() string    { return "account_update" }
func (ClockUpdate) eventKind() string      { return "clock_update" }
func (SlotStatusUpdate) eventKind() string { return "slot_status" }

// EventSource produces a totally-ordered stream of events for a single
// subscriber.
//
// Implementations must never block their upstream producer: push variants
// drop on overflow, pull variants pace themselves. Next blocks the consumer
// until an event arrives or ctx is done.
type EventSource interface {
	// Start begins producing events. Calling Start after a failure
	// reinitializes state.
	Start(ctx context.Context) error

	// Stop halts production and releases resources.
	Stop() error

	// Next returns the next event. It returns ErrSourceClosed after Stop
	// and ErrSourceUnavailable when the upstream feed is lost.
	Next(ctx context.Context) (Event, error)

	// SubscribeThread requests account updates for the given account until
	// UnsubscribeThread completes. Used for Account triggers.
	SubscribeThread(pubkey solana.PublicKey) error

	// UnsubscribeThread cancels a SubscribeThread.
	UnsubscribeThread(pubkey solana.PublicKey) error

	// CurrentSlot returns the highest slot seen so far.
	CurrentSlot() uint64

	// Name identifies the source for logging.
	Name() string
}
