// Package thread models the on-chain scheduler accounts the automation
// engine observes and executes: threads, fibers, triggers, and the cluster
// clock. Decoding follows the program's account layout; all account data is
// treated as read-only snapshots.
package thread

import (
	"crypto/sha256"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the on-chain thread program this engine drives.
var ProgramID = solana.MustPublicKeyFromBase58("AgThdyi1P5RkVeZD2rQahTvs8HePJoGFFxKtvok5s2J1")

// PDA seeds fixed by the on-chain program.
const (
	SeedConfig      = "thread_config"
	SeedThread      = "thread"
	SeedThreadFiber = "thread_fiber"
	SeedNonce       = "thread_nonce"
)

// Sentinel errors for account decoding.
var (
	// ErrNotThreadAccount indicates the account discriminator does not match
	// a thread account.
	ErrNotThreadAccount = errors.New("not a thread account")

	// ErrMalformedAccount indicates account data that cannot be decoded.
	ErrMalformedAccount = errors.New("malformed account data")
)

// Clock is a snapshot of the cluster clock sysvar.
type Clock struct {
	Slot   uint64
	Epoch  uint64
	UnixTs int64
}

// Thread is a scheduled work unit owned by an authority.
//
// Invariants maintained on-chain and relied on here:
//   - ExecCount is strictly non-decreasing over the thread's lifetime.
//   - ExecIndex cycles modulo the number of attached fibers.
//   - A paused thread is never ready.
type Thread struct {
	// Version of the account structure, for migration purposes.
	Version uint8

	// Bump used for PDA validation.
	Bump uint8

	// Authority is the owner of this thread.
	Authority solana.PublicKey

	// ID is the raw seed bytes, unique under the authority.
	ID []byte

	// Name is the human-readable representation of the id.
	Name string

	CreatedAt int64

	// Paused threads are skipped by trigger evaluation.
	Paused bool

	// Fibers lists the indexes of the attached fibers, in execution order.
	Fibers []byte

	// ExecIndex is the index of the fiber to run next.
	ExecIndex uint8

	// ExecCount counts successful executions; it is the uniqueness key for
	// off-chain tasks.
	ExecCount uint64

	// NonceAccount is the durable nonce account, or the zero key when the
	// thread does not use durable nonces.
	NonceAccount solana.PublicKey

	// LastNonce is the current nonce value (a base58 blockhash) as last
	// observed; used as the recent blockhash when signing durable
	// transactions.
	LastNonce string

	Trigger        Trigger
	TriggerContext TriggerContext
}

// HasNonceAccount reports whether the thread uses a durable nonce.
func (t *Thread) HasNonceAccount() bool {
	return !t.NonceAccount.IsZero()
}

// NextFiberIndex returns the fiber index after i, wrapping to the first
// attached fiber after the last one.
func (t *Thread) NextFiberIndex(i uint8) uint8 {
	if len(t.Fibers) == 0 {
		return 0
	}
	for pos, idx := range t.Fibers {
		if idx == i {
			return t.Fibers[(pos+1)%len(t.Fibers)]
		}
	}
	return t.Fibers[0]
}

// Pubkey derives the thread account address for (authority, id).
func Pubkey(authority solana.PublicKey, id []byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte(SeedThread), authority.Bytes(), id},
		ProgramID,
	)
	return addr, err
}

// FiberPubkey derives the fiber account address for (thread, index).
func FiberPubkey(threadPubkey solana.PublicKey, index uint8) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte(SeedThreadFiber), threadPubkey.Bytes(), {index}},
		ProgramID,
	)
	return addr, err
}

// ConfigPubkey derives the program config account address.
func ConfigPubkey() (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte(SeedConfig)},
		ProgramID,
	)
	return addr, err
}

// Fiber is one instruction in a thread's execution sequence.
type Fiber struct {
	// Thread this fiber belongs to.
	Thread solana.PublicKey

	// Index of this fiber in the thread's sequence.
	Index uint8

	// CompiledInstruction is the serialized instruction payload.
	CompiledInstruction []byte

	// LastExecuted is the unix time of the last execution.
	LastExecuted int64

	// ExecutionCount is the number of times this fiber has run.
	ExecutionCount uint64
}

// Config is the thread program's global configuration. The engine reads it
// for the admin fee account; the fee arithmetic itself stays on-chain.
type Config struct {
	Version              uint64
	Bump                 uint8
	Admin                solana.PublicKey
	Paused               bool
	CommissionFee        uint64
	ObserverFeeBps       uint64
	ExecutorHelperFeeBps uint64
	ObserverShareBps     uint64
	CoreTeamBps          uint64
	PriorityWindow       int64
}

// AccountDiscriminator returns the 8-byte discriminator for the named
// program account type.
func AccountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// InstructionDiscriminator returns the 8-byte discriminator for the named
// program instruction.
func InstructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}
