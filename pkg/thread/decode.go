package thread

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	threadDiscriminator = AccountDiscriminator("Thread")
	fiberDiscriminator  = AccountDiscriminator("FiberState")
	configDiscriminator = AccountDiscriminator("ThreadConfig")
)

// DecodeThread decodes a thread account. Returns ErrNotThreadAccount when
// the discriminator does not match, ErrMalformedAccount on truncated or
// invalid data.
func DecodeThread(data []byte) (*Thread, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAccount, len(data))
	}
	if [8]byte(data[:8]) != threadDiscriminator {
		return nil, ErrNotThreadAccount
	}

	dec := bin.NewBorshDecoder(data[8:])
	t := &Thread{}
	var err error

	if t.Version, err = dec.ReadUint8(); err != nil {
		return nil, decodeErr("version", err)
	}
	if t.Bump, err = dec.ReadUint8(); err != nil {
		return nil, decodeErr("bump", err)
	}
	if t.Authority, err = readPubkey(dec); err != nil {
		return nil, decodeErr("authority", err)
	}
	if t.ID, err = readByteVec(dec); err != nil {
		return nil, decodeErr("id", err)
	}
	if t.Name, err = dec.ReadRustString(); err != nil {
		return nil, decodeErr("name", err)
	}
	if t.CreatedAt, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, decodeErr("created_at", err)
	}
	if t.Paused, err = dec.ReadBool(); err != nil {
		return nil, decodeErr("paused", err)
	}
	if t.Fibers, err = readByteVec(dec); err != nil {
		return nil, decodeErr("fibers", err)
	}
	if t.ExecIndex, err = dec.ReadUint8(); err != nil {
		return nil, decodeErr("exec_index", err)
	}
	if t.ExecCount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("exec_count", err)
	}
	if t.NonceAccount, err = readPubkey(dec); err != nil {
		return nil, decodeErr("nonce_account", err)
	}
	if t.LastNonce, err = dec.ReadRustString(); err != nil {
		return nil, decodeErr("last_nonce", err)
	}
	if t.Trigger, err = decodeTrigger(dec); err != nil {
		return nil, decodeErr("trigger", err)
	}
	if t.TriggerContext, err = decodeTriggerContext(dec); err != nil {
		return nil, decodeErr("trigger_context", err)
	}

	return t, nil
}

// EncodeThread serializes a thread account, discriminator included. Used by
// tooling and tests; the engine itself never writes thread state.
func EncodeThread(t *Thread) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, threadDiscriminator[:]...)
	buf = append(buf, t.Version, t.Bump)
	buf = append(buf, t.Authority[:]...)
	buf = appendByteVec(buf, t.ID)
	buf = appendString(buf, t.Name)
	buf = appendI64(buf, t.CreatedAt)
	buf = appendBool(buf, t.Paused)
	buf = appendByteVec(buf, t.Fibers)
	buf = append(buf, t.ExecIndex)
	buf = appendU64(buf, t.ExecCount)
	buf = append(buf, t.NonceAccount[:]...)
	buf = appendString(buf, t.LastNonce)

	var err error
	if buf, err = appendTrigger(buf, t.Trigger); err != nil {
		return nil, err
	}
	return appendTriggerContext(buf, t.TriggerContext), nil
}

// DecodeFiber decodes a fiber account.
func DecodeFiber(data []byte) (*Fiber, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAccount, len(data))
	}
	if [8]byte(data[:8]) != fiberDiscriminator {
		return nil, fmt.Errorf("%w: bad fiber discriminator", ErrMalformedAccount)
	}

	dec := bin.NewBorshDecoder(data[8:])
	f := &Fiber{}
	var err error

	if f.Thread, err = readPubkey(dec); err != nil {
		return nil, decodeErr("thread", err)
	}
	if f.Index, err = dec.ReadUint8(); err != nil {
		return nil, decodeErr("index", err)
	}
	if f.CompiledInstruction, err = readByteVec(dec); err != nil {
		return nil, decodeErr("compiled_instruction", err)
	}
	if f.LastExecuted, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, decodeErr("last_executed", err)
	}
	if f.ExecutionCount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("execution_count", err)
	}
	return f, nil
}

// EncodeFiber serializes a fiber account, discriminator included.
func EncodeFiber(f *Fiber) []byte {
	buf := make([]byte, 0, 64+len(f.CompiledInstruction))
	buf = append(buf, fiberDiscriminator[:]...)
	buf = append(buf, f.Thread[:]...)
	buf = append(buf, f.Index)
	buf = appendByteVec(buf, f.CompiledInstruction)
	buf = appendI64(buf, f.LastExecuted)
	buf = appendU64(buf, f.ExecutionCount)
	return buf
}

// EncodeConfig serializes the program config account, discriminator
// included.
func EncodeConfig(c *Config) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, configDiscriminator[:]...)
	buf = appendU64(buf, c.Version)
	buf = append(buf, c.Bump)
	buf = append(buf, c.Admin[:]...)
	buf = appendBool(buf, c.Paused)
	buf = appendU64(buf, c.CommissionFee)
	buf = appendU64(buf, c.ObserverFeeBps)
	buf = appendU64(buf, c.ExecutorHelperFeeBps)
	buf = appendU64(buf, c.ObserverShareBps)
	buf = appendU64(buf, c.CoreTeamBps)
	buf = appendI64(buf, c.PriorityWindow)
	return buf
}

// DecodeConfig decodes the program config account.
func DecodeConfig(data []byte) (*Config, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAccount, len(data))
	}
	if [8]byte(data[:8]) != configDiscriminator {
		return nil, fmt.Errorf("%w: bad config discriminator", ErrMalformedAccount)
	}

	dec := bin.NewBorshDecoder(data[8:])
	c := &Config{}
	var err error

	if c.Version, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("version", err)
	}
	if c.Bump, err = dec.ReadUint8(); err != nil {
		return nil, decodeErr("bump", err)
	}
	if c.Admin, err = readPubkey(dec); err != nil {
		return nil, decodeErr("admin", err)
	}
	if c.Paused, err = dec.ReadBool(); err != nil {
		return nil, decodeErr("paused", err)
	}
	if c.CommissionFee, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("commission_fee", err)
	}
	if c.ObserverFeeBps, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("observer_fee_bps", err)
	}
	if c.ExecutorHelperFeeBps, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("executor_helper_fee_bps", err)
	}
	if c.ObserverShareBps, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("observer_share_bps", err)
	}
	if c.CoreTeamBps, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, decodeErr("core_team_bps", err)
	}
	if c.PriorityWindow, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, decodeErr("priority_window", err)
	}
	return c, nil
}

// DecodeClock decodes the clock sysvar account (bincode fixed layout).
func DecodeClock(data []byte) (Clock, error) {
	dec := bin.NewBinDecoder(data)
	var c Clock
	var err error

	if c.Slot, err = dec.ReadUint64(bin.LE); err != nil {
		return Clock{}, decodeErr("slot", err)
	}
	// epoch_start_timestamp, skipped.
	if _, err = dec.ReadInt64(bin.LE); err != nil {
		return Clock{}, decodeErr("epoch_start_timestamp", err)
	}
	if c.Epoch, err = dec.ReadUint64(bin.LE); err != nil {
		return Clock{}, decodeErr("epoch", err)
	}
	// leader_schedule_epoch, skipped.
	if _, err = dec.ReadUint64(bin.LE); err != nil {
		return Clock{}, decodeErr("leader_schedule_epoch", err)
	}
	if c.UnixTs, err = dec.ReadInt64(bin.LE); err != nil {
		return Clock{}, decodeErr("unix_timestamp", err)
	}
	return c, nil
}

// Instruction is a stored fiber instruction in its serialized form.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// AccountMeta mirrors the on-chain serializable account meta.
type AccountMeta struct {
	Pubkey     solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// DecodeInstruction decodes a fiber's stored instruction payload.
func DecodeInstruction(data []byte) (*Instruction, error) {
	dec := bin.NewBorshDecoder(data)
	ix := &Instruction{}
	var err error

	if ix.ProgramID, err = readPubkey(dec); err != nil {
		return nil, decodeErr("program_id", err)
	}
	n, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, decodeErr("accounts", err)
	}
	ix.Accounts = make([]AccountMeta, 0, n)
	for i := uint32(0); i < n; i++ {
		var m AccountMeta
		if m.Pubkey, err = readPubkey(dec); err != nil {
			return nil, decodeErr("account pubkey", err)
		}
		if m.IsSigner, err = dec.ReadBool(); err != nil {
			return nil, decodeErr("account is_signer", err)
		}
		if m.IsWritable, err = dec.ReadBool(); err != nil {
			return nil, decodeErr("account is_writable", err)
		}
		ix.Accounts = append(ix.Accounts, m)
	}
	if ix.Data, err = readByteVec(dec); err != nil {
		return nil, decodeErr("data", err)
	}
	return ix, nil
}

// EncodeInstruction serializes an instruction in the fiber payload format.
func EncodeInstruction(ix *Instruction) []byte {
	buf := make([]byte, 0, 64+len(ix.Data))
	buf = append(buf, ix.ProgramID[:]...)
	buf = appendU32(buf, uint32(len(ix.Accounts)))
	for _, m := range ix.Accounts {
		buf = append(buf, m.Pubkey[:]...)
		buf = appendBool(buf, m.IsSigner)
		buf = appendBool(buf, m.IsWritable)
	}
	return appendByteVec(buf, ix.Data)
}

func decodeTrigger(dec *bin.Decoder) (Trigger, error) {
	tag, err := dec.ReadUint8()
	if err != nil {
		return Trigger{}, err
	}
	tr := Trigger{Kind: TriggerKind(tag)}
	switch tr.Kind {
	case TriggerAccount:
		if tr.Address, err = readPubkey(dec); err != nil {
			return Trigger{}, err
		}
		if tr.Offset, err = dec.ReadUint64(bin.LE); err != nil {
			return Trigger{}, err
		}
		if tr.Size, err = dec.ReadUint64(bin.LE); err != nil {
			return Trigger{}, err
		}
	case TriggerNow:
	case TriggerTimestamp:
		if tr.UnixTs, err = dec.ReadInt64(bin.LE); err != nil {
			return Trigger{}, err
		}
	case TriggerInterval:
		if tr.Seconds, err = dec.ReadInt64(bin.LE); err != nil {
			return Trigger{}, err
		}
		if tr.Skippable, err = dec.ReadBool(); err != nil {
			return Trigger{}, err
		}
	case TriggerCron:
		if tr.Schedule, err = dec.ReadRustString(); err != nil {
			return Trigger{}, err
		}
		if tr.Skippable, err = dec.ReadBool(); err != nil {
			return Trigger{}, err
		}
	case TriggerSlot:
		if tr.Slot, err = dec.ReadUint64(bin.LE); err != nil {
			return Trigger{}, err
		}
	case TriggerEpoch:
		if tr.Epoch, err = dec.ReadUint64(bin.LE); err != nil {
			return Trigger{}, err
		}
	default:
		return Trigger{}, fmt.Errorf("unknown trigger tag %d", tag)
	}
	return tr, nil
}

func decodeTriggerContext(dec *bin.Decoder) (TriggerContext, error) {
	tag, err := dec.ReadUint8()
	if err != nil {
		return TriggerContext{}, err
	}
	tc := TriggerContext{Kind: TriggerContextKind(tag)}
	switch tc.Kind {
	case ContextAccount:
		if tc.Hash, err = dec.ReadUint64(bin.LE); err != nil {
			return TriggerContext{}, err
		}
	case ContextTimestamp:
		if tc.Prev, err = dec.ReadInt64(bin.LE); err != nil {
			return TriggerContext{}, err
		}
		if tc.Next, err = dec.ReadInt64(bin.LE); err != nil {
			return TriggerContext{}, err
		}
	case ContextBlock:
		if tc.PrevBlock, err = dec.ReadUint64(bin.LE); err != nil {
			return TriggerContext{}, err
		}
		if tc.NextBlock, err = dec.ReadUint64(bin.LE); err != nil {
			return TriggerContext{}, err
		}
	default:
		return TriggerContext{}, fmt.Errorf("unknown trigger context tag %d", tag)
	}
	return tc, nil
}

func appendTrigger(buf []byte, tr Trigger) ([]byte, error) {
	buf = append(buf, uint8(tr.Kind))
	switch tr.Kind {
	case TriggerAccount:
		buf = append(buf, tr.Address[:]...)
		buf = appendU64(buf, tr.Offset)
		buf = appendU64(buf, tr.Size)
	case TriggerNow:
	case TriggerTimestamp:
		buf = appendI64(buf, tr.UnixTs)
	case TriggerInterval:
		buf = appendI64(buf, tr.Seconds)
		buf = appendBool(buf, tr.Skippable)
	case TriggerCron:
		buf = appendString(buf, tr.Schedule)
		buf = appendBool(buf, tr.Skippable)
	case TriggerSlot:
		buf = appendU64(buf, tr.Slot)
	case TriggerEpoch:
		buf = appendU64(buf, tr.Epoch)
	default:
		return nil, fmt.Errorf("unknown trigger kind %d", tr.Kind)
	}
	return buf, nil
}

func appendTriggerContext(buf []byte, tc TriggerContext) []byte {
	buf = append(buf, uint8(tc.Kind))
	switch tc.Kind {
	case ContextAccount:
		buf = appendU64(buf, tc.Hash)
	case ContextTimestamp:
		buf = appendI64(buf, tc.Prev)
		buf = appendI64(buf, tc.Next)
	case ContextBlock:
		buf = appendU64(buf, tc.PrevBlock)
		buf = appendU64(buf, tc.NextBlock)
	}
	return buf
}

func readPubkey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}

func readByteVec(dec *bin.Decoder) ([]byte, error) {
	n, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return dec.ReadNBytes(int(n))
}

func appendByteVec(buf, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func appendI64(buf []byte, v int64) []byte {
	return appendU64(buf, uint64(v))
}

func decodeErr(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedAccount, field, err)
}
