package thread

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleThread() *Thread {
	return &Thread{
		Version:      1,
		Bump:         254,
		Authority:    solana.NewWallet().PublicKey(),
		ID:           []byte("payroll"),
		Name:         "payroll",
		CreatedAt:    1700000000,
		Paused:       false,
		Fibers:       []byte{0, 1},
		ExecIndex:    1,
		ExecCount:    7,
		NonceAccount: solana.NewWallet().PublicKey(),
		LastNonce:    "9sHcv6xwn9YkB8nxTUGKDwPwNnmqVp5oAXxU8Fdkm4J6",
		Trigger:      Trigger{Kind: TriggerInterval, Seconds: 60},
		TriggerContext: TriggerContext{
			Kind: ContextTimestamp,
			Prev: 1700000000,
			Next: 1700000060,
		},
	}
}

func TestDecodeThread(t *testing.T) {
	want := sampleThread()
	data, err := EncodeThread(want)
	require.NoError(t, err)

	got, err := DecodeThread(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeThread_TriggerVariants(t *testing.T) {
	addr := solana.NewWallet().PublicKey()

	tests := []struct {
		name    string
		trigger Trigger
		context TriggerContext
	}{
		{"account", Trigger{Kind: TriggerAccount, Address: addr, Offset: 8, Size: 8}, TriggerContext{Kind: ContextAccount, Hash: 0xdeadbeef}},
		{"now", Trigger{Kind: TriggerNow}, TriggerContext{Kind: ContextTimestamp}},
		{"timestamp", Trigger{Kind: TriggerTimestamp, UnixTs: 1800000000}, TriggerContext{Kind: ContextTimestamp}},
		{"cron", Trigger{Kind: TriggerCron, Schedule: "*/5 * * * *", Skippable: true}, TriggerContext{Kind: ContextTimestamp, Next: 300}},
		{"slot", Trigger{Kind: TriggerSlot, Slot: 123456}, TriggerContext{Kind: ContextBlock, NextBlock: 123456}},
		{"epoch", Trigger{Kind: TriggerEpoch, Epoch: 512}, TriggerContext{Kind: ContextBlock, NextBlock: 512}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := sampleThread()
			th.Trigger = tt.trigger
			th.TriggerContext = tt.context

			data, err := EncodeThread(th)
			require.NoError(t, err)

			got, err := DecodeThread(data)
			require.NoError(t, err)
			assert.Equal(t, tt.trigger, got.Trigger)
			assert.Equal(t, tt.context, got.TriggerContext)
		})
	}
}

func TestDecodeThread_Errors(t *testing.T) {
	t.Run("short data", func(t *testing.T) {
		_, err := DecodeThread([]byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrMalformedAccount)
	})

	t.Run("wrong discriminator", func(t *testing.T) {
		data := make([]byte, 64)
		_, err := DecodeThread(data)
		assert.ErrorIs(t, err, ErrNotThreadAccount)
	})

	t.Run("truncated body", func(t *testing.T) {
		full, err := EncodeThread(sampleThread())
		require.NoError(t, err)
		_, err = DecodeThread(full[:20])
		assert.ErrorIs(t, err, ErrMalformedAccount)
	})
}

func TestInstructionRoundTrip(t *testing.T) {
	ix := &Instruction{
		ProgramID: solana.NewWallet().PublicKey(),
		Accounts: []AccountMeta{
			{Pubkey: solana.NewWallet().PublicKey(), IsSigner: true, IsWritable: true},
			{Pubkey: solana.NewWallet().PublicKey(), IsSigner: false, IsWritable: false},
		},
		Data: []byte{9, 8, 7},
	}

	got, err := DecodeInstruction(EncodeInstruction(ix))
	require.NoError(t, err)
	assert.Equal(t, ix, got)
}

func TestFiberAndConfigRoundTrip(t *testing.T) {
	fiber := &Fiber{
		Thread:              solana.NewWallet().PublicKey(),
		Index:               3,
		CompiledInstruction: []byte{1, 2, 3, 4},
		LastExecuted:        1700000000,
		ExecutionCount:      12,
	}
	gotFiber, err := DecodeFiber(EncodeFiber(fiber))
	require.NoError(t, err)
	assert.Equal(t, fiber, gotFiber)

	cfg := &Config{
		Version:        1,
		Bump:           250,
		Admin:          solana.NewWallet().PublicKey(),
		CommissionFee:  5000,
		ObserverFeeBps: 9000,
		CoreTeamBps:    1000,
		PriorityWindow: 120,
	}
	gotCfg, err := DecodeConfig(EncodeConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg, gotCfg)
}

func TestDecodeClock(t *testing.T) {
	var buf []byte
	buf = appendU64(buf, 900)        // slot
	buf = appendI64(buf, 1699990000) // epoch_start_timestamp
	buf = appendU64(buf, 4)          // epoch
	buf = appendU64(buf, 5)          // leader_schedule_epoch
	buf = appendI64(buf, 1700000123) // unix_timestamp

	clock, err := DecodeClock(buf)
	require.NoError(t, err)
	assert.Equal(t, Clock{Slot: 900, Epoch: 4, UnixTs: 1700000123}, clock)

	_, err = DecodeClock(buf[:10])
	assert.Error(t, err)
}

func TestDiscriminators(t *testing.T) {
	// Discriminators are stable across processes and distinct per account.
	assert.Equal(t, AccountDiscriminator("Thread"), AccountDiscriminator("Thread"))
	assert.NotEqual(t, AccountDiscriminator("Thread"), AccountDiscriminator("FiberState"))
	assert.NotEqual(t, AccountDiscriminator("Thread"), InstructionDiscriminator("Thread"))
}
