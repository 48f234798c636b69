package thread

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThread_Ready(t *testing.T) {
	clock := Clock{Slot: 500, Epoch: 2, UnixTs: 1000}

	tests := []struct {
		name    string
		trigger Trigger
		context TriggerContext
		paused  bool
		want    bool
	}{
		{"now always ready", Trigger{Kind: TriggerNow}, TriggerContext{Kind: ContextTimestamp}, false, true},
		{"now paused", Trigger{Kind: TriggerNow}, TriggerContext{Kind: ContextTimestamp}, true, false},

		{"timestamp due", Trigger{Kind: TriggerTimestamp, UnixTs: 999}, TriggerContext{Kind: ContextTimestamp}, false, true},
		{"timestamp exact", Trigger{Kind: TriggerTimestamp, UnixTs: 1000}, TriggerContext{Kind: ContextTimestamp}, false, true},
		{"timestamp future", Trigger{Kind: TriggerTimestamp, UnixTs: 1001}, TriggerContext{Kind: ContextTimestamp}, false, false},
		{"timestamp already fired", Trigger{Kind: TriggerTimestamp, UnixTs: 900}, TriggerContext{Kind: ContextTimestamp, Prev: 900}, false, false},

		{"interval due", Trigger{Kind: TriggerInterval, Seconds: 60}, TriggerContext{Kind: ContextTimestamp, Next: 1000}, false, true},
		{"interval not due", Trigger{Kind: TriggerInterval, Seconds: 60}, TriggerContext{Kind: ContextTimestamp, Next: 1060}, false, false},

		{"cron due", Trigger{Kind: TriggerCron, Schedule: "* * * * *"}, TriggerContext{Kind: ContextTimestamp, Next: 940}, false, true},

		{"slot reached", Trigger{Kind: TriggerSlot, Slot: 500}, TriggerContext{Kind: ContextBlock, NextBlock: 500}, false, true},
		{"slot not reached", Trigger{Kind: TriggerSlot, Slot: 501}, TriggerContext{Kind: ContextBlock, NextBlock: 501}, false, false},
		{"epoch reached", Trigger{Kind: TriggerEpoch, Epoch: 2}, TriggerContext{Kind: ContextBlock, NextBlock: 2}, false, true},
		{"epoch not reached", Trigger{Kind: TriggerEpoch, Epoch: 3}, TriggerContext{Kind: ContextBlock, NextBlock: 3}, false, false},

		{"account never time-ready", Trigger{Kind: TriggerAccount}, TriggerContext{Kind: ContextAccount, Hash: 1}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := &Thread{Paused: tt.paused, Trigger: tt.trigger, TriggerContext: tt.context}
			assert.Equal(t, tt.want, th.Ready(clock))
		})
	}
}

func TestThread_ReadyOnAccount(t *testing.T) {
	th := &Thread{
		Trigger:        Trigger{Kind: TriggerAccount, Offset: 8, Size: 8},
		TriggerContext: TriggerContext{Kind: ContextAccount, Hash: 42},
	}

	assert.True(t, th.ReadyOnAccount(43), "hash change fires")
	assert.False(t, th.ReadyOnAccount(42), "same hash does not fire")

	th.Paused = true
	assert.False(t, th.ReadyOnAccount(43), "paused thread never fires")
}

func TestTrigger_HashAccountData(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	tests := []struct {
		name    string
		trigger Trigger
		same    Trigger
	}{
		{"full range", Trigger{Offset: 0, Size: 10}, Trigger{Offset: 0, Size: 10}},
		{"offset past end clamps", Trigger{Offset: 100, Size: 8}, Trigger{Offset: 100, Size: 8}},
		{"size past end clamps to end", Trigger{Offset: 4, Size: 100}, Trigger{Offset: 4, Size: 6}},
		{"zero size monitors to end", Trigger{Offset: 4, Size: 0}, Trigger{Offset: 4, Size: 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Never panics, and clamped ranges hash identically.
			assert.NotPanics(t, func() { tt.trigger.HashAccountData(data) })
			assert.Equal(t, tt.same.HashAccountData(data), tt.trigger.HashAccountData(data))
		})
	}

	// Different ranges produce different hashes.
	a := Trigger{Offset: 0, Size: 4}
	b := Trigger{Offset: 4, Size: 4}
	assert.NotEqual(t, a.HashAccountData(data), b.HashAccountData(data))
}

func TestTrigger_NextFire_Interval(t *testing.T) {
	tests := []struct {
		name     string
		trigger  Trigger
		prevNext int64
		now      int64
		want     int64
	}{
		{"on time", Trigger{Kind: TriggerInterval, Seconds: 60}, 1000, 1000, 1060},
		{"late non-skippable catches up", Trigger{Kind: TriggerInterval, Seconds: 60}, 1000, 1600, 1060},
		{"late skippable anchors at now", Trigger{Kind: TriggerInterval, Seconds: 60, Skippable: true}, 1000, 1600, 1660},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.trigger.NextFire(tt.prevNext, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Trigger{Kind: TriggerInterval, Seconds: 0}.NextFire(0, 0)
	assert.Error(t, err)
}

func TestTrigger_NextFire_IntervalOutage(t *testing.T) {
	// After a 10x-interval outage, a non-skippable trigger steps through
	// every missed moment in order; a skippable one collapses to a single
	// next fire past now.
	const period = int64(60)
	start := int64(1000)
	now := start + 10*period

	next := start
	nonSkippable := Trigger{Kind: TriggerInterval, Seconds: period}
	fires := 0
	for next <= now {
		var err error
		next, err = nonSkippable.NextFire(next, now)
		require.NoError(t, err)
		fires++
	}
	assert.Equal(t, 11, fires, "one fire per missed moment plus the current one")

	skippable := Trigger{Kind: TriggerInterval, Seconds: period, Skippable: true}
	next, err := skippable.NextFire(start, now)
	require.NoError(t, err)
	assert.Equal(t, now+period, next)
	assert.Greater(t, next, now, "skippable fires exactly once")
}

func TestTrigger_NextFire_Cron(t *testing.T) {
	tr := Trigger{Kind: TriggerCron, Schedule: "0 * * * *"}

	// Anchored at an exact hour boundary, the next fire is the next hour.
	got, err := tr.NextFire(3600, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(7200), got)

	_, err = Trigger{Kind: TriggerCron, Schedule: "not a schedule"}.NextFire(0, 0)
	assert.Error(t, err)

	_, err = Trigger{Kind: TriggerNow}.NextFire(0, 0)
	assert.Error(t, err)
}

func TestThread_NextFiberIndex(t *testing.T) {
	th := &Thread{Fibers: []byte{0, 1, 2}}

	assert.Equal(t, uint8(1), th.NextFiberIndex(0))
	assert.Equal(t, uint8(2), th.NextFiberIndex(1))
	assert.Equal(t, uint8(0), th.NextFiberIndex(2), "wraps to first fiber")

	empty := &Thread{}
	assert.Equal(t, uint8(0), empty.NextFiberIndex(5))
}

func TestPubkeyDerivations(t *testing.T) {
	authority := solana.NewWallet().PublicKey()

	tp, err := Pubkey(authority, []byte("thread-1"))
	require.NoError(t, err)
	assert.False(t, tp.IsZero())

	fp0, err := FiberPubkey(tp, 0)
	require.NoError(t, err)
	fp1, err := FiberPubkey(tp, 1)
	require.NoError(t, err)
	assert.NotEqual(t, fp0, fp1)

	cp, err := ConfigPubkey()
	require.NoError(t, err)
	assert.False(t, cp.IsZero())
}
