package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwei-labs/antegen/pkg/thread"
)

type fakeClient struct {
	slot     uint64
	epoch    uint64
	accounts rpc.GetProgramAccountsResult
	failAll  bool
}

func (f *fakeClient) GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	if f.failAll {
		return nil, errors.New("connection refused")
	}
	return f.accounts, nil
}

func (f *fakeClient) GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	if f.failAll {
		return 0, errors.New("connection refused")
	}
	return f.slot, nil
}

func (f *fakeClient) GetEpochInfo(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetEpochInfoResult, error) {
	if f.failAll {
		return nil, errors.New("connection refused")
	}
	return &rpc.GetEpochInfoResult{Epoch: f.epoch}, nil
}

func (f *fakeClient) GetBlockTime(ctx context.Context, slot uint64) (*solana.UnixTimeSeconds, error) {
	ts := solana.UnixTimeSeconds(1700000000)
	return &ts, nil
}

func (f *fakeClient) GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	return &rpc.GetMultipleAccountsResult{Value: make([]*rpc.Account, len(accounts))}, nil
}

func keyedThreadAccount(t *testing.T, pubkey solana.PublicKey, paused bool) *rpc.KeyedAccount {
	t.Helper()
	data := encodedThread(t, paused)
	return &rpc.KeyedAccount{
		Pubkey: pubkey,
		Account: &rpc.Account{
			Owner: thread.ProgramID,
			Data:  rpc.DataBytesOrJSONFromBytes(data),
		},
	}
}

func TestRPCPoller_Sweep(t *testing.T) {
	threadKey := solana.NewWallet().PublicKey()
	client := &fakeClient{
		slot:  42,
		epoch: 1,
		accounts: rpc.GetProgramAccountsResult{
			keyedThreadAccount(t, threadKey, false),
			keyedThreadAccount(t, solana.NewWallet().PublicKey(), true), // paused: filtered
		},
	}

	p := NewRPCPoller(client, RPCPollerConfig{PollInterval: time.Hour, Buffer: 16}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop() }()

	// One sweep: thread update, then clock, then slot status.
	ev := nextEvent(t, p)
	tu, ok := ev.(ThreadUpdate)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, threadKey, tu.Pubkey)
	assert.Equal(t, uint64(42), tu.Slot)

	ev = nextEvent(t, p)
	cu, ok := ev.(ClockUpdate)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, thread.Clock{Slot: 42, Epoch: 1, UnixTs: 1700000000}, cu.Clock)

	ev = nextEvent(t, p)
	ss, ok := ev.(SlotStatusUpdate)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, SlotConfirmed, ss.Status)

	assert.Equal(t, uint64(42), p.CurrentSlot())
	assert.Equal(t, "rpc", p.Name())
}

func TestRPCPoller_UnavailableAfterRepeatedFailures(t *testing.T) {
	client := &fakeClient{failAll: true}
	p := NewRPCPoller(client, RPCPollerConfig{PollInterval: time.Millisecond, Buffer: 4}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	_, err := p.Next(waitCtx)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	// Start after failure reinitializes.
	require.NoError(t, p.Stop())
	client.failAll = false
	client.slot = 7
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop() }()

	ev := nextEvent(t, p)
	_, isClock := ev.(ClockUpdate)
	assert.True(t, isClock, "got %T", ev)
}

func TestRPCPoller_StopIsIdempotent(t *testing.T) {
	p := NewRPCPoller(&fakeClient{slot: 1}, RPCPollerConfig{PollInterval: time.Hour}, nil)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
