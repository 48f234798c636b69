// Package submitter delivers signed transactions to the network. The direct
// path fans a wire transaction out to the upcoming leaders' ingress
// endpoints; a circuit breaker shields it, and generic RPC submission is the
// fallback. Durable transactions can additionally be published to a message
// bus for delayed replay.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// Mode selects the submission path.
type Mode string

const (
	// ModeRPCOnly submits through generic RPC only.
	ModeRPCOnly Mode = "rpc"

	// ModeDirectOnly submits to leader ingress only; no fallback.
	ModeDirectOnly Mode = "direct"

	// ModeDirectWithFallback tries leader ingress first and falls back to
	// RPC. This is the default.
	ModeDirectWithFallback Mode = "direct_with_fallback"
)

// ParseMode validates a configuration string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRPCOnly, ModeDirectOnly, ModeDirectWithFallback:
		return Mode(s), nil
	case "":
		return ModeDirectWithFallback, nil
	}
	return "", fmt.Errorf("unknown submission mode %q", s)
}

// Sentinel errors.
var (
	// ErrDirectUnavailable indicates every leader endpoint refused the
	// transaction (or the breaker is open in direct-only mode).
	ErrDirectUnavailable = errors.New("direct submission unavailable")

	// ErrNoLeaders indicates the leader schedule lookup produced no usable
	// ingress endpoints.
	ErrNoLeaders = errors.New("no leader endpoints")
)

// RPC is the JSON-RPC surface the submitter uses.
type RPC interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetSlotLeaders(ctx context.Context, start, limit uint64) ([]solana.PublicKey, error)
	GetClusterNodes(ctx context.Context) ([]*rpc.GetClusterNodesResult, error)
}

// Publisher publishes durable transactions for delayed replay.
type Publisher interface {
	Publish(msg *DurableTransactionMessage) error
}

// Config tunes the submitter.
type Config struct {
	// Mode is the submission path selection. Default:
	// ModeDirectWithFallback.
	Mode Mode

	// FanoutSlots is how many upcoming leader slots receive the wire
	// transaction directly. Default: 12.
	FanoutSlots uint64

	// ConnectTimeout bounds dialing a leader endpoint. Default: 5s.
	ConnectTimeout time.Duration

	// IdleTimeout reaps unused leader connections. Default: 2m.
	IdleTimeout time.Duration

	// BreakerThreshold is the consecutive direct failures before the
	// breaker opens. Default: 5.
	BreakerThreshold int

	// BreakerResetTimeout is how long the breaker stays open before a
	// half-open probe. Default: 30s.
	BreakerResetTimeout time.Duration

	// EnableReplay publishes durable transactions to the message bus.
	EnableReplay bool
}

// Submitter owns the network send path. Safe for concurrent use.
type Submitter struct {
	rpcClient RPC
	cfg       Config
	cache     *ConnCache
	breaker   *Breaker
	publisher Publisher
	logger    *zap.Logger
}

// New creates a submitter. publisher may be nil when replay is disabled.
func New(rpcClient RPC, cfg Config, publisher Publisher, logger *zap.Logger) *Submitter {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirectWithFallback
	}
	if cfg.FanoutSlots == 0 {
		cfg.FanoutSlots = 12
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		rpcClient: rpcClient,
		cfg:       cfg,
		cache:     NewConnCache(nil, cfg.ConnectTimeout, cfg.IdleTimeout, logger),
		breaker:   NewBreaker(cfg.BreakerThreshold, cfg.BreakerResetTimeout),
		publisher: publisher,
		logger:    logger,
	}
}

// WithConnCache replaces the connection cache (tests inject a fake dialer).
func (s *Submitter) WithConnCache(cache *ConnCache) *Submitter {
	s.cache = cache
	return s
}

// Breaker exposes the health state machine.
func (s *Submitter) Breaker() *Breaker {
	return s.breaker
}

// Close releases pooled connections.
func (s *Submitter) Close() {
	s.cache.Close()
}

// LatestBlockhash fetches a fresh blockhash for non-durable signing.
func (s *Submitter) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := s.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, err
	}
	return out.Value.Blockhash, nil
}

// SignatureConfirmed reports whether sig has reached confirmed commitment.
func (s *Submitter) SignatureConfirmed(ctx context.Context, sig solana.Signature) (bool, error) {
	out, err := s.rpcClient.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		return false, nil
	}
	return st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		st.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
}

// Submit delivers the signed transaction and returns its signature. When
// replay is enabled and the transaction is durable, a replay message is
// published regardless of the submission outcome so a sibling consumer can
// finish the job.
func (s *Submitter) Submit(ctx context.Context, tx *solana.Transaction, durable bool, threadPubkey solana.PublicKey) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, fmt.Errorf("transaction is unsigned")
	}
	sig := tx.Signatures[0]

	if s.cfg.EnableReplay && durable && s.publisher != nil {
		if err := s.publishReplay(tx, sig, threadPubkey); err != nil {
			s.logger.Warn("replay publish failed",
				zap.Stringer("signature", sig),
				zap.Error(err))
		}
	}

	var directErr error
	if s.cfg.Mode != ModeRPCOnly {
		if s.breaker.Allow() {
			directErr = s.submitDirect(ctx, tx)
			if directErr == nil {
				s.breaker.Success()
				s.logger.Info("transaction submitted",
					zap.Stringer("signature", sig),
					zap.String("path", "direct"))
				return sig, nil
			}
			s.breaker.Failure()
		} else {
			directErr = fmt.Errorf("%w: breaker %s", ErrDirectUnavailable, s.breaker.State())
		}

		if s.cfg.Mode == ModeDirectOnly {
			return solana.Signature{}, directErr
		}
		s.logger.Debug("direct submission failed, falling back to rpc",
			zap.Stringer("signature", sig),
			zap.Error(directErr))
	}

	rpcSig, err := s.rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, err
	}
	s.logger.Info("transaction submitted",
		zap.Stringer("signature", rpcSig),
		zap.String("path", "rpc"))
	return rpcSig, nil
}

// submitDirect fans the wire transaction out to the upcoming leaders'
// ingress endpoints. Any single acknowledgement counts as success.
func (s *Submitter) submitDirect(ctx context.Context, tx *solana.Transaction) error {
	wire, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize transaction: %w", err)
	}

	endpoints, err := s.leaderEndpoints(ctx)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return ErrNoLeaders
	}

	var lastErr error
	sent := false
	for _, addr := range endpoints {
		conn, err := s.cache.Get(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
		}
		if _, err := conn.Write(wire); err != nil {
			s.cache.Drop(addr)
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent {
		return fmt.Errorf("%w: %v", ErrDirectUnavailable, lastErr)
	}
	return nil
}

// leaderEndpoints resolves the ingress addresses for the FanoutSlots
// leaders starting at the current slot.
func (s *Submitter) leaderEndpoints(ctx context.Context) ([]string, error) {
	slot, err := s.rpcClient.GetSlot(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return nil, err
	}
	leaders, err := s.rpcClient.GetSlotLeaders(ctx, slot, s.cfg.FanoutSlots)
	if err != nil {
		return nil, err
	}
	nodes, err := s.rpcClient.GetClusterNodes(ctx)
	if err != nil {
		return nil, err
	}

	ingress := map[solana.PublicKey]string{}
	for _, n := range nodes {
		if n != nil && n.TPU != nil && *n.TPU != "" {
			ingress[n.Pubkey] = *n.TPU
		}
	}

	seen := map[string]struct{}{}
	var out []string
	for _, leader := range leaders {
		addr, ok := ingress[leader]
		if !ok {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

func (s *Submitter) publishReplay(tx *solana.Transaction, sig solana.Signature, threadPubkey solana.PublicKey) error {
	msg, err := NewDurableTransactionMessage(tx, sig, threadPubkey)
	if err != nil {
		return err
	}
	return s.publisher.Publish(msg)
}
