package submitter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Message bus subjects for durable transaction replay.
const (
	// SubjectDurableTxs carries durable transactions awaiting replay.
	SubjectDurableTxs = "antegen.durable_txs"

	// SubjectDurableTxsDLQ receives messages that exhausted their replay
	// budget.
	SubjectDurableTxsDLQ = "antegen.durable_txs.dlq"
)

// DurableTransactionMessage is the replay envelope published for durable
// transactions.
type DurableTransactionMessage struct {
	Base64Transaction string `json:"base64_transaction"`
	ThreadPubkey      string `json:"thread_pubkey"`
	OriginalSignature string `json:"original_signature"`
	Executor          string `json:"executor"`
	CreatedAtMs       int64  `json:"created_at_ms"`
	ReplayCount       uint32 `json:"replay_count"`
}

// NewDurableTransactionMessage wraps a signed durable transaction for the
// bus. The executor identity is the transaction's fee payer.
func NewDurableTransactionMessage(tx *solana.Transaction, sig solana.Signature, threadPubkey solana.PublicKey) (*DurableTransactionMessage, error) {
	wire, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	executor := ""
	if len(tx.Message.AccountKeys) > 0 {
		executor = tx.Message.AccountKeys[0].String()
	}
	return &DurableTransactionMessage{
		Base64Transaction: base64.StdEncoding.EncodeToString(wire),
		ThreadPubkey:      threadPubkey.String(),
		OriginalSignature: sig.String(),
		Executor:          executor,
		CreatedAtMs:       time.Now().UnixMilli(),
		ReplayCount:       0,
	}, nil
}

// AgeMs returns the message age at the given instant.
func (m *DurableTransactionMessage) AgeMs(now time.Time) int64 {
	return now.UnixMilli() - m.CreatedAtMs
}

// Transaction decodes the embedded transaction.
func (m *DurableTransactionMessage) Transaction() (*solana.Transaction, error) {
	wire, err := base64.StdEncoding.DecodeString(m.Base64Transaction)
	if err != nil {
		return nil, fmt.Errorf("decode replay transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(wire))
	if err != nil {
		return nil, fmt.Errorf("parse replay transaction: %w", err)
	}
	return tx, nil
}

// Bus is the message-bus surface used for replay. *nats.Conn satisfies it.
type Bus interface {
	Publish(subject string, data []byte) error
}

// BusPublisher publishes durable transactions on a bus subject.
type BusPublisher struct {
	bus     Bus
	subject string
}

// NewBusPublisher returns a Publisher for the given subject (normally
// SubjectDurableTxs).
func NewBusPublisher(bus Bus, subject string) *BusPublisher {
	if subject == "" {
		subject = SubjectDurableTxs
	}
	return &BusPublisher{bus: bus, subject: subject}
}

// Publish implements Publisher.
func (p *BusPublisher) Publish(msg *DurableTransactionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.bus.Publish(p.subject, data)
}

// Resubmitter replays a decoded transaction. *Submitter satisfies it.
type Resubmitter interface {
	Submit(ctx context.Context, tx *solana.Transaction, durable bool, threadPubkey solana.PublicKey) (solana.Signature, error)
	SignatureConfirmed(ctx context.Context, sig solana.Signature) (bool, error)
}

// ReplayConsumerConfig tunes the replay consumer.
type ReplayConsumerConfig struct {
	// Delay is how long a message is held before replay is considered.
	// Default: 30s.
	Delay time.Duration

	// MaxReplays routes a message to the dead-letter subject once
	// exceeded. Default: 3.
	MaxReplays uint32

	// MaxAge drops messages outright once exceeded. Default: 1h.
	MaxAge time.Duration
}

// ReplayConsumer drains SubjectDurableTxs, holding each message for its
// delay, dropping already-confirmed transactions, and resubmitting the
// rest.
type ReplayConsumer struct {
	bus       Bus
	submitter Resubmitter
	cfg       ReplayConsumerConfig
	logger    *zap.Logger

	// now is replaced in tests.
	now func() time.Time
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReplayConsumer creates a consumer over the given bus and submitter.
func NewReplayConsumer(bus Bus, submitter Resubmitter, cfg ReplayConsumerConfig, logger *zap.Logger) *ReplayConsumer {
	if cfg.Delay <= 0 {
		cfg.Delay = 30 * time.Second
	}
	if cfg.MaxReplays == 0 {
		cfg.MaxReplays = 3
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayConsumer{
		bus:       bus,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Run subscribes to the durable-transaction subject on conn and processes
// messages until ctx is done.
func (c *ReplayConsumer) Run(ctx context.Context, conn *nats.Conn) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(SubjectDurableTxs, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectDurableTxs, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-msgs:
			var msg DurableTransactionMessage
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				c.logger.Warn("discarding malformed replay message", zap.Error(err))
				continue
			}
			if err := c.Handle(ctx, &msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("replay handling failed",
					zap.String("signature", msg.OriginalSignature),
					zap.Error(err))
			}
		}
	}
}

// ReplayOutcome describes what Handle did with a message.
type ReplayOutcome string

const (
	// ReplayDroppedConfirmed means the original transaction already
	// confirmed; nothing was resubmitted.
	ReplayDroppedConfirmed ReplayOutcome = "dropped_confirmed"

	// ReplayDroppedExpired means the message exceeded its maximum age.
	ReplayDroppedExpired ReplayOutcome = "dropped_expired"

	// ReplayDeadLettered means the replay budget was exhausted.
	ReplayDeadLettered ReplayOutcome = "dead_lettered"

	// ReplayResubmitted means the transaction went back on the wire.
	ReplayResubmitted ReplayOutcome = "resubmitted"

	// ReplayRequeued means the resubmission failed and the message was
	// republished with an incremented counter.
	ReplayRequeued ReplayOutcome = "requeued"
)

// Handle processes one replay message: wait out the remaining delay, drop
// if confirmed or expired, resubmit otherwise.
func (c *ReplayConsumer) Handle(ctx context.Context, msg *DurableTransactionMessage) error {
	outcome, err := c.handle(ctx, msg)
	if err != nil {
		return err
	}
	c.logger.Info("replay message handled",
		zap.String("signature", msg.OriginalSignature),
		zap.String("thread", msg.ThreadPubkey),
		zap.Uint32("replay_count", msg.ReplayCount),
		zap.String("outcome", string(outcome)))
	return nil
}

func (c *ReplayConsumer) handle(ctx context.Context, msg *DurableTransactionMessage) (ReplayOutcome, error) {
	if msg.AgeMs(c.now()) > c.cfg.MaxAge.Milliseconds() {
		return ReplayDroppedExpired, nil
	}
	if msg.ReplayCount >= c.cfg.MaxReplays {
		return ReplayDeadLettered, c.toDeadLetter(msg)
	}

	if remaining := c.cfg.Delay - time.Duration(msg.AgeMs(c.now()))*time.Millisecond; remaining > 0 {
		if err := c.sleep(ctx, remaining); err != nil {
			return "", err
		}
	}

	sig, err := solana.SignatureFromBase58(msg.OriginalSignature)
	if err != nil {
		return "", fmt.Errorf("parse original signature: %w", err)
	}
	confirmed, err := c.submitter.SignatureConfirmed(ctx, sig)
	if err != nil {
		// Status unknown; replaying a durable transaction is safe, the
		// nonce guards against double execution.
		c.logger.Debug("status check failed, replaying anyway",
			zap.String("signature", msg.OriginalSignature),
			zap.Error(err))
	}
	if confirmed {
		return ReplayDroppedConfirmed, nil
	}

	tx, err := msg.Transaction()
	if err != nil {
		return "", err
	}
	threadPk, err := solana.PublicKeyFromBase58(msg.ThreadPubkey)
	if err != nil {
		return "", fmt.Errorf("parse thread pubkey: %w", err)
	}

	if _, err := c.submitter.Submit(ctx, tx, false, threadPk); err != nil {
		retry := *msg
		retry.ReplayCount++
		if retry.ReplayCount >= c.cfg.MaxReplays {
			return ReplayDeadLettered, c.toDeadLetter(&retry)
		}
		data, mErr := json.Marshal(&retry)
		if mErr != nil {
			return "", mErr
		}
		return ReplayRequeued, c.bus.Publish(SubjectDurableTxs, data)
	}
	return ReplayResubmitted, nil
}

func (c *ReplayConsumer) toDeadLetter(msg *DurableTransactionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.bus.Publish(SubjectDurableTxsDLQ, data)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
