package cmd

import (
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wuwei-labs/antegen/internal/config"
	"github.com/wuwei-labs/antegen/internal/observability"
	"github.com/wuwei-labs/antegen/internal/server"
	"github.com/wuwei-labs/antegen/pkg/engine"
	"github.com/wuwei-labs/antegen/pkg/executor"
	"github.com/wuwei-labs/antegen/pkg/observer"
	"github.com/wuwei-labs/antegen/pkg/queue"
	"github.com/wuwei-labs/antegen/pkg/source"
	"github.com/wuwei-labs/antegen/pkg/submitter"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the execution engine",
	Long: `Run the observer → queue → executor → submitter pipeline against the
configured RPC endpoint.

Example:
  antegen run --config antegen.yaml
  ANTEGEN_RPC_URL=https://rpc.example antegen run`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError(ExitInvalidConfig, "invalid configuration", err)
	}
	if err := observability.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return exitError(ExitInvalidConfig, "invalid logging configuration", err)
	}
	logger := observability.Logger

	identity, err := cfg.LoadIdentity()
	if err != nil {
		return exitError(ExitIdentityFailure, "unusable executor identity", err)
	}

	q, err := queue.Open(cfg.DataDir, cfg.Retry, logger.Named("queue"))
	if err != nil {
		return exitError(ExitStorageFailure, "unusable queue storage", err)
	}
	defer func() { _ = q.Close() }()

	rpcClient := rpc.New(cfg.RPCURL)

	mode, err := submitter.ParseMode(cfg.SubmissionMode)
	if err != nil {
		return exitError(ExitInvalidConfig, "invalid submission mode", err)
	}

	var (
		natsConn  *nats.Conn
		publisher submitter.Publisher
		replay    *submitter.ReplayConsumer
	)
	if cfg.EnableReplay {
		// Each instance gets a unique connection name so ephemeral replay
		// consumers are distinguishable on the bus.
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name("antegen-"+uuid.NewString()))
		if err != nil {
			return exitError(ExitInvalidConfig, "unreachable replay bus", err)
		}
		defer natsConn.Close()
		publisher = submitter.NewBusPublisher(natsConn, submitter.SubjectDurableTxs)
	}

	sub := submitter.New(rpcClient, submitter.Config{
		Mode:           mode,
		FanoutSlots:    cfg.FanoutSlots,
		ConnectTimeout: cfg.TransactionTimeout(),
		EnableReplay:   cfg.EnableReplay,
	}, publisher, logger.Named("submitter"))
	defer sub.Close()

	if cfg.EnableReplay {
		replay = submitter.NewReplayConsumer(natsConn, sub, submitter.ReplayConsumerConfig{
			Delay:      cfg.ReplayDelay(),
			MaxReplays: cfg.ReplayMaxAttempts,
			MaxAge:     cfg.ReplayMaxAge(),
		}, logger.Named("replay"))
	}

	src := source.NewRPCPoller(rpcClient, source.RPCPollerConfig{
		PollInterval: cfg.PollInterval(),
	}, logger.Named("source"))

	obs, err := observer.New(src, observer.Config{}, logger.Named("observer"))
	if err != nil {
		return exitError(ExitRuntimeFailure, "observer init failed", err)
	}
	obs.WithCompletions(engine.QueueCompletions{Queue: q, Logger: logger.Named("observer")})

	exec := executor.New(
		executor.NewBuilder(identity, cfg.ForgoExecutorCommission),
		q, sub, rpcClient, obs,
		executor.Config{
			Workers:       cfg.ThreadCount,
			SubmitTimeout: cfg.TransactionTimeout(),
		},
		logger.Named("executor"),
	)

	if cfg.OpsListen != "" {
		ops := server.New(q, logger.Named("ops"))
		go func() {
			if err := ops.ListenAndServe(ctx, cfg.OpsListen); err != nil {
				logger.Warn("ops server exited", zap.Error(err))
			}
		}()
	}

	logger.Info("engine starting",
		zap.String("executor", identity.PublicKey().String()),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("submission_mode", string(mode)),
		zap.Int("workers", cfg.ThreadCount),
		zap.Bool("replay", cfg.EnableReplay))

	eng := engine.New(src, obs, exec, q, replay, natsConn, engine.Config{}, logger.Named("engine"))
	if err := eng.Run(ctx); err != nil {
		return exitError(ExitRuntimeFailure, "engine failed", err)
	}

	logger.Info("engine stopped cleanly")
	return nil
}
