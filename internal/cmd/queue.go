package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wuwei-labs/antegen/internal/config"
	"github.com/wuwei-labs/antegen/pkg/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and remediate the task queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show partition sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer func() { _ = q.Close() }()

		stats, err := q.Stats(cmd.Context())
		if err != nil {
			return exitError(ExitStorageFailure, "read queue stats", err)
		}
		fmt.Printf("scheduled:   %d\n", stats.Scheduled)
		fmt.Printf("processing:  %d\n", stats.Processing)
		fmt.Printf("dead_letter: %d\n", stats.DeadLetter)
		return nil
	},
}

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Work with the dead-letter partition",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer func() { _ = q.Close() }()

		deads, err := q.DeadLetterTasks(cmd.Context())
		if err != nil {
			return exitError(ExitStorageFailure, "read dead letter partition", err)
		}
		if len(deads) == 0 {
			fmt.Println("dead-letter partition is empty")
			return nil
		}
		for _, d := range deads {
			fmt.Printf("%s  thread=%s exec_count=%d retries=%d dead_at=%s reason=%q\n",
				d.Task.ID,
				d.Task.ThreadPubkey,
				d.Task.Thread.ExecCount,
				d.RetryCount,
				time.UnixMilli(d.DeadAt).UTC().Format(time.RFC3339),
				d.Reason)
		}
		return nil
	},
}

var deadLetterResurrectCmd = &cobra.Command{
	Use:   "resurrect <task-id>",
	Short: "Move a dead-lettered task back to the schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer func() { _ = q.Close() }()

		if err := q.Resurrect(cmd.Context(), args[0]); err != nil {
			return exitError(ExitStorageFailure, "resurrect task", err)
		}
		fmt.Printf("task %s rescheduled\n", args[0])
		return nil
	},
}

var purgeOlderThanHours int

var deadLetterPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeOlderThanHours <= 0 {
			return exitError(ExitInvalidConfig, "refusing to purge",
				fmt.Errorf("--older-than-hours must be positive"))
		}
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer func() { _ = q.Close() }()

		n, err := q.PurgeDeadLetter(cmd.Context(), time.Duration(purgeOlderThanHours)*time.Hour)
		if err != nil {
			return exitError(ExitStorageFailure, "purge dead letter partition", err)
		}
		fmt.Printf("purged %d task(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(deadLetterCmd)
	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterResurrectCmd)
	deadLetterCmd.AddCommand(deadLetterPurgeCmd)

	deadLetterPurgeCmd.Flags().IntVar(&purgeOlderThanHours, "older-than-hours", 0,
		"Only purge entries dead for at least this many hours")
}

func openQueue() (*queue.Queue, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitError(ExitInvalidConfig, "invalid configuration", err)
	}
	q, err := queue.Open(cfg.DataDir, queue.RetryConfig{}, nil)
	if err != nil {
		return nil, exitError(ExitStorageFailure, "unusable queue storage", err)
	}
	return q, nil
}
