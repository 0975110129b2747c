package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/types"
)

// Queue commands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control queues",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declared queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		names := eng.ListQueues()
		if len(names) == 0 {
			fmt.Println("No queues declared")
			return nil
		}
		for _, name := range names {
			stats, _ := eng.QueueStats(name)
			state := ""
			if stats.Paused {
				state = "  (paused)"
			}
			fmt.Printf("%-32s ready=%d running=%d%s\n", name, stats.Ready, stats.Running, state)
		}
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats NAME",
	Short: "Show live statistics for a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		stats, ok := eng.QueueStats(args[0])
		if !ok {
			return fmt.Errorf("queue %s: %w", args[0], errNotFound)
		}
		fmt.Printf("Queue: %s\n", stats.Name)
		fmt.Printf("  Ready:   %d\n", stats.Ready)
		fmt.Printf("  Running: %d\n", stats.Running)
		fmt.Printf("  Bytes:   %d\n", stats.Bytes)
		fmt.Printf("  Paused:  %v\n", stats.Paused)
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause NAME",
	Short: "Suspend lease issuance on a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		if err := eng.PauseQueue(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Queue %s paused\n", args[0])
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume NAME",
	Short: "Resume lease issuance on a paused queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		if err := eng.ResumeQueue(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Queue %s resumed\n", args[0])
		return nil
	},
}

// Worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect and control workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		workers := eng.ListWorkers()
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}
		for _, w := range workers {
			fmt.Printf("%-24s %-10s slots=%d/%d\n", w.ID, w.State, w.SlotsTotal-w.SlotsFree, w.SlotsTotal)
		}
		return nil
	},
}

var workerDrainCmd = &cobra.Command{
	Use:   "drain ID",
	Short: "Stop new placements on a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		if err := eng.DrainWorker(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Worker %s draining\n", args[0])
		return nil
	},
}

// Envelope commands
var envelopeCmd = &cobra.Command{
	Use:   "envelope",
	Short: "Inspect and control envelopes",
}

var envelopeDescribeCmd = &cobra.Command{
	Use:   "describe ID",
	Short: "Show an envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		env, ok := eng.DescribeEnvelope(args[0])
		if !ok {
			return fmt.Errorf("envelope %s: %w", args[0], errNotFound)
		}
		printEnvelope(env)
		return nil
	},
}

var envelopeDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List archived dead-lettered envelopes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		envelopes, err := eng.ArchivedDeadLetters(limit)
		if err != nil {
			return err
		}
		if len(envelopes) == 0 {
			fmt.Println("No archived dead letters")
			return nil
		}
		for _, env := range envelopes {
			fmt.Printf("%s  %-14s %-24s %s\n",
				env.CompletedAt.Format(time.RFC3339), env.DeadLetterReason, env.Queue, env.OriginalID)
		}
		return nil
	},
}

var envelopeRevokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Cancel a pre-terminal envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		if err := eng.RevokeEnvelope(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Envelope %s revoked\n", args[0])
		return nil
	},
}

func printEnvelope(env types.Envelope) {
	fmt.Printf("Envelope: %s\n", env.ID)
	fmt.Printf("  Kind:     %s\n", env.Kind)
	fmt.Printf("  State:    %s\n", env.State)
	fmt.Printf("  Queue:    %s\n", env.Queue)
	if env.TaskDef != "" {
		fmt.Printf("  Task:     %s\n", env.TaskDef)
	}
	if env.Correlation != "" {
		fmt.Printf("  Correlation: %s\n", env.Correlation)
	}
	if env.OriginalID != "" {
		fmt.Printf("  Original: %s\n", env.OriginalID)
	}
	fmt.Printf("  Priority: %d\n", env.Priority)
	fmt.Printf("  Attempt:  %d/%d\n", env.Attempt, env.MaxAttempts)
	if env.DeadLetterReason != "" {
		fmt.Printf("  Reason:   %s\n", env.DeadLetterReason)
	}
	if !env.EnqueuedAt.IsZero() {
		fmt.Printf("  Enqueued: %s\n", env.EnqueuedAt.Format(time.RFC3339))
	}
	if !env.CompletedAt.IsZero() {
		fmt.Printf("  Finished: %s\n", env.CompletedAt.Format(time.RFC3339))
	}
}

// Audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("type")
		queue, _ := cmd.Flags().GetString("queue")
		worker, _ := cmd.Flags().GetString("worker")
		taskDef, _ := cmd.Flags().GetString("task")
		limit, _ := cmd.Flags().GetInt("limit")

		eng, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Stop()

		entries := eng.QueryAudit(audit.Filter{
			Type:    eventType,
			Queue:   queue,
			Worker:  worker,
			TaskDef: taskDef,
		}, limit)
		if len(entries) == 0 {
			fmt.Println("No audit entries")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-28s %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Detail)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)

	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerDrainCmd)

	envelopeCmd.AddCommand(envelopeDescribeCmd)
	envelopeCmd.AddCommand(envelopeRevokeCmd)
	envelopeCmd.AddCommand(envelopeDeadLettersCmd)
	envelopeDeadLettersCmd.Flags().Int("limit", 50, "Maximum envelopes returned")
	envelopeDeadLettersCmd.Flags().String("data-dir", "", "Data directory of the archive")

	auditCmd.Flags().String("type", "", "Filter by event type prefix")
	auditCmd.Flags().String("queue", "", "Filter by queue")
	auditCmd.Flags().String("worker", "", "Filter by worker ID")
	auditCmd.Flags().String("task", "", "Filter by task definition")
	auditCmd.Flags().Int("limit", 50, "Maximum entries returned")
}
