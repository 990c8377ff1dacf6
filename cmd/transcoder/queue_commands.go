package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"transcoder/internal/jobqueue"
	"transcoder/internal/tasks"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the job queue",
	}
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueCleanCommand(ctx))
	queueCmd.AddCommand(newQueueReconcileCommand(ctx))
	return queueCmd
}

type queueStats struct {
	Backend string         `json:"backend"`
	Jobs    jobqueue.Stats `json:"jobs"`
	Tasks   tasks.Stats    `json:"tasks"`
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job and task counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(func(rt *runtime) error {
				jobs, err := rt.queue.Stats(cmd.Context())
				if err != nil {
					return err
				}
				taskStats, err := rt.store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				stats := queueStats{Backend: rt.cfg.Queue.Backend, Jobs: jobs, Tasks: taskStats}
				return ctx.emit(cmd, stats, func() string { return renderQueueStats(stats) })
			})
		},
	}
}

func newQueueCleanCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	var states []string

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Drop finished jobs older than the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]jobqueue.State, 0, len(states))
			for _, value := range states {
				state, ok := jobqueue.ParseState(value)
				if !ok {
					return fmt.Errorf("unknown job state %q", value)
				}
				parsed = append(parsed, state)
			}
			return ctx.withRuntime(func(rt *runtime) error {
				grace := olderThan
				if !cmd.Flags().Changed("older-than") {
					grace = rt.cfg.CleanGrace()
				}
				removed, err := rt.queue.Clean(cmd.Context(), grace, parsed...)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, map[string]int64{"removed": removed}, func() string {
					return fmt.Sprintf("Removed %d finished job(s)", removed)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only drop jobs finished before this long ago (default queue.clean_grace_hours)")
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Job states to clean (completed, failed)")
	return cmd
}

func newQueueReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Enqueue QUEUED tasks that have no outstanding job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(func(rt *runtime) error {
				enqueued, err := rt.coord.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.emit(cmd, map[string]int{"enqueued": enqueued}, func() string {
					return fmt.Sprintf("Enqueued %d task(s)", enqueued)
				})
			})
		},
	}
}

func renderQueueStats(stats queueStats) string {
	count := func(n int64) string { return strconv.FormatInt(n, 10) }
	rows := [][]string{
		{"jobs", "waiting", count(stats.Jobs.Waiting)},
		{"jobs", "delayed", count(stats.Jobs.Delayed)},
		{"jobs", "active", count(stats.Jobs.Active)},
		{"jobs", "completed", count(stats.Jobs.Completed)},
		{"jobs", "failed", count(stats.Jobs.Failed)},
		{"tasks", "QUEUED", strconv.Itoa(stats.Tasks.Queued)},
		{"tasks", "PROCESSING", strconv.Itoa(stats.Tasks.Processing)},
		{"tasks", "COMPLETED", strconv.Itoa(stats.Tasks.Completed)},
		{"tasks", "FAILED", strconv.Itoa(stats.Tasks.Failed)},
	}
	return fmt.Sprintf("Backend: %s\n", stats.Backend) +
		renderTable([]string{"Kind", "State", "Count"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight})
}
