package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"transcoder/internal/tasks"
	"transcoder/internal/variant"
)

func newTaskCommand(ctx *commandContext) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Create and manage conversion tasks",
	}
	taskCmd.AddCommand(newTaskCreateCommand(ctx))
	taskCmd.AddCommand(newTaskListCommand(ctx))
	taskCmd.AddCommand(newTaskShowCommand(ctx))
	taskCmd.AddCommand(newTaskRemoveCommand(ctx))
	taskCmd.AddCommand(newTaskRetryCommand(ctx))
	return taskCmd
}

// parseVariantArgs accepts FORMAT/PROFILE or FORMAT:PROFILE pairs, e.g. V1/P2.
func parseVariantArgs(args []string) ([]variant.Request, error) {
	requests := make([]variant.Request, 0, len(args))
	for _, arg := range args {
		format, profile, ok := strings.Cut(arg, "/")
		if !ok {
			format, profile, ok = strings.Cut(arg, ":")
		}
		if !ok {
			return nil, fmt.Errorf("variant %q must look like FORMAT/PROFILE, e.g. V1/P2", arg)
		}
		requests = append(requests, variant.Request{Format: format, Profile: profile})
	}
	return requests, nil
}

func newTaskCreateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "create <video-id> <FORMAT/PROFILE>...",
		Short: "Queue conversions of a video",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			requests, err := parseVariantArgs(args[1:])
			if err != nil {
				return err
			}
			return ctx.withRuntime(func(rt *runtime) error {
				result, err := rt.coord.CreateTasks(cmd.Context(), tasks.VideoID(args[0]), requests)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, result, func() string {
					var b strings.Builder
					if len(result.Created) > 0 {
						b.WriteString(renderTaskTable(result.Created))
					}
					for _, dup := range result.Duplicates {
						fmt.Fprintf(&b, "\nSkipped %s: already requested", variant.Label(dup.Format, dup.Profile))
						if dup.Existing != nil {
							fmt.Fprintf(&b, " as task %s (%s)", dup.Existing.ID, dup.Existing.State)
						}
					}
					for _, id := range result.EnqueueFailed {
						fmt.Fprintf(&b, "\nTask %s was stored but not enqueued; run `transcoder queue reconcile`", id)
					}
					return strings.TrimPrefix(b.String(), "\n")
				})
			})
		},
	}
}

func newTaskListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var videoID string
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks (active ones unless filtered)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := tasks.Filter{VideoID: tasks.VideoID(strings.TrimSpace(videoID))}
			switch {
			case len(states) > 0:
				for _, value := range states {
					state, ok := tasks.ParseState(value)
					if !ok {
						return fmt.Errorf("unknown task state %q", value)
					}
					filter.States = append(filter.States, state)
				}
			case !all:
				filter.States = []tasks.State{tasks.StateQueued, tasks.StateProcessing}
			}
			return ctx.withRuntime(func(rt *runtime) error {
				list, err := rt.store.Find(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if list == nil {
					list = []*tasks.Task{}
				}
				return ctx.emit(cmd, list, func() string {
					if len(list) == 0 {
						return "No tasks"
					}
					return renderTaskTable(list)
				})
			})
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by state (QUEUED, PROCESSING, COMPLETED, FAILED)")
	cmd.Flags().StringVar(&videoID, "video", "", "Only tasks of this video")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include finished tasks")
	return cmd
}

func newTaskShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(func(rt *runtime) error {
				task, err := rt.store.FindByID(cmd.Context(), tasks.TaskID(args[0]))
				if err != nil {
					return err
				}
				if task == nil {
					return fmt.Errorf("task %s not found", args[0])
				}
				return ctx.emit(cmd, task, func() string { return renderTaskDetail(task) })
			})
		},
	}
}

func newTaskRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <task-id>",
		Aliases: []string{"remove"},
		Short:   "Delete a task, its job and its output",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(func(rt *runtime) error {
				deleted, err := rt.coord.DeleteTask(cmd.Context(), tasks.TaskID(args[0]))
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("task %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func newTaskRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Requeue a failed task with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(func(rt *runtime) error {
				task, err := rt.coord.RetryTask(cmd.Context(), tasks.TaskID(args[0]))
				if err != nil {
					return err
				}
				if task == nil {
					return fmt.Errorf("task %s not found", args[0])
				}
				return ctx.emit(cmd, task, func() string { return renderTaskTable([]*tasks.Task{task}) })
			})
		},
	}
}

func renderTaskTable(list []*tasks.Task) string {
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		rows = append(rows, []string{
			string(t.ID),
			string(t.VideoID),
			t.Label(),
			string(t.State),
			strconv.Itoa(t.Progress) + "%",
			formatTime(&t.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Video", "Variant", "State", "Progress", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func renderTaskDetail(t *tasks.Task) string {
	rows := [][]string{
		{"ID", string(t.ID)},
		{"Video", string(t.VideoID)},
		{"Variant", t.Label()},
		{"State", string(t.State)},
		{"Progress", strconv.Itoa(t.Progress) + "%"},
		{"Output", orDash(t.OutputFilePath)},
		{"Error", orDash(t.ErrorMessage)},
		{"Detail", orDash(t.ErrorDetail)},
		{"Queued", formatTime(t.QueuedAt)},
		{"Processing", formatTime(t.ProcessingAt)},
		{"Completed", formatTime(t.CompletedAt)},
		{"Failed", formatTime(t.FailedAt)},
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}
