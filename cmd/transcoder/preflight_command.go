package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"transcoder/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, conversion tools and the queue backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(cmd.Context(), cfg)
			if err := ctx.emit(cmd, results, func() string { return renderPreflight(results) }); err != nil {
				return err
			}
			if failed := preflight.Failed(results); len(failed) > 0 {
				names := make([]string, 0, len(failed))
				for _, r := range failed {
					names = append(names, r.Name)
				}
				return fmt.Errorf("preflight failed: %s", strings.Join(names, ", "))
			}
			return nil
		},
	}
}

func renderPreflight(results []preflight.Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := "ok"
		if !r.Passed {
			status = "FAIL"
			if r.Optional {
				status = "warn"
			}
		}
		rows = append(rows, []string{r.Name, status, yesNo(r.Optional), r.Detail})
	}
	return renderTable([]string{"Check", "Status", "Optional", "Detail"}, rows, nil)
}
