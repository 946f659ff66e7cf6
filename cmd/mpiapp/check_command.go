package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mpiapp/internal/daemonrun"
	"mpiapp/internal/logging"
	"mpiapp/internal/preflight"
	"mpiapp/internal/toolrun"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var batch bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the startup checks without processing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			results, verifyErr := preflight.Verify(cmd.Context(), cfg, !batch)
			for _, line := range renderSectionHeader("Preflight", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, line := range preflightLines(results, colorize) {
				fmt.Fprintln(out, line)
			}

			pl, err := daemonrun.BuildPipeline(cfg, toolrun.New(), logging.NewNop(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			for _, line := range renderSectionHeader("Stages", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, line := range stageHealthLines(pl.HealthCheck(cmd.Context()), colorize) {
				fmt.Fprintln(out, line)
			}
			return verifyErr
		},
	}
	cmd.Flags().BoolVar(&batch, "batch", false, "Skip the watch directory check, as process does")
	return cmd
}
