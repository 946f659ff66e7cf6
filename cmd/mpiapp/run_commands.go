package main

import (
	"errors"

	"github.com/spf13/cobra"

	"mpiapp/internal/daemonrun"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the input directory and process new movies until interrupted",
		Long: "Watch paths.watch_dir for closed files ending in watch.extension and run\n" +
			"MotionCor2 and Gctf on them, one worker per configured GPU.\n" +
			"Files given with --files are queued before watching starts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel: ctx.logLevel(),
				Watch:    true,
				Files:    files,
			})
		},
	}
	cmd.Flags().StringSliceVar(&files, "files", nil, "Movies to queue before watching starts")
	return cmd
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "process [movie...]",
		Short: "Process the given movies and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			all := append(append([]string(nil), files...), args...)
			if len(all) == 0 {
				return errors.New("no movies given; pass --files or positional paths")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel: ctx.logLevel(),
				Files:    all,
			})
		},
	}
	cmd.Flags().StringSliceVar(&files, "files", nil, "Movies to process, in order")
	return cmd
}
