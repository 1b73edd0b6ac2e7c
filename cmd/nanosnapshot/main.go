// Command nanosnapshot runs the cold-start/snapshot/restore timing tool
// (spec.md §8 scenario S3): it pre-warms a heavy-runtime guest to a
// snapshot, then restores it and reports the speedup.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dklima/nanolambda/internal/cliutil"
	"github.com/dklima/nanolambda/internal/lifecycle"
	"github.com/dklima/nanolambda/internal/signals"
)

func main() {
	os.Exit(run())
}

func run() int {
	var flags cliutil.Flags
	var functionPath, input string

	root := &cobra.Command{
		Use:          "nanosnapshot",
		Short:        "Time a pre-warm snapshot and a restore from it.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
	}
	flags.Register(root)
	root.Flags().StringVar(&functionPath, "function", "", "path to the pre-warm handler to run before snapshotting")
	root.Flags().StringVar(&input, "input", "", "input string passed to the pre-warm handler")
	root.MarkFlagRequired("function")

	exitCode := cliutil.ExitSuccess
	root.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, logger, tracer, shutdown, err := flags.Bootstrap(context.Background())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			exitCode = cliutil.ExitValidation
			return nil
		}
		defer shutdown()

		ctx, signalCode, stop := signals.WithCancel(context.Background(), logger)
		defer stop()

		controller := lifecycle.New(cfg, logger, tracer)

		snap, coldStart, err := controller.Prewarm(ctx, lifecycle.InvocationRequest{
			FunctionPath: functionPath,
			Input:        []byte(input),
		})
		if err != nil {
			if code, interrupted := signalCode(); interrupted {
				exitCode = code
				return nil
			}
			fmt.Fprintln(os.Stderr, err)
			exitCode = cliutil.ExitValidation
			return nil
		}

		instance, restoreDuration, cleanupRestore, err := controller.Restore(ctx, snap)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			exitCode = cliutil.ExitValidation
			return nil
		}
		defer func() {
			instance.Shutdown(cfg.VmmTermGrace)
			cleanupRestore()
		}()

		memSize, err := snap.MemoryFileSize()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			exitCode = cliutil.ExitValidation
			return nil
		}

		speedup := float64(coldStart) / float64(restoreDuration)
		fmt.Printf("cold_start=%s restore=%s speedup=%.2fx mem_file_bytes=%d\n",
			coldStart, restoreDuration, speedup, memSize)

		exitCode = cliutil.ExitSuccess
		return nil
	}

	if err := root.Execute(); err != nil {
		return cliutil.ExitUsage
	}
	return exitCode
}
