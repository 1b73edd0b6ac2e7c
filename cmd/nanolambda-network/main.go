// Command nanolambda-network invokes a function with host networking
// (TAP + NAT) enabled for guest internet egress.
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

	root := &cobra.Command{
		Use:          "nanolambda-network <function_path> <input_string>",
		Short:        "Run a function inside a micro-VM with host networking enabled.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
	}
	flags.Register(root)

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
		res, err := controller.Invoke(ctx, lifecycle.InvocationRequest{
			FunctionPath: args[0],
			Input:        []byte(args[1]),
			Networking:   true,
		})

		if code, interrupted := signalCode(); interrupted {
			exitCode = code
			return nil
		}

		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			exitCode = cliutil.ExitValidation
			return nil
		}

		exitCode = cliutil.PrintResult(res)
		return nil
	}

	if err := root.Execute(); err != nil {
		return cliutil.ExitUsage
	}
	return exitCode
}
