// Package cliutil holds the scaffolding shared by the three CLI
// binaries (nanolambda, nanolambda-network, nanosnapshot): flag
// wiring, Config assembly, and exit-code translation. Each binary calls
// Bootstrap from its own RunE rather than from a PersistentPreRun hook.
package cliutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dklima/nanolambda/internal/config"
	"github.com/dklima/nanolambda/internal/result"
	"github.com/dklima/nanolambda/internal/telemetry"
)

// Exit codes per spec.md §6.
const (
	ExitSuccess      = 0
	ExitValidation   = 1
	ExitInterrupted  = 130
	ExitUsage        = 2
)

// Flags is the common flag set every binary exposes.
type Flags struct {
	ConfigPath string
	Local      bool
	Trace      bool
}

// Register adds the common flags to cmd's persistent flag set.
func (f *Flags) Register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.ConfigPath, "config", "", "path to a nanolambda.toml config file")
	cmd.PersistentFlags().BoolVar(&f.Local, "local", false, "enable development-mode logging")
	cmd.PersistentFlags().BoolVar(&f.Trace, "trace", false, "print an OpenTelemetry span trace of the invocation")
}

// Bootstrap loads Config and builds the logger/tracer pair used by a
// single invocation. The returned shutdown func flushes the tracer.
func (f *Flags) Bootstrap(ctx context.Context) (config.Config, *zap.Logger, trace.Tracer, func(), error) {
	cfg, err := config.LoadFile(f.ConfigPath, config.Default())
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}
	cfg.Local = f.Local
	cfg.Trace = f.Trace

	logger, err := telemetry.NewLogger(f.Local)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	tracer, shutdownTracer, err := telemetry.NewTracer(ctx, f.Trace, os.Stderr)
	if err != nil {
		logger.Sync()
		return config.Config{}, nil, nil, nil, err
	}

	return cfg, logger, tracer, func() {
		shutdownTracer(context.Background())
		logger.Sync()
	}, nil
}

// PrintResult writes a Result to stdout: the parsed value re-encoded as
// indented JSON for Json, the base64 text for Image, the text for Raw,
// and the raw log to stderr on Failure.
func PrintResult(res result.Result) int {
	switch res.Kind {
	case result.KindJson:
		encoded, _ := json.MarshalIndent(res.Json, "", "  ")
		fmt.Println(string(encoded))
		return ExitSuccess
	case result.KindImage:
		fmt.Println(res.Image)
		return ExitSuccess
	case result.KindRaw:
		fmt.Println(res.Text)
		return ExitSuccess
	default:
		fmt.Fprintln(os.Stderr, res.Text)
		return ExitValidation
	}
}
