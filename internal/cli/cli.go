// Package cli holds what the bugmon binaries share: common flags, logger
// construction and error reporting.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clintrovert/bugmon-tc/internal/config"
)

// ErrUsage marks argument validation failures
var ErrUsage = errors.New("usage error")

// Options are the flags every binary accepts
type Options struct {
	DryRun     bool
	Quiet      bool
	Verbose    bool
	Debug      bool
	ConfigPath string

	Logger *zap.Logger
}

// Bind registers the common flags on cmd and builds the logger before the
// command runs
func (o *Options) Bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.BoolVar(&o.DryRun, "dry-run", false, "Perform tasks locally")
	flags.BoolVarP(&o.Quiet, "quiet", "q", false, "Be less verbose")
	flags.BoolVarP(&o.Verbose, "verbose", "v", false, "Be more verbose")
	flags.BoolVar(&o.Debug, "debug", config.EnvFlag(config.EnvDebug), "Enable debug logging")
	flags.StringVar(&o.ConfigPath, "config", os.Getenv(config.EnvConfigPath), "Path to task settings file")
	cmd.MarkFlagsMutuallyExclusive("quiet", "verbose")

	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if o.Logger == nil {
			o.Logger = NewLogger(o.Level(), cmd.ErrOrStderr())
		}
		return nil
	}
	cmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if o.Logger != nil {
			_ = o.Logger.Sync()
		}
	}
}

// Level maps the verbosity flags to a log level
func (o *Options) Level() zapcore.Level {
	switch {
	case o.Quiet:
		return zapcore.WarnLevel
	case o.Verbose, o.Debug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// Settings loads the task settings named by --config
func (o *Options) Settings() (*config.Settings, error) {
	return config.LoadSettings(o.ConfigPath)
}

// NewLogger builds a console logger writing to w
func NewLogger(level zapcore.Level, w io.Writer) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(w)),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core)
}

// ExactArgs is cobra.ExactArgs reporting a usage error
func ExactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", ErrUsage, err)
		}
		return nil
	}
}

// Usagef reports an argument validation failure
func Usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Execute runs cmd and returns the process exit code. Errors are printed as a
// single line on stderr.
func Execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", cmd.Name(), err)
		if errors.Is(err, ErrUsage) {
			return 2
		}
		return 1
	}
	return 0
}
