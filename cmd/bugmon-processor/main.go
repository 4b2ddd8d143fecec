package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/cli"
	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/internal/engine"
	"github.com/clintrovert/bugmon-tc/internal/processor"
	"github.com/clintrovert/bugmon-tc/internal/taskcluster"
)

type flags struct {
	cli.Options
	traceArtifact string
	forceConfirm  bool
	engine        string
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "bugmon-processor <monitor-artifact> <processor-artifact>",
		Short: "Process a bug from its monitor artifact",
		Args:  cli.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &f, args[0], args[1])
		},
	}
	f.Bind(cmd)
	cmd.Flags().StringVar(&f.traceArtifact, "trace-artifact", "", "Path to store the rr trace archive")
	cmd.Flags().BoolVar(&f.forceConfirm, "force-confirm", config.EnvFlag(config.EnvForceConfirm), "Force bug confirmation regardless of state")
	cmd.Flags().StringVar(&f.engine, "engine", engine.DefaultCommand, "Decision engine executable")
	return cmd
}

func run(ctx context.Context, f *flags, monitorArtifact, processorArtifact string) error {
	logger := f.Logger

	for _, path := range []string{processorArtifact, f.traceArtifact} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			logger.Warn("path exists, contents will be overwritten", zap.String("path", path))
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	var src processor.ArtifactSource
	if config.InTaskcluster() {
		src = taskcluster.NewClient(config.QueueRootURL(), logger)
	}

	raw, err := processor.LoadMonitorArtifact(ctx, src, monitorArtifact)
	if err != nil {
		return err
	}

	p := processor.NewProcessor(engine.NewCommandFactory(f.engine, logger), logger)
	return p.ProcessBug(ctx, raw, processorArtifact, f.traceArtifact, f.forceConfirm)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, newRootCmd())
	stop()
	os.Exit(code)
}
