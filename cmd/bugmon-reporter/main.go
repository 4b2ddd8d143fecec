package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clintrovert/bugmon-tc/internal/bugzilla"
	"github.com/clintrovert/bugmon-tc/internal/cli"
	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/internal/pernosco"
	"github.com/clintrovert/bugmon-tc/internal/reporter"
	"github.com/clintrovert/bugmon-tc/internal/taskcluster"
)

type flags struct {
	cli.Options
	traceArtifact string
	pernosco      string
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "bugmon-reporter <processor-artifact>",
		Short: "Report processed results to Bugzilla",
		Args:  cli.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &f, args[0])
		},
	}
	f.Bind(cmd)
	cmd.Flags().StringVar(&f.traceArtifact, "trace-artifact", "", "Path to the rr trace archive")
	cmd.Flags().StringVar(&f.pernosco, "pernosco-submit", pernosco.DefaultCommand, "pernosco-submit executable")
	return cmd
}

func run(ctx context.Context, f *flags, processorArtifact string) error {
	logger := f.Logger
	inTaskcluster := config.InTaskcluster()

	if !inTaskcluster {
		for _, path := range []string{processorArtifact, f.traceArtifact} {
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				return cli.Usagef("Cannot find path %s!", path)
			}
		}
	}

	// Credentials are checked before anything touches the network
	var pernoscoCreds config.PernoscoCreds
	if f.traceArtifact != "" {
		creds, err := config.PernoscoAuth()
		if err != nil {
			return err
		}
		pernoscoCreds = creds
	}

	var tracker reporter.Tracker
	if !f.DryRun {
		creds, err := config.BugzillaAuth()
		if err != nil {
			return err
		}
		bz, err := bugzilla.NewClient(creds, logger)
		if err != nil {
			return err
		}
		tracker = bz
	}

	var src reporter.ArtifactSource
	opts := []reporter.Option{reporter.WithDryRun(f.DryRun)}
	if inTaskcluster {
		tc := taskcluster.NewClient(config.QueueRootURL(), logger)
		src = tc
		opts = append(opts, reporter.WithSource(tc))
	}

	processed, err := reporter.LoadProcessorArtifact(ctx, src, processorArtifact)
	if err != nil {
		return err
	}

	submitter := pernosco.NewSubmitter(logger, pernosco.WithCommand(f.pernosco))
	r := reporter.NewReporter(tracker, submitter, logger, opts...)

	if f.traceArtifact != "" {
		if err := r.SubmitTrace(ctx, processed, f.traceArtifact, pernoscoCreds); err != nil {
			return err
		}
	}
	return r.UpdateBug(ctx, processed)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, newRootCmd())
	stop()
	os.Exit(code)
}
