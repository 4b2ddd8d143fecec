package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/bugzilla"
	"github.com/clintrovert/bugmon-tc/internal/cli"
	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/internal/engine"
	"github.com/clintrovert/bugmon-tc/internal/monitor"
	"github.com/clintrovert/bugmon-tc/internal/taskcluster"
	"github.com/clintrovert/bugmon-tc/internal/taskgraph"
)

type flags struct {
	cli.Options
	apiRoot      string
	apiKey       string
	forceConfirm bool
	engine       string
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "bugmon-monitor <output>",
		Short: "Generate bugmon tasks",
		Args:  cli.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &f, args[0])
		},
	}
	f.Bind(cmd)
	cmd.Flags().StringVar(&f.apiRoot, "api-root", os.Getenv(config.EnvBugzillaRoot), "The target bugzilla instance")
	cmd.Flags().StringVar(&f.apiKey, "api-key", os.Getenv(config.EnvBugzillaKey), "The bugzilla API key")
	cmd.Flags().BoolVar(&f.forceConfirm, "force-confirm", false, "Force bug confirmation regardless of state")
	cmd.Flags().StringVar(&f.engine, "engine", engine.DefaultCommand, "Decision engine executable")
	return cmd
}

func run(ctx context.Context, f *flags, output string) error {
	logger := f.Logger

	if f.apiRoot == "" || f.apiKey == "" {
		return cli.Usagef("BZ_API_ROOT and BZ_API_KEY must be set!")
	}

	settings, err := f.Settings()
	if err != nil {
		return err
	}

	// Create Bugzilla client
	bz, err := bugzilla.NewClient(config.BugzillaCreds{Key: f.apiKey, URL: f.apiRoot}, logger)
	if err != nil {
		return err
	}

	// Tasks go to the queue only from inside Taskcluster
	parentID := taskgraph.NewSlugID()
	var queue monitor.Queue
	if config.InTaskcluster() {
		parentID = config.TaskID()
		if !f.DryRun {
			queue = taskcluster.NewClient(config.QueueRootURL(), logger)
		}
	}

	evaluator := monitor.NewEvaluator(engine.NewCommandFactory(f.engine, logger), f.forceConfirm, logger)
	fetcher := monitor.NewFetcher(bz, evaluator, bugzilla.DefaultQuery(settings.QuerySince), logger)
	m := monitor.NewMonitor(
		fetcher,
		taskgraph.NewBuilder(*settings),
		monitor.NewEmitter(queue, logger),
		parentID,
		f.forceConfirm,
		logger,
	)

	logger.Info("starting monitor run",
		zap.String("parent_id", parentID),
		zap.String("output", output),
		zap.Bool("dry_run", f.DryRun),
	)
	return m.CreateTasks(ctx, output)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, newRootCmd())
	stop()
	os.Exit(code)
}
