// Package monitor finds the bugs that need automated action and emits the
// processor and reporter tasks for each of them.
package monitor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/taskgraph"
)

// Monitor coordinates fetching, task building and emission
type Monitor struct {
	fetcher      *Fetcher
	builder      *taskgraph.Builder
	emitter      *Emitter
	parentID     string
	forceConfirm bool
	logger       *zap.Logger
}

// NewMonitor creates a new monitor. parentID is the task group every emitted
// task belongs to.
func NewMonitor(
	fetcher *Fetcher,
	builder *taskgraph.Builder,
	emitter *Emitter,
	parentID string,
	forceConfirm bool,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		fetcher:      fetcher,
		builder:      builder,
		emitter:      emitter,
		parentID:     parentID,
		forceConfirm: forceConfirm,
		logger:       logger,
	}
}

// CreateTasks emits tasks for every actionable bug into dir. A failure to
// emit one bug is logged and does not stop the others; all such failures are
// returned together. Fetch errors abort the run.
func (m *Monitor) CreateTasks(ctx context.Context, dir string) error {
	var errs []error
	emitted := 0

	for c, err := range m.fetcher.FetchBugs(ctx) {
		if err != nil {
			return fmt.Errorf("failed to fetch bugs: %w", err)
		}

		if err := m.createTasks(ctx, c, dir); err != nil {
			m.logger.Error("failed to emit tasks",
				zap.Int("bug_id", c.Bug.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("bug %d: %w", c.Bug.ID, err))
			continue
		}
		emitted++
	}

	m.logger.Info("monitor run complete",
		zap.Int("emitted", emitted),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (m *Monitor) createTasks(ctx context.Context, c *Candidate, dir string) error {
	bug := c.Bug
	monitorPath := taskgraph.MonitorPath(bug.ID, m.parentID)

	processor := m.builder.BuildProcessor(m.parentID, bug, monitorPath, taskgraph.ProcessorOptions{
		UseTrace:     c.Verdict.NeedsTrace(),
		ForceConfirm: m.forceConfirm,
	})
	reporter := m.builder.BuildReporter(m.parentID, bug, processor.Dest, processor.ID, processor.TraceDest)

	m.logger.Info("emitting tasks",
		zap.Int("bug_id", bug.ID),
		zap.String("processor", processor.ID),
		zap.String("reporter", reporter.ID),
		zap.String("worker_type", processor.WorkerType),
	)
	return m.emitter.Emit(ctx, bug, processor, reporter, dir)
}
