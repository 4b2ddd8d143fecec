package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/taskgraph"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// Queue accepts task definitions
type Queue interface {
	CreateTask(ctx context.Context, taskID string, task *taskgraph.Task) error
}

// Emitter persists the monitor artifact of a bug and hands its tasks to the
// queue. Without a queue the task definitions are written next to the
// artifact instead.
type Emitter struct {
	queue  Queue
	logger *zap.Logger
}

// NewEmitter creates an emitter. queue may be nil for offline runs.
func NewEmitter(queue Queue, logger *zap.Logger) *Emitter {
	return &Emitter{queue: queue, logger: logger}
}

// Emit writes the monitor artifact of bug into dir, then submits processor and
// reporter in that order
func (e *Emitter) Emit(ctx context.Context, bug *types.Bug, processor, reporter *taskgraph.Descriptor, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	monitorPath := filepath.Join(dir, processor.Src)
	if err := writeMonitorArtifact(monitorPath, bug); err != nil {
		return err
	}
	e.logger.Debug("wrote monitor artifact", zap.String("path", monitorPath))

	if e.queue == nil {
		return e.writeTasks(bug, processor, reporter, dir)
	}

	for _, d := range []*taskgraph.Descriptor{processor, reporter} {
		if err := e.queue.CreateTask(ctx, d.ID, d.Task()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) writeTasks(bug *types.Bug, processor, reporter *taskgraph.Descriptor, dir string) error {
	files := []struct {
		name string
		d    *taskgraph.Descriptor
	}{
		{taskgraph.ProcessorTaskFile(bug.ID, processor.ParentID), processor},
		{taskgraph.ReporterTaskFile(bug.ID, reporter.ParentID), reporter},
	}

	for _, f := range files {
		data, err := json.MarshalIndent(f.d.Task(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode task %s: %w", f.d.ID, err)
		}
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write task: %w", err)
		}
		e.logger.Info("wrote task", zap.String("path", path), zap.String("task_id", f.d.ID))
	}
	return nil
}

// writeMonitorArtifact stores the raw tracker record, indented
func writeMonitorArtifact(path string, bug *types.Bug) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bug.Raw(), "", "  "); err != nil {
		return fmt.Errorf("failed to format bug %d: %w", bug.ID, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write monitor artifact: %w", err)
	}
	return nil
}
