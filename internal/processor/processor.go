// Package processor runs the decision engine's mutating action on a bug and
// records the resulting diff, plus an rr trace when one was requested.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/archive"
	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/internal/engine"
	"github.com/clintrovert/bugmon-tc/internal/taskcluster"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// ArtifactSource reads artifacts of other tasks in the graph
type ArtifactSource interface {
	Task(ctx context.Context, taskID string) (*taskcluster.TaskInfo, error)
	FetchArtifact(ctx context.Context, taskID, name string) (io.ReadCloser, error)
}

// Processor handles one monitor artifact
type Processor struct {
	factory engine.Factory
	logger  *zap.Logger
}

// NewProcessor creates a new processor
func NewProcessor(factory engine.Factory, logger *zap.Logger) *Processor {
	return &Processor{factory: factory, logger: logger}
}

// LoadMonitorArtifact reads the monitor artifact at path. Inside Taskcluster
// (src non-nil) the artifact belongs to the task group of the running task;
// otherwise path is a local file.
func LoadMonitorArtifact(ctx context.Context, src ArtifactSource, path string) ([]byte, error) {
	if src == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read monitor artifact: %w", err)
		}
		return data, nil
	}

	task, err := src.Task(ctx, config.TaskID())
	if err != nil {
		return nil, err
	}
	body, err := src.FetchArtifact(ctx, task.TaskGroupID, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, types.WrapTaskError(err)
	}
	return data, nil
}

// ProcessBug runs the engine against the raw bug and writes the processed
// artifact to procDest. When traceDest is set, the trace the engine recorded
// is archived there.
func (p *Processor) ProcessBug(ctx context.Context, raw []byte, procDest, traceDest string, forceConfirm bool) error {
	bug, err := types.ParseBug(raw)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", fmt.Sprintf("bugmon-%d-", bug.ID))
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	eng, err := p.factory(ctx, bug, workDir)
	if err != nil {
		return err
	}

	p.logger.Info("processing bug",
		zap.Int("bug_id", bug.ID),
		zap.String("status", bug.Status),
		zap.Bool("force_confirm", forceConfirm),
	)
	diff, err := eng.Process(ctx, forceConfirm)
	if err != nil {
		return fmt.Errorf("failed to process bug %d: %w", bug.ID, err)
	}

	if err := writeProcessed(procDest, bug.ID, diff); err != nil {
		return err
	}

	if traceDest == "" {
		return nil
	}

	trace, err := findTrace(eng.LogDir())
	if err != nil {
		return err
	}
	p.logger.Info("found pernosco trace", zap.String("path", trace))
	p.logger.Info("compressing rr trace (this may take a while)")

	if err := archive.CreateTarGz(trace, traceDest); err != nil {
		return fmt.Errorf("failed to archive trace: %w", err)
	}
	return nil
}

func writeProcessed(path string, bugID int, diff map[string]json.RawMessage) error {
	if diff == nil {
		diff = map[string]json.RawMessage{}
	}

	data, err := json.MarshalIndent(types.ProcessedBug{BugNumber: bugID, Diff: diff}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode processor artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write processor artifact: %w", err)
	}
	return nil
}

// findTrace locates the most recent rr trace under logDir: the latest-trace
// link rr maintains, else the newest trace directory
func findTrace(logDir string) (string, error) {
	traces := filepath.Join(logDir, "rr-traces")

	latest := filepath.Join(traces, "latest-trace")
	if resolved, err := filepath.EvalSymlinks(latest); err == nil {
		return resolved, nil
	}

	entries, err := os.ReadDir(traces)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", types.WrapTaskError(err)
	}

	var newest string
	var newestMod int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = filepath.Join(traces, entry.Name())
			newestMod = mod
		}
	}

	if newest == "" {
		return "", types.NewTaskError("Unable to identify a pernosco trace!")
	}
	return newest, nil
}
