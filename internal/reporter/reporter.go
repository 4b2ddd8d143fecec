// Package reporter applies processor results to Bugzilla and submits
// recorded rr traces to Pernosco.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/archive"
	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/internal/taskcluster"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// Tracker applies a diff to a bug
type Tracker interface {
	UpdateBug(ctx context.Context, id int, diff map[string]json.RawMessage) error
}

// TraceSubmitter uploads an unpacked rr trace
type TraceSubmitter interface {
	Available(ctx context.Context) bool
	Submit(ctx context.Context, traceDir string, bugID int, creds config.PernoscoCreds) error
}

// ArtifactSource reads artifacts of other tasks in the graph
type ArtifactSource interface {
	Task(ctx context.Context, taskID string) (*taskcluster.TaskInfo, error)
	FetchArtifact(ctx context.Context, taskID, name string) (io.ReadCloser, error)
}

// Reporter handles one processor artifact
type Reporter struct {
	tracker   Tracker
	submitter TraceSubmitter
	source    ArtifactSource
	dryRun    bool
	logger    *zap.Logger
}

// Option configures a Reporter
type Option func(*Reporter)

// WithSource reads trace artifacts from the task graph instead of local files
func WithSource(src ArtifactSource) Option {
	return func(r *Reporter) { r.source = src }
}

// WithDryRun logs the changes without sending them
func WithDryRun(dryRun bool) Option {
	return func(r *Reporter) { r.dryRun = dryRun }
}

// NewReporter creates a new reporter
func NewReporter(tracker Tracker, submitter TraceSubmitter, logger *zap.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		tracker:   tracker,
		submitter: submitter,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadProcessorArtifact reads the processor artifact at path. Inside
// Taskcluster (src non-nil) it is fetched from the last dependency of the
// running task, which is the processor.
func LoadProcessorArtifact(ctx context.Context, src ArtifactSource, path string) (*types.ProcessedBug, error) {
	var data []byte
	if src == nil {
		local, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read processor artifact: %w", err)
		}
		data = local
	} else {
		body, err := fetchFromProcessor(ctx, src, path)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		if data, err = io.ReadAll(body); err != nil {
			return nil, types.WrapTaskError(err)
		}
	}

	var processed types.ProcessedBug
	if err := json.Unmarshal(data, &processed); err != nil {
		return nil, types.WrapTaskErrorf(err, fmt.Sprintf("invalid processor artifact: %v", err))
	}
	if processed.BugNumber <= 0 {
		return nil, types.NewTaskError("Processor artifact has no bug number!")
	}
	return &processed, nil
}

func fetchFromProcessor(ctx context.Context, src ArtifactSource, path string) (io.ReadCloser, error) {
	task, err := src.Task(ctx, config.TaskID())
	if err != nil {
		return nil, err
	}
	if len(task.Dependencies) == 0 {
		return nil, types.NewTaskError("Reporter task has no dependencies!")
	}
	return src.FetchArtifact(ctx, task.Dependencies[len(task.Dependencies)-1], path)
}

// UpdateBug applies the processed diff to the bug. The comment is logged
// line by line and left out of the update.
func (r *Reporter) UpdateBug(ctx context.Context, processed *types.ProcessedBug) error {
	comment, hasComment := processed.CommentBody()

	diff := make(map[string]json.RawMessage, len(processed.Diff))
	var keys []string
	for _, key := range processed.Keys() {
		if key == "comment" {
			continue
		}
		diff[key] = processed.Diff[key]
		keys = append(keys, key)
	}

	formatted, err := formatDiff(keys, diff)
	if err != nil {
		return types.WrapTaskError(err)
	}
	r.logger.Info(fmt.Sprintf("Committing (%d): %s", processed.BugNumber, formatted))
	if hasComment {
		for _, line := range splitLines(comment) {
			r.logger.Info(">" + line)
		}
	}

	if r.dryRun {
		r.logger.Info("dry run, skipping bug update", zap.Int("bug_id", processed.BugNumber))
		return nil
	}
	return r.tracker.UpdateBug(ctx, processed.BugNumber, diff)
}

// SubmitTrace unpacks the trace archive into a scratch directory and uploads
// it. The trace tool is checked before anything is downloaded.
func (r *Reporter) SubmitTrace(ctx context.Context, processed *types.ProcessedBug, traceArtifact string, creds config.PernoscoCreds) error {
	if !r.submitter.Available(ctx) {
		return types.NewTaskError("Cannot find working instance of pernosco-submit!")
	}

	r.logger.Info("attempting to submit pernosco trace (this may take a while)")

	traceDir, err := os.MkdirTemp("", "bugmon-trace-")
	if err != nil {
		return fmt.Errorf("failed to create trace directory: %w", err)
	}
	defer os.RemoveAll(traceDir)

	r.logger.Info("unpacking trace artifact", zap.String("artifact", traceArtifact))
	if err := r.unpackTrace(ctx, traceArtifact, traceDir); err != nil {
		return err
	}

	if r.dryRun {
		r.logger.Info("dry run, skipping trace upload", zap.Int("bug_id", processed.BugNumber))
		return nil
	}
	return r.submitter.Submit(ctx, traceDir, processed.BugNumber, creds)
}

func (r *Reporter) unpackTrace(ctx context.Context, traceArtifact, dest string) error {
	var body io.ReadCloser
	if r.source == nil {
		f, err := os.Open(traceArtifact)
		if err != nil {
			return fmt.Errorf("failed to open trace artifact: %w", err)
		}
		body = f
	} else {
		remote, err := fetchFromProcessor(ctx, r.source, traceArtifact)
		if err != nil {
			return err
		}
		body = remote
	}
	defer body.Close()

	if err := archive.ExtractTarGz(body, dest); err != nil {
		return types.WrapTaskErrorf(err, fmt.Sprintf("failed to unpack trace: %v", err))
	}
	return nil
}

// splitLines splits on any line ending and drops the final one
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
