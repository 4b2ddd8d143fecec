// Package pernosco drives pernosco-submit, the tool that uploads recorded rr
// traces to the Pernosco debugging service.
package pernosco

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/archive"
	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/internal/taskcluster"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

const (
	// DefaultCommand is the pernosco-submit executable looked up on PATH
	DefaultCommand = "pernosco-submit"

	// DefaultBugURL prefixes the bug id in the session url
	DefaultBugURL = "https://bugzilla.mozilla.org/show_bug.cgi?id="

	// DefaultSourceRoot hosts the source archives
	DefaultSourceRoot = "https://hg.mozilla.org"

	buildInfoFile = "build-info.json"
)

// BuildInfo identifies the source revision a traced build came from
type BuildInfo struct {
	Branch string `json:"branch"`
	Rev    string `json:"rev"`
}

// Fetcher downloads a URL
type Fetcher func(ctx context.Context, url string) (io.ReadCloser, error)

// Submitter uploads traces through pernosco-submit
type Submitter struct {
	command    string
	bugURL     string
	sourceRoot string
	fetch      Fetcher
	logger     *zap.Logger
}

// Option configures a Submitter
type Option func(*Submitter)

// WithCommand overrides the pernosco-submit executable
func WithCommand(command string) Option {
	return func(s *Submitter) { s.command = command }
}

// WithSourceRoot overrides where source archives are downloaded from
func WithSourceRoot(root string) Option {
	return func(s *Submitter) { s.sourceRoot = strings.TrimRight(root, "/") }
}

// WithFetcher overrides how source archives are downloaded
func WithFetcher(fetch Fetcher) Option {
	return func(s *Submitter) { s.fetch = fetch }
}

// NewSubmitter creates a new submitter
func NewSubmitter(logger *zap.Logger, opts ...Option) *Submitter {
	s := &Submitter{
		command:    DefaultCommand,
		bugURL:     DefaultBugURL,
		sourceRoot: DefaultSourceRoot,
		fetch:      taskcluster.GetURL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Available reports whether a working pernosco-submit is installed
func (s *Submitter) Available(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, s.command, "--help")
	if err := cmd.Run(); err != nil {
		s.logger.Debug("pernosco-submit unavailable", zap.Error(err))
		return false
	}
	return true
}

// Submit uploads the trace in traceDir as a session for bugID. The source
// tree named by the trace's build info is downloaded alongside it.
func (s *Submitter) Submit(ctx context.Context, traceDir string, bugID int, creds config.PernoscoCreds) error {
	info, err := readBuildInfo(traceDir)
	if err != nil {
		return err
	}

	srcDir, err := os.MkdirTemp("", "pernosco-src-")
	if err != nil {
		return fmt.Errorf("failed to create source directory: %w", err)
	}
	defer os.RemoveAll(srcDir)

	src, err := s.fetchSource(ctx, info, srcDir)
	if err != nil {
		return err
	}

	args := []string{
		"upload",
		"--title", fmt.Sprintf("Bug %d", bugID),
		"--url", fmt.Sprintf("%s%d", s.bugURL, bugID),
		"--consent-to-current-privacy-policy",
		traceDir,
		src,
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Env = append(os.Environ(), creds.Environ()...)
	cmd.Stderr = &stderr

	s.logger.Info("uploading pernosco session", zap.Int("bug_id", bugID))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return types.WrapTaskErrorf(err, fmt.Sprintf("pernosco-submit failed: %s", msg))
	}
	return nil
}

func readBuildInfo(traceDir string) (*BuildInfo, error) {
	data, err := os.ReadFile(filepath.Join(traceDir, buildInfoFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NewTaskError("Unable to find build info in trace archive!")
		}
		return nil, types.WrapTaskError(err)
	}

	var info BuildInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, types.WrapTaskErrorf(err, fmt.Sprintf("invalid build info: %v", err))
	}
	if info.Branch == "" || info.Rev == "" {
		return nil, types.NewTaskError("Build info is missing branch or revision!")
	}
	return &info, nil
}

// fetchSource unpacks the source archive into dir and returns the source
// root. Archives with a single top-level directory resolve to it.
func (s *Submitter) fetchSource(ctx context.Context, info *BuildInfo, dir string) (string, error) {
	url := SourceURL(s.sourceRoot, info)
	s.logger.Info("fetching source archive", zap.String("url", url))

	body, err := s.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := archive.ExtractTarGz(body, dir); err != nil {
		return "", types.WrapTaskErrorf(err, fmt.Sprintf("failed to unpack source archive: %v", err))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// SourceURL is the archive URL of the revision named by info
func SourceURL(root string, info *BuildInfo) string {
	return fmt.Sprintf("%s/%s/archive/%s.tar.gz", root, repository(info.Branch), info.Rev)
}

// repository maps a build branch to its repository path
func repository(branch string) string {
	switch {
	case branch == "central":
		return "mozilla-central"
	case branch == "autoland":
		return "integration/autoland"
	case branch == "try":
		return "try"
	case branch == "beta" || branch == "release" || strings.HasPrefix(branch, "esr"):
		return "releases/mozilla-" + branch
	default:
		return branch
	}
}
