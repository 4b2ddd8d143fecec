package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// DefaultCommand is the decision-engine executable looked up on PATH
const DefaultCommand = "bugmon-engine"

// analysis is the answer of `<command> analyze`
type analysis struct {
	Supported    bool `json:"supported"`
	NeedsVerify  bool `json:"needs_verify"`
	NeedsConfirm bool `json:"needs_confirm"`
	NeedsBisect  bool `json:"needs_bisect"`
	NeedsTrace   bool `json:"needs_trace"`
}

// CommandEngine drives an external decision-engine executable. The bug record
// is written to the command's stdin and its answer read as JSON from stdout.
type CommandEngine struct {
	command string
	bug     *types.Bug
	workDir string
	logger  *zap.Logger

	once   sync.Once
	result analysis
	err    error
}

// NewCommandFactory returns a Factory creating CommandEngines for command
func NewCommandFactory(command string, logger *zap.Logger) Factory {
	if command == "" {
		command = DefaultCommand
	}
	return func(ctx context.Context, bug *types.Bug, workDir string) (Engine, error) {
		if _, err := exec.LookPath(command); err != nil {
			return nil, fmt.Errorf("failed to find decision engine %q: %w", command, err)
		}
		return &CommandEngine{
			command: command,
			bug:     bug,
			workDir: workDir,
			logger:  logger,
		}, nil
	}
}

// analyze runs the analysis once per engine
func (e *CommandEngine) analyze(ctx context.Context) (analysis, error) {
	e.once.Do(func() {
		out, err := e.run(ctx, "analyze")
		if err != nil {
			e.err = err
			return
		}
		if err := json.Unmarshal(out, &e.result); err != nil {
			e.err = &Error{BugID: e.bug.ID, Msg: fmt.Sprintf("invalid analysis output: %v", err)}
		}
	})
	return e.result, e.err
}

func (e *CommandEngine) IsSupported(ctx context.Context) (bool, error) {
	a, err := e.analyze(ctx)
	return a.Supported, err
}

func (e *CommandEngine) NeedsVerify(ctx context.Context) (bool, error) {
	a, err := e.analyze(ctx)
	return a.NeedsVerify, err
}

func (e *CommandEngine) NeedsConfirm(ctx context.Context) (bool, error) {
	a, err := e.analyze(ctx)
	return a.NeedsConfirm, err
}

func (e *CommandEngine) NeedsBisect(ctx context.Context) (bool, error) {
	a, err := e.analyze(ctx)
	return a.NeedsBisect, err
}

func (e *CommandEngine) NeedsTrace(ctx context.Context) (bool, error) {
	a, err := e.analyze(ctx)
	return a.NeedsTrace, err
}

// Process runs the engine's mutating action and returns the bug diff
func (e *CommandEngine) Process(ctx context.Context, forceConfirm bool) (map[string]json.RawMessage, error) {
	args := []string{"process"}
	if forceConfirm {
		args = append(args, "--force-confirm")
	}

	out, err := e.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	diff := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(out)) == 0 {
		return diff, nil
	}
	if err := json.Unmarshal(out, &diff); err != nil {
		return nil, &Error{BugID: e.bug.ID, Msg: fmt.Sprintf("invalid diff output: %v", err)}
	}
	return diff, nil
}

// LogDir is the engine's log directory inside the scratch space
func (e *CommandEngine) LogDir() string {
	return filepath.Join(e.workDir, "logs")
}

func (e *CommandEngine) run(ctx context.Context, args ...string) ([]byte, error) {
	args = append(args, "--work-dir", e.workDir, "--log-dir", e.LogDir())

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Stdin = bytes.NewReader(e.bug.Raw())
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("running decision engine",
		zap.Int("bug_id", e.bug.ID),
		zap.Strings("args", args),
	)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return nil, &Error{BugID: e.bug.ID, Msg: msg}
		}
		return nil, fmt.Errorf("failed to run decision engine: %w", err)
	}

	return stdout.Bytes(), nil
}
