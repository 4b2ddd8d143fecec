// Package engine defines the boundary to the bug-monitoring decision engine.
// The engine inspects a bug and answers which automated actions it needs;
// for processor tasks it also performs those actions and reports the
// resulting bug diff.
package engine

import (
	"context"
	"encoding/json"

	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// Engine answers questions about a single bug
type Engine interface {
	// IsSupported reports whether the bug's type and configuration can be
	// handled at all
	IsSupported(ctx context.Context) (bool, error)
	NeedsVerify(ctx context.Context) (bool, error)
	NeedsConfirm(ctx context.Context) (bool, error)
	NeedsBisect(ctx context.Context) (bool, error)
	NeedsTrace(ctx context.Context) (bool, error)

	// Process performs every required action and returns the bug diff
	Process(ctx context.Context, forceConfirm bool) (map[string]json.RawMessage, error)

	// LogDir is where the engine leaves logs and recorded traces
	LogDir() string
}

// Factory creates an engine for bug using workDir as scratch space
type Factory func(ctx context.Context, bug *types.Bug, workDir string) (Engine, error)

// Error is a domain error raised by the engine while evaluating a bug
type Error struct {
	BugID int
	Msg   string
}

func (e *Error) Error() string {
	return e.Msg
}
