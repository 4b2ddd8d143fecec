package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/engine"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// Reasons a bug is queued
const (
	ReasonUnsupported  = "unsupported"
	ReasonVerify       = "verify"
	ReasonConfirm      = "confirm"
	ReasonBisect       = "bisect"
	ReasonTrace        = "trace"
	ReasonForceConfirm = "force-confirm"
)

// Verdict is the outcome of evaluating one bug
type Verdict struct {
	Actionable bool
	Reason     string
}

// NeedsTrace reports whether the processor should record an rr trace
func (v Verdict) NeedsTrace() bool {
	return v.Actionable && v.Reason == ReasonTrace
}

// Evaluator decides which bugs need a processor run
type Evaluator struct {
	factory      engine.Factory
	forceConfirm bool
	logger       *zap.Logger
}

// NewEvaluator creates a new evaluator
func NewEvaluator(factory engine.Factory, forceConfirm bool, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		factory:      factory,
		forceConfirm: forceConfirm,
		logger:       logger,
	}
}

// NeedsForceConfirm reports whether force is set and the bug is still open
func NeedsForceConfirm(force bool, bug *types.Bug) bool {
	return force && bug.IsOpen()
}

// IsActionable is Evaluate without the reason
func (e *Evaluator) IsActionable(ctx context.Context, bug *types.Bug) (bool, error) {
	v, err := e.Evaluate(ctx, bug)
	return v.Actionable, err
}

// Evaluate asks the decision engine whether bug needs any action. The engine
// gets a scratch directory that is removed before returning. Engine domain
// errors are logged and make the bug not actionable; anything else is
// returned.
func (e *Evaluator) Evaluate(ctx context.Context, bug *types.Bug) (Verdict, error) {
	workDir, err := os.MkdirTemp("", fmt.Sprintf("bugmon-%d-", bug.ID))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	v, err := e.evaluate(ctx, bug, workDir)
	if err != nil {
		var engineErr *engine.Error
		if errors.As(err, &engineErr) {
			e.logger.Error("error processing bug",
				zap.Int("bug_id", bug.ID),
				zap.Error(err),
			)
			return Verdict{}, nil
		}
		return Verdict{}, err
	}

	if v.Actionable {
		e.logger.Info("queuing bug",
			zap.Int("bug_id", bug.ID),
			zap.String("reason", v.Reason),
		)
	}
	return v, nil
}

func (e *Evaluator) evaluate(ctx context.Context, bug *types.Bug, workDir string) (Verdict, error) {
	eng, err := e.factory(ctx, bug, workDir)
	if err != nil {
		return Verdict{}, err
	}

	e.logger.Info("analyzing bug",
		zap.Int("bug_id", bug.ID),
		zap.String("status", bug.Status),
	)

	supported, err := eng.IsSupported(ctx)
	if err != nil {
		return Verdict{}, err
	}
	// Unsupported bugs are queued anyway so the processor can close them out
	if !supported {
		return Verdict{Actionable: true, Reason: ReasonUnsupported}, nil
	}

	checks := []struct {
		reason string
		check  func(context.Context) (bool, error)
	}{
		{ReasonVerify, eng.NeedsVerify},
		{ReasonConfirm, eng.NeedsConfirm},
		{ReasonBisect, eng.NeedsBisect},
		{ReasonTrace, eng.NeedsTrace},
	}
	for _, c := range checks {
		ok, err := c.check(ctx)
		if err != nil {
			return Verdict{}, err
		}
		if ok {
			return Verdict{Actionable: true, Reason: c.reason}, nil
		}
	}

	if NeedsForceConfirm(e.forceConfirm, bug) {
		return Verdict{Actionable: true, Reason: ReasonForceConfirm}, nil
	}
	return Verdict{}, nil
}
