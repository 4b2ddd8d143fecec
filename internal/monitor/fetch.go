package monitor

import (
	"context"
	"iter"
	"sort"

	"go.uber.org/zap"

	"github.com/clintrovert/bugmon-tc/internal/bugzilla"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// Tracker is the part of the Bugzilla client the monitor uses
type Tracker interface {
	SearchBugs(ctx context.Context, query bugzilla.Query) ([]*types.Bug, error)
	CacheBug(ctx context.Context, bug *types.Bug) (*types.Bug, error)
}

// Candidate is an actionable bug and the reason it was queued
type Candidate struct {
	Bug     *types.Bug
	Verdict Verdict
}

// Fetcher yields the actionable bugs of one query
type Fetcher struct {
	tracker   Tracker
	evaluator *Evaluator
	query     bugzilla.Query
	logger    *zap.Logger
}

// NewFetcher creates a new fetcher
func NewFetcher(tracker Tracker, evaluator *Evaluator, query bugzilla.Query, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		tracker:   tracker,
		evaluator: evaluator,
		query:     query,
		logger:    logger,
	}
}

// FetchBugs searches once and lazily yields every actionable bug in
// ascending id order, with comments and attachments merged in. Iteration
// stops at the first error.
func (f *Fetcher) FetchBugs(ctx context.Context) iter.Seq2[*Candidate, error] {
	return func(yield func(*Candidate, error) bool) {
		bugs, err := f.tracker.SearchBugs(ctx, f.query)
		if err != nil {
			yield(nil, err)
			return
		}

		sort.Slice(bugs, func(i, j int) bool { return bugs[i].ID < bugs[j].ID })
		f.logger.Info("fetched bugs", zap.Int("count", len(bugs)))

		for _, bug := range bugs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			v, err := f.evaluator.Evaluate(ctx, bug)
			if err != nil {
				yield(nil, err)
				return
			}
			if !v.Actionable {
				continue
			}

			cached, err := f.tracker.CacheBug(ctx, bug)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&Candidate{Bug: cached, Verdict: v}, nil) {
				return
			}
		}
	}
}
