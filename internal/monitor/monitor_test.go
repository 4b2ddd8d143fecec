package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clintrovert/bugmon-tc/internal/bugzilla"
	"github.com/clintrovert/bugmon-tc/internal/config"
	"github.com/clintrovert/bugmon-tc/internal/engine"
	"github.com/clintrovert/bugmon-tc/internal/fixtures"
	"github.com/clintrovert/bugmon-tc/internal/taskgraph"
	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// answers configures fakeEngine. err is returned by IsSupported.
type answers struct {
	unsupported bool
	verify      bool
	confirm     bool
	bisect      bool
	trace       bool
	err         error
}

type fakeEngine struct {
	a      answers
	logDir string
}

func (f *fakeEngine) IsSupported(context.Context) (bool, error)  { return !f.a.unsupported, f.a.err }
func (f *fakeEngine) NeedsVerify(context.Context) (bool, error)  { return f.a.verify, nil }
func (f *fakeEngine) NeedsConfirm(context.Context) (bool, error) { return f.a.confirm, nil }
func (f *fakeEngine) NeedsBisect(context.Context) (bool, error)  { return f.a.bisect, nil }
func (f *fakeEngine) NeedsTrace(context.Context) (bool, error)   { return f.a.trace, nil }
func (f *fakeEngine) LogDir() string                             { return f.logDir }

func (f *fakeEngine) Process(context.Context, bool) (map[string]json.RawMessage, error) {
	return nil, errors.New("not used")
}

// factoryFor returns a factory answering per bug id and recording the scratch
// directories it was handed
func factoryFor(byBug map[int]answers, dirs *[]string) engine.Factory {
	return func(_ context.Context, bug *types.Bug, workDir string) (engine.Engine, error) {
		if dirs != nil {
			*dirs = append(*dirs, workDir)
		}
		return &fakeEngine{a: byBug[bug.ID], logDir: filepath.Join(workDir, "logs")}, nil
	}
}

type fakeTracker struct {
	bugs      []*types.Bug
	searchErr error
	cached    []int
}

func (f *fakeTracker) SearchBugs(context.Context, bugzilla.Query) ([]*types.Bug, error) {
	return f.bugs, f.searchErr
}

func (f *fakeTracker) CacheBug(_ context.Context, bug *types.Bug) (*types.Bug, error) {
	f.cached = append(f.cached, bug.ID)
	return bug, nil
}

type fakeQueue struct {
	created []string
	failOn  string
}

func (f *fakeQueue) CreateTask(_ context.Context, taskID string, task *taskgraph.Task) error {
	if f.failOn != "" && strings.Contains(task.Metadata.Name, f.failOn) {
		return types.NewTaskError("queue unavailable")
	}
	f.created = append(f.created, taskID)
	return nil
}

func mustBug(t *testing.T, fields map[string]any) *types.Bug {
	t.Helper()
	bug, err := types.ParseBug(fixtures.BugWith(fields))
	require.NoError(t, err)
	return bug
}

func newTestBuilder() *taskgraph.Builder {
	n := 0
	return taskgraph.NewBuilder(config.DefaultSettings(),
		taskgraph.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("task-%d", n)
		}),
		taskgraph.WithClock(func() time.Time { return time.Date(2020, 8, 19, 0, 0, 0, 0, time.UTC) }),
	)
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		status string
		force  bool
		a      answers
		want   Verdict
	}{
		{"unsupported", "NEW", false, answers{unsupported: true}, Verdict{true, ReasonUnsupported}},
		{"verify", "RESOLVED", false, answers{verify: true}, Verdict{true, ReasonVerify}},
		{"confirm", "NEW", false, answers{confirm: true}, Verdict{true, ReasonConfirm}},
		{"bisect", "NEW", false, answers{bisect: true}, Verdict{true, ReasonBisect}},
		{"trace", "NEW", false, answers{trace: true}, Verdict{true, ReasonTrace}},
		{"verify wins over trace", "NEW", false, answers{verify: true, trace: true}, Verdict{true, ReasonVerify}},
		{"force confirm open bug", "REOPENED", true, answers{}, Verdict{true, ReasonForceConfirm}},
		{"force confirm closed bug", "RESOLVED", true, answers{}, Verdict{}},
		{"nothing to do", "NEW", false, answers{}, Verdict{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bug := mustBug(t, map[string]any{"status": tt.status})
			e := NewEvaluator(factoryFor(map[int]answers{bug.ID: tt.a}, nil), tt.force, zap.NewNop())

			got, err := e.Evaluate(context.Background(), bug)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			ok, err := e.IsActionable(context.Background(), bug)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Actionable, ok)
		})
	}
}

func TestEvaluateEngineError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	bug := mustBug(t, nil)
	var dirs []string
	factory := factoryFor(map[int]answers{
		bug.ID: {confirm: true, err: &engine.Error{BugID: bug.ID, Msg: "bad testcase"}},
	}, &dirs)

	v, err := NewEvaluator(factory, true, zap.New(core)).Evaluate(context.Background(), bug)
	require.NoError(t, err)
	assert.False(t, v.Actionable)

	entries := logs.FilterMessage("error processing bug").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)

	require.Len(t, dirs, 1)
	assert.NoDirExists(t, dirs[0])
}

func TestEvaluateOtherErrorPropagates(t *testing.T) {
	bug := mustBug(t, nil)
	boom := errors.New("engine crashed")
	var dirs []string
	factory := factoryFor(map[int]answers{bug.ID: {err: boom}}, &dirs)

	_, err := NewEvaluator(factory, false, zap.NewNop()).Evaluate(context.Background(), bug)
	assert.ErrorIs(t, err, boom)
	require.Len(t, dirs, 1)
	assert.NoDirExists(t, dirs[0])
}

func TestEvaluateRemovesScratchDir(t *testing.T) {
	bug := mustBug(t, nil)
	var dirs []string
	e := NewEvaluator(factoryFor(map[int]answers{bug.ID: {confirm: true}}, &dirs), false, zap.NewNop())

	_, err := e.Evaluate(context.Background(), bug)
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.NoDirExists(t, dirs[0])
}

func TestNeedsForceConfirm(t *testing.T) {
	for _, status := range []string{"ASSIGNED", "NEW", "UNCONFIRMED", "REOPENED"} {
		bug := mustBug(t, map[string]any{"status": status})
		assert.True(t, NeedsForceConfirm(true, bug), status)
		assert.False(t, NeedsForceConfirm(false, bug), status)
	}
	for _, status := range []string{"RESOLVED", "VERIFIED", "CLOSED"} {
		assert.False(t, NeedsForceConfirm(true, mustBug(t, map[string]any{"status": status})), status)
	}
}

func TestFetchBugs(t *testing.T) {
	tracker := &fakeTracker{bugs: []*types.Bug{
		mustBug(t, map[string]any{"id": 3}),
		mustBug(t, map[string]any{"id": 1}),
		mustBug(t, map[string]any{"id": 2}),
	}}
	byBug := map[int]answers{1: {confirm: true}, 3: {trace: true}}
	evaluator := NewEvaluator(factoryFor(byBug, nil), false, zap.NewNop())
	fetcher := NewFetcher(tracker, evaluator, bugzilla.DefaultQuery(config.DefaultQuerySince), zap.NewNop())

	var ids []int
	var reasons []string
	for c, err := range fetcher.FetchBugs(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, c.Bug.ID)
		reasons = append(reasons, c.Verdict.Reason)
	}

	assert.Equal(t, []int{1, 3}, ids)
	assert.Equal(t, []string{ReasonConfirm, ReasonTrace}, reasons)
	assert.Equal(t, []int{1, 3}, tracker.cached)
}

func TestFetchBugsStopsEarly(t *testing.T) {
	tracker := &fakeTracker{bugs: []*types.Bug{
		mustBug(t, map[string]any{"id": 1}),
		mustBug(t, map[string]any{"id": 2}),
	}}
	byBug := map[int]answers{1: {confirm: true}, 2: {confirm: true}}
	evaluator := NewEvaluator(factoryFor(byBug, nil), false, zap.NewNop())
	fetcher := NewFetcher(tracker, evaluator, bugzilla.Query{}, zap.NewNop())

	for range fetcher.FetchBugs(context.Background()) {
		break
	}
	assert.Equal(t, []int{1}, tracker.cached)
}

func TestFetchBugsSearchError(t *testing.T) {
	boom := types.NewTaskError("search failed")
	tracker := &fakeTracker{searchErr: boom}
	fetcher := NewFetcher(tracker, NewEvaluator(factoryFor(nil, nil), false, zap.NewNop()), bugzilla.Query{}, zap.NewNop())

	var errs []error
	for c, err := range fetcher.FetchBugs(context.Background()) {
		assert.Nil(t, c)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestEmitOffline(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	bug, err := types.ParseBug(fixtures.BugJSON())
	require.NoError(t, err)

	b := newTestBuilder()
	processor := b.BuildProcessor("parent", bug, taskgraph.MonitorPath(bug.ID, "parent"), taskgraph.ProcessorOptions{})
	reporter := b.BuildReporter("parent", bug, processor.Dest, processor.ID, "")

	require.NoError(t, NewEmitter(nil, zap.NewNop()).Emit(context.Background(), bug, processor, reporter, dir))

	monitor, err := os.ReadFile(filepath.Join(dir, "monitor-123456-parent.json"))
	require.NoError(t, err)
	assert.JSONEq(t, string(fixtures.BugJSON()), string(monitor))
	assert.Contains(t, string(monitor), "\n  \"id\": 123456")

	for name, d := range map[string]*taskgraph.Descriptor{
		"processor-task-123456-parent.json": processor,
		"reporter-task-123456-parent.json":  reporter,
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		want, err := json.Marshal(d.Task())
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(data), name)
	}
}

func TestEmitQueue(t *testing.T) {
	dir := t.TempDir()
	bug, err := types.ParseBug(fixtures.BugJSON())
	require.NoError(t, err)

	b := newTestBuilder()
	processor := b.BuildProcessor("parent", bug, taskgraph.MonitorPath(bug.ID, "parent"), taskgraph.ProcessorOptions{})
	reporter := b.BuildReporter("parent", bug, processor.Dest, processor.ID, "")

	queue := &fakeQueue{}
	require.NoError(t, NewEmitter(queue, zap.NewNop()).Emit(context.Background(), bug, processor, reporter, dir))

	assert.Equal(t, []string{processor.ID, reporter.ID}, queue.created)
	assert.FileExists(t, filepath.Join(dir, "monitor-123456-parent.json"))
	assert.NoFileExists(t, filepath.Join(dir, "processor-task-123456-parent.json"))
}

func TestEmitUnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	bug, err := types.ParseBug(fixtures.BugJSON())
	require.NoError(t, err)
	b := newTestBuilder()
	processor := b.BuildProcessor("parent", bug, taskgraph.MonitorPath(bug.ID, "parent"), taskgraph.ProcessorOptions{})
	reporter := b.BuildReporter("parent", bug, processor.Dest, processor.ID, "")

	err = NewEmitter(nil, zap.NewNop()).Emit(context.Background(), bug, processor, reporter, filepath.Join(file, "sub"))
	assert.Error(t, err)
}

func TestCreateTasksEndToEnd(t *testing.T) {
	dir := t.TempDir()
	raw := fixtures.BugJSON()
	bug, err := types.ParseBug(raw)
	require.NoError(t, err)
	require.Equal(t, "ASSIGNED", bug.Status)
	require.Contains(t, bug.Keywords, "bugmon")

	tracker := &fakeTracker{bugs: []*types.Bug{bug}}
	evaluator := NewEvaluator(factoryFor(map[int]answers{bug.ID: {confirm: true}}, nil), false, zap.NewNop())
	fetcher := NewFetcher(tracker, evaluator, bugzilla.Query{}, zap.NewNop())
	m := NewMonitor(fetcher, newTestBuilder(), NewEmitter(nil, zap.NewNop()), "parent", false, zap.NewNop())

	require.NoError(t, m.CreateTasks(context.Background(), dir))

	monitor, err := os.ReadFile(filepath.Join(dir, "monitor-123456-parent.json"))
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(monitor))

	var processor, reporter taskgraph.Task
	readJSON(t, filepath.Join(dir, "processor-task-123456-parent.json"), &processor)
	readJSON(t, filepath.Join(dir, "reporter-task-123456-parent.json"), &reporter)

	assert.Equal(t, "process", processor.Payload.Env["BUG_ACTION"])
	assert.Equal(t, "processor-result-123456-parent.json", processor.Payload.Env["PROCESSOR_ARTIFACT"])
	assert.Equal(t, "monitor-123456-parent.json", processor.Payload.Env["MONITOR_ARTIFACT"])
	assert.Equal(t, "bugmon-processor", processor.WorkerType)

	assert.Equal(t, "report", reporter.Payload.Env["BUG_ACTION"])
	assert.Equal(t, []string{"parent", "task-1"}, reporter.Dependencies)
	assert.Equal(t, "bugmon-monitor", reporter.WorkerType)
}

func TestCreateTasksTraceRequested(t *testing.T) {
	bug := mustBug(t, map[string]any{"id": 7})
	tracker := &fakeTracker{bugs: []*types.Bug{bug}}
	evaluator := NewEvaluator(factoryFor(map[int]answers{7: {trace: true}}, nil), false, zap.NewNop())
	queue := &fakeQueue{}
	m := NewMonitor(NewFetcher(tracker, evaluator, bugzilla.Query{}, zap.NewNop()),
		newTestBuilder(), NewEmitter(queue, zap.NewNop()), "parent", false, zap.NewNop())

	require.NoError(t, m.CreateTasks(context.Background(), t.TempDir()))
	assert.Equal(t, []string{"task-1", "task-2"}, queue.created)
}

func TestCreateTasksContinuesAfterFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tracker := &fakeTracker{bugs: []*types.Bug{
		mustBug(t, map[string]any{"id": 1}),
		mustBug(t, map[string]any{"id": 2}),
		mustBug(t, map[string]any{"id": 3}),
	}}
	byBug := map[int]answers{1: {confirm: true}, 2: {confirm: true}, 3: {confirm: true}}
	evaluator := NewEvaluator(factoryFor(byBug, nil), false, zap.NewNop())
	queue := &fakeQueue{failOn: "(2)"}
	m := NewMonitor(NewFetcher(tracker, evaluator, bugzilla.Query{}, zap.NewNop()),
		newTestBuilder(), NewEmitter(queue, zap.NewNop()), "parent", false, zap.New(core))

	err := m.CreateTasks(context.Background(), t.TempDir())
	var taskErr *types.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Contains(t, err.Error(), "bug 2")

	// bugs 1 and 3 each submit a processor and a reporter
	assert.Len(t, queue.created, 4)
	assert.Equal(t, 1, logs.FilterMessage("failed to emit tasks").Len())
}

func TestCreateTasksFetchError(t *testing.T) {
	tracker := &fakeTracker{searchErr: types.NewTaskError("search failed")}
	m := NewMonitor(NewFetcher(tracker, NewEvaluator(factoryFor(nil, nil), false, zap.NewNop()), bugzilla.Query{}, zap.NewNop()),
		newTestBuilder(), NewEmitter(nil, zap.NewNop()), "parent", false, zap.NewNop())

	err := m.CreateTasks(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "search failed")
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}
