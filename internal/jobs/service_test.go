//go:build !windows

package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/seek-forge/internal/progress"
	"github.com/yourusername/seek-forge/internal/reconcile"
	"github.com/yourusername/seek-forge/internal/supervisor"
)

type testEnv struct {
	dir     string
	opts    Options
	store   *Store
	counter reconcile.Counter
}

func newTestEnv(t *testing.T, script string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seek.sh"), []byte(script), 0o644))
	return &testEnv{
		dir: dir,
		opts: Options{
			WorkerCommand:  "/bin/sh",
			WorkerDir:      dir,
			Tools:          map[string]string{"seek": "seek.sh"},
			DefaultTool:    "seek",
			MaxDuration:    30 * time.Second,
			ErrorMaxLength: 2000,
			LegacyFallback: true,
		},
	}
}

func (e *testEnv) service(t *testing.T) *Service {
	t.Helper()
	var rec *reconcile.Reconciler
	if e.counter != nil {
		rec = reconcile.New(e.counter, zerolog.Nop())
		rec.InitialDelay = time.Millisecond
		rec.MaxDelay = 2 * time.Millisecond
	}
	svc, err := NewService(e.opts, supervisor.New(300*time.Millisecond, zerolog.Nop()), e.store, rec, zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func collect(t *testing.T, run *Run) []progress.Event {
	t.Helper()
	var events []progress.Event
	timeout := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("run did not finish in time")
			return nil
		}
	}
}

func indexOf(events []progress.Event, match func(progress.Event) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func phases(events []progress.Event) []progress.Phase {
	var out []progress.Phase
	for _, ev := range events {
		if ev.Kind == progress.KindPhase {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func ofKind(k progress.Kind) func(progress.Event) bool {
	return func(ev progress.Event) bool { return ev.Kind == k }
}

func TestRunSuccessStreamsOrderedEvents(t *testing.T) {
	env := newTestEnv(t, `
echo "[PHASE:searching]"
echo "Looking at 12 conversations"
echo "[STAT:itemsGenerated=5]"
echo "[PHASE:generating] [PROGRESS:1/2 days]"
echo "[STAT:itemsGenerated=8] [STAT:itemsAdded=2]"
echo "WARNING: slow model" >&2
mkdir -p out
printf '# Ideas\n\n## Alpha\nfirst\n\n## Beta\nsecond\n' > out/ideas.md
echo "[OUTPUT:out/ideas.md]"
`)
	var calls atomic.Int32
	env.counter = reconcile.CounterFunc(func(context.Context) (int64, error) {
		if calls.Add(1) == 1 {
			return 10, nil
		}
		return 12, nil
	})
	svc := env.service(t)

	run, err := svc.Start(context.Background(), Request{Days: 7})
	require.NoError(t, err)
	events := collect(t, run)
	outcome, result, err := run.Wait()

	require.NoError(t, err)
	assert.Equal(t, progress.OutcomeSuccess, outcome)
	assert.Equal(t, []progress.Phase{
		progress.PhaseRequested,
		progress.PhaseSearching,
		progress.PhaseGenerating,
		progress.PhaseParsing,
		progress.PhaseIntegrating,
		progress.PhaseComplete,
	}, phases(events))

	resultAt := indexOf(events, ofKind(progress.KindResult))
	completeAt := indexOf(events, ofKind(progress.KindComplete))
	require.GreaterOrEqual(t, resultAt, 0)
	assert.Less(t, resultAt, completeAt)
	assert.Equal(t, len(events)-1, completeAt)
	assert.Equal(t, -1, indexOf(events, ofKind(progress.KindError)))

	require.NotNil(t, result)
	assert.True(t, result.Synthesized)
	assert.Equal(t, float64(8), result.Stats["itemsGenerated"])
	assert.Equal(t, "out/ideas.md", result.OutputFile)
	assert.Equal(t, []progress.Item{{Title: "Alpha", Body: "first"}, {Title: "Beta", Body: "second"}}, result.Items)
	assert.Equal(t, []string{"slow model"}, result.Warnings)
	require.NotNil(t, result.ReconciledCount)
	assert.Equal(t, int64(12), *result.ReconciledCount)
	assert.Equal(t, int64(10), *result.BaselineCount)
	assert.Empty(t, result.UnknownStats)

	job := run.Job()
	assert.Equal(t, progress.PhaseComplete, job.Phase)
	assert.NotNil(t, job.EndedAt)
	_, live := svc.Lookup(run.ID())
	assert.False(t, live)
}

func TestRunPassesRequestArguments(t *testing.T) {
	env := newTestEnv(t, `echo "args: $*"; echo "unbuffered=$PYTHONUNBUFFERED"; echo "[STAT:itemsGenerated=1]"`)
	svc := env.service(t)
	temp := 0.7

	run, err := svc.Start(context.Background(), Request{Mode: "digest", StartDate: "2025-01-01", EndDate: "2025-01-07", Temperature: &temp, DryRun: true})
	require.NoError(t, err)
	events := collect(t, run)

	var infos []string
	for _, ev := range events {
		if ev.Kind == progress.KindInfo {
			infos = append(infos, ev.Message)
		}
	}
	assert.Contains(t, infos, "args: --mode digest --start-date 2025-01-01 --end-date 2025-01-07 --temperature 0.7 --dry-run")
	assert.Contains(t, infos, "unbuffered=1")
}

func TestRunFailureClassifiesOutput(t *testing.T) {
	env := newTestEnv(t, `
echo "[PHASE:searching]"
echo "Found 3 conversations"
echo "Traceback (most recent call last):" >&2
echo '  File "seek.py", line 3, in <module>' >&2
echo "KeyError: 'api_key'" >&2
exit 1
`)
	svc := env.service(t)

	run, err := svc.Start(context.Background(), Request{})
	require.NoError(t, err)
	events := collect(t, run)
	outcome, result, err := run.Wait()

	assert.Equal(t, progress.OutcomeFailure, outcome)
	assert.Nil(t, result)
	var exitErr *WorkerExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, CodeWorkerFailed, exitErr.Code)
	assert.Equal(t, 1, exitErr.ExitCode)
	assert.Contains(t, exitErr.Message, "KeyError: 'api_key'")
	assert.NotContains(t, exitErr.Message, "Found 3 conversations")

	last := events[len(events)-1]
	require.Equal(t, progress.KindError, last.Kind)
	require.NotNil(t, last.Failure)
	assert.Equal(t, exitErr.Message, last.Failure.Message)
	assert.Equal(t, progress.PhaseError, run.State().Phase)
	assert.Equal(t, -1, indexOf(events, ofKind(progress.KindComplete)))
}

func TestRunCancelEmitsStoppingThenStopped(t *testing.T) {
	env := newTestEnv(t, `echo "[PHASE:searching]"; while true; do echo tick; sleep 0.05; done`)
	svc := env.service(t)

	run, err := svc.Start(context.Background(), Request{})
	require.NoError(t, err)

	var events []progress.Event
	for ev := range run.Events() {
		events = append(events, ev)
		if ev.Kind == progress.KindPhase && ev.Phase == progress.PhaseSearching {
			break
		}
	}
	start := time.Now()
	require.True(t, svc.Cancel(run.ID()))
	run.Cancel()
	events = append(events, collect(t, run)...)
	outcome, _, err := run.Wait()

	assert.NoError(t, err)
	assert.Equal(t, progress.OutcomeCancelled, outcome)
	assert.Less(t, time.Since(start), 3*time.Second)
	ps := phases(events)
	require.GreaterOrEqual(t, len(ps), 2)
	assert.Equal(t, []progress.Phase{progress.PhaseStopping, progress.PhaseStopped}, ps[len(ps)-2:])
	assert.Equal(t, -1, indexOf(events, ofKind(progress.KindError)))
	assert.Equal(t, -1, indexOf(events, ofKind(progress.KindComplete)))

	stoppingAt := indexOf(events, func(ev progress.Event) bool { return ev.Phase == progress.PhaseStopping })
	for _, ev := range events[stoppingAt+1:] {
		assert.NotEqual(t, progress.KindInfo, ev.Kind, "worker output must not leak after stopping")
	}
	assert.False(t, svc.Cancel(run.ID()), "finished jobs are no longer cancellable")
}

func TestRunContextCancelStopsJob(t *testing.T) {
	env := newTestEnv(t, `echo started; while true; do sleep 0.05; done`)
	svc := env.service(t)
	ctx, cancel := context.WithCancel(context.Background())

	run, err := svc.Start(ctx, Request{})
	require.NoError(t, err)
	time.AfterFunc(100*time.Millisecond, cancel)
	events := collect(t, run)
	outcome, _, err := run.Wait()

	assert.NoError(t, err)
	assert.Equal(t, progress.OutcomeCancelled, outcome)
	assert.Equal(t, progress.PhaseStopped, phases(events)[len(phases(events))-1])
}

func TestRunMaxDurationIsFailure(t *testing.T) {
	env := newTestEnv(t, `while true; do sleep 0.05; done`)
	env.opts.MaxDuration = 200 * time.Millisecond
	svc := env.service(t)

	run, err := svc.Start(context.Background(), Request{})
	require.NoError(t, err)
	events := collect(t, run)
	outcome, _, err := run.Wait()

	assert.Equal(t, progress.OutcomeFailure, outcome)
	var exitErr *WorkerExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, CodeJobTimeout, exitErr.Code)
	assert.Equal(t, progress.KindError, events[len(events)-1].Kind)
}

func TestRunLegacyOutputAndUnknownStats(t *testing.T) {
	env := newTestEnv(t, `
echo "Searching conversations"
echo "Days processed: 7"
echo "Ideas generated: 3"
`)
	svc := env.service(t)

	run, err := svc.Start(context.Background(), Request{})
	require.NoError(t, err)
	events := collect(t, run)
	_, result, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, progress.StatMap{"daysProcessed": 7, "itemsGenerated": 3}, result.Stats)
	assert.Contains(t, phases(events), progress.PhaseSearching)
	assert.Empty(t, result.UnknownStats)

	quiet := newTestEnv(t, `echo "nothing to report"`)
	svc = quiet.service(t)
	run, err = svc.Start(context.Background(), Request{})
	require.NoError(t, err)
	collect(t, run)
	_, result, err = run.Wait()
	require.NoError(t, err)
	assert.Equal(t, []string{"itemsGenerated"}, result.UnknownStats)
	assert.Contains(t, result.Warnings, "worker did not report itemsGenerated")
	assert.False(t, Produced(result))
}

func TestRunReconcileMismatchIsWarning(t *testing.T) {
	env := newTestEnv(t, `echo "[STAT:itemsGenerated=4] [STAT:duplicatesSkipped=1]"`)
	env.counter = reconcile.CounterFunc(func(context.Context) (int64, error) { return 10, nil })
	svc := env.service(t)

	run, err := svc.Start(context.Background(), Request{})
	require.NoError(t, err)
	collect(t, run)
	outcome, result, err := run.Wait()

	require.NoError(t, err)
	assert.Equal(t, progress.OutcomeSuccess, outcome)
	assert.Equal(t, int64(10), *result.ReconciledCount)
	assert.Contains(t, result.Warnings, "worker reported 3 new items but the store count stayed at 10")
}

func TestRunStructuredEnvelopeResult(t *testing.T) {
	env := newTestEnv(t, `
echo '{"v":1,"kind":"phase","phase":"generating"}'
echo '{"v":1,"kind":"stat","key":"itemsGenerated","value":1}'
echo '{"v":1,"kind":"cost","inputTokens":100,"outputTokens":20,"costUsd":0.01}'
echo '{"v":1,"kind":"result","result":{"tool":"x","mode":"y","content":"done","items":[{"title":"Only"}],"stats":{"candidatesGenerated":4}}}'
`)
	svc := env.service(t)

	run, err := svc.Start(context.Background(), Request{})
	require.NoError(t, err)
	events := collect(t, run)
	_, result, err := run.Wait()
	require.NoError(t, err)

	assert.False(t, result.Synthesized)
	assert.Equal(t, "seek", result.Tool, "tool and mode come from the job, not the worker")
	assert.Equal(t, "done", result.Content)
	assert.Equal(t, progress.StatMap{"itemsGenerated": 1, "candidatesGenerated": 4}, result.Stats)
	assert.Equal(t, int64(100), result.Tokens.InputTokens)

	count := 0
	for _, ev := range events {
		if ev.Kind == progress.KindResult {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestStartRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, `true`)
	svc := env.service(t)

	_, err := svc.Start(context.Background(), Request{Days: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Start(context.Background(), Request{Tool: "missing"})
	assert.ErrorIs(t, err, ErrUnknownTool)

	env.opts.WorkerCommand = "/nonexistent/python3"
	svc = env.service(t)
	_, err = svc.Start(context.Background(), Request{})
	assert.ErrorIs(t, err, supervisor.ErrSpawn)
}

func TestRunSnapshotSavedToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := newTestEnv(t, `echo "[PHASE:generating]"; echo "[STAT:itemsGenerated=2]"`)
	env.store = NewStore(rdb, time.Hour)
	svc := env.service(t)

	run, err := svc.Start(context.Background(), Request{})
	require.NoError(t, err)
	collect(t, run)
	<-run.Done()

	record, err := svc.Record(context.Background(), run.ID())
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, progress.OutcomeSuccess, record.Outcome)
	assert.Equal(t, progress.PhaseComplete, record.Phase)
	assert.Equal(t, float64(2), record.Stats["itemsGenerated"])
	assert.Nil(t, record.Error)
	assert.True(t, mr.TTL(jobKey(run.ID())) > 0)

	missing, err := svc.Record(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
