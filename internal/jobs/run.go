package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/seek-forge/internal/items"
	"github.com/yourusername/seek-forge/internal/progress"
	"github.com/yourusername/seek-forge/internal/protocol"
	"github.com/yourusername/seek-forge/internal/supervisor"
)

// 成功時に報告が無ければ unknownStats として明示する統計キー。
var expectedStats = []string{progress.StatItemsGenerated}

const persistTimeout = 2 * time.Second

// Run は実行中の 1 ジョブです。イベントは Events から発生順に受け取れます。
//
// Events は必ず close されるまで読み切ってください。読み手がいないとイベントが溜まり続けます。
type Run struct {
	svc      *Service
	handle   *supervisor.Handle
	parser   *protocol.Parser
	logger   zerolog.Logger
	baseline *int64

	mu       sync.Mutex
	job      Job
	state    progress.State
	queue    []progress.Event
	stopping bool
	exited   bool
	finished bool
	reported *progress.Result
	result   *progress.Result
	err      error

	timedOut atomic.Bool
	notify   chan struct{}
	events   chan progress.Event
	done     chan struct{}
}

func newRun(svc *Service, job Job, handle *supervisor.Handle, baseline *int64, logger zerolog.Logger) *Run {
	return &Run{
		svc:      svc,
		handle:   handle,
		parser:   protocol.NewParser(protocol.Options{LegacyFallback: svc.opts.LegacyFallback}),
		logger:   logger,
		baseline: baseline,
		job:      job,
		state:    progress.NewState(),
		notify:   make(chan struct{}, 1),
		events:   make(chan progress.Event, 64),
		done:     make(chan struct{}),
	}
}

// ID はジョブ ID です。
func (r *Run) ID() string {
	return r.job.ID
}

// Events は進捗イベントを発生順に流します。終端イベントの後に close されます。
func (r *Run) Events() <-chan progress.Event {
	return r.events
}

// Done はジョブの結果が確定したときに close されます。
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Job は現在のジョブ状態のスナップショットを返します。
func (r *Run) Job() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// State は現在の進捗状態を返します。
func (r *Run) State() progress.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Wait はジョブの終了を待ち、結果を返します。
// 失敗時は *WorkerExitError、キャンセル時は Outcome が cancelled でエラーは nil です。
func (r *Run) Wait() (progress.Outcome, *progress.Result, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Outcome, r.result, r.err
}

// Cancel はジョブを停止します。stopping を直ちに流し、ワーカーの停止を待って stopped で終わります。
// ワーカーが既に終了している場合や 2 回目以降の呼び出しは何もしません。
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.stopping || r.exited || r.finished {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.emitLocked(progress.PhaseEvent(progress.PhaseStopping))
	r.mu.Unlock()

	r.logger.Info().Msg("cancel requested")
	r.handle.Cancel()
	r.persist()
}

func (r *Run) snapshotLocked() Job {
	j := r.job
	j.Phase = r.state.Phase
	j.Stats = r.state.Stats.Clone()
	j.Tokens = r.state.Tokens
	j.Warnings = append([]string(nil), r.state.Warnings...)
	return j
}

// emit は Run 自身が生成したイベントを流します。
func (r *Run) emit(ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked(ev)
}

// forward はワーカー由来のイベントを流します。停止要求後は捨てます。
// complete と吸収状態へのフェーズはワーカーの終了結果から決めるため、ワーカーからは受け取りません。
func (r *Run) forward(ev progress.Event) bool {
	if ev.Kind == progress.KindPhase && (ev.Phase == progress.PhaseComplete || ev.Phase.IsAbsorbing()) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return false
	}
	if ev.Kind == progress.KindResult {
		// 結果は終了時にまとめて 1 回だけ流す
		r.reported = ev.Result
		return false
	}
	return r.emitLocked(ev)
}

func (r *Run) emitLocked(ev progress.Event) bool {
	if r.finished {
		return false
	}
	if ev.Kind == progress.KindPhase && !r.state.Phase.CanTransition(ev.Phase) {
		return false
	}
	r.state = progress.Reduce(r.state, ev)
	r.queue = append(r.queue, ev)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// pump はキューに溜まったイベントを Events へ順に送ります。
func (r *Run) pump() {
	defer close(r.events)
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		finished := r.finished
		r.mu.Unlock()

		for _, ev := range batch {
			r.events <- ev
		}
		if len(batch) > 0 {
			continue
		}
		if finished {
			return
		}
		<-r.notify
	}
}

func (r *Run) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		r.Cancel()
	case <-r.done:
	}
}

func (r *Run) loop() {
	maxDuration := r.svc.opts.MaxDuration
	var timer *time.Timer
	if maxDuration > 0 {
		timer = time.AfterFunc(maxDuration, func() {
			r.timedOut.Store(true)
			r.logger.Warn().Dur("max_duration", maxDuration).Msg("job exceeded maximum duration")
			r.handle.Cancel()
		})
	}

	for line := range r.handle.Lines() {
		var events []progress.Event
		if line.Stream == supervisor.Stdout {
			events = r.parser.ParseLine(line.Text)
		} else {
			events = r.parser.ParseDiagnostic(line.Text)
		}
		phaseChanged := false
		for _, ev := range events {
			if r.forward(ev) && ev.Kind == progress.KindPhase {
				phaseChanged = true
			}
		}
		if phaseChanged {
			r.persist()
		}
	}

	res := r.handle.Wait()
	if timer != nil {
		timer.Stop()
	}

	r.mu.Lock()
	r.exited = true
	stopping := r.stopping
	r.mu.Unlock()

	switch {
	case stopping:
		r.finishCancelled(res)
	case res.Cancelled && r.timedOut.Load():
		r.finishFailure(res, &WorkerExitError{
			Code:     CodeJobTimeout,
			ExitCode: res.ExitCode,
			Message:  fmt.Sprintf("job exceeded the maximum duration of %s and was stopped", maxDuration),
		})
	case res.Cancelled:
		r.finishCancelled(res)
	case res.ExitCode != 0:
		r.finishFailure(res, &WorkerExitError{
			Code:     CodeWorkerFailed,
			ExitCode: res.ExitCode,
			Message:  r.svc.classifier.Classify(res.Combined(), res.ExitCode),
		})
	default:
		r.finishSuccess(res)
	}
}

func (r *Run) finishCancelled(res supervisor.ExitResult) {
	r.emit(progress.PhaseEvent(progress.PhaseStopping))
	r.emit(progress.PhaseEvent(progress.PhaseStopped))
	r.logger.Info().Bool("killed", res.Killed).Dur("duration", res.Duration).Msg("job cancelled")
	r.finish(progress.OutcomeCancelled, nil, nil, nil)
}

func (r *Run) finishFailure(res supervisor.ExitResult, exitErr *WorkerExitError) {
	r.emit(progress.PhaseEvent(progress.PhaseError))
	r.emit(progress.Event{Kind: progress.KindError, Message: exitErr.Message, Failure: exitErr.Failure()})
	r.logger.Warn().
		Str("code", exitErr.Code).
		Int("exit_code", exitErr.ExitCode).
		Dur("duration", res.Duration).
		Msg("job failed")
	r.finish(progress.OutcomeFailure, nil, exitErr, &ErrorInfo{
		Code:     exitErr.Code,
		Message:  exitErr.Message,
		ExitCode: exitErr.ExitCode,
	})
}

func (r *Run) finishSuccess(res supervisor.ExitResult) {
	for _, ev := range r.parser.Finish(res.Stdout) {
		r.forward(ev)
	}
	r.emit(progress.PhaseEvent(progress.PhaseParsing))

	result := r.assemble(res)
	r.reconcile(result)

	r.mu.Lock()
	result.Warnings = append([]string(nil), r.state.Warnings...)
	r.mu.Unlock()

	r.emit(progress.Event{Kind: progress.KindResult, Result: result})
	r.emit(progress.PhaseEvent(progress.PhaseComplete))
	r.emit(progress.CompleteEvent())

	r.logger.Info().
		Int("items", len(result.Items)).
		Bool("synthesized", result.Synthesized).
		Dur("duration", res.Duration).
		Msg("job completed")
	r.finish(progress.OutcomeSuccess, result, nil, nil)
}

// assemble は成功時の結果を組み立てます。ワーカーが構造化結果を出していなければ統計から合成します。
func (r *Run) assemble(res supervisor.ExitResult) *progress.Result {
	r.mu.Lock()
	state := r.state
	reported := r.reported
	r.mu.Unlock()

	var result progress.Result
	if reported != nil {
		result = *reported
	} else {
		result.Synthesized = true
	}
	result.Tool = r.job.Tool
	result.Mode = r.job.Mode
	result.ExitCode = res.ExitCode
	result.DurationMS = res.Duration.Milliseconds()
	if result.Tokens == (progress.Tokens{}) {
		result.Tokens = state.Tokens
	}
	stats := state.Stats.Clone()
	for k, v := range result.Stats {
		if _, ok := stats[k]; !ok {
			stats[k] = v
		}
	}
	result.Stats = stats

	if path := r.parser.OutputPath(); path != "" {
		result.OutputFile = path
	}
	if result.OutputFile != "" {
		r.readOutputFile(&result)
	}
	if result.Items == nil {
		result.Items = []progress.Item{}
	}

	var unknown []string
	for _, key := range expectedStats {
		if _, ok := result.Stats[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		result.UnknownStats = unknown
		r.emit(progress.WarningEvent("worker did not report " + strings.Join(unknown, ", ")))
	}
	return &result
}

func (r *Run) readOutputFile(result *progress.Result) {
	path, err := items.ResolvePath(r.svc.opts.WorkerDir, result.OutputFile)
	if err != nil {
		r.emit(progress.WarningEvent(fmt.Sprintf("ignored output file %s: %v", result.OutputFile, err)))
		return
	}
	doc, err := items.ReadDocument(path)
	if err != nil {
		r.emit(progress.WarningEvent(fmt.Sprintf("could not read output file %s: %v", result.OutputFile, err)))
		return
	}
	if doc.Embedded != nil && result.Synthesized {
		result.Synthesized = false
		if result.Content == "" {
			result.Content = doc.Embedded.Content
		}
		for k, v := range doc.Embedded.Stats {
			if _, ok := result.Stats[k]; !ok {
				result.Stats[k] = v
			}
		}
	}
	if result.Content == "" {
		result.Content = doc.Content
	}
	if len(result.Items) == 0 {
		result.Items = doc.Items
	}
}

// reconcile は成果物ストアの件数を確認します。不一致は警告に留めます。
func (r *Run) reconcile(result *progress.Result) {
	rec := r.svc.reconciler
	if rec == nil || r.baseline == nil {
		return
	}
	r.emit(progress.PhaseEvent(progress.PhaseIntegrating))

	delta, known := progress.ExpectedDelta(result.Stats)
	if !known {
		delta = 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := rec.Reconcile(ctx, delta, *r.baseline)

	baseline := *r.baseline
	result.BaselineCount = &baseline
	result.ReconciledCount = final
	if err != nil && final == nil {
		r.emit(progress.WarningEvent(fmt.Sprintf("could not verify stored item count: %v", err)))
		return
	}
	if final == nil || !known || delta <= 0 {
		return
	}
	switch grown := *final - baseline; {
	case grown <= 0:
		r.emit(progress.WarningEvent(fmt.Sprintf(
			"worker reported %d new items but the store count stayed at %d", delta, *final)))
	case grown < delta:
		r.emit(progress.WarningEvent(fmt.Sprintf(
			"store count rose by %d, worker reported %d new items", grown, delta)))
	}
}

func (r *Run) finish(outcome progress.Outcome, result *progress.Result, err error, errInfo *ErrorInfo) {
	now := time.Now().UTC()

	r.mu.Lock()
	r.finished = true
	r.job.Outcome = outcome
	r.job.EndedAt = &now
	r.result = result
	if err != nil {
		r.err = err
	}
	job := r.snapshotLocked()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	r.mu.Unlock()

	if store := r.svc.store; store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := store.MarkFinished(ctx, job, errInfo); err != nil {
			r.logger.Warn().Err(err).Msg("failed to save job snapshot")
		}
		cancel()
	}
	r.svc.unregister(r)
	close(r.done)
}

// persist は現在の状態を Redis のスナップショットに反映します。失敗してもジョブは続行します。
func (r *Run) persist() {
	store := r.svc.store
	if store == nil {
		return
	}
	state := r.State()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := store.UpdateState(ctx, r.job.ID, state); err != nil {
		r.logger.Debug().Err(err).Msg("failed to update job snapshot")
	}
}
