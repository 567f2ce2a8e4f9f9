// Package client は /api/seek-stream を読み、サーバーと同じ reducer で進捗状態を組み立てるクライアントです。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/seek-forge/internal/jobs"
	"github.com/yourusername/seek-forge/internal/progress"
	"github.com/yourusername/seek-forge/internal/reconcile"
)

// DefaultInactivityTimeout はイベントが途絶えたとみなすまでの時間です。
const DefaultInactivityTimeout = 60 * time.Second

var (
	// ErrStreamTimeout は終端イベントの前にストリームが一定時間無音になったことを表します。
	ErrStreamTimeout = errors.New("progress stream timed out")
	// ErrJobFailed はサーバーが error イベントを送ったことを表します。
	ErrJobFailed = errors.New("job failed")
	// ErrStreamEnded は終端イベントも成果物の増加も無いままストリームが閉じたことを表します。
	ErrStreamEnded = errors.New("stream ended before completion")
)

// errStop は終端イベントを受け取った後に読み込みを打ち切るための内部シグナルです。
var errStop = errors.New("stop reading")

// APIError はストリーム開始前にサーバーが返したエラーレスポンスです。
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Report は 1 回の Seek の最終結果です。
type Report struct {
	JobID   string           `json:"jobId"`
	Outcome progress.Outcome `json:"outcome"`
	State   progress.State   `json:"state"`
	// Partial は complete を受け取れなかったが、ストアの件数増加で成功とみなした場合に true。
	Partial       bool   `json:"partial"`
	Note          string `json:"note,omitempty"`
	BaselineCount *int64 `json:"baselineCount,omitempty"`
	FinalCount    *int64 `json:"finalCount,omitempty"`
}

// Result はサーバーから受け取った結果を返します。
func (r *Report) Result() *progress.Result {
	return r.State.Result
}

// Options は Consumer の設定です。
type Options struct {
	BaseURL           string
	HTTPClient        *http.Client
	InactivityTimeout time.Duration
	// Counter が nil なら BaseURL の /api/items/count を使います。
	Counter reconcile.Counter
	Logger  zerolog.Logger
}

// Consumer は進捗ストリームのクライアントです。
type Consumer struct {
	baseURL    string
	http       *http.Client
	timeout    time.Duration
	reconciler *reconcile.Reconciler
	logger     zerolog.Logger
}

// New は Consumer を作成します。
func New(opts Options) *Consumer {
	base := strings.TrimRight(opts.BaseURL, "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// ストリームは長時間続くので全体タイムアウトは付けない
		httpClient = &http.Client{}
	}
	timeout := opts.InactivityTimeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	counter := opts.Counter
	if counter == nil {
		counter = reconcile.NewHTTPCounter(base + "/api/items/count")
	}
	logger := opts.Logger.With().Str("component", "client").Logger()
	return &Consumer{
		baseURL:    base,
		http:       httpClient,
		timeout:    timeout,
		reconciler: reconcile.New(counter, logger),
		logger:     logger,
	}
}

// Seek はジョブを開始し、終了までの進捗を onUpdate に渡します。
// ctx をキャンセルするとサーバーにも停止を依頼し、Outcome が cancelled の Report をエラー無しで返します。
func (c *Consumer) Seek(ctx context.Context, req jobs.Request, onUpdate func(progress.State)) (*Report, error) {
	if onUpdate == nil {
		onUpdate = func(progress.State) {}
	}
	report := &Report{State: progress.NewState()}

	baseline, err := c.reconciler.Baseline(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("baseline count unavailable")
	}
	report.BaselineCount = baseline

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	resp, err := c.open(streamCtx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	report.JobID = resp.Header.Get("X-Job-Id")
	logger := c.logger.With().Str("job_id", report.JobID).Logger()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(c.timeout, func() {
		timedOut.Store(true)
		cancelStream()
	})
	defer watchdog.Stop()

	readErr := readFrames(resp.Body, func() { watchdog.Reset(c.timeout) }, func(f frame) error {
		ev, err := progress.DecodeEvent(f.Event, []byte(f.Data))
		if err != nil {
			logger.Debug().Err(err).Str("event", f.Event).Msg("skipping undecodable frame")
			return nil
		}
		report.State = progress.Reduce(report.State, ev)
		onUpdate(report.State)
		if finished(report.State) {
			return errStop
		}
		return nil
	})
	watchdog.Stop()
	if errors.Is(readErr, errStop) {
		readErr = nil
	}

	state := report.State
	switch {
	case state.Completed:
		report.Outcome = progress.OutcomeSuccess
		if state.Result != nil {
			report.FinalCount = state.Result.ReconciledCount
		}
		return report, nil
	case state.Failure != nil:
		report.Outcome = progress.OutcomeFailure
		return report, fmt.Errorf("%w: %s", ErrJobFailed, state.Failure.Message)
	case state.Phase == progress.PhaseStopped:
		report.Outcome = progress.OutcomeCancelled
		return report, nil
	case state.Phase == progress.PhaseError:
		report.Outcome = progress.OutcomeFailure
		return report, fmt.Errorf("%w: stream closed after error phase", ErrJobFailed)
	case ctx.Err() != nil:
		return c.cancelled(report, onUpdate, logger)
	case timedOut.Load():
		report.Outcome = progress.OutcomeFailure
		return report, fmt.Errorf("%w: no progress for %s; check persisted state of job %s before retrying",
			ErrStreamTimeout, c.timeout, report.JobID)
	}

	if readErr != nil {
		logger.Warn().Err(readErr).Msg("progress stream broke")
	}
	return c.unfinished(report, logger)
}

// finished は読み込みを打ち切ってよい状態かを返します。phase:error の後には失敗内容を持つ error イベントが続きます。
func finished(s progress.State) bool {
	return s.Completed || s.Failure != nil || s.Phase == progress.PhaseStopped
}

func (c *Consumer) open(ctx context.Context, req jobs.Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/seek-stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open progress stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Code, apiErr.Message = payload.Code, payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return resp, nil
}

// cancelled はローカルで停止中に移り、サーバーへ停止を依頼してから件数を確認します。
func (c *Consumer) cancelled(report *Report, onUpdate func(progress.State), logger zerolog.Logger) (*Report, error) {
	report.State = progress.Reduce(report.State, progress.PhaseEvent(progress.PhaseStopping))
	onUpdate(report.State)
	report.Outcome = progress.OutcomeCancelled

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if report.JobID != "" {
		if err := c.requestCancel(ctx, report.JobID); err != nil {
			logger.Debug().Err(err).Msg("cancel request failed")
		}
	}
	if final := c.reconcile(ctx, report); final != nil && report.BaselineCount != nil && *final > *report.BaselineCount {
		report.Note = fmt.Sprintf("%d items were stored before the job stopped", *final-*report.BaselineCount)
	}
	return report, nil
}

// unfinished は終端イベント無しでストリームが閉じた場合の結果を決めます。
func (c *Consumer) unfinished(report *Report, logger zerolog.Logger) (*Report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	final := c.reconcile(ctx, report)
	if final != nil && report.BaselineCount != nil && *final > *report.BaselineCount {
		report.Outcome = progress.OutcomeSuccess
		report.Partial = true
		report.Note = fmt.Sprintf("stream closed early, but %d new items were stored; results may be incomplete",
			*final-*report.BaselineCount)
		logger.Warn().Int64("added", *final-*report.BaselineCount).Msg("treating unfinished stream as partial success")
		return report, nil
	}
	report.Outcome = progress.OutcomeFailure
	return report, fmt.Errorf("%w: last phase %q", ErrStreamEnded, report.State.Phase)
}

func (c *Consumer) reconcile(ctx context.Context, report *Report) *int64 {
	if report.BaselineCount == nil {
		return nil
	}
	delta, ok := progress.ExpectedDelta(report.State.Stats)
	if !ok || delta <= 0 {
		// 件数の報告が届いていなくても、増えていないかは確認する
		delta = 1
	}
	final, err := c.reconciler.Reconcile(ctx, delta, *report.BaselineCount)
	if err != nil {
		c.logger.Debug().Err(err).Msg("reconciliation incomplete")
	}
	report.FinalCount = final
	return final
}

func (c *Consumer) requestCancel(ctx context.Context, jobID string) error {
	endpoint := c.baseURL + "/api/jobs/" + url.PathEscape(jobID) + "/cancel"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("cancel returned %d", resp.StatusCode)
	}
	return nil
}
