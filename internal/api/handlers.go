// Package api は seek-forge の HTTP ハンドラーを提供します。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/seek-forge/internal/jobs"
	"github.com/yourusername/seek-forge/internal/progress"
	"github.com/yourusername/seek-forge/internal/reconcile"
	"github.com/yourusername/seek-forge/internal/supervisor"
)

// JobService はジョブの起動と参照を提供するサービスが実装します。
type JobService interface {
	Start(ctx context.Context, req jobs.Request) (*jobs.Run, error)
	Cancel(id string) bool
	Record(ctx context.Context, id string) (*jobs.Record, error)
}

// Handlers は API ハンドラーの依存関係をまとめます。
type Handlers struct {
	jobs    JobService
	counter reconcile.Counter
	logger  zerolog.Logger
}

// NewHandlers は Handlers を作成します。counter が nil なら件数エンドポイントは 503 を返します。
func NewHandlers(svc JobService, counter reconcile.Counter, logger zerolog.Logger) *Handlers {
	return &Handlers{
		jobs:    svc,
		counter: counter,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Register は /api 配下のルートを登録します。
func (h *Handlers) Register(r gin.IRouter) {
	r.POST("/generate", h.Generate)
	r.POST("/seek-stream", h.SeekStream)
	r.GET("/items/count", h.ItemsCount)
	r.GET("/jobs/:id", h.JobStatus)
	r.POST("/jobs/:id/cancel", h.CancelJob)
}

// generateResponse は POST /api/generate のレスポンスです。
type generateResponse struct {
	Success  bool             `json:"success"`
	JobID    string           `json:"jobId"`
	Tool     string           `json:"tool"`
	Mode     string           `json:"mode"`
	Content  string           `json:"content"`
	Items    []progress.Item  `json:"items"`
	Stats    progress.StatMap `json:"stats"`
	Warnings []string         `json:"warnings,omitempty"`
	Code     string           `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Generate は POST /api/generate のハンドラーです。ワーカーの終了まで待ち、結果を 1 つの JSON で返します。
func (h *Handlers) Generate(c *gin.Context) {
	req, ok := bindRequest(c)
	if !ok {
		return
	}
	run, err := h.jobs.Start(c.Request.Context(), req)
	if err != nil {
		respondWithError(c, err)
		return
	}
	for range run.Events() {
	}
	outcome, result, err := run.Wait()
	job := run.Job()

	resp := generateResponse{
		JobID: job.ID,
		Tool:  job.Tool,
		Mode:  job.Mode,
		Items: []progress.Item{},
		Stats: job.Stats,
	}
	switch outcome {
	case progress.OutcomeSuccess:
		resp.Success = jobs.Produced(result)
		resp.Content = result.Content
		resp.Items = result.Items
		resp.Stats = result.Stats
		resp.Warnings = result.Warnings
		if !resp.Success {
			resp.Error = "ワーカーは正常終了しましたが、生成された項目はありませんでした。"
		}
		c.JSON(http.StatusOK, resp)
	case progress.OutcomeCancelled:
		resp.Code = "REQUEST_CANCELED"
		resp.Error = "リクエストがキャンセルされました。"
		c.JSON(http.StatusRequestTimeout, resp)
	default:
		resp.Code = "WORKER_FAILED"
		resp.Error = "ワーカーの実行に失敗しました。"
		var exitErr *jobs.WorkerExitError
		if errors.As(err, &exitErr) {
			resp.Code = exitErr.Code
			resp.Error = exitErr.Message
		}
		resp.Warnings = job.Warnings
		c.JSON(http.StatusInternalServerError, resp)
	}
}

// SeekStream は POST /api/seek-stream のハンドラーです。進捗を text/event-stream で順に送ります。
// ヘッダー送信後のエラーはすべて error イベントとして流し、必ず終端イベントで閉じます。
func (h *Handlers) SeekStream(c *gin.Context) {
	req, ok := bindRequest(c)
	if !ok {
		return
	}
	run, err := h.jobs.Start(c.Request.Context(), req)
	if err != nil {
		respondWithError(c, err)
		return
	}
	logger := h.logger.With().Str("job_id", run.ID()).Logger()

	header := c.Writer.Header()
	header.Set("Content-Type", sse.ContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Job-Id", run.ID())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	seq := 0
	writable := true
	for ev := range run.Events() {
		if !writable {
			continue
		}
		seq++
		err := sse.Encode(c.Writer, sse.Event{
			Id:    strconv.Itoa(seq),
			Event: string(ev.Kind),
			Data:  ev.Data(),
		})
		if err != nil {
			// 切断後もジョブの終了までイベントは読み捨てる
			logger.Debug().Err(err).Msg("client stream closed")
			writable = false
			continue
		}
		c.Writer.Flush()
	}
	outcome, _, _ := run.Wait()
	logger.Debug().Str("outcome", string(outcome)).Int("events", seq).Msg("stream finished")
}

// ItemsCount は GET /api/items/count のハンドラーです。
func (h *Handlers) ItemsCount(c *gin.Context) {
	if h.counter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "COUNT_UNAVAILABLE",
			"message": "件数ストアが設定されていません。",
		})
		return
	}
	count, err := h.counter.Count(c.Request.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to count items")
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// JobStatus は GET /api/jobs/:id のハンドラーです。
func (h *Handlers) JobStatus(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return
	}

	record, err := h.jobs.Record(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ジョブ情報の取得に失敗しました。",
		})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return
	}
	c.JSON(http.StatusOK, record)
}

// CancelJob は POST /api/jobs/:id/cancel のハンドラーです。停止は非同期に進むため 202 を返します。
func (h *Handlers) CancelJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if !h.jobs.Cancel(jobID) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "実行中のジョブが見つかりません。",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"jobId": jobID,
		"phase": progress.PhaseStopping,
	})
}

// bindRequest は JSON ボディを読み込みます。空のボディはデフォルト値のリクエストとして扱います。
func bindRequest(c *gin.Context) (jobs.Request, bool) {
	var req jobs.Request
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストボディの JSON が不正です。",
		})
		return req, false
	}
	return req, true
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest), errors.Is(err, jobs.ErrUnknownTool):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
	case errors.Is(err, supervisor.ErrSpawn):
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "WORKER_LAUNCH_FAILED",
			"message": "ワーカーを起動できませんでした。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
