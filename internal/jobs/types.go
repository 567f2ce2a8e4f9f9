package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/seek-forge/internal/progress"
)

// Job は 1 リクエストにつき 1 つ作られるワーカー実行の状態です。
type Job struct {
	ID        string           `json:"jobId"`
	Tool      string           `json:"tool"`
	Mode      string           `json:"mode"`
	Phase     progress.Phase   `json:"phase"`
	Stats     progress.StatMap `json:"stats"`
	Tokens    progress.Tokens  `json:"tokens"`
	Warnings  []string         `json:"warnings,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	EndedAt   *time.Time       `json:"endedAt,omitempty"`
	Outcome   progress.Outcome `json:"outcome,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ExitCode int    `json:"exitCode,omitempty"`
}

// Record は Redis に保存するジョブのスナップショットです。参照用で、ジョブの再開には使いません。
type Record struct {
	Job
	Error     *ErrorInfo `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// エラーコード
const (
	CodeWorkerFailed = "WORKER_FAILED"
	CodeJobTimeout   = "JOB_TIMEOUT"
)

// WorkerExitError はワーカーが非ゼロで終了したことを表します。
type WorkerExitError struct {
	Code     string
	ExitCode int
	Message  string
}

func (e *WorkerExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d: %s", e.ExitCode, e.Message)
}

// Failure はストリームに載せる error イベントのペイロードに変換します。
func (e *WorkerExitError) Failure() *progress.Failure {
	return &progress.Failure{Code: e.Code, Message: e.Message, ExitCode: e.ExitCode}
}

// Produced はジョブが何らかの成果物を返したかを判定します。
// 正常終了でも何も生成しなかった場合は false です。
func Produced(res *progress.Result) bool {
	if res == nil {
		return false
	}
	if len(res.Items) > 0 || strings.TrimSpace(res.Content) != "" {
		return true
	}
	generated, _ := res.Stats.Lookup(progress.StatItemsGenerated)
	return generated > 0
}
