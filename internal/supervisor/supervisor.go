// Package supervisor は外部ワーカープロセスの起動・出力の取り込み・段階的な停止を扱います。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultGracePeriod は SIGTERM から SIGKILL までの猶予です。
	DefaultGracePeriod = 2 * time.Second

	// ExitCodeCancelled はキャンセルで停止したジョブに割り当てる終了コードです。
	// OS が返した実際のコード（143, 137 など）に関わらずこの値に正規化します。
	ExitCodeCancelled = 130

	lineBuffer = 256
)

// ErrSpawn はワーカーの起動自体に失敗したことを表します。
var ErrSpawn = errors.New("worker spawn failed")

// SpawnError は起動失敗の詳細です。
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// Command はワーカーの起動内容です。
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Stream は出力元を表します。
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line は出力 1 行です。改行は含みません。
type Line struct {
	Stream Stream
	Text   string
}

// State はキャンセル要求の状態です。
type State int32

const (
	StateActive State = iota
	StateCancelRequested
	StateAcknowledged
)

// ExitResult はプロセス終了時の結果です。
type ExitResult struct {
	ExitCode  int
	Cancelled bool
	// Killed は猶予内に終了せず SIGKILL を送ったことを表します。
	Killed   bool
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Combined は stdout と stderr を連結した文字列です。
func (r ExitResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Supervisor はワーカープロセスを起動します。
type Supervisor struct {
	grace  time.Duration
	logger zerolog.Logger
}

// New は Supervisor を作成します。grace が 0 以下なら DefaultGracePeriod を使います。
func New(grace time.Duration, logger zerolog.Logger) *Supervisor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Supervisor{
		grace:  grace,
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// Handle は起動済みワーカー 1 つ分の操作ハンドルです。
type Handle struct {
	cmd     *exec.Cmd
	grace   time.Duration
	logger  zerolog.Logger
	started time.Time

	armed  atomic.Bool
	state  atomic.Int32
	killed atomic.Bool

	stdout *capture
	stderr *capture

	lines    chan Line
	linesMu  sync.RWMutex
	closed   bool
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	result   ExitResult
}

// Start はワーカーを起動します。起動に失敗した場合は *SpawnError を返し、ジョブは作られません。
// ctx が終了すると Cancel が呼ばれ、子プロセスは必ず回収されます。
func (s *Supervisor) Start(ctx context.Context, c Command) (*Handle, error) {
	if c.Path == "" {
		return nil, &SpawnError{Path: c.Path, Err: errors.New("command path is empty")}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	configureProcAttr(cmd)

	h := &Handle{
		cmd:    cmd,
		grace:  s.grace,
		logger: s.logger,
		lines:  make(chan Line, lineBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	h.armed.Store(true)
	h.stdout = newCapture(h, Stdout)
	h.stderr = newCapture(h, Stderr)
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr
	// 孫プロセスがパイプを握ったままでも Wait が戻るようにする
	cmd.WaitDelay = s.grace

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	h.started = time.Now()
	h.logger.Debug().Int("pid", cmd.Process.Pid).Str("path", c.Path).Msg("worker started")

	go h.wait()
	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.done:
		}
	}()
	return h, nil
}

// PID はワーカーのプロセス ID です。
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Lines は stdout/stderr の行を到着順に流します。プロセス終了後に close されます。
// キャンセル後は新しい行を流しません。
func (h *Handle) Lines() <-chan Line {
	return h.lines
}

// Done はプロセスが終了し結果が確定したときに close されます。
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State は現在のキャンセル状態を返します。
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Stdout はこれまでに取り込んだ標準出力を返します。
func (h *Handle) Stdout() string { return h.stdout.String() }

// Stderr はこれまでに取り込んだ標準エラー出力を返します。
func (h *Handle) Stderr() string { return h.stderr.String() }

// Wait はプロセスの終了を待ち、結果を返します。
func (h *Handle) Wait() ExitResult {
	<-h.done
	return h.result
}

// Cancel は段階的な停止を開始します。SIGTERM を送り、猶予内に終了しなければ SIGKILL を送ります。
// 何度呼んでも安全で、終了済みのプロセスに対しては何もしません。
func (h *Handle) Cancel() {
	if !h.state.CompareAndSwap(int32(StateActive), int32(StateCancelRequested)) {
		return
	}
	h.armed.Store(false)
	h.quitOnce.Do(func() { close(h.quit) })

	select {
	case <-h.done:
		return
	default:
	}

	h.logger.Info().Int("pid", h.PID()).Dur("grace", h.grace).Msg("terminating worker")
	if err := terminate(h.cmd); err != nil {
		h.logger.Debug().Err(err).Msg("graceful signal failed")
	}

	go func() {
		timer := time.NewTimer(h.grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			h.killed.Store(true)
			h.logger.Warn().Int("pid", h.PID()).Msg("worker ignored SIGTERM, killing")
			if err := kill(h.cmd); err != nil {
				h.logger.Debug().Err(err).Msg("kill failed")
			}
		}
	}()
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.stdout.flush()
	h.stderr.flush()

	res := ExitResult{
		ExitCode: exitCode(h.cmd, err),
		Stdout:   h.stdout.String(),
		Stderr:   h.stderr.String(),
		Duration: time.Since(h.started),
	}
	if h.State() != StateActive {
		res.Cancelled = true
		res.Killed = h.killed.Load()
		res.ExitCode = ExitCodeCancelled
		h.state.Store(int32(StateAcknowledged))
	} else {
		// 終了後の Cancel を no-op にする
		h.state.Store(int32(StateAcknowledged))
		h.armed.Store(false)
	}
	h.result = res
	h.closeLines()
	close(h.done)

	h.logger.Debug().
		Int("exit_code", res.ExitCode).
		Bool("cancelled", res.Cancelled).
		Dur("duration", res.Duration).
		Msg("worker exited")
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return signalExitCode(exitErr.ProcessState)
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 1
}

// emit は行を流します。キャンセル済みなら捨てます。
func (h *Handle) emit(stream Stream, text string) {
	h.linesMu.RLock()
	defer h.linesMu.RUnlock()
	if h.closed || !h.armed.Load() {
		return
	}
	select {
	case h.lines <- Line{Stream: stream, Text: text}:
	case <-h.quit:
	}
}

// WaitDelay 経過後もコピー用ゴルーチンが残る場合があるため、送信中の emit を
// quit で抜けさせてから close する。
func (h *Handle) closeLines() {
	h.quitOnce.Do(func() { close(h.quit) })
	h.linesMu.Lock()
	h.closed = true
	close(h.lines)
	h.linesMu.Unlock()
}
