// Package jobs はワーカーの起動から終端イベントの送出までの 1 ジョブ分の流れを管理します。
package jobs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/seek-forge/internal/config"
	"github.com/yourusername/seek-forge/internal/errclass"
	"github.com/yourusername/seek-forge/internal/progress"
	"github.com/yourusername/seek-forge/internal/reconcile"
	"github.com/yourusername/seek-forge/internal/supervisor"
)

// Options はワーカー起動の設定です。
type Options struct {
	// WorkerCommand が空ならツールのスクリプトを直接実行します。
	WorkerCommand  string
	WorkerDir      string
	Tools          map[string]string
	DefaultTool    string
	Env            []string
	MaxDuration    time.Duration
	ErrorMaxLength int
	LegacyFallback bool
}

// OptionsFromConfig はアプリケーション設定から Options を作ります。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkerCommand:  cfg.WorkerCommand,
		WorkerDir:      cfg.WorkerDir,
		Tools:          cfg.WorkerTools,
		DefaultTool:    cfg.DefaultTool,
		MaxDuration:    cfg.JobMaxDuration,
		ErrorMaxLength: cfg.ErrorMaxLength,
		LegacyFallback: cfg.LegacyStatFallback,
	}
}

// Service はジョブの起動と実行中ジョブの管理を担います。
type Service struct {
	opts       Options
	sup        *supervisor.Supervisor
	store      *Store
	reconciler *reconcile.Reconciler
	classifier errclass.Classifier
	logger     zerolog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewService は Service を作成します。store と reconciler は nil でも動作します。
func NewService(opts Options, sup *supervisor.Supervisor, store *Store, reconciler *reconcile.Reconciler, logger zerolog.Logger) (*Service, error) {
	if sup == nil {
		return nil, fmt.Errorf("supervisor is nil")
	}
	if len(opts.Tools) == 0 {
		return nil, fmt.Errorf("no worker tools configured")
	}
	return &Service{
		opts:       opts,
		sup:        sup,
		store:      store,
		reconciler: reconciler,
		classifier: errclass.Classifier{MaxLength: opts.ErrorMaxLength},
		logger:     logger.With().Str("component", "jobs").Logger(),
		runs:       make(map[string]*Run),
	}, nil
}

// Start はリクエストを検証してワーカーを起動します。
// 検証エラーは ErrInvalidRequest / ErrUnknownTool、起動失敗は supervisor.ErrSpawn を返し、その場合ジョブは作られません。
// ctx が終了するとジョブはキャンセルされます。
func (s *Service) Start(ctx context.Context, req Request) (*Run, error) {
	if err := req.Normalize(s.opts.DefaultTool); err != nil {
		return nil, err
	}
	script, ok := s.opts.Tools[req.Tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, req.Tool)
	}

	job := Job{
		ID:        uuid.NewString(),
		Tool:      req.Tool,
		Mode:      req.Mode,
		Stats:     progress.StatMap{},
		StartedAt: time.Now().UTC(),
	}
	logger := s.logger.With().
		Str("job_id", job.ID).
		Str("tool", job.Tool).
		Str("mode", job.Mode).
		Logger()

	var baseline *int64
	if s.reconciler != nil {
		b, err := s.reconciler.Baseline(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("baseline count unavailable, skipping reconciliation")
		} else {
			baseline = b
		}
	}

	handle, err := s.sup.Start(context.Background(), s.command(script, req))
	if err != nil {
		logger.Error().Err(err).Msg("failed to start worker")
		return nil, err
	}
	logger.Info().Int("pid", handle.PID()).Msg("job started")

	run := newRun(s, job, handle, baseline, logger)
	s.register(run)
	if s.store != nil {
		if err := s.store.Upsert(ctx, &Record{Job: job}); err != nil {
			logger.Warn().Err(err).Msg("failed to create job snapshot")
		}
	}
	run.emit(progress.PhaseEvent(progress.PhaseRequested))

	go run.pump()
	go run.loop()
	go run.watch(ctx)
	return run, nil
}

func (s *Service) command(script string, req Request) supervisor.Command {
	env := s.opts.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(append([]string(nil), env...), "PYTHONUNBUFFERED=1")

	if s.opts.WorkerCommand == "" {
		return supervisor.Command{Path: script, Args: req.Args(), Dir: s.opts.WorkerDir, Env: env}
	}
	return supervisor.Command{
		Path: s.opts.WorkerCommand,
		Args: append([]string{script}, req.Args()...),
		Dir:  s.opts.WorkerDir,
		Env:  env,
	}
}

// Lookup は実行中のジョブを返します。
func (s *Service) Lookup(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

// Cancel は実行中のジョブを停止します。該当ジョブが無ければ false を返します。
func (s *Service) Cancel(id string) bool {
	run, ok := s.Lookup(id)
	if !ok {
		return false
	}
	run.Cancel()
	return true
}

// Record は実行中ならその場の状態を、終了済みなら Redis のスナップショットを返します。
func (s *Service) Record(ctx context.Context, id string) (*Record, error) {
	if run, ok := s.Lookup(id); ok {
		return &Record{Job: run.Job()}, nil
	}
	if s.store == nil {
		return nil, nil
	}
	return s.store.Get(ctx, id)
}

// Shutdown は実行中のジョブをすべて停止し、終了を待ちます。
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.Cancel()
	}
	for _, run := range runs {
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) register(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID()] = run
}

func (s *Service) unregister(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, run.ID())
}
