// Package reconcile はワーカーが外部ストアに書き込んだ件数を、短い間隔で問い合わせて確かめます。
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultAttempts     = 3
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 2000 * time.Millisecond
)

// Counter は外部ストアの現在件数を返します。
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// CounterFunc は関数を Counter として使うためのアダプタです。
type CounterFunc func(ctx context.Context) (int64, error)

func (f CounterFunc) Count(ctx context.Context) (int64, error) { return f(ctx) }

// Reconciler は件数の問い合わせと再試行を行います。
type Reconciler struct {
	Counter      Counter
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Logger       zerolog.Logger

	// sleep はテストで差し替えます。
	sleep func(ctx context.Context, d time.Duration) error
}

// New はデフォルトのバックオフ設定で Reconciler を作成します。
func New(counter Counter, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		Counter:      counter,
		Attempts:     DefaultAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Logger:       logger.With().Str("component", "reconcile").Logger(),
	}
}

// Reconcile は件数を問い合わせ、最後に観測した値を返します。
// expectedDelta > 0 でまだ baseline を超えていない場合のみ再試行します。
// 一度も観測できなかった場合は nil を返します。件数の不一致はエラーにしません。
func (r *Reconciler) Reconcile(ctx context.Context, expectedDelta, baseline int64) (*int64, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := r.InitialDelay
	if delay <= 0 {
		delay = DefaultInitialDelay
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var (
		last    *int64
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		count, err := r.Counter.Count(ctx)
		if err != nil {
			lastErr = err
			r.Logger.Debug().Err(err).Int("attempt", attempt).Msg("count query failed")
		} else {
			c := count
			last = &c
			if expectedDelta <= 0 || count > baseline {
				return last, nil
			}
		}

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return last, err
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	if last == nil {
		return nil, lastErr
	}
	r.Logger.Warn().
		Int64("expected_delta", expectedDelta).
		Int64("baseline", baseline).
		Int64("observed", *last).
		Msg("store count did not move after worker reported new items")
	return last, nil
}

// Baseline はジョブ開始前の件数を 1 回だけ取得します。
func (r *Reconciler) Baseline(ctx context.Context) (*int64, error) {
	count, err := r.Counter.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &count, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
