// Package retry provides the shared retry policy used by the platform
// client and the upload pipeline.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略：最大尝试次数、退避函数、可重试判定。
// 所有调用点共享同一套策略抽象，避免散落的 ad hoc 重试循环。
type Policy struct {
	// MaxAttempts 总尝试次数（含首次执行），最小为 1。
	MaxAttempts int
	// Backoff 返回第 attempt 次重试前的等待时长（attempt 从 1 开始）。
	Backoff func(attempt int) time.Duration
	// RetryIf 判定错误是否可重试；为 nil 时所有错误均可重试。
	RetryIf func(err error) bool
}

// Linear returns a backoff function growing by base each retry: base, 2*base, 3*base...
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Do 按策略执行 fn，失败且可重试时退避后再试。
// 等待期间监听 ctx 取消；不可重试错误立即返回原错误。
func Do[T any](ctx context.Context, p Policy, logger *zap.Logger, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(0)
			if p.Backoff != nil {
				delay = p.Backoff(attempt - 1)
			}
			logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("retry canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if p.RetryIf != nil && !p.RetryIf(err) {
			logger.Debug("error not retryable", zap.Error(err))
			return zero, err
		}
	}

	logger.Warn("retry budget exhausted",
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return zero, lastErr
}
