package service

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/repository"
	"github.com/bitfantasy/nimo-pm/internal/shared/metrics"
)

// RetryPolicy 读-改-写重试策略
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration // 第一次重试前等待，之后每次翻倍
}

// DefaultRetryPolicy 3 次，20ms 起步
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 20 * time.Millisecond}

func retryable(err error) bool {
	return errors.Is(err, repository.ErrVersionConflict) || repository.IsTransient(err)
}

// run 执行 fn，版本冲突或暂时性存储错误时按指数退避重试，业务错误立即返回
func (p RetryPolicy) run(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Backoff

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			wait *= 2
		}

		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			metrics.IncrementVersionConflict()
		}
	}
	return err
}
