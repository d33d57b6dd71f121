package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/bitfantasy/nimo-pm/internal/pm/repository"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Backoff: time.Millisecond}
	ctx := context.Background()

	t.Run("conflict then success", func(t *testing.T) {
		calls := 0
		err := p.run(ctx, func() error {
			calls++
			if calls < 3 {
				return repository.ErrVersionConflict
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("business error not retried", func(t *testing.T) {
		calls := 0
		err := p.run(ctx, func() error {
			calls++
			return apperr.Precondition("already acted")
		})
		assert.True(t, apperr.Is(err, apperr.KindPrecondition))
		assert.Equal(t, 1, calls)
	})

	t.Run("transient retried until exhausted", func(t *testing.T) {
		calls := 0
		err := p.run(ctx, func() error {
			calls++
			return fmt.Errorf("query: %w", context.DeadlineExceeded)
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 3, calls)
	})

	t.Run("context cancelled during backoff", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		slow := RetryPolicy{Attempts: 3, Backoff: time.Hour}
		calls := 0
		err := slow.run(cctx, func() error {
			calls++
			cancel()
			return repository.ErrVersionConflict
		})
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, calls)
	})
}

func TestStoreErr(t *testing.T) {
	assert.Nil(t, storeErr(nil, "x"))
	assert.True(t, apperr.Is(storeErr(repository.ErrNotFound, "审批不存在"), apperr.KindNotFound))
	assert.True(t, apperr.Is(storeErr(repository.ErrVersionConflict, "x"), apperr.KindConflict))
	assert.True(t, apperr.Is(storeErr(repository.ErrActiveExists, "x"), apperr.KindPrecondition))
	assert.True(t, apperr.Is(storeErr(errors.New("dial tcp: refused"), "x"), apperr.KindPersistence))

	v := apperr.Validation("action", "bad")
	assert.Same(t, v, storeErr(v, "x"))
}
