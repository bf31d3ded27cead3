package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/chatbt/dsde/internal/model"
)

// #region retry

// retryPolicy retries transient collaborator failures with doubling backoff.
// Permanent failures return immediately.
type retryPolicy struct {
	maxAttempts int
	base        time.Duration
}

// do runs op up to maxAttempts times. Only errors model.Transient classifies
// as retryable trigger another attempt.
func (p retryPolicy) do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.base
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil || !model.Transient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// #endregion retry
