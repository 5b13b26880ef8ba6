// Package worker moves queued session records from Redis into Postgres.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/stemsi/exstem-proctor/internal/repository"
)

// isBadRecord reports whether a write failed because of the record itself
// rather than the database. Such records are dropped instead of requeued.
func isBadRecord(err error) bool {
	return errors.Is(err, repository.ErrInvalidSessionID)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
