package model

import (
	"context"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/fluxgate/fluxgate/common"
)

const (
	sqliteBusyRetryAttempts  = 5
	sqliteBusyRetryBaseDelay = 20 * time.Millisecond
)

// runWithSQLiteBusyRetry retries operation while SQLite reports a locked
// database. It is a no-op wrapper on the other backends.
func runWithSQLiteBusyRetry(ctx context.Context, operation func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !common.UsingSQLite.Load() {
		return operation()
	}

	var lastErr error
	for attempt := 0; attempt <= sqliteBusyRetryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * sqliteBusyRetryBaseDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Wrap(lastErr, "context canceled while waiting for SQLite lock")
			case <-timer.C:
			}
		}
		lastErr = operation()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
	}
	return errors.Wrap(lastErr, "SQLite remained busy after retries")
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "database is busy")
}
