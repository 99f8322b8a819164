package database

import (
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Postgres SQLSTATE codes for transactions that lost a conflict.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// IsRetryable reports whether err is a transaction conflict that can succeed
// when the whole transaction is run again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	return false
}
