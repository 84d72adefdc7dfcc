package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/omeid/pgerror"

	"github.com/eboa-io/eboa/internal/faults"
)

// Sentinel errors for storage operations.
var (
	// ErrOperationStoreFailed is returned when an operation transaction fails.
	ErrOperationStoreFailed = errors.New("operation storage failed")

	// ErrAlertNotFound is returned when SolveAlert targets no alert.
	ErrAlertNotFound = errors.New("alert not found")
)

// pqError returns the PostgreSQL error wrapped in err, or nil.
// pgerror matchers type-assert their argument, so wrapped errors are unwrapped first.
func pqError(err error) *pq.Error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr
	}

	return nil
}

func isUniqueViolation(err error) bool {
	pqErr := pqError(err)

	return pqErr != nil && pgerror.UniqueViolation(pqErr) != nil
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if pqErr := pqError(err); pqErr != nil {
		return pgerror.ConnectionException(pqErr) != nil || strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// storageFailure wraps an unexpected database error into the StorageFailure status,
// keeping taxonomy errors untouched.
func storageFailure(err error, detail string) error {
	if err == nil {
		return nil
	}

	var fe *faults.Error
	if errors.As(err, &fe) {
		return err
	}

	wrapped := faults.Wrap(faults.StorageFailure, err, detail)

	if pqErr := pqError(err); pqErr != nil {
		switch {
		case pgerror.LockNotAvailable(pqErr) != nil:
			wrapped.With("reason", "lock timeout")
		case pgerror.DeadlockDetected(pqErr) != nil:
			wrapped.With("reason", "deadlock")
		case pgerror.SerializationFailure(pqErr) != nil:
			wrapped.With("reason", "serialization failure")
		}

		wrapped.With("sqlstate", string(pqErr.Code))
	}

	if isDatabaseConnectionError(err) {
		wrapped.With("reason", "connection lost")
	}

	return wrapped
}
