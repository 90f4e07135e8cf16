package persistence

import (
	"CTFLedger/internal/state"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"
)

// Postgres SQLSTATE codes the store treats specially.
const (
	codeUniqueViolation      pq.ErrorCode = "23505"
	codeSerializationFailure pq.ErrorCode = "40001"
	codeDeadlockDetected     pq.ErrorCode = "40P01"
	codeLockNotAvailable     pq.ErrorCode = "55P03"
	codeTooManyConnections   pq.ErrorCode = "53300"
	codeAdminShutdown        pq.ErrorCode = "57P01"
	codeCrashShutdown        pq.ErrorCode = "57P02"
	codeCannotConnectNow     pq.ErrorCode = "57P03"

	classConnectionException pq.ErrorClass = "08"
)

// classify maps driver errors onto the state error vocabulary. Retryable
// failures are wrapped with state.Transient, unique violations become
// state.ErrAlreadyExists and sql.ErrNoRows becomes state.ErrNotFound.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return state.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
		return fmt.Errorf("%s: %w (%s)", op, state.ErrAlreadyExists, pqErr.Constraint)
	}

	wrapped := fmt.Errorf("%s: %w", op, err)
	if isTransient(err) {
		return state.Transient(wrapped)
	}
	return wrapped
}

// isTransient reports whether err is a Postgres or connection failure after
// which the whole transaction can be retried.
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
			codeTooManyConnections, codeAdminShutdown, codeCrashShutdown, codeCannotConnectNow:
			return true
		}
		return pqErr.Code.Class() == classConnectionException
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
