package store

import (
	"context"
	"database/sql"
	"errors"
	"net"

	"github.com/lib/pq"
)

// Sentinel errors surfaced by the store. Callers branch on these instead of
// driver-specific error strings.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a uniqueness constraint rejected the write.
	ErrConflict = errors.New("store: conflict")
)

// IsTransient reports whether the error is worth retrying: connection drops,
// serialization failures, deadlocks. Schema and constraint errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P03": // cannot_connect_now
			return true
		}
		// Class 08: connection exceptions.
		return pqErr.Code.Class() == "08"
	}
	return errors.Is(err, sql.ErrConnDone)
}

// IsFatal reports whether the error indicates the database is unusable for
// this process (bad schema, bad credentials). A task hitting a fatal error
// exits and lets the supervisor restart it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "28", // invalid authorization
			"3D", // invalid catalog name
			"42": // syntax error or access rule violation
			return true
		}
	}
	return false
}
