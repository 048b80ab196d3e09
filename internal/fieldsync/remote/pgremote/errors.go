package pgremote

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openfield/fieldsync/internal/fieldsync/remote"
)

// classify wraps err in a remote.Error whose code follows the Postgres
// SQLSTATE class.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}
	return remote.NewError(op, codeOf(err), err)
}

func codeOf(err error) remote.Code {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) {
		return remote.CodeUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return remote.CodeUnavailable
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return remote.CodeUnavailable
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return remote.CodeUnknown
	}
	switch pgErr.Code {
	case "42501": // insufficient_privilege
		return remote.CodePermissionDenied
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return remote.CodeConflict
	case "53100", "54000": // disk_full, program_limit_exceeded
		return remote.CodeQuotaExceeded
	case "53300", "57P01", "57P02", "57P03": // too_many_connections, shutdowns
		return remote.CodeUnavailable
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"):
		return remote.CodeUnavailable
	case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
		return remote.CodeInvalidArgument
	case strings.HasPrefix(pgErr.Code, "28"):
		return remote.CodePermissionDenied
	}
	return remote.CodeUnknown
}
