package errors

import (
	"context"
	"errors"
	"net"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reParamName extracts the offending argument from messages like `function ... p_user_id => ...`.
var reParamName = regexp.MustCompile(`\b(p_[a-z0-9_]+)\b`)

// MapRPCError maps errors from a remote procedure call to AppError instances.
// It handles:
// - Context timeouts/cancellations → Timeout/Canceled
// - pgx.ErrNoRows → NotFound
// - insufficient_privilege → Forbidden
// - invalid authorization / password → Unauthorized
// - undefined function, bad parameters, raised exceptions → Rejected
// - connection exceptions and net errors → Network
//
// Errors that are already AppErrors are returned unchanged.
func MapRPCError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return &AppError{
			Code:    ErrCodeTimeout,
			Message: "Request timed out. Please try again.",
			Cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{
			Code:    ErrCodeCanceled,
			Message: "Request was canceled.",
			Cause:   err,
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{
			Code:    ErrCodeNotFound,
			Message: "No matching record",
			Cause:   err,
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &AppError{
			Code:    ErrCodeNetwork,
			Message: "Network error. Please check your connection.",
			Cause:   err,
		}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &AppError{
			Code:    ErrCodeNetwork,
			Message: "Unable to reach the server.",
			Cause:   err,
		}
	}

	return &AppError{
		Code:    ErrCodeInternal,
		Message: "Unexpected error while contacting the server.",
		Cause:   err,
	}
}

// mapPgError maps PostgreSQL-specific errors to AppError instances.
func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.InsufficientPrivilege:
		return &AppError{
			Code:    ErrCodeForbidden,
			Message: "You do not have permission to perform this action.",
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.InvalidAuthorizationSpecification,
		pgErr.Code == pgerrcode.InvalidPassword:
		return &AppError{
			Code:    ErrCodeUnauthorized,
			Message: "Your session has expired. Please sign in again.",
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.UndefinedFunction,
		pgErr.Code == pgerrcode.InvalidParameterValue,
		pgErr.Code == pgerrcode.InvalidTextRepresentation,
		pgErr.Code == pgerrcode.RaiseException:
		return &AppError{
			Code:    ErrCodeRejected,
			Message: "The server rejected the request.",
			Field:   paramFromMessage(pgErr.Message),
			Cause:   pgErr,
		}
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgerrcode.IsOperatorIntervention(pgErr.Code),
		pgerrcode.IsInsufficientResources(pgErr.Code):
		return &AppError{
			Code:    ErrCodeNetwork,
			Message: "The server is temporarily unavailable.",
			Cause:   pgErr,
		}
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "A database error occurred. Please try again.",
			Cause:   pgErr,
		}
	}
}

func paramFromMessage(msg string) string {
	if m := reParamName.FindStringSubmatch(msg); len(m) == 2 {
		return m[1]
	}
	return ""
}
