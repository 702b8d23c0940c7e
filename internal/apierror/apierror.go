package apierror

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrConflict         ErrorCode = "CONFLICT"
	ErrBadRequest       ErrorCode = "BAD_REQUEST"
	ErrInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	ErrInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	ErrTransient        ErrorCode = "TRANSIENT"
	ErrDataIntegrity    ErrorCode = "DATA_INTEGRITY"
	ErrInternalServer   ErrorCode = "INTERNAL_SERVER_ERROR"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsRetryable reports whether an error may succeed on a later attempt. Only
// transient infrastructure failures (and optimistic-concurrency conflicts)
// qualify; signature, payload, not-found and data-integrity errors are
// terminal because resubmission cannot change the outcome. Errors that never
// passed through classification are treated as transient so the processor's
// retry policy gets a chance.
func IsRetryable(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrTransient || apiErr.Code == ErrConflict
	}
	return true
}

// IsTerminal reports whether an error must be dead-lettered immediately
// instead of consuming retry budget.
func IsTerminal(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrInvalidSignature, ErrInvalidPayload, ErrDataIntegrity:
			return true
		}
	}
	return false
}

// Code returns the taxonomy code carried by err, or ErrInternalServer when the
// error never passed through this package.
func Code(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternalServer
}

// ClassifyDBError maps a database driver error onto the retry taxonomy.
// SQLSTATE class 22 (data exception) and 23 (integrity constraint violation)
// are terminal: the same row will fail the same way on every retry. Deadlocks,
// serialization failures and connection-class errors are transient.
// sql.ErrNoRows is surfaced as NOT_FOUND so callers can treat it as a benign
// no-op.
func ClassifyDBError(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NewAPIError(ErrNotFound, message, err.Error())
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		switch {
		case class == "22" || class == "23":
			return NewAPIError(ErrDataIntegrity, message, fmt.Sprintf("sqlstate %s: %s", pqErr.Code, pqErr.Message))
		case pqErr.Code == "40001" || pqErr.Code == "40P01" || class == "08":
			return NewAPIError(ErrTransient, message, fmt.Sprintf("sqlstate %s: %s", pqErr.Code, pqErr.Message))
		}
	}

	// Unclassified driver errors are assumed transient; a retry is cheap and a
	// wrongly dead-lettered event is not.
	return NewAPIError(ErrTransient, message, err.Error())
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), which the idempotency store uses to detect an
// existing claim.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrBadRequest, ErrInvalidPayload, ErrInvalidSignature:
			return http.StatusBadRequest
		case ErrDataIntegrity:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
