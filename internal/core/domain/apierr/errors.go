// Package apierr defines the API-facing error taxonomy (§7), each variant
// carrying a stable machine code the way the teacher's pkg/errors carries
// business error codes alongside HTTP status numbers.
package apierr

import "fmt"

// Status mirrors the HTTP status families the teacher's pkg/errors defines.
type Status int

const (
	StatusBadRequest         Status = 400
	StatusUnauthorized       Status = 401
	StatusForbidden          Status = 403
	StatusNotFound           Status = 404
	StatusConflict           Status = 409
	StatusServiceUnavailable Status = 503
	StatusInternal           Status = 500
)

// Machine codes referenced directly by spec §4.A / §7.
const (
	CodeFilterJSONTooLarge  = "FILTER_JSON_TOO_LARGE"
	CodeTooManyFilters      = "TOO_MANY_FILTERS"
	CodeInvalidOrderColumn  = "INVALID_ORDER_COLUMN"
	CodeInvalidFilterColumn = "INVALID_FILTER_COLUMN"
	CodeInvalidFilterOp     = "INVALID_FILTER_OPERATOR"
	CodeKeyLimitReached     = "KEY_LIMIT_REACHED"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeInvalidProjectID    = "INVALID_PROJECT_ID"
	CodeBatchTooLarge       = "BATCH_TOO_LARGE"
	CodeTooManyIDs          = "TOO_MANY_IDS"
	CodeStreamUnavailable   = "STREAM_UNAVAILABLE"
	CodeInvalidHash         = "INVALID_FILE_HASH"
	CodeFileNotFound        = "FILE_NOT_FOUND"
)

// Error is returned by the query surface / collector handlers.
type Error struct {
	Status  Status
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(status Status, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func Wrap(status Status, code, message string, cause error) *Error {
	return &Error{Status: status, Code: code, Message: message, Cause: cause}
}

func BadRequest(code, message string) *Error   { return New(StatusBadRequest, code, message) }
func NotFound(code, message string) *Error     { return New(StatusNotFound, code, message) }
func Conflict(code, message string) *Error     { return New(StatusConflict, code, message) }
func Unavailable(code, message string) *Error  { return New(StatusServiceUnavailable, code, message) }
func Internal(code, message string) *Error     { return New(StatusInternal, code, message) }
func Forbidden(code, message string) *Error    { return New(StatusForbidden, code, message) }
func Unauthorized(code, message string) *Error { return New(StatusUnauthorized, code, message) }
