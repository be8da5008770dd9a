package apierr

import "fmt"

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeFileIsScanned    = "FILE_IS_SCANNED"
	CodeInsufficientText = "INSUFFICIENT_TEXT"
	CodeSessionExists    = "SESSION_EXISTS"
	CodeSessionNotActive = "SESSION_NOT_ACTIVE"
	CodeUpdateFailed     = "UPDATE_FAILED"
	CodeVersionNotFound  = "VERSION_NOT_FOUND"
	CodeInternal         = "INTERNAL_ERROR"
)

type Error struct {
	Status  int
	Code    string
	Err     error
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func WithDetails(status int, code string, err error, details map[string]any) *Error {
	return &Error{Status: status, Code: code, Err: err, Details: details}
}
