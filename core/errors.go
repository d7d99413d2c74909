package core

import (
	"github.com/cockroachdb/errors"
)

// Error codes shown to clients in the response envelope and stored as
// submission failure reasons.
const (
	CodeNotFound             = "not_found"
	CodeIncorrectFingerprint = "incorrect_fingerprint"
	CodeMaxUsage             = "max_usage"
	CodeSave                 = "save_error"
	CodeDB                   = "db_error"
	CodeUniqueKeyFailed      = "unique_key_failed"
	CodeInvalidRequest       = "invalid_request"
	CodeConflict             = "conflict"
	CodeScriptInactive       = "script_inactive"
	CodeScriptNotStarted     = "script_not_started"
	CodeScriptExpired        = "script_expired"
	CodeInternal             = "internal_error"

	ReasonFileNotFound      = "file_not_found"
	ReasonReadError         = "read_error"
	ReasonAIFailed          = "ai_failed"
	ReasonTimeLimitExceeded = "time_limit_exceeded"
	ReasonWorkerLost        = "worker_lost"
)

var (
	ErrNotFound             = errors.New(CodeNotFound)
	ErrIncorrectFingerprint = errors.New(CodeIncorrectFingerprint)
	ErrMaxUsage             = errors.New(CodeMaxUsage)
	ErrSave                 = errors.New(CodeSave)
	ErrDB                   = errors.New(CodeDB)
	ErrUniqueKeyFailed      = errors.New(CodeUniqueKeyFailed)
	ErrInvalidRequest       = errors.New(CodeInvalidRequest)
	ErrConflict             = errors.New(CodeConflict)
	ErrScriptInactive       = errors.New(CodeScriptInactive)
	ErrScriptNotStarted     = errors.New(CodeScriptNotStarted)
	ErrScriptExpired        = errors.New(CodeScriptExpired)
)

var codeOrder = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrIncorrectFingerprint, CodeIncorrectFingerprint},
	{ErrMaxUsage, CodeMaxUsage},
	{ErrSave, CodeSave},
	{ErrUniqueKeyFailed, CodeUniqueKeyFailed},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrConflict, CodeConflict},
	{ErrScriptInactive, CodeScriptInactive},
	{ErrScriptNotStarted, CodeScriptNotStarted},
	{ErrScriptExpired, CodeScriptExpired},
	{ErrDB, CodeDB},
}

// mark wraps cause so that errors.Is(err, sentinel) holds and the message
// reads "<code>: <cause>".
func mark(cause error, sentinel error) error {
	if cause == nil {
		return sentinel
	}
	return errors.Mark(errors.Wrap(cause, sentinel.Error()), sentinel)
}

// Code returns the machine-readable code for err, or internal_error.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codeOrder {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsClientError reports whether err is a rejection the caller can act on,
// as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	switch Code(err) {
	case CodeDB, CodeUniqueKeyFailed, CodeInternal:
		return false
	}
	return true
}
