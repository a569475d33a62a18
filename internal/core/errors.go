package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeForbidden          = "forbidden"
	ErrCodeNotInConversation  = "not_in_conversation"
	ErrCodeSendFailed         = "send_failed"
	ErrCodeInternal           = "internal"
	ErrCodeInvalidMessage     = "invalid_message"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeRateLimited        = "rate_limited"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("not a participant of this conversation")
	ErrNotInConversation = errors.New("not in conversation")
	ErrBadRequest        = errors.New("bad request")
	ErrTextTooLong       = errors.New("message text too long")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
