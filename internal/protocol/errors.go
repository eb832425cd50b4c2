package protocol

import "fmt"

// ErrorCode is the machine-readable reason attached to a rejected operation.
type ErrorCode string

const (
	CodeInvalidInput  ErrorCode = "invalid_input"
	CodeForbidden     ErrorCode = "forbidden"
	CodeRoomMissing   ErrorCode = "room_missing"
	CodeNotFound      ErrorCode = "not_found"
	CodeWrongRoom     ErrorCode = "wrong_room"
	CodeRoomFull      ErrorCode = "room_full"
	CodeRateLimited   ErrorCode = "rate_limited"
	CodeTooLong       ErrorCode = "too_long"
	CodeWindowExpired ErrorCode = "window_expired"
	CodeNotJoined     ErrorCode = "not_joined"
	CodeInternal      ErrorCode = "internal"
)

// Terminal reports whether a join failing with this code ends the
// connection. Only join failures are ever terminal.
func (c ErrorCode) Terminal() bool {
	switch c {
	case CodeInvalidInput, CodeForbidden, CodeRoomMissing, CodeRoomFull:
		return true
	}
	return false
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
