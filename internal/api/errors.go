package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/shadow-rooms/internal/protocol"
)

type ApiError struct {
	StatusCode int                `json:"status_code"`
	Code       protocol.ErrorCode `json:"code,omitempty"`
	Message    string             `json:"message"`
	Err        error              `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewInvalidInputError(message string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Code:       protocol.CodeInvalidInput,
		Message:    message,
	}
}

func NewBadRequestError() *ApiError {
	return NewInvalidInputError(lower(http.StatusText(http.StatusBadRequest)))
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Code:       protocol.CodeNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewRoomNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Code:       protocol.CodeRoomMissing,
		Message:    "room not found",
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Code:       protocol.CodeInternal,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Code:       protocol.CodeForbidden,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Code:       protocol.CodeForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

func NewTooManyRequestsError(message string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusTooManyRequests,
		Code:       protocol.CodeRateLimited,
		Message:    message,
	}
}

// FromProtocolError maps a session protocol error onto an HTTP response.
func FromProtocolError(err *protocol.Error) *ApiError {
	status := http.StatusInternalServerError
	switch err.Code {
	case protocol.CodeInvalidInput, protocol.CodeTooLong, protocol.CodeWindowExpired, protocol.CodeNotJoined:
		status = http.StatusBadRequest
	case protocol.CodeForbidden, protocol.CodeWrongRoom:
		status = http.StatusForbidden
	case protocol.CodeNotFound, protocol.CodeRoomMissing:
		status = http.StatusNotFound
	case protocol.CodeRoomFull:
		status = http.StatusConflict
	case protocol.CodeRateLimited:
		status = http.StatusTooManyRequests
	}

	return &ApiError{
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
	}
}
