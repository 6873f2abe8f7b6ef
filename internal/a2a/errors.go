package a2a

import (
	"errors"
	"fmt"
)

// ErrorCode is a protocol error code, JSON-RPC compatible so transports
// can pass codes through unchanged.
type ErrorCode int

const (
	CodeInvalidRequest               ErrorCode = -32600
	CodeMethodNotFound               ErrorCode = -32601
	CodeInvalidParams                ErrorCode = -32602
	CodeInternalError                ErrorCode = -32603
	CodeTaskNotFound                 ErrorCode = -32001
	CodeTaskNotCancelable            ErrorCode = -32002
	CodePushNotificationsUnsupported ErrorCode = -32003
	CodeUnsupportedOperation         ErrorCode = -32004
	CodeContentTypeNotSupported      ErrorCode = -32005
)

// Error is a protocol-level error surfaced to the client that raised the
// request. It never tears down other subscribers' streams unless it is
// task-terminal, in which case it travels as an event on the task's queue.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// ErrInvalidRequest builds an InvalidRequest error.
func ErrInvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidParams builds an InvalidParams error.
func ErrInvalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// ErrMethodNotFound builds a MethodNotFound error.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
}

// ErrInternal wraps an internal failure. The cause is carried as data so
// transports can choose whether to expose it.
func ErrInternal(cause error) *Error {
	e := &Error{Code: CodeInternalError, Message: "internal error"}
	if cause != nil {
		e.Data = cause.Error()
	}
	return e
}

// ErrTaskNotFound builds a TaskNotFound error for the given id.
func ErrTaskNotFound(taskID string) *Error {
	return &Error{Code: CodeTaskNotFound, Message: fmt.Sprintf("task not found: %s", taskID)}
}

// ErrTaskNotCancelable builds a TaskNotCancelable error for the given id.
func ErrTaskNotCancelable(taskID string, state TaskState) *Error {
	return &Error{
		Code:    CodeTaskNotCancelable,
		Message: fmt.Sprintf("task %s cannot be canceled in state %s", taskID, state),
	}
}

// ErrPushNotificationsUnsupported reports that the agent has no push
// notification capability configured.
func ErrPushNotificationsUnsupported() *Error {
	return &Error{Code: CodePushNotificationsUnsupported, Message: "push notifications are not supported"}
}

// ErrUnsupportedOperation builds an UnsupportedOperation error.
func ErrUnsupportedOperation(op string) *Error {
	return &Error{Code: CodeUnsupportedOperation, Message: fmt.Sprintf("unsupported operation: %s", op)}
}

// ErrContentTypeNotSupported builds a ContentTypeNotSupported error.
func ErrContentTypeNotSupported(contentType string) *Error {
	return &Error{Code: CodeContentTypeNotSupported, Message: fmt.Sprintf("content type not supported: %s", contentType)}
}

// CodeOf extracts the protocol code from err, or CodeInternalError when
// err is not a protocol error.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternalError
}

// AsError converts err into a protocol error, wrapping non-protocol
// failures as InternalError.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return ErrInternal(err)
}
