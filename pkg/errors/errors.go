package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// 错误码，前三位即 HTTP 状态码
const (
	CodeInvalidRequest    = 40000
	CodeUnauthorized      = 40100
	CodeForbidden         = 40300
	CodeNotFound          = 40400
	CodeConflict          = 40900
	CodeInvalidTransition = 40901
	CodeRequestTooLarge   = 41300
	CodeRateLimited       = 42900
	CodeInternal          = 50000
)

// Error represents a custom error with stack trace
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Err     error      `json:"-"` // 原始错误，不序列化
	Stack   string     `json:"stack,omitempty"`
	Context []KeyValue `json:"context,omitempty"`
	// 仅 CodeRateLimited 使用，单位秒
	RetryAfter int `json:"retryAfter,omitempty"`
}

// KeyValue represents a key-value pair for context
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// Unwrap implements the errors.Wrapper interface
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus 错误码对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	if e.Code >= 10000 {
		return e.Code / 100
	}
	return http.StatusInternalServerError
}

// WithCode creates a new error with code
func WithCode(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(),
	}
}

// WithCodef creates a new error with code and formatted message
func WithCodef(code int, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(),
	}
}

// Wrap wraps an error with message
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    GetCode(err),
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    GetCode(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Stack:   captureStack(),
	}
}

// New creates a new error
func New(message string) *Error {
	return &Error{
		Message: message,
		Stack:   captureStack(),
	}
}

func InvalidRequest(message string) *Error { return WithCode(CodeInvalidRequest, message) }
func Unauthorized(message string) *Error   { return WithCode(CodeUnauthorized, message) }
func Forbidden(message string) *Error      { return WithCode(CodeForbidden, message) }
func NotFound(message string) *Error       { return WithCode(CodeNotFound, message) }
func Conflict(message string) *Error       { return WithCode(CodeConflict, message) }

// RequestTooLarge 请求体超过上限
func RequestTooLarge(limit int64) *Error {
	return WithCodef(CodeRequestTooLarge, "Request body exceeds %d bytes", limit)
}

// InvalidTransition 状态回退
func InvalidTransition(from, to string) *Error {
	return WithCodef(CodeInvalidTransition, "Cannot change status from %s to %s", from, to)
}

// RateLimited 限流拒绝，retryAfter 至少为 1 秒
func RateLimited(retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	e := WithCode(CodeRateLimited, "Too many SOS requests. Please wait before retrying.")
	e.RetryAfter = retryAfter
	return e
}

// Internal 包装存储等内部错误，对外只暴露通用信息
func Internal(err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
		Stack:   captureStack(),
	}
}

// WithContext adds context to an error
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}

	newErr := *e
	newErr.Context = append(make([]KeyValue, 0, len(e.Context)+1), e.Context...)
	newErr.Context = append(newErr.Context, KeyValue{Key: key, Value: value})
	return &newErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// 移除顶部几行（通常是 captureStack 和 Error 相关的调用）
	lines := strings.Split(stack, "\n")
	if len(lines) > 6 {
		stack = strings.Join(lines[6:], "\n")
	}

	return strings.TrimSpace(stack)
}

// As 取出错误链上的 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// GetCode returns the error code
func GetCode(err error) int {
	if e, ok := As(err); ok {
		return e.Code
	}
	return 0
}

// IsCode 错误链上是否存在指定错误码
func IsCode(err error, code int) bool {
	for err != nil {
		e, ok := As(err)
		if !ok {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// GetMessage returns the error message
func GetMessage(err error) string {
	if e, ok := As(err); ok {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// GetStack returns the error stack trace
func GetStack(err error) string {
	if e, ok := As(err); ok {
		return e.Stack
	}
	return ""
}

// Cause returns the underlying error
func Cause(err error) error {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Err != nil {
			err = e.Err
		} else {
			return err
		}
	}
	return err
}

// Format implements fmt.Formatter
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s", e.Error())
			if e.Err != nil {
				fmt.Fprintf(s, ": %v", e.Err)
			}
			if e.Stack != "" {
				fmt.Fprintf(s, "\n%s", e.Stack)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprintf(s, "%s", e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
