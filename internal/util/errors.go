package util

import (
	"errors"
	"fmt"
)

// ErrorKind 业务错误类型，在出错点显式构造，调用方据此决定处理方式
type ErrorKind string

const (
	KindInternal     ErrorKind = "internal"
	KindNotFound     ErrorKind = "not_found"
	KindForbidden    ErrorKind = "forbidden"
	KindInvalidState ErrorKind = "invalid_state"
	KindConflict     ErrorKind = "conflict"
	KindIntegrity    ErrorKind = "integrity"
)

// AppError 带类型标记的业务错误
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// Is 同类同消息的错误视为相等，方便 errors.Is 匹配哨兵错误
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

func NewAppError(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// WrapError 给底层错误附加类型
func WrapError(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// KindOf 返回错误链上第一个 AppError 的类型，非业务错误视为 internal
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

var (
	ErrUserNotFound        = NewAppError(KindNotFound, "user not found")
	ErrCourseNotFound      = NewAppError(KindNotFound, "course not found")
	ErrLessonNotFound      = NewAppError(KindNotFound, "lesson not found")
	ErrEnrollmentNotFound  = NewAppError(KindNotFound, "enrollment not found")
	ErrCertificateNotFound = NewAppError(KindNotFound, "certificate not found")

	ErrPermissionDenied = NewAppError(KindForbidden, "permission denied")
	ErrNotEnrolled      = NewAppError(KindForbidden, "not enrolled in this course")

	ErrCourseNotPublished = NewAppError(KindInvalidState, "course is not published")
	ErrCourseNotCompleted = NewAppError(KindInvalidState, "course not completed")
	ErrCompletionNotSet   = NewAppError(KindInvalidState, "completedAt not set")

	ErrAlreadyEnrolled   = NewAppError(KindConflict, "already enrolled in this course")
	ErrDuplicateRecord   = NewAppError(KindConflict, "duplicate record")
	ErrSerialHashCollide = NewAppError(KindIntegrity, "certificate serial hash collision")
)
