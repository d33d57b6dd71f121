// Package apperr 业务错误分类
//
// 每个错误带一个 Kind，handler 据此映射 HTTP 状态码，service 据此决定是否重试。
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	KindValidation   Kind = "VALIDATION"   // 输入不合法，不重试
	KindNotFound     Kind = "NOT_FOUND"    // 资源不存在
	KindPrecondition Kind = "PRECONDITION" // 业务前置条件不满足，用户可处理
	KindForbidden    Kind = "FORBIDDEN"    // 角色不满足
	KindConflict     Kind = "CONFLICT"     // 乐观锁冲突，调用方可重试
	KindPersistence  Kind = "PERSISTENCE"  // 存储不可用，暂时性错误
)

// Error 带类别的业务错误
type Error struct {
	Kind    Kind
	Message string
	Field   string // 仅 VALIDATION 使用
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation 参数错误，附带字段名
func Validation(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound 资源不存在
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Precondition 前置条件不满足
func Precondition(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

// Forbidden 角色资格不满足
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// Conflict 并发冲突
func Conflict(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...), Err: err}
}

// Persistence 存储层错误
func Persistence(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindPersistence, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 取错误类别，非业务错误返回空
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is 判断错误是否属于某类别
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FieldOf 取校验失败的字段
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
