package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 网关通过 error 事件和 HTTP 响应把 Code/Message 返回给客户端
type AppError struct {
	Code    int    // 错误码
	Message string // 客户端可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误，保留错误码
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误（按错误码比较）
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，非 AppError 返回 CodeServerError
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取客户端可见的错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeTokenMissing = 10001
	CodeTokenInvalid = 10002
	CodeTokenExpired = 10003
	CodeUserMismatch = 10004
	CodeAuthRequired = 10005

	// 协作相关 20000-20999
	CodeInvalidEvent   = 20001
	CodeNotJoined      = 20002
	CodeLockHeld       = 20003
	CodeLockNotOwned   = 20004
	CodeInvalidStatus  = 20005
	CodeProjectMissing = 20006

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodeStoreError  = 50002
	CodeUnavailable = 50003
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrTokenMissing = NewError(CodeTokenMissing, "missing bearer token")
	ErrTokenInvalid = NewError(CodeTokenInvalid, "invalid token")
	ErrTokenExpired = NewError(CodeTokenExpired, "token expired")
	ErrUserMismatch = NewError(CodeUserMismatch, "user does not match token")
	ErrAuthRequired = NewError(CodeAuthRequired, "first frame must be auth")
)

// 协作相关
var (
	ErrInvalidEvent   = NewError(CodeInvalidEvent, "invalid event")
	ErrNotJoined      = NewError(CodeNotJoined, "session has not joined a project")
	ErrLockHeld       = NewError(CodeLockHeld, "section is locked by another user")
	ErrLockNotOwned   = NewError(CodeLockNotOwned, "section lock is not held by this user")
	ErrInvalidStatus  = NewError(CodeInvalidStatus, "invalid presence status")
	ErrProjectMissing = NewError(CodeProjectMissing, "project_id is required")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, "internal server error")
	ErrStoreError  = NewError(CodeStoreError, "state store error")
	ErrUnavailable = NewError(CodeUnavailable, "service unavailable")
)
