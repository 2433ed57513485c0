// Package errors 提供统一错误类型与哨兵错误。
//
// 两层错误体系:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrRunInactive 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
//
// 注意: 回复折叠路径永不返回 error — 解析失败一律本地降级为空结果;
// 只有用户动作 (start/cancel/send-input) 才向上传播错误。
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在 (run / conversation)
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrRunInactive run 已进入终态, 不再接受 cancel/input
	ErrRunInactive = errors.New("run not active")

	// ErrNoWorkspace 未配置工作区, start 前置条件不满足
	ErrNoWorkspace = errors.New("no workspace configured")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Engine.StartRun"
	Code    string // 错误码，如 "PRECONDITION"、"GATEWAY"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WrapSentinel 以 L1 哨兵为原因链创建应用错误, errors.Is 可匹配哨兵。
func WrapSentinel(sentinel error, op, message string) error {
	return &AppError{Op: op, Message: message, Err: sentinel}
}

// Is 透传标准库 errors.Is (调用方免双 import)。
func Is(err, target error) bool { return errors.Is(err, target) }

// As 透传标准库 errors.As。
func As(err error, target any) bool { return errors.As(err, target) }
