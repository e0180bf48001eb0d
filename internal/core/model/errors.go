package model

import (
	"errors"
	"fmt"
)

// ErrorCode 注册中心错误类型
type ErrorCode int

// 定义错误代码
const (
	// CodeValidation 注册参数无效
	CodeValidation ErrorCode = iota + 1
	// CodeNotFound 实例不存在
	CodeNotFound
	// CodeConflict 重复或不兼容的注册
	CodeConflict
	// CodeNoHealthyInstances 没有可用的健康实例
	CodeNoHealthyInstances
	// CodeTimeout 探测或查询超时
	CodeTimeout
	// CodeCircuitOpen 实例均处于熔断状态
	CodeCircuitOpen
	// CodeInvalidTransition 非法的状态转换
	CodeInvalidTransition
)

// String 返回错误代码名称
func (c ErrorCode) String() string {
	switch c {
	case CodeValidation:
		return "validation"
	case CodeNotFound:
		return "not_found"
	case CodeConflict:
		return "conflict"
	case CodeNoHealthyInstances:
		return "no_healthy_instances"
	case CodeTimeout:
		return "timeout"
	case CodeCircuitOpen:
		return "circuit_open"
	case CodeInvalidTransition:
		return "invalid_transition"
	default:
		return "unknown"
	}
}

// RegistryError 定义注册中心操作返回的错误类型
type RegistryError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现error接口
func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 返回被包装的底层错误
func (e *RegistryError) Unwrap() error {
	return e.Err
}

// Is 按错误代码匹配，使 errors.Is(err, ErrNotFound) 生效
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 用于 errors.Is 比较的哨兵错误
var (
	ErrValidation         = &RegistryError{Code: CodeValidation, Message: "参数无效"}
	ErrNotFound           = &RegistryError{Code: CodeNotFound, Message: "实例不存在"}
	ErrConflict           = &RegistryError{Code: CodeConflict, Message: "注册冲突"}
	ErrNoHealthyInstances = &RegistryError{Code: CodeNoHealthyInstances, Message: "没有健康的实例"}
	ErrTimeout            = &RegistryError{Code: CodeTimeout, Message: "操作超时"}
	ErrCircuitOpen        = &RegistryError{Code: CodeCircuitOpen, Message: "熔断器已打开"}
	ErrInvalidTransition  = &RegistryError{Code: CodeInvalidTransition, Message: "非法的状态转换"}
)

// NewValidationError 创建参数无效错误
func NewValidationError(format string, args ...interface{}) *RegistryError {
	return &RegistryError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError 创建实例不存在错误
func NewNotFoundError(id string) *RegistryError {
	return &RegistryError{Code: CodeNotFound, Message: "实例不存在: " + id}
}

// NewConflictError 创建注册冲突错误
func NewConflictError(format string, args ...interface{}) *RegistryError {
	return &RegistryError{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NewNoHealthyInstancesError 创建无健康实例错误
func NewNoHealthyInstancesError(name string) *RegistryError {
	return &RegistryError{Code: CodeNoHealthyInstances, Message: "服务没有健康的实例: " + name}
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(op string, err error) *RegistryError {
	return &RegistryError{Code: CodeTimeout, Message: op + "超时", Err: err}
}

// NewCircuitOpenError 创建熔断错误
func NewCircuitOpenError(name string) *RegistryError {
	return &RegistryError{Code: CodeCircuitOpen, Message: "服务的健康实例均已熔断: " + name}
}

// NewInvalidTransitionError 创建非法状态转换错误
func NewInvalidTransitionError(id string, from, to InstanceStatus) *RegistryError {
	return &RegistryError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("实例 %s 不允许从 %s 转换为 %s", id, from, to),
	}
}

// CodeOf 返回错误链中第一个RegistryError的代码，不存在时返回0
func CodeOf(err error) ErrorCode {
	var re *RegistryError
	if errors.As(err, &re) {
		return re.Code
	}
	return 0
}
