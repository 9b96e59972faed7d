package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 统一承载业务错误码、用户可见消息以及原始错误
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
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

// Wrap 包装原始错误，保留错误码与消息
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 替换用户可见消息
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
		Err:     e.Err,
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

// GetCode 获取错误码，如果不是 AppError 返回服务器错误码
func GetCode(err error) int {
	if err == nil {
		return CodeSuccess
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	if err == nil {
		return "success"
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "服务器内部错误"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeEmailExists        = 10001
	CodeInvalidCredentials = 10002
	CodeTokenInvalid       = 10003
	CodeTokenExpired       = 10004
	CodeUserDisabled       = 10005
	CodeResetCodeInvalid   = 10006
	CodeNotSignedIn        = 10007

	// 用户相关 11000-11999
	CodeUserNotFound  = 11001
	CodeInvalidParams = 11002

	// 会话相关 13000-13999
	CodeChatNotFound     = 13001
	CodeNotParticipant   = 13002
	CodeCannotChatSelf   = 13003
	CodeGroupTooSmall    = 13004
	CodeNotGroup         = 13005
	CodeAlreadyMember    = 13006
	CodeMemberNotInGroup = 13007

	// 消息相关 14000-14999
	CodeMessageNotFound = 14001
	CodeNotSender       = 14002
	CodeEmptyMessage    = 14003
	CodeUploadFailed    = 14004

	// 通话相关 15000-15999
	CodeCallNotFound           = 15001
	CodeNoDeviceFound          = 15002
	CodePermissionDenied       = 15003
	CodeUnsupportedConstraints = 15004
	CodeSignalingWriteFailed   = 15005
	CodeSignalingSubscription  = 15006
	CodeCallEnded              = 15007
	CodeCallBusy               = 15008
	CodeNotCallParticipant     = 15009

	// 管理相关 16000-16999
	CodeNotAdmin = 16001

	// 系统错误 50000-50999
	CodeServerError   = 50001
	CodeStoreError    = 50002
	CodeTooManyReqest = 50003
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrEmailExists        = NewError(CodeEmailExists, "邮箱已被注册")
	ErrInvalidCredentials = NewError(CodeInvalidCredentials, "邮箱或密码错误")
	ErrTokenInvalid       = NewError(CodeTokenInvalid, "Token 无效")
	ErrTokenExpired       = NewError(CodeTokenExpired, "Token 已过期")
	ErrUserDisabled       = NewError(CodeUserDisabled, "用户已被禁用")
	ErrResetCodeInvalid   = NewError(CodeResetCodeInvalid, "重置码无效或已过期")
	ErrNotSignedIn        = NewError(CodeNotSignedIn, "尚未登录")
)

// 用户相关
var (
	ErrUserNotFound  = NewError(CodeUserNotFound, "用户不存在")
	ErrInvalidParams = NewError(CodeInvalidParams, "参数校验失败")
)

// 会话相关
var (
	ErrChatNotFound     = NewError(CodeChatNotFound, "会话不存在")
	ErrNotParticipant   = NewError(CodeNotParticipant, "不是会话成员")
	ErrCannotChatSelf   = NewError(CodeCannotChatSelf, "不能与自己创建单聊")
	ErrGroupTooSmall    = NewError(CodeGroupTooSmall, "群聊至少需要两名成员")
	ErrNotGroup         = NewError(CodeNotGroup, "该会话不是群聊")
	ErrAlreadyMember    = NewError(CodeAlreadyMember, "用户已在群中")
	ErrMemberNotInGroup = NewError(CodeMemberNotInGroup, "用户不在群中")
)

// 消息相关
var (
	ErrMessageNotFound = NewError(CodeMessageNotFound, "消息不存在")
	ErrNotSender       = NewError(CodeNotSender, "只能删除自己发送的消息")
	ErrEmptyMessage    = NewError(CodeEmptyMessage, "消息内容不能为空")
	ErrUploadFailed    = NewError(CodeUploadFailed, "文件上传失败")
)

// 通话相关
var (
	ErrCallNotFound           = NewError(CodeCallNotFound, "通话不存在")
	ErrNoDeviceFound          = NewError(CodeNoDeviceFound, "未找到麦克风或摄像头")
	ErrPermissionDenied       = NewError(CodePermissionDenied, "没有访问麦克风或摄像头的权限")
	ErrUnsupportedConstraints = NewError(CodeUnsupportedConstraints, "设备不支持请求的媒体参数")
	ErrSignalingWriteFailed   = NewError(CodeSignalingWriteFailed, "通话信令发送失败")
	ErrSignalingSubscription  = NewError(CodeSignalingSubscription, "通话信令连接已断开")
	ErrCallEnded              = NewError(CodeCallEnded, "通话已结束")
	ErrCallBusy               = NewError(CodeCallBusy, "已有进行中的通话")
	ErrNotCallParticipant     = NewError(CodeNotCallParticipant, "不是通话参与者")
)

// 管理相关
var (
	ErrNotAdmin = NewError(CodeNotAdmin, "需要管理员权限")
)

// 系统相关
var (
	ErrServerError    = NewError(CodeServerError, "服务器内部错误")
	ErrStoreError     = NewError(CodeStoreError, "数据存储错误")
	ErrTooManyRequest = NewError(CodeTooManyReqest, "请求过于频繁，请稍后再试")
)
