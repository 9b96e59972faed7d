package call

import (
	"context"
	"errors"
	"fmt"

	"sudooom.im.client/internal/media"
	sharedErrors "sudooom.im.client/shared/errors"
)

// Kind 通话失败的类型，每种对应一条独立的用户提示
type Kind string

const (
	KindNoDeviceFound             Kind = "NoDeviceFound"
	KindPermissionDenied          Kind = "PermissionDenied"
	KindUnsupportedConstraints    Kind = "UnsupportedConstraints"
	KindSignalingWriteFailed      Kind = "SignalingWriteFailed"
	KindSignalingSubscriptionLost Kind = "SignalingSubscriptionLost"
	KindCancelled                 Kind = "Cancelled"
)

// Error 通话状态机错误
type Error struct {
	Kind Kind
	Err  error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call: %s: %v", e.Kind, e.Err)
	}
	return "call: " + string(e.Kind)
}

// Unwrap 支持 errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage 面向用户的提示
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNoDeviceFound:
		return "No microphone or camera found. Please connect a device and try again."
	case KindPermissionDenied:
		return "Microphone or camera access was denied. Please allow access and try again."
	case KindUnsupportedConstraints:
		return "Your device does not support the requested call settings."
	case KindSignalingWriteFailed:
		return "Could not reach the other person. Please try again."
	case KindSignalingSubscriptionLost:
		return "Connection to the call was lost."
	case KindCancelled:
		return "The call was cancelled."
	default:
		return "Call failed."
	}
}

// AppError 映射为统一业务错误
func (e *Error) AppError() *sharedErrors.AppError {
	var base *sharedErrors.AppError
	switch e.Kind {
	case KindNoDeviceFound:
		base = sharedErrors.ErrNoDeviceFound
	case KindPermissionDenied:
		base = sharedErrors.ErrPermissionDenied
	case KindUnsupportedConstraints:
		base = sharedErrors.ErrUnsupportedConstraints
	case KindSignalingWriteFailed:
		base = sharedErrors.ErrSignalingWriteFailed
	case KindSignalingSubscriptionLost:
		base = sharedErrors.ErrSignalingSubscription
	case KindCancelled:
		base = sharedErrors.ErrCallEnded
	default:
		base = sharedErrors.ErrServerError
	}
	return base.Wrap(e)
}

// KindOf 取出错误类型，非通话错误返回空
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// deviceError 把设备层错误归类
func deviceError(err error) *Error {
	switch {
	case errors.Is(err, media.ErrDeviceNotFound):
		return newError(KindNoDeviceFound, err)
	case errors.Is(err, media.ErrPermissionDenied):
		return newError(KindPermissionDenied, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindCancelled, err)
	default:
		return newError(KindUnsupportedConstraints, err)
	}
}
