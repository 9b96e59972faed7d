package bridge

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"sudooom.im.client/internal/call"
	sharedErrors "sudooom.im.client/shared/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    sharedErrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 从 AppError 生成错误响应，业务错误一律返回 200
func Error(c *gin.Context, err error) {
	var ce *call.Error
	if errors.As(err, &ce) {
		err = ce.AppError()
	}
	c.JSON(http.StatusOK, Response{
		Code:    sharedErrors.GetCode(err),
		Message: sharedErrors.GetMessage(err),
	})
}

// InvalidParams 参数校验失败
func InvalidParams(c *gin.Context, message string) {
	Error(c, sharedErrors.ErrInvalidParams.WithMessage(message))
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context, err error) {
	if err == nil {
		err = sharedErrors.ErrTokenInvalid
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    sharedErrors.GetCode(err),
		Message: sharedErrors.GetMessage(err),
	})
}
