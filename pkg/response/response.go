package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.collab/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// ErrorFromAppError 从 AppError 生成错误响应
func ErrorFromAppError(c *gin.Context, err error) {
	c.JSON(httpStatus(apperrors.GetCode(err)), Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Data:    nil,
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context, err error) {
	if err == nil {
		err = apperrors.ErrTokenMissing
	}
	c.JSON(http.StatusUnauthorized, Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Data:    nil,
	})
}

// ServiceUnavailable 超出连接上限或依赖不可用
func ServiceUnavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, Response{
		Code:    apperrors.CodeUnavailable,
		Message: apperrors.ErrUnavailable.Message,
		Data:    nil,
	})
}

func httpStatus(code int) int {
	switch {
	case code == apperrors.CodeSuccess:
		return http.StatusOK
	case code >= 10000 && code < 20000:
		return http.StatusUnauthorized
	case code >= 20000 && code < 30000:
		return http.StatusBadRequest
	case code == apperrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
