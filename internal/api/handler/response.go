package handler

import (
	"errors"
	"net/http"

	"galapagos/internal/constants"
	"galapagos/internal/pricing"
	"galapagos/internal/repository"
	"galapagos/internal/reward"
	"galapagos/internal/service"
	"galapagos/pkg/ledger"
	"galapagos/pkg/logger"

	"github.com/gin-gonic/gin"
)

// OK 返回成功响应
func OK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    200,
		"message": message,
		"data":    data,
	})
}

// Fail 返回失败响应，HTTP 状态码始终为 200，业务状态放在 code 中
func Fail(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, gin.H{
		"code":    code,
		"message": message,
	})
}

// ErrorCode 将业务错误映射为响应码和提示信息
func ErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrTransferPending):
		return 202, constants.ErrTransferPending
	case errors.Is(err, repository.ErrTicketNotFound):
		return 404, constants.ErrTicketNotFound
	case errors.Is(err, repository.ErrProductNotFound):
		return 404, constants.ErrProductNotFound
	case errors.Is(err, repository.ErrAlreadyRedeemed), errors.Is(err, repository.ErrReserveConflict):
		return 409, constants.ErrAlreadyRedeemed
	case errors.Is(err, repository.ErrNotReserved):
		return 409, constants.ErrTicketNotReserved
	case errors.Is(err, repository.ErrNotFailed):
		return 409, constants.ErrTicketNotFailed
	case errors.Is(err, repository.ErrTicketFailed):
		return 410, constants.ErrTicketFailed
	case errors.Is(err, pricing.ErrPriceUnavailable), errors.Is(err, reward.ErrInvalidPrice):
		return 503, constants.ErrPriceUnavailable
	case errors.Is(err, ledger.ErrTransferRejected):
		return 422, constants.ErrTransferRejected
	case errors.Is(err, service.ErrInvalidAccount), errors.Is(err, ledger.ErrInvalidDestination):
		return 400, constants.ErrInvalidAccount
	case errors.Is(err, service.ErrRewardTooSmall):
		return 400, constants.ErrRewardTooSmall
	case errors.Is(err, service.ErrInvalidIssue), errors.Is(err, service.ErrInvalidResolution),
		errors.Is(err, reward.ErrInvalidInput):
		return 400, err.Error()
	default:
		return 500, constants.ErrInternalServer
	}
}

// FailWithError 根据错误类型返回失败响应，服务器内部错误会记录日志
func FailWithError(c *gin.Context, log *logger.Logger, action string, err error) {
	code, message := ErrorCode(err)
	if code == 500 {
		log.Error(action+"失败", "error", err, "path", c.Request.URL.Path)
	}
	Fail(c, code, message)
}
