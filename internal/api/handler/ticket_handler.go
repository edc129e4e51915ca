package handler

import (
	"context"
	"strings"

	"galapagos/internal/constants"
	"galapagos/internal/service"
	"galapagos/pkg/ledger"
	"galapagos/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TicketQuerier 票据查询
type TicketQuerier interface {
	RenderStatus(ctx context.Context, ticketID string) (*service.TicketStatus, error)
}

// Redeemer 票据兑换
type Redeemer interface {
	Redeem(ctx context.Context, ticketID, account string) (*service.RedeemResult, error)
}

// TicketHandler 票据公开接口处理器
type TicketHandler struct {
	tickets  TicketQuerier
	redeemer Redeemer
	logger   *logger.Logger
}

// NewTicketHandler 创建票据处理器
func NewTicketHandler(tickets TicketQuerier, redeemer Redeemer, logger *logger.Logger) *TicketHandler {
	return &TicketHandler{
		tickets:  tickets,
		redeemer: redeemer,
		logger:   logger,
	}
}

// RedeemRequest 兑换请求
type RedeemRequest struct {
	Account string `json:"account" binding:"required"`
}

// GetTicket 获取票据状态
func (h *TicketHandler) GetTicket(c *gin.Context) {
	status, err := h.tickets.RenderStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		FailWithError(c, h.logger, "获取票据状态", err)
		return
	}
	OK(c, constants.SuccessGet, status)
}

// Redeem 兑换票据
func (h *TicketHandler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, 400, constants.ErrInvalidRequest)
		return
	}

	ticketID := c.Param("id")
	result, err := h.redeemer.Redeem(c.Request.Context(), ticketID, strings.TrimSpace(req.Account))
	if err != nil {
		code, message := ErrorCode(err)
		if code == 202 {
			// 结果未知时把交易哈希返回给用户，便于自行查询
			c.JSON(200, gin.H{
				"code":    code,
				"message": message,
				"data": gin.H{
					"ticket_id": ticketID,
					"tx_hash":   ledger.TxHashOf(err),
				},
			})
			return
		}
		if code == 500 {
			h.logger.Error("兑换票据失败", "ticket_id", ticketID, "error", err)
		}
		Fail(c, code, message)
		return
	}
	OK(c, constants.SuccessRedeem, result)
}
