package admin

import (
	"context"
	"time"

	"galapagos/internal/api/handler"
	"galapagos/internal/constants"
	"galapagos/internal/model"
	"galapagos/internal/service"
	"galapagos/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TicketIssuer 票据签发与统计
type TicketIssuer interface {
	IssueTickets(ctx context.Context, req service.IssueRequest) (*service.IssueResult, error)
	ExportTickets(ctx context.Context, productID string) ([]service.TicketExport, error)
	Summary(ctx context.Context) (*service.Summary, error)
}

// Reconciler 待对账票据的查询和人工处理
type Reconciler interface {
	ListPending(ctx context.Context) ([]model.Ticket, error)
	Resolve(ctx context.Context, ticketID string, outcome service.Resolution, txHash, reason string) error
	Retry(ctx context.Context, ticketID string) error
}

// TicketAdminHandler 管理员票据处理器
type TicketAdminHandler struct {
	tickets    TicketIssuer
	reconciler Reconciler
	logger     *logger.Logger
}

// NewTicketAdminHandler 创建管理员票据处理器
func NewTicketAdminHandler(tickets TicketIssuer, reconciler Reconciler, logger *logger.Logger) *TicketAdminHandler {
	return &TicketAdminHandler{
		tickets:    tickets,
		reconciler: reconciler,
		logger:     logger,
	}
}

// ResolveRequest 人工处理请求
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	TxHash  string `json:"tx_hash"`
	Reason  string `json:"reason"`
}

// PendingTicket 待对账票据
type PendingTicket struct {
	ID             string     `json:"id"`
	ProductID      string     `json:"product_id"`
	Account        string     `json:"account,omitempty"`
	Units          string     `json:"units,omitempty"`
	TxHash         string     `json:"tx_hash,omitempty"`
	Attempts       int        `json:"attempts"`
	NeedsReconcile bool       `json:"needs_reconcile"`
	LastError      string     `json:"last_error,omitempty"`
	ReservedAt     *time.Time `json:"reserved_at,omitempty"`
}

// IssueTickets 签发票据
func (h *TicketAdminHandler) IssueTickets(c *gin.Context) {
	var req service.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.Fail(c, 400, constants.ErrInvalidRequest)
		return
	}

	result, err := h.tickets.IssueTickets(c.Request.Context(), req)
	if err != nil {
		code, message := handler.ErrorCode(err)
		if result != nil && len(result.TicketIDs) > 0 {
			// 部分写入成功，返回已签发的票据
			h.logger.Error("票据部分签发失败", "product_id", result.ProductID, "created", len(result.TicketIDs), "error", err)
			c.JSON(200, gin.H{"code": code, "message": message, "data": result})
			return
		}
		handler.FailWithError(c, h.logger, "签发票据", err)
		return
	}

	h.logger.Info("管理员签发票据", "product_id", result.ProductID, "count", len(result.TicketIDs))
	handler.OK(c, constants.SuccessIssue, result)
}

// ExportTickets 导出商品下的票据和兑换链接
func (h *TicketAdminHandler) ExportTickets(c *gin.Context) {
	tickets, err := h.tickets.ExportTickets(c.Request.Context(), c.Param("id"))
	if err != nil {
		handler.FailWithError(c, h.logger, "导出票据", err)
		return
	}
	handler.OK(c, constants.SuccessGet, gin.H{"tickets": tickets, "total": len(tickets)})
}

// Summary 票据状态统计
func (h *TicketAdminHandler) Summary(c *gin.Context) {
	summary, err := h.tickets.Summary(c.Request.Context())
	if err != nil {
		handler.FailWithError(c, h.logger, "统计票据", err)
		return
	}
	handler.OK(c, constants.SuccessGet, summary)
}

// ListReconciliation 获取待对账票据
func (h *TicketAdminHandler) ListReconciliation(c *gin.Context) {
	tickets, err := h.reconciler.ListPending(c.Request.Context())
	if err != nil {
		handler.FailWithError(c, h.logger, "获取待对账票据", err)
		return
	}

	out := make([]PendingTicket, 0, len(tickets))
	for _, t := range tickets {
		p := PendingTicket{
			ID:             t.ID,
			ProductID:      t.ProductID,
			Account:        t.AttemptAccount.String,
			Units:          t.AttemptUnits.String,
			TxHash:         t.AttemptTxHash.String,
			Attempts:       t.Attempts,
			NeedsReconcile: t.NeedsReconcile,
			LastError:      t.LastError.String,
		}
		if t.ReservedAt.Valid {
			at := t.ReservedAt.Time
			p.ReservedAt = &at
		}
		out = append(out, p)
	}
	handler.OK(c, constants.SuccessGet, gin.H{"tickets": out, "total": len(out)})
}

// ResolveTicket 管理员确认待对账票据的结果
func (h *TicketAdminHandler) ResolveTicket(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.Fail(c, 400, constants.ErrInvalidRequest)
		return
	}

	ticketID := c.Param("id")
	if err := h.reconciler.Resolve(c.Request.Context(), ticketID, service.Resolution(req.Outcome), req.TxHash, req.Reason); err != nil {
		handler.FailWithError(c, h.logger, "处理票据", err)
		return
	}
	handler.OK(c, constants.SuccessResolve, gin.H{"ticket_id": ticketID, "outcome": req.Outcome})
}

// RetryTicket 将失败票据恢复为可兑换
func (h *TicketAdminHandler) RetryTicket(c *gin.Context) {
	ticketID := c.Param("id")
	if err := h.reconciler.Retry(c.Request.Context(), ticketID); err != nil {
		handler.FailWithError(c, h.logger, "重试票据", err)
		return
	}
	handler.OK(c, constants.SuccessRetry, gin.H{"ticket_id": ticketID})
}
