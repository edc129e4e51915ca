package admin

import (
	"github.com/gin-gonic/gin"
)

// RegisterAdminRoutes 注册管理员API路由
func RegisterAdminRoutes(router *gin.RouterGroup, ticketAdminHandler *TicketAdminHandler) {
	tickets := router.Group("/tickets")
	{
		tickets.POST("/issue", ticketAdminHandler.IssueTickets)
		tickets.GET("/summary", ticketAdminHandler.Summary)
		tickets.POST("/:id/resolve", ticketAdminHandler.ResolveTicket)
		tickets.POST("/:id/retry", ticketAdminHandler.RetryTicket)
	}

	products := router.Group("/products")
	{
		products.GET("/:id/tickets", ticketAdminHandler.ExportTickets)
	}

	router.GET("/reconciliation", ticketAdminHandler.ListReconciliation)
}
