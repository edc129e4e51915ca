package apis

import (
	"galapagos/internal/api/handler"

	"github.com/gin-gonic/gin"
)

// RegisterPublicRoutes 注册公开的票据路由，兑换接口额外挂载限流中间件
func RegisterPublicRoutes(router *gin.RouterGroup, ticketHandler *handler.TicketHandler, redeemGuard gin.HandlerFunc) {
	tickets := router.Group("/tickets")
	{
		tickets.GET("/:id", ticketHandler.GetTicket)
		tickets.POST("/:id/redeem", redeemGuard, ticketHandler.Redeem)
	}
}
