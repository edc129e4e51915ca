package api

import (
	"time"

	"galapagos/config"
	"galapagos/internal/api/admin"
	"galapagos/internal/api/apis"
	"galapagos/internal/api/handler"
	"galapagos/internal/middleware"
	"galapagos/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// redeemThrottleWindow 同一客户端重复提交同一票据的最短间隔
const redeemThrottleWindow = 3 * time.Second

// Services 路由依赖的业务服务
type Services struct {
	Tickets    interface {
		handler.TicketQuerier
		admin.TicketIssuer
	}
	Redemption handler.Redeemer
	Reconcile  admin.Reconciler
}

// SetupRouter 设置API路由
func SetupRouter(cfg *config.Config, logger *logger.Logger, redisClient redis.Cmdable, services Services) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// 使用中间件
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())

	// 初始化处理器
	ticketHandler := handler.NewTicketHandler(services.Tickets, services.Redemption, logger)
	ticketAdminHandler := admin.NewTicketAdminHandler(services.Tickets, services.Reconcile, logger)

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API版本v1
	v1 := router.Group("/api/v1")
	apis.RegisterPublicRoutes(v1, ticketHandler, middleware.RedeemThrottle(redisClient, redeemThrottleWindow, logger))

	// 注册管理员API路由
	adminRouter := v1.Group("/admin")
	adminRouter.Use(middleware.AdminAuth(cfg.AdminTokenHash))
	admin.RegisterAdminRoutes(adminRouter, ticketAdminHandler)

	return router
}
