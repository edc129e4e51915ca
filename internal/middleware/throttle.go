package middleware

import (
	"net/http"
	"time"

	"galapagos/internal/constants"
	"galapagos/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RedeemThrottle 同一客户端对同一票据的兑换请求在窗口内只放行一次
//
// 只用于挡住重复点击，兑换的唯一性由存储层的条件更新保证。Redis 不可用时放行。
func RedeemThrottle(rdb redis.Cmdable, window time.Duration, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rdb == nil {
			c.Next()
			return
		}

		lockKey := "galapagos:redeem:" + c.Param("id") + ":" + c.ClientIP()
		ok, err := rdb.SetNX(c.Request.Context(), lockKey, "1", window).Result()
		if err != nil {
			log.Warn("兑换限流检查失败", "error", err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"code": 429, "message": constants.ErrOperationTooFrequent})
			return
		}
		c.Next()
	}
}
