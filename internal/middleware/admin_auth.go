package middleware

import (
	"net/http"

	"galapagos/internal/constants"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminTokenHeader 管理员令牌请求头
const AdminTokenHeader = "X-Admin-Token"

// AdminAuth 管理员认证中间件，令牌与配置中的 bcrypt 哈希比对
//
// 未配置哈希时拒绝所有管理请求。
func AdminAuth(tokenHash string) gin.HandlerFunc {
	hash := []byte(tokenHash)
	return func(c *gin.Context) {
		token := c.GetHeader(AdminTokenHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"code": 401, "message": constants.ErrUnauthorized})
			return
		}

		if len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"code": 403, "message": constants.ErrInvalidToken})
			return
		}

		c.Set("admin", true)
		c.Next()
	}
}
