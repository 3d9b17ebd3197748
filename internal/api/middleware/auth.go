package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/inbox-autopilot/pkg/response"
)

// WorkerAuth worker/管理接口鉴权：
// Bearer token 等于 worker secret（cron/外部触发），
// 或者是一个 JWTSecret 签名的 HS256 JWT（管理端调用）。
func WorkerAuth(workerSecret, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			response.Unauthorized(c, "missing bearer token")
			c.Abort()
			return
		}

		if workerSecret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(workerSecret)) == 1 {
			c.Next()
			return
		}

		if jwtSecret != "" {
			parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err == nil && parsed.Valid {
				if sub, err := parsed.Claims.GetSubject(); err == nil {
					c.Set("subject", sub)
				}
				c.Next()
				return
			}
		}

		response.Unauthorized(c, "invalid token")
		c.Abort()
	}
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
