package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/feedfanout/pkg/response"
)

// AdminClaims 运维 token 的声明
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth 校验 HS256 Bearer token，且 role 必须为 admin；subject 写入上下文键 "subject"
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			response.Unauthorized(c, "missing bearer token")
			return
		}
		var claims AdminClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		if claims.Role != "admin" {
			response.Unauthorized(c, "admin role required")
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

// SignAdminToken 签发运维 token（测试与 CLI 使用）
func SignAdminToken(secret string, claims AdminClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
