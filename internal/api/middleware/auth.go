package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/codeatlas/internal/pkg/jwt"
	"github.com/qs3c/codeatlas/internal/pkg/response"
)

const (
	UserIDKey = "userID"

	// AccessTokenQuery EventSource 与 WebSocket 无法设置请求头时使用
	AccessTokenQuery = "access_token"
)

var errMalformedAuth = errors.New("malformed authorization header")

// TokenParser 解析任务归属令牌
type TokenParser interface {
	Parse(token string) (*jwt.Claims, error)
}

// accessToken Authorization 头优先，其次是查询参数。都没有时返回空串
func accessToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errMalformedAuth
		}
		return token, nil
	}
	return c.Query(AccessTokenQuery), nil
}

// Auth 要求有效令牌，用于只对任务归属人开放的接口
func Auth(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := accessToken(c)
		if err != nil {
			response.AuthError(c, "认证格式错误")
			c.Abort()
			return
		}
		if token == "" {
			response.AuthError(c, "请提供认证信息")
			c.Abort()
			return
		}

		claims, err := tokens.Parse(token)
		if err != nil {
			msg := "认证失败"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "认证已过期"
			}
			response.AuthError(c, msg)
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// OptionalAuth 令牌有效时记录归属用户，缺失或无效时按匿名处理，不拦截请求
func OptionalAuth(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := accessToken(c)
		if err == nil && token != "" {
			if claims, err := tokens.Parse(token); err == nil {
				c.Set(UserIDKey, claims.UserID)
			}
		}
		c.Next()
	}
}

// GetUserID 从上下文获取用户 ID，匿名请求返回 false
func GetUserID(c *gin.Context) (int64, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return 0, false
	}
	id, ok := userID.(int64)
	return id, ok
}
