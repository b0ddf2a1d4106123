// Package jwt 签发与校验任务归属令牌。令牌只用来确定任务属于哪个用户，本服务没有登录流程
package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qs3c/codeatlas/config"
)

const (
	issuer     = "codeatlas"
	leeway     = 30 * time.Second
	defaultTTL = 72 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoSecret     = errors.New("jwt secret is not configured")
)

// Claims 令牌载荷，Subject 与 UserID 必须一致
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Manager 持有签名密钥。密钥为空时不签发，所有令牌都无效，任务一律按匿名提交处理
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(cfg *config.JWTConfig) *Manager {
	ttl := time.Duration(cfg.ExpireHours) * time.Hour
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		secret: []byte(cfg.Secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Enabled 是否配置了密钥
func (m *Manager) Enabled() bool {
	return len(m.secret) > 0
}

// Issue 为任务归属用户签发 HS256 令牌，匿名用户（0）不签发
func (m *Manager) Issue(userID int64) (string, error) {
	if !m.Enabled() {
		return "", ErrNoSecret
	}
	if userID <= 0 {
		return "", fmt.Errorf("invalid owner id %d", userID)
	}

	now := m.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse 校验签名、签发方与有效期，返回归属用户
func (m *Manager) Parse(tokenString string) (*Claims, error) {
	if !m.Enabled() {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.UserID <= 0 || claims.Subject != strconv.FormatInt(claims.UserID, 10) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
