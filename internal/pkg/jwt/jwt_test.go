package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/codeatlas/config"
)

const testSecret = "test-secret-key-for-testing"

func newTestManager(now time.Time) *Manager {
	m := NewManager(&config.JWTConfig{Secret: testSecret, ExpireHours: 2})
	m.now = func() time.Time { return now }
	return m
}

func sign(t *testing.T, claims Claims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestNewManager_DefaultTTL(t *testing.T) {
	m := NewManager(&config.JWTConfig{Secret: testSecret})
	assert.Equal(t, 72*time.Hour, m.ttl)
	assert.True(t, m.Enabled())
	assert.False(t, NewManager(&config.JWTConfig{}).Enabled())
}

func TestManager_IssueAndParse(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(now)

	token, err := m.Issue(42)
	require.NoError(t, err)

	claims, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "codeatlas", claims.Issuer)
	assert.Equal(t, now.Add(2*time.Hour), claims.ExpiresAt.Time.UTC())
}

func TestManager_IssueRejectsAnonymousOwner(t *testing.T) {
	m := newTestManager(time.Now())
	for _, id := range []int64{0, -1} {
		_, err := m.Issue(id)
		assert.Error(t, err, id)
	}
}

func TestManager_WithoutSecret(t *testing.T) {
	m := NewManager(&config.JWTConfig{})

	_, err := m.Issue(1)
	assert.ErrorIs(t, err, ErrNoSecret)

	// 空密钥签出的令牌同样不被接受
	token := sign(t, Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}, jwt.SigningMethodHS256, []byte(""))
	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_Expiry(t *testing.T) {
	issued := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	token, err := newTestManager(issued).Issue(7)
	require.NoError(t, err)

	_, err = newTestManager(issued.Add(2*time.Hour + 10*time.Second)).Parse(token)
	assert.NoError(t, err, "within leeway")

	_, err = newTestManager(issued.Add(3 * time.Hour)).Parse(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestManager_ParseRejects(t *testing.T) {
	now := time.Now()
	m := newTestManager(now)
	valid := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "9",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	foreignIssuer := valid
	foreignIssuer.Issuer = "someone-else"
	mismatchedSubject := valid
	mismatchedSubject.Subject = "10"
	noExpiry := valid
	noExpiry.ExpiresAt = nil
	futureIssue := valid
	futureIssue.IssuedAt = jwt.NewNumericDate(now.Add(time.Hour))

	foreign, err := NewManager(&config.JWTConfig{Secret: "other"}).Issue(9)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"malformed", "not-a-jwt-at-all"},
		{"wrong secret", foreign},
		{"foreign issuer", sign(t, Claims{UserID: 9, RegisteredClaims: foreignIssuer}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"subject mismatch", sign(t, Claims{UserID: 9, RegisteredClaims: mismatchedSubject}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"anonymous owner", sign(t, Claims{UserID: 0, RegisteredClaims: valid}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"missing expiry", sign(t, Claims{UserID: 9, RegisteredClaims: noExpiry}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"issued in the future", sign(t, Claims{UserID: 9, RegisteredClaims: futureIssue}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"unsigned", sign(t, Claims{UserID: 9, RegisteredClaims: valid}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)},
		{"hs512", sign(t, Claims{UserID: 9, RegisteredClaims: valid}, jwt.SigningMethodHS512, []byte(testSecret))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := m.Parse(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Nil(t, claims)
		})
	}

	claims, err := m.Parse(sign(t, Claims{UserID: 9, RegisteredClaims: valid}, jwt.SigningMethodHS256, []byte(testSecret)))
	require.NoError(t, err)
	assert.Equal(t, int64(9), claims.UserID)
}
