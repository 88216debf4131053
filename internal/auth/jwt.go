package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/blekey-server/blekey-server/internal/config"
	"github.com/blekey-server/blekey-server/pkg/crypto"
)

const issuer = "blekey-server"

// ErrInvalidCredentials is returned for an unknown operator or wrong password
var ErrInvalidCredentials = errors.New("invalid credentials")

// JWTManager issues and checks operator tokens for the bridge
type JWTManager struct {
	config *config.JWTConfig
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
	Refresh  bool   `json:"refresh,omitempty"`
}

// Login checks an operator's password and returns a token pair
func (m *JWTManager) Login(username, password string) (string, string, error) {
	for _, op := range m.config.Operators {
		if op.Username != username {
			continue
		}
		if !crypto.VerifyPassword(password, op.PasswordHash) {
			return "", "", ErrInvalidCredentials
		}
		return m.GenerateTokenPair(username)
	}
	return "", "", ErrInvalidCredentials
}

// GenerateTokenPair generates access and refresh tokens
func (m *JWTManager) GenerateTokenPair(operator string) (string, string, error) {
	access, err := m.sign(operator, m.config.AccessTokenTTL, false)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := m.sign(operator, m.config.RefreshTokenTTL, true)
	if err != nil {
		return "", "", fmt.Errorf("sign refresh token: %w", err)
	}

	return access, refresh, nil
}

func (m *JWTManager) sign(operator string, ttl time.Duration, refresh bool) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Operator: operator,
		Refresh:  refresh,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.Secret))
}

func (m *JWTManager) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// ValidateToken validates an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, fmt.Errorf("refresh token used as access token")
	}
	return claims, nil
}

// RefreshToken exchanges a refresh token for a new pair. The operator
// must still be configured.
func (m *JWTManager) RefreshToken(refreshTokenString string) (string, string, error) {
	claims, err := m.parse(refreshTokenString)
	if err != nil {
		return "", "", err
	}
	if !claims.Refresh {
		return "", "", fmt.Errorf("invalid refresh token")
	}

	for _, op := range m.config.Operators {
		if op.Username == claims.Operator {
			return m.GenerateTokenPair(op.Username)
		}
	}
	return "", "", ErrInvalidCredentials
}
