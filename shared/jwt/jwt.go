package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// TokenType Token 类型
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
	ResetToken   TokenType = "reset" // 密码重置
)

// Issuer 签发方
const Issuer = "chatsync"

// Claims JWT 声明
type Claims struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email,omitempty"`
	SessionID   string    `json:"sid,omitempty"`
	TokenType   TokenType `json:"token_type"`
	Fingerprint string    `json:"fp,omitempty"` // 重置 Token 绑定的密码指纹
	jwt.RegisteredClaims
}

// TokenPair Token 对
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Service JWT 服务
type Service struct {
	secretKey     []byte
	accessExpire  time.Duration
	refreshExpire time.Duration
	resetExpire   time.Duration
}

// NewService 创建 JWT 服务
func NewService(secretKey string, accessExpire, refreshExpire time.Duration) *Service {
	return &Service{
		secretKey:     []byte(secretKey),
		accessExpire:  accessExpire,
		refreshExpire: refreshExpire,
		resetExpire:   30 * time.Minute,
	}
}

// GenerateTokenPair 生成 Token 对
func (s *Service) GenerateTokenPair(uid, email, sessionID string) (*TokenPair, error) {
	now := time.Now()
	accessExpiresAt := now.Add(s.accessExpire)
	refreshExpiresAt := now.Add(s.refreshExpire)

	accessToken, err := s.generateToken(&Claims{
		UID:       uid,
		Email:     email,
		SessionID: sessionID,
		TokenType: AccessToken,
	}, accessExpiresAt)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.generateToken(&Claims{
		UID:       uid,
		Email:     email,
		SessionID: sessionID,
		TokenType: RefreshToken,
	}, refreshExpiresAt)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExpiresAt.Unix(),
	}, nil
}

// GenerateResetToken 生成密码重置 Token，fingerprint 变化后 Token 自动失效
func (s *Service) GenerateResetToken(uid, fingerprint string) (string, error) {
	return s.generateToken(&Claims{
		UID:         uid,
		TokenType:   ResetToken,
		Fingerprint: fingerprint,
	}, time.Now().Add(s.resetExpire))
}

// generateToken 生成单个 Token
func (s *Service) generateToken(claims *Claims, expiresAt time.Time) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UID,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Issuer:    Issuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateAccessToken 验证 Access Token
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, AccessToken)
}

// ValidateRefreshToken 验证 Refresh Token
func (s *Service) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, RefreshToken)
}

// ValidateResetToken 验证密码重置 Token
func (s *Service) ValidateResetToken(tokenString string) (*Claims, error) {
	return s.validateToken(tokenString, ResetToken)
}

// GetAccessExpire 获取 AccessToken 过期时长
func (s *Service) GetAccessExpire() time.Duration {
	return s.accessExpire
}

// GetRefreshExpire 获取 RefreshToken 过期时长
func (s *Service) GetRefreshExpire() time.Duration {
	return s.refreshExpire
}

// validateToken 验证 Token
func (s *Service) validateToken(tokenString string, expectedType TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.TokenType != expectedType || claims.UID == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
