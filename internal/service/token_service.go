package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 令牌受众
const (
	AudienceAdmin = "admin"
	AudienceUser  = "user"
)

// AccessClaims 访问令牌声明，SubjectID 按受众分别表示操作员或用户
type AccessClaims struct {
	SubjectID uint   `json:"sid"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenService 签发与校验 HS256 令牌，每个受众一个实例
type TokenService struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenService 创建令牌服务
func NewTokenService(secret, audience string, expireHours int) *TokenService {
	if expireHours <= 0 {
		expireHours = 24
	}
	return &TokenService{
		secret:   []byte(strings.TrimSpace(secret)),
		audience: audience,
		ttl:      time.Duration(expireHours) * time.Hour,
		now:      time.Now,
	}
}

// Issue 签发令牌
func (s *TokenService) Issue(subjectID uint) (string, time.Time, error) {
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("%w: secret missing", ErrInvalidToken)
	}
	if subjectID == 0 {
		return "", time.Time{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := AccessClaims{
		SubjectID: subjectID,
		Scope:     s.audience,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse 校验令牌并返回声明，受众不符视为无效
func (s *TokenService) Parse(tokenString string) (*AccessClaims, error) {
	if len(s.secret) == 0 {
		return nil, fmt.Errorf("%w: secret missing", ErrInvalidToken)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	claims := &AccessClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.SubjectID == 0 || claims.Scope != s.audience {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
