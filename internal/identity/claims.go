package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken はアクセストークンを検証できない場合のエラー。
var ErrInvalidToken = errors.New("invalid access token")

// Claims はIdPが発行するアクセストークンのクレーム。
type Claims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// ClaimsParser はアクセストークンからクレームを取り出す。
// secretが空の場合は署名を検証しない（IdPとのTLS通信で受け取ったトークンのみに使う）。
type ClaimsParser struct {
	secret []byte
}

// NewClaimsParser はClaimsParserを生成する。
func NewClaimsParser(secret string) *ClaimsParser {
	p := &ClaimsParser{}
	if secret != "" {
		p.secret = []byte(secret)
	}
	return p
}

// Parse はトークンを解析し、subがUUIDであることを確認する。
func (p *ClaimsParser) Parse(tokenStr string) (*Claims, error) {
	claims := new(Claims)

	if p.secret == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else {
		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			return p.secret, nil
		})
		if err != nil || !token.Valid {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return claims, nil
}
