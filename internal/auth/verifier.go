// Package auth は接続時のクレデンシャル検証を提供する。
// クレデンシャルの発行は外部の認証サービスが担う。
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/chatrelay/internal/model"
)

// ErrMissingToken はトークンが提示されなかったことを表す。
var ErrMissingToken = errors.New("no token")

// IdentityVerifier は不透明なクレデンシャルを検証し、Identityを解決するインターフェース。
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (model.Identity, error)
}

// Claims は認証サービスが発行するJWTのペイロード。
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// JWTVerifier はHS256署名のJWTを検証するIdentityVerifier。
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

var _ IdentityVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier はJWTVerifierを生成する。
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify はトークンの署名と有効期限を検証し、Identityを返す。
// 失敗時は常にAUTHENTICATION_FAILEDのAPIErrorを返す。
func (v *JWTVerifier) Verify(ctx context.Context, token string) (model.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Identity{}, model.NewAuthenticationError(ErrMissingToken)
	}
	if err := ctx.Err(); err != nil {
		return model.Identity{}, model.NewAuthenticationError(err)
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return model.Identity{}, model.NewAuthenticationError(err)
	}
	if !parsed.Valid {
		return model.Identity{}, model.NewAuthenticationError(jwt.ErrSignatureInvalid)
	}
	if claims.ID == "" {
		return model.Identity{}, model.NewAuthenticationError(fmt.Errorf("token has no subject id"))
	}

	return model.Identity{
		ID:          claims.ID,
		DisplayName: claims.Name,
		Email:       claims.Email,
	}, nil
}

// VerifierFunc は関数をIdentityVerifierとして扱うアダプタ。
type VerifierFunc func(ctx context.Context, token string) (model.Identity, error)

// Verify はf(ctx, token)を呼び出す。
func (f VerifierFunc) Verify(ctx context.Context, token string) (model.Identity, error) {
	return f(ctx, token)
}
