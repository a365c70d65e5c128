// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"

	"github.com/hitoshi/ratemyrental/internal/session"
)

// SessionCookieName はブラウザセッションkeyを保持するCookieの名前。
const SessionCookieName = "rmr_session"

// sessionKeyPattern は発行するkey（32バイトの16進表現）の形式。
var sessionKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	sessionKeyContextKey = contextKey("session_key")
	controllerContextKey = contextKey("session_controller")
)

// ControllerProvider はブラウザが提示したセッションkeyに対応するControllerを返す。
// IdPセッションが保存されていないkeyにはnilを返す。session.Registryが実装する。
type ControllerProvider interface {
	Resume(ctx context.Context, key string) *session.Controller
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Secure bool
	Domain string
	MaxAge int
}

// NewSessionMiddleware はCookieからブラウザセッションkeyを読み取り、
// サインイン済みのControllerをリクエストコンテキストに注入するミドルウェアを返す。
// keyの発行はサインイン・サインアップの成功時だけ行い、ここではCookieを発行しない。
// Cookieがない・形式が不正・IdPセッションがない場合はControllerなしで次に渡す。
func NewSessionMiddleware(provider ControllerProvider) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || !sessionKeyPattern.MatchString(cookie.Value) {
				next.ServeHTTP(w, r)
				return
			}

			key := cookie.Value
			ctrl := provider.Resume(r.Context(), key)
			if ctrl == nil {
				next.ServeHTTP(w, r)
				return
			}

			if info, ok := r.Context().Value(requestInfoContextKey).(*requestInfo); ok {
				info.sessionKey = key
				info.controller = ctrl
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), key, ctrl)))
		})
	}
}

// NewSessionKey は新しいブラウザセッションkeyを生成する。
func NewSessionKey() (string, error) {
	return randomToken()
}

// SetSessionCookie はセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, key string, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    key,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   cfg.MaxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ContextWithSession はコンテキストにセッションkeyとControllerを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, key string, ctrl *session.Controller) context.Context {
	ctx = context.WithValue(ctx, sessionKeyContextKey, key)
	return context.WithValue(ctx, controllerContextKey, ctrl)
}

func contextWithRequestInfo(ctx context.Context, info *requestInfo) context.Context {
	return context.WithValue(ctx, requestInfoContextKey, info)
}

// SessionKeyFromContext はリクエストコンテキストからセッションkeyを取得する。
func SessionKeyFromContext(ctx context.Context) (string, error) {
	key, ok := ctx.Value(sessionKeyContextKey).(string)
	if !ok || key == "" {
		return "", fmt.Errorf("session key not found in context")
	}
	return key, nil
}

// ControllerFromContext はリクエストコンテキストからControllerを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func ControllerFromContext(ctx context.Context) (*session.Controller, error) {
	ctrl, ok := ctx.Value(controllerContextKey).(*session.Controller)
	if !ok || ctrl == nil {
		return nil, fmt.Errorf("session controller not found in context")
	}
	return ctrl, nil
}

// UserIDFromContext は解決済みユーザーのIDを返す。
// 未ログインまたはプロフィール未解決の場合はエラー。
func UserIDFromContext(ctx context.Context) (string, error) {
	ctrl, err := ControllerFromContext(ctx)
	if err != nil {
		return "", err
	}
	if session := ctrl.Snapshot().Session; session != nil {
		return session.UserID, nil
	}
	return "", fmt.Errorf("user ID not found in context")
}

// randomToken は暗号的に安全な32バイトのトークンを16進文字列で返す。
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
