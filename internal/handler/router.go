package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/ratemyrental/internal/middleware"
	"github.com/hitoshi/ratemyrental/internal/security"
)

// SessionStore はブラウザセッションのController管理。session.Registryが実装する。
type SessionStore interface {
	middleware.ControllerProvider
	SessionManager
}

// HealthChecker はヘルスチェックでDB接続を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Sessions          SessionStore
	Cookie            middleware.CookieConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	HTTPRecorder      middleware.HTTPRecorder

	// プロフィール
	Sanitizer     *security.TextSanitizer
	AvatarChecker AvatarChecker

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → SecurityHeaders → CORS
//	  └ /auth/*, /api/*: Session → CSRF → RateLimit(General)
//	      └ /auth/login, /auth/signup: RateLimit(Auth)
//
// /health と /metrics はセッションを参照しない。
// セッションCookieはサインイン・サインアップの成功時だけ発行する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.HTTPRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Sessions, deps.Cookie, deps.Logger)
	profileHandler := NewProfileHandler(deps.Sanitizer, deps.AvatarChecker, deps.Logger)

	// --- セッション不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- ブラウザセッションを持つルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(middleware.NewCSRFMiddleware(deps.Cookie))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.Cookie))

		r.Route("/auth", func(r chi.Router) {
			// 総当たり対策のため、IP単位の認証レート制限を追加
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/login", authHandler.Login)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signup", authHandler.Signup)

			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})

		r.Patch("/api/profile", profileHandler.UpdateProfile)
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
