package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/ratemyrental/internal/middleware"
	"github.com/hitoshi/ratemyrental/internal/session"
	"github.com/hitoshi/ratemyrental/internal/signup"
)

// SessionManager はブラウザセッションkeyごとのControllerを生成・破棄する。
// session.Registryが実装する。
type SessionManager interface {
	Get(ctx context.Context, key string) *session.Controller
	Remove(key string)
}

// AuthHandler はサインイン・サインアップ・サインアウトとセッション状態のHTTPハンドラー。
// 状態の遷移はすべてリクエストのControllerに委ね、ハンドラーは結果をHTTPに写像するだけ。
type AuthHandler struct {
	sessions SessionManager
	cookie   middleware.CookieConfig
	logger   *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions SessionManager, cookie middleware.CookieConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		cookie:   cookie,
		logger:   logger,
	}
}

// loginRequest はサインインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// signupRequest はサインアップリクエストのボディ。
type signupRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	UserType        string `json:"user_type"`
	AcceptTerms     bool   `json:"accept_terms"`
}

// Login はパスワードでサインインする。
// POST /auth/login
// サインインは常に新しいセッションkeyで行い、成功した場合だけCookieを差し替える。
// 成功時はプロフィール解決後の状態を返す。プロフィールが縮退していても200。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	key, ctrl, ok := h.startSession(w, r)
	if !ok {
		return
	}

	out := ctrl.SignIn(r.Context(), req.Email, req.Password)
	if !out.OK() {
		h.sessions.Remove(key)
		writeOutcomeError(w, out)
		return
	}
	h.commitSession(w, r, key)
	writeJSON(w, http.StatusOK, toSessionStateResponse(ctrl.Snapshot()))
}

// Signup はユーザーを登録する。
// POST /auth/signup
// セッションが発行された場合は201、メール確認待ちの場合は202を返す。
// Cookieを差し替えるのはセッションが発行された場合だけ。
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	key, ctrl, ok := h.startSession(w, r)
	if !ok {
		return
	}

	out := ctrl.SignUp(r.Context(), signup.Input{
		Name:            req.Name,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		UserType:        req.UserType,
		AcceptTerms:     req.AcceptTerms,
	})

	switch out.Status {
	case session.StatusPendingConfirmation:
		h.sessions.Remove(key)
		writeJSON(w, http.StatusAccepted, pendingResponse{
			Status:  string(out.Status),
			Message: out.Message,
		})
	case session.StatusOK:
		h.commitSession(w, r, key)
		writeJSON(w, http.StatusCreated, toSessionStateResponse(ctrl.Snapshot()))
	default:
		h.sessions.Remove(key)
		writeOutcomeError(w, out)
	}
}

// startSession は新しいセッションkeyとそのControllerを用意する。
// ブラウザが提示したkeyは認証に使わない（セッション固定攻撃の対策）。
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request) (string, *session.Controller, bool) {
	key, err := middleware.NewSessionKey()
	if err != nil {
		h.logger.Error("セッションkeyの生成に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return "", nil, false
	}
	return key, h.sessions.Get(r.Context(), key), true
}

// commitSession は認証済みの新しいkeyをCookieに設定し、それまでのkeyのControllerを破棄する。
func (h *AuthHandler) commitSession(w http.ResponseWriter, r *http.Request, key string) {
	if prev, err := middleware.SessionKeyFromContext(r.Context()); err == nil && prev != key {
		h.sessions.Remove(prev)
	}
	middleware.SetSessionCookie(w, key, h.cookie)
}

// Logout はサインアウトし、ブラウザセッションを破棄する。
// POST /auth/logout
// IdPでの失効に失敗してもローカルのセッションとCookieは必ず破棄する。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if ctrl, err := middleware.ControllerFromContext(r.Context()); err == nil {
		ctrl.SignOut(r.Context())
	}
	if key, err := middleware.SessionKeyFromContext(r.Context()); err == nil {
		h.sessions.Remove(key)
	}

	middleware.ClearSessionCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のセッション状態を返す。
// GET /auth/me
// IdPにセッションを問い合わせ、期限切れならanonymousに、更新されていればトークンを差し替えてから返す。
// サインイン済みのセッションがなければControllerを作らずanonymousを返す。
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctrl, err := middleware.ControllerFromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, toSessionStateResponse(session.Snapshot{State: session.StateAnonymous}))
		return
	}

	if err := ctrl.Revalidate(r.Context()); err != nil {
		// 確認できなかった場合は保持中の状態をそのまま返す
		h.logger.Warn("セッションの再確認に失敗しました", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, toSessionStateResponse(ctrl.Snapshot()))
}
