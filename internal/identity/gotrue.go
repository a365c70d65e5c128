// Package identity は外部IdP（GoTrue互換の認証API）のクライアントを提供する。
// パスワード認証・サインアップ・ログアウト・トークン更新のHTTP呼び出しと、
// ブラウザセッションごとのトークン保持、認証状態変化イベントの発行を担う。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// ProviderError はIdPが返したエラーレスポンス。
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider error %d: %s", e.Status, e.Message)
}

// APIConfig はIdP APIの接続設定。
type APIConfig struct {
	BaseURL     string // 例: https://xyz.supabase.co/auth/v1
	AnonKey     string
	JWTSecret   string // 空の場合は署名検証を行わない
	RedirectURL string // サインアップ確認メールのリダイレクト先
}

// API はIdPのREST APIを呼び出す。状態を持たず、全ブラウザセッションで共有する。
type API struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	anonKey     string
	redirectURL string
	claims      *ClaimsParser
	now         func() time.Time
}

// NewAPI はAPIを生成する。
func NewAPI(httpClient *http.Client, logger *slog.Logger, cfg APIConfig) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{
		httpClient:  httpClient,
		logger:      logger,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		anonKey:     cfg.AnonKey,
		redirectURL: cfg.RedirectURL,
		claims:      NewClaimsParser(cfg.JWTSecret),
		now:         time.Now,
	}
}

// tokenResponse はトークン発行系エンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int           `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

// userResponse はIdPのユーザー表現。
// メール確認待ちのサインアップではトップレベルでこの形が返る。
type userResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// errorResponse はIdPのエラー表現。エンドポイントとバージョンにより形が異なる。
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// PasswordGrant はメールアドレスとパスワードでセッションを発行する。
func (a *API) PasswordGrant(ctx context.Context, email, password string) (*model.IdentitySession, error) {
	body := map[string]string{"email": email, "password": password}

	var resp tokenResponse
	if err := a.post(ctx, "/token?grant_type=password", "", body, &resp); err != nil {
		return nil, err
	}
	return a.sessionFromToken(&resp)
}

// RefreshGrant はリフレッシュトークンでセッションを更新する。
func (a *API) RefreshGrant(ctx context.Context, refreshToken string) (*model.IdentitySession, error) {
	body := map[string]string{"refresh_token": refreshToken}

	var resp tokenResponse
	if err := a.post(ctx, "/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, err
	}
	return a.sessionFromToken(&resp)
}

// SignUp はユーザーを登録する。
// メール確認が必要な場合はセッションを返さず (nil, nil) を返す。
func (a *API) SignUp(ctx context.Context, email, password string, metadata model.Metadata) (*model.IdentitySession, error) {
	path := "/signup"
	if a.redirectURL != "" {
		path += "?redirect_to=" + url.QueryEscape(a.redirectURL)
	}
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     metadata,
	}

	var resp tokenResponse
	if err := a.post(ctx, path, "", body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, nil
	}
	return a.sessionFromToken(&resp)
}

// Logout はアクセストークンに紐づくリフレッシュトークンを失効させる。
func (a *API) Logout(ctx context.Context, accessToken string) error {
	return a.post(ctx, "/logout", accessToken, nil, nil)
}

// post はJSONリクエストを送信し、2xxの場合はoutへデコードする。
func (a *API) post(ctx context.Context, path, bearer string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", a.anonKey)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Error("IdPの呼び出しに失敗しました",
			slog.String("path", strings.SplitN(path, "?", 2)[0]),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read identity response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseProviderError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse identity response: %w", err)
	}

	// 確認待ちのサインアップはユーザーオブジェクトのみが返る
	if tr, ok := out.(*tokenResponse); ok && tr.AccessToken == "" && tr.User == nil {
		var user userResponse
		if err := json.Unmarshal(data, &user); err == nil && user.ID != "" {
			tr.User = &user
		}
	}
	return nil
}

// parseProviderError はエラーレスポンスをProviderErrorへ変換する。
func parseProviderError(status int, data []byte) *ProviderError {
	pe := &ProviderError{Status: status}

	var er errorResponse
	if err := json.Unmarshal(data, &er); err != nil {
		pe.Message = strings.TrimSpace(string(data))
		if pe.Message == "" {
			pe.Message = http.StatusText(status)
		}
		return pe
	}

	pe.Code = firstNonEmpty(er.ErrorCode, er.Error)
	pe.Message = firstNonEmpty(er.ErrorDescription, er.Msg, er.Message, er.Error, http.StatusText(status))
	return pe
}

// sessionFromToken はトークンレスポンスからIdentitySessionを組み立てる。
// subjectとメタデータはアクセストークンのクレームを正とする。
func (a *API) sessionFromToken(resp *tokenResponse) (*model.IdentitySession, error) {
	if resp.AccessToken == "" {
		return nil, errors.New("identity response has no access token")
	}

	claims, err := a.claims.Parse(resp.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.User != nil && resp.User.ID != "" && resp.User.ID != claims.Subject {
		return nil, fmt.Errorf("%w: subject does not match user id", ErrInvalidToken)
	}

	session := &model.IdentitySession{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       claims.Subject,
		Email:        claims.Email,
		Metadata:     model.Metadata(claims.UserMetadata),
	}
	if resp.User != nil {
		if session.Email == "" {
			session.Email = resp.User.Email
		}
		if resp.User.UserMetadata != nil {
			session.Metadata = model.Metadata(resp.User.UserMetadata)
		}
	}

	switch {
	case resp.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		session.ExpiresAt = a.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	case claims.ExpiresAt != nil:
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
