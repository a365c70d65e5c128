package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// refreshLeeway は期限切れ前にトークンを更新する余裕。
const refreshLeeway = 30 * time.Second

// GoTrueClient は1つのブラウザセッションに対応するIdPクライアント。
// トークンはTokenStoreにkeyで保存し、状態の変化をイベントとして発行する。
type GoTrueClient struct {
	api    *API
	store  TokenStore
	key    string
	logger *slog.Logger
	events *emitter
	now    func() time.Time
}

// NewGoTrueClient はブラウザセッションkey用のGoTrueClientを生成する。
func NewGoTrueClient(api *API, store TokenStore, key string, logger *slog.Logger) *GoTrueClient {
	return &GoTrueClient{
		api:    api,
		store:  store,
		key:    key,
		logger: logger,
		events: newEmitter(),
		now:    time.Now,
	}
}

// Subscribe は認証状態変化イベントの購読を開始する。
func (c *GoTrueClient) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// SignInWithPassword はパスワード認証を行い、成功時にsigned_inを発行する。
func (c *GoTrueClient) SignInWithPassword(ctx context.Context, email, password string) (*model.IdentitySession, error) {
	session, err := c.api.PasswordGrant(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, c.key, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	c.events.emit(Event{Type: EventSignedIn, Session: session})
	return session, nil
}

// SignUp はユーザーを登録する。
// セッションが返った場合はsigned_upを発行する。メール確認待ちの場合は (nil, nil)。
func (c *GoTrueClient) SignUp(ctx context.Context, email, password string, metadata model.Metadata) (*model.IdentitySession, error) {
	session, err := c.api.SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	if err := c.store.Save(ctx, c.key, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	c.events.emit(Event{Type: EventSignedUp, Session: session})
	return session, nil
}

// SignOut はIdPでトークンを失効させ、保存済みトークンを削除する。
// IdPの呼び出しに失敗してもローカルのトークンは必ず削除し、signed_outを発行する。
func (c *GoTrueClient) SignOut(ctx context.Context) error {
	session, loadErr := c.store.Load(ctx, c.key)

	var logoutErr error
	if loadErr == nil && session != nil {
		logoutErr = c.api.Logout(ctx, session.AccessToken)
	}

	deleteErr := c.store.Delete(ctx, c.key)
	c.events.emit(Event{Type: EventSignedOut})

	return errors.Join(loadErr, logoutErr, deleteErr)
}

// GetSession は保存済みセッションを返す。期限切れ間近の場合はリフレッシュする。
// セッションがない場合は (nil, nil)。
// リフレッシュがIdPに拒否された場合はトークンを破棄し、signed_outを発行する。
func (c *GoTrueClient) GetSession(ctx context.Context) (*model.IdentitySession, error) {
	session, err := c.store.Load(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	if !session.Expired(c.now().Add(refreshLeeway)) {
		return session, nil
	}

	refreshed, err := c.api.RefreshGrant(ctx, session.RefreshToken)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Status >= 400 && pe.Status < 500 {
			c.logger.Info("リフレッシュトークンが無効のためセッションを破棄します",
				slog.String("user_id", session.UserID),
				slog.Int("status", pe.Status),
			)
			if delErr := c.store.Delete(ctx, c.key); delErr != nil {
				return nil, fmt.Errorf("failed to delete session: %w", delErr)
			}
			c.events.emit(Event{Type: EventSignedOut})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	if err := c.store.Save(ctx, c.key, refreshed); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	c.events.emit(Event{Type: EventTokenRefreshed, Session: refreshed})
	return refreshed, nil
}

// Close はイベント購読チャネルをすべて閉じる。保存済みトークンは残す。
func (c *GoTrueClient) Close() {
	c.events.close()
}

// IsRateLimited はIdPがレート制限で拒否したかを返す。
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Status == http.StatusTooManyRequests
}
