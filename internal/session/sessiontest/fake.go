// Package sessiontest はsession.Controllerを利用するパッケージのテスト用フェイクを提供する。
package sessiontest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hitoshi/ratemyrental/internal/identity"
	"github.com/hitoshi/ratemyrental/internal/model"
)

// ErrNotConfigured はフェイクの振る舞いが設定されていない操作で返る。
var ErrNotConfigured = errors.New("sessiontest: not configured")

// NewSession はテスト用のIdPセッションを生成する。
func NewSession(subject, token string) *model.IdentitySession {
	return &model.IdentitySession{
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		UserID:       subject,
		Email:        subject + "@mail.test",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

// Identity はsession.IdentityClientのフェイク。
// 成功したサインイン・サインアップのセッションを保持し、GetSessionで返す。
type Identity struct {
	mu sync.Mutex

	SignInFn  func(ctx context.Context, email, password string) (*model.IdentitySession, error)
	SignUpFn  func(ctx context.Context, email, password string, metadata model.Metadata) (*model.IdentitySession, error)
	SignOutFn func(ctx context.Context) error

	current      *model.IdentitySession
	signInCalls  int
	signUpCalls  int
	signOutCalls int
	events       chan identity.Event
}

// NewIdentity はセッションを保持していないIdentityを生成する。
func NewIdentity() *Identity {
	return &Identity{events: make(chan identity.Event)}
}

// SetSession は保持するセッションを差し替える（期限切れの再現などに使う）。
func (f *Identity) SetSession(s *model.IdentitySession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = s
}

// Calls はサインイン・サインアップ・サインアウトの呼び出し回数を返す。
func (f *Identity) Calls() (signIn, signUp, signOut int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signInCalls, f.signUpCalls, f.signOutCalls
}

func (f *Identity) SignInWithPassword(ctx context.Context, email, password string) (*model.IdentitySession, error) {
	f.mu.Lock()
	f.signInCalls++
	fn := f.SignInFn
	f.mu.Unlock()
	if fn == nil {
		return nil, ErrNotConfigured
	}
	s, err := fn(ctx, email, password)
	if err == nil {
		f.SetSession(s)
	}
	return s, err
}

func (f *Identity) SignUp(ctx context.Context, email, password string, metadata model.Metadata) (*model.IdentitySession, error) {
	f.mu.Lock()
	f.signUpCalls++
	fn := f.SignUpFn
	f.mu.Unlock()
	if fn == nil {
		return nil, ErrNotConfigured
	}
	s, err := fn(ctx, email, password, metadata)
	if err == nil && s != nil {
		f.SetSession(s)
	}
	return s, err
}

func (f *Identity) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.signOutCalls++
	fn := f.SignOutFn
	f.current = nil
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *Identity) GetSession(context.Context) (*model.IdentitySession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

// Subscribe はイベントを発行しない購読を返す。状態変化は操作の戻り値で反映される。
func (f *Identity) Subscribe() (<-chan identity.Event, func()) {
	return f.events, func() {}
}

// Resolver はsession.Resolverのフェイク。Fnが未設定ならセッションからAppUserを組み立てる。
type Resolver struct {
	Fn func(ctx context.Context, s *model.IdentitySession) (*model.AppUser, error)
}

func (r *Resolver) Resolve(ctx context.Context, s *model.IdentitySession) (*model.AppUser, error) {
	if r.Fn != nil {
		return r.Fn(ctx, s)
	}
	return UserFromSession(s), nil
}

// UserFromSession はセッションのメタデータから最小限のAppUserを組み立てる。
func UserFromSession(s *model.IdentitySession) *model.AppUser {
	name := s.Metadata.String(model.MetadataFullName)
	if name == "" {
		name = s.Email
	}
	role, ok := model.ParseRole(s.Metadata.String(model.MetadataUserType))
	if !ok {
		role = model.RoleTenant
	}
	return &model.AppUser{
		ID:    s.UserID,
		Name:  name,
		Email: s.Email,
		Type:  role,
		Profile: model.Profile{
			ID:       s.UserID,
			Email:    s.Email,
			UserType: role,
		},
	}
}

// Updater はsession.ProfileUpdaterのフェイク。受け取った更新を記録する。
type Updater struct {
	mu      sync.Mutex
	Err     error
	updates []model.ProfileUpdate
}

func (u *Updater) Update(_ context.Context, _ string, update model.ProfileUpdate) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Err != nil {
		return u.Err
	}
	u.updates = append(u.updates, update)
	return nil
}

// Updates は記録された更新を返す。
func (u *Updater) Updates() []model.ProfileUpdate {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]model.ProfileUpdate(nil), u.updates...)
}

// Provider はブラウザセッションkeyごとにIdentityを払い出すフェイクIdP。
// 振る舞い（SignInFnなど）と呼び出し回数は全keyで共有し、保持するセッションはkeyごとに分かれる。
// 同じkeyには同じIdentityを返すため、Controllerを破棄して作り直してもセッションは残る。
type Provider struct {
	mu sync.Mutex

	SignInFn  func(ctx context.Context, email, password string) (*model.IdentitySession, error)
	SignUpFn  func(ctx context.Context, email, password string, metadata model.Metadata) (*model.IdentitySession, error)
	SignOutFn func(ctx context.Context) error

	clients map[string]*Identity
}

// NewProvider はクライアントを持たないProviderを生成する。
func NewProvider() *Provider {
	return &Provider{clients: make(map[string]*Identity)}
}

// Client はkeyのIdentityを返す。なければ生成する。
func (p *Provider) Client(key string) *Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}

	c := NewIdentity()
	c.SignInFn = func(ctx context.Context, email, password string) (*model.IdentitySession, error) {
		p.mu.Lock()
		fn := p.SignInFn
		p.mu.Unlock()
		if fn == nil {
			return nil, ErrNotConfigured
		}
		return fn(ctx, email, password)
	}
	c.SignUpFn = func(ctx context.Context, email, password string, metadata model.Metadata) (*model.IdentitySession, error) {
		p.mu.Lock()
		fn := p.SignUpFn
		p.mu.Unlock()
		if fn == nil {
			return nil, ErrNotConfigured
		}
		return fn(ctx, email, password, metadata)
	}
	c.SignOutFn = func(ctx context.Context) error {
		p.mu.Lock()
		fn := p.SignOutFn
		p.mu.Unlock()
		if fn == nil {
			return nil
		}
		return fn(ctx)
	}
	p.clients[key] = c
	return c
}

// Calls は全keyのサインイン・サインアップ・サインアウトの呼び出し回数の合計を返す。
func (p *Provider) Calls() (signIn, signUp, signOut int) {
	p.mu.Lock()
	clients := make([]*Identity, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		in, up, out := c.Calls()
		signIn += in
		signUp += up
		signOut += out
	}
	return signIn, signUp, signOut
}
