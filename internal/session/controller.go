// Package session は「誰がサインインしているか」を一元的に保持する
// セッションコントローラーを提供する。
//
// IdPのイベントとUI操作はすべて明示的なキューに積まれ、Runの単一ループが
// 到着順に1件ずつ処理する。プロフィール解決が重なることはなく、
// 解決中に別の主体のイベントが積まれた場合、完了した古い結果は破棄される。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/ratemyrental/internal/identity"
	"github.com/hitoshi/ratemyrental/internal/model"
	"github.com/hitoshi/ratemyrental/internal/signup"
)

// ErrStopped はRunが終了した後に操作を待機した場合のエラー。
var ErrStopped = errors.New("session controller stopped")

// State はコントローラーの状態。
type State string

const (
	StateUninitialized State = "uninitialized"
	StateAnonymous     State = "anonymous"
	StateResolving     State = "resolving"
	StateAuthenticated State = "authenticated"
	// StateDegraded はIdPセッションは有効だがプロフィールを解決できない状態。
	StateDegraded State = "degraded"
)

// IdentityClient はコントローラーが利用するIdPクライアント。
type IdentityClient interface {
	SignInWithPassword(ctx context.Context, email, password string) (*model.IdentitySession, error)
	// SignUp はメール確認待ちの場合 (nil, nil) を返す。
	SignUp(ctx context.Context, email, password string, metadata model.Metadata) (*model.IdentitySession, error)
	SignOut(ctx context.Context) error
	// GetSession はセッションがない場合 (nil, nil) を返す。
	GetSession(ctx context.Context) (*model.IdentitySession, error)
	Subscribe() (<-chan identity.Event, func())
}

// Resolver はIdPセッションからAppUserを解決する。
type Resolver interface {
	Resolve(ctx context.Context, session *model.IdentitySession) (*model.AppUser, error)
}

// ProfileUpdater はプロフィールの部分更新を行う。
type ProfileUpdater interface {
	Update(ctx context.Context, id string, update model.ProfileUpdate) error
}

// Recorder はコントローラーが記録するメトリクス。
type Recorder interface {
	RecordStaleResolution()
	RecordAuthAttempt(operation, outcome string)
}

// Snapshot は公開される状態の不変な値。読み取り側は変更してはならない。
type Snapshot struct {
	State   State
	Session *model.IdentitySession
	User    *model.AppUser
	Err     error // Degraded の原因
	Version uint64
}

type itemKind int

const (
	itemEvent   itemKind = iota // IdPイベント（転送または自身の操作結果）
	itemRefresh                 // 保持中のセッションで再解決する
)

type item struct {
	kind  itemKind
	event identity.Event
	done  chan struct{}
}

type snapshotSubscriber struct {
	ch   chan Snapshot
	done chan struct{}
}

// Controller はセッションコントローラー。
type Controller struct {
	client   IdentityClient
	resolver Resolver
	profiles ProfileUpdater
	metrics  Recorder
	logger   *slog.Logger

	mu            sync.Mutex
	queue         []item
	latestSubject string
	wake          chan struct{}

	running atomic.Bool
	stopped chan struct{}

	snap atomic.Pointer[Snapshot]

	subMu   sync.Mutex
	subs    map[int]*snapshotSubscriber
	nextSub int

	activateOnce sync.Once
	activateErr  error
}

// NewController はControllerを生成する。Runを起動するまでキューは処理されない。
func NewController(client IdentityClient, resolver Resolver, profiles ProfileUpdater, metrics Recorder, logger *slog.Logger) *Controller {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		client:   client,
		resolver: resolver,
		profiles: profiles,
		metrics:  metrics,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		subs:     make(map[int]*snapshotSubscriber),
	}
	c.snap.Store(&Snapshot{State: StateUninitialized})
	return c
}

// Run はキューを処理するループ。ctxが終了するまで戻らない。
// IdPイベントの購読もRunの間だけ有効。
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session controller is already running")
	}
	defer close(c.stopped)

	events, unsubscribe := c.client.Subscribe()
	defer unsubscribe()
	go c.forward(ctx, events)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		it, ok := c.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		c.process(ctx, it)
		if it.done != nil {
			close(it.done)
		}
	}
}

// forward はIdPイベントをキューへ転送する。
func (c *Controller) forward(ctx context.Context, events <-chan identity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.push(item{kind: itemEvent, event: ev})
		}
	}
}

// push はキューの末尾に追加し、最新の主体IDを更新する。
func (c *Controller) push(it item) {
	c.mu.Lock()
	c.queue = append(c.queue, it)
	if it.kind == itemEvent {
		c.latestSubject = subjectOf(it.event)
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) pop() (item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return item{}, false
	}
	it := c.queue[0]
	c.queue[0] = item{}
	c.queue = c.queue[1:]
	return it, true
}

// submit はキューに積み、処理が終わるまで待つ。
func (c *Controller) submit(ctx context.Context, it item) error {
	it.done = make(chan struct{})
	c.push(it)

	select {
	case <-it.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Controller) submitEvent(ctx context.Context, ev identity.Event) error {
	return c.submit(ctx, item{kind: itemEvent, event: ev})
}

func (c *Controller) process(ctx context.Context, it item) {
	switch it.kind {
	case itemEvent:
		c.apply(ctx, it.event)
	case itemRefresh:
		cur := c.snap.Load()
		if cur.Session == nil {
			return
		}
		c.resolve(ctx, cur.Session, false)
	}
}

// apply は1件のIdPイベントを状態遷移規則に従って処理する。
func (c *Controller) apply(ctx context.Context, ev identity.Event) {
	if ev.Type == identity.EventSignedOut || ev.Session == nil {
		c.toAnonymous()
		return
	}

	cur := c.snap.Load()
	held := cur.Session

	switch {
	case held == nil || held.UserID != ev.Session.UserID:
		c.resolve(ctx, ev.Session, true)
	case held.AccessToken == ev.Session.AccessToken:
		// 自身の操作で発行されたイベントの再到着
	case ev.Type != identity.EventTokenRefreshed && cur.State == StateDegraded:
		c.resolve(ctx, ev.Session, true)
	default:
		c.replaceSession(ev.Session)
	}
}

// resolve はプロフィールを解決し、結果を公開する。
// 解決中に別の主体のイベントが積まれた場合は結果を破棄する。
// announceがfalseの場合はResolving状態を公開しない（プロフィール更新後の再解決）。
func (c *Controller) resolve(ctx context.Context, session *model.IdentitySession, announce bool) {
	subject := session.UserID
	if announce {
		c.publish(Snapshot{State: StateResolving, Session: session})
	}

	user, err := c.resolver.Resolve(ctx, session)

	if c.isStale(subject) {
		c.metrics.RecordStaleResolution()
		c.logger.Info("後続イベントにより解決結果を破棄しました",
			slog.String("user_id", subject),
		)
		return
	}

	if err != nil {
		c.logger.Warn("プロフィールを解決できないため縮退状態に遷移します",
			slog.String("user_id", subject),
			slog.String("error", err.Error()),
		)
		c.publish(Snapshot{State: StateDegraded, Session: session, Err: err})
		return
	}

	c.publish(Snapshot{State: StateAuthenticated, Session: session, User: user})
}

func (c *Controller) isStale(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestSubject != subject
}

// toAnonymous はユーザーとセッションを破棄する。状態が変わる場合のみ公開する。
func (c *Controller) toAnonymous() {
	if c.snap.Load().State == StateAnonymous {
		return
	}
	c.publish(Snapshot{State: StateAnonymous})
}

// replaceSession は状態を変えずにトークンだけを差し替える。購読者には通知しない。
func (c *Controller) replaceSession(session *model.IdentitySession) {
	next := *c.snap.Load()
	next.Session = session
	c.snap.Store(&next)
}

// publish は新しいスナップショットを保存し、全購読者へ順に配信する。
func (c *Controller) publish(s Snapshot) {
	s.Version = c.snap.Load().Version + 1
	c.snap.Store(&s)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub.ch <- s:
		case <-sub.done:
		}
	}
}

// Subscribe は状態遷移の購読を開始する。以降のすべてのスナップショットが順に届く。
// 受信しない購読者はRunを止めるため、不要になったら必ず解除すること。
func (c *Controller) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &snapshotSubscriber{
		ch:   make(chan Snapshot, buffer),
		done: make(chan struct{}),
	}

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			close(sub.done)
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Snapshot は最新のスナップショットを返す。ブロックしない。
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// CurrentUser は最新のAppUserを返す。未解決の場合はnil。
func (c *Controller) CurrentUser() *model.AppUser {
	return c.snap.Load().User
}

// Activate は初回のセッション確認を1度だけ行い、処理が終わるまで待つ。
// 既存のセッションがあれば解決し、なければAnonymousに遷移する。
func (c *Controller) Activate(ctx context.Context) error {
	c.activateOnce.Do(func() {
		session, err := c.client.GetSession(ctx)
		if err != nil {
			c.logger.Warn("既存セッションの確認に失敗したため未ログインとして扱います",
				slog.String("error", err.Error()),
			)
			c.activateErr = err
			session = nil
		}

		ev := identity.Event{Type: identity.EventSignedIn, Session: session}
		if session == nil {
			ev.Type = identity.EventSignedOut
		}
		if err := c.submitEvent(ctx, ev); err != nil && c.activateErr == nil {
			c.activateErr = err
		}
	})
	return c.activateErr
}

// SignIn はパスワードでサインインし、プロフィール解決まで進めてから戻る。
// 結果は認証の成否のみを表し、プロフィールが縮退していても成功となる。
func (c *Controller) SignIn(ctx context.Context, email, password string) Outcome {
	email = signup.NormalizeEmail(email)
	if fields := signup.ValidateLogin(email, password); fields != nil {
		return c.record("sign_in", invalidInput(fields))
	}

	session, err := c.client.SignInWithPassword(ctx, email, password)
	if err != nil {
		c.logger.Info("サインインに失敗しました", slog.String("error", err.Error()))
		return c.record("sign_in", classifyProviderError(err))
	}

	c.settle(ctx, identity.Event{Type: identity.EventSignedIn, Session: session})
	return c.record("sign_in", ok())
}

// SignUp は入力を正規化・検証してからIdPに登録する。
// 検証に失敗した場合はIdPを呼び出さない。
func (c *Controller) SignUp(ctx context.Context, in signup.Input) Outcome {
	in = signup.Normalize(in)
	if fields := signup.Validate(in); fields != nil {
		return c.record("sign_up", invalidInput(fields))
	}

	role, err := signup.ResolveRole(in.UserType)
	if err != nil {
		return c.record("sign_up", invalidInput(signup.FieldErrors{signup.FieldUserType: err.Error()}))
	}
	metadata := model.Metadata{
		model.MetadataFullName: in.Name,
		model.MetadataUserType: string(role),
	}

	session, err := c.client.SignUp(ctx, in.Email, in.Password, metadata)
	if err != nil {
		c.logger.Info("サインアップに失敗しました", slog.String("error", err.Error()))
		return c.record("sign_up", classifyProviderError(err))
	}
	if session == nil {
		return c.record("sign_up", Outcome{
			Status:  StatusPendingConfirmation,
			Message: PendingConfirmationMessage,
		})
	}

	c.settle(ctx, identity.Event{Type: identity.EventSignedUp, Session: session})
	return c.record("sign_up", ok())
}

// SignOut はサインアウトする。IdPのエラーはログに残すだけで、必ずAnonymousに遷移する。
func (c *Controller) SignOut(ctx context.Context) {
	if err := c.client.SignOut(ctx); err != nil {
		c.logger.Warn("IdPのサインアウトに失敗しました（ローカルセッションは破棄します）",
			slog.String("error", err.Error()),
		)
	}
	c.settle(ctx, identity.Event{Type: identity.EventSignedOut})
	c.metrics.RecordAuthAttempt("sign_out", string(StatusOK))
}

// UpdateProfile はプロフィールを部分更新し、派生フィールドを再解決する。
// セッションがない場合はストアを呼ばずにnot_authenticatedを返す。
func (c *Controller) UpdateProfile(ctx context.Context, update model.ProfileUpdate) Outcome {
	session := c.snap.Load().Session
	if session == nil {
		return failed(ReasonNotAuthenticated, "You must be signed in to update your profile.")
	}
	if update.IsEmpty() {
		return ok()
	}

	if err := c.profiles.Update(ctx, session.UserID, update); err != nil {
		c.logger.Error("プロフィールの更新に失敗しました",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		return failed(ReasonProfileUpdateFailed, "Failed to update profile. Please try again.")
	}

	if err := c.submit(ctx, item{kind: itemRefresh}); err != nil {
		c.logger.Warn("プロフィール更新後の再解決を待機できませんでした",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
	}
	return ok()
}

// Revalidate はIdPに現在のセッションを問い合わせる（必要ならトークンを更新する）。
// IdP側にセッションがないのにコントローラーが保持している場合は期限切れとしてAnonymousに遷移する。
func (c *Controller) Revalidate(ctx context.Context) error {
	session, err := c.client.GetSession(ctx)
	if err != nil {
		return err
	}

	if session == nil {
		if c.snap.Load().Session == nil {
			return nil
		}
		c.logger.Info("セッションの期限切れを検出しました")
		return c.submitEvent(ctx, identity.Event{Type: identity.EventSignedOut})
	}
	return c.submitEvent(ctx, identity.Event{Type: identity.EventTokenRefreshed, Session: session})
}

// settle は操作結果のイベントを処理し終えるまで待つ。
// 待機が中断されても状態はRunにより後から反映される。
func (c *Controller) settle(ctx context.Context, ev identity.Event) {
	if err := c.submitEvent(ctx, ev); err != nil {
		c.logger.Warn("状態遷移の完了を待機できませんでした",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) record(operation string, out Outcome) Outcome {
	result := string(out.Status)
	if out.Status == StatusFailed {
		result = string(out.Reason)
	}
	c.metrics.RecordAuthAttempt(operation, result)
	return out
}

func subjectOf(ev identity.Event) string {
	if ev.Type == identity.EventSignedOut || ev.Session == nil {
		return ""
	}
	return ev.Session.UserID
}

type nopRecorder struct{}

func (nopRecorder) RecordStaleResolution()          {}
func (nopRecorder) RecordAuthAttempt(string, string) {}
