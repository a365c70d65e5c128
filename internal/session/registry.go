package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ClientFactory はブラウザセッションkey用のIdPクライアントを生成する。
// 返す関数はクライアントの後始末で、コントローラー破棄時に呼ばれる。
type ClientFactory func(key string) (IdentityClient, func())

// ActiveSessionsRecorder は保持中のコントローラー数を記録する。
type ActiveSessionsRecorder interface {
	SetActiveSessions(n int)
}

type registryEntry struct {
	controller *Controller
	cancel     context.CancelFunc
	release    func()
	lastSeen   time.Time
}

// Registry はブラウザセッションごとにControllerを1つ保持する。
// 各Controllerは所有するgoroutineでRunし、Removeまたはアイドル掃除で停止する。
type Registry struct {
	newClient ClientFactory
	resolver  Resolver
	profiles  ProfileUpdater
	metrics   Recorder
	gauge     ActiveSessionsRecorder
	logger    *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	entries map[string]*registryEntry
	now     func() time.Time
}

// NewRegistry はRegistryを生成する。gaugeがnilの場合は記録しない。
func NewRegistry(newClient ClientFactory, resolver Resolver, profiles ProfileUpdater, metrics Recorder, gauge ActiveSessionsRecorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		newClient: newClient,
		resolver:  resolver,
		profiles:  profiles,
		metrics:   metrics,
		gauge:     gauge,
		logger:    logger,
		baseCtx:   ctx,
		stop:      cancel,
		entries:   make(map[string]*registryEntry),
		now:       time.Now,
	}
}

// Get はkeyのControllerを返す。存在しなければ生成して起動し、初回のセッション確認を行う。
func (r *Registry) Get(ctx context.Context, key string) *Controller {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.lastSeen = r.now()
		r.mu.Unlock()
		// 生成直後の並行リクエストも初回確認の完了を待つ
		_ = e.controller.Activate(ctx)
		return e.controller
	}

	client, release := r.newClient(key)
	ctrl := NewController(client, r.resolver, r.profiles, r.metrics, r.logger.With(slog.String("session_key", shortKey(key))))
	runCtx, cancel := context.WithCancel(r.baseCtx)
	r.entries[key] = &registryEntry{
		controller: ctrl,
		cancel:     cancel,
		release:    release,
		lastSeen:   r.now(),
	}
	n := len(r.entries)
	r.mu.Unlock()

	r.setGauge(n)
	go func() {
		_ = ctrl.Run(runCtx)
	}()

	if err := ctrl.Activate(ctx); err != nil {
		r.logger.Warn("セッションの初期化でエラーが発生しました",
			slog.String("session_key", shortKey(key)),
			slog.String("error", err.Error()),
		)
	}
	return ctrl
}

// Resume はブラウザが提示したkeyのControllerを返す。
// 保持していなければ生成して初回確認を行い、IdPセッションが保存されていなければ破棄してnilを返す。
// 未知のkeyではエントリを残さない。
func (r *Registry) Resume(ctx context.Context, key string) *Controller {
	if ctrl := r.Lookup(key); ctrl != nil {
		_ = ctrl.Activate(ctx)
		return ctrl
	}

	ctrl := r.Get(ctx, key)
	if ctrl.Snapshot().Session == nil {
		r.Remove(key)
		return nil
	}
	return ctrl
}

// Lookup は既存のControllerを返す。存在しない場合はnil。生成はしない。
func (r *Registry) Lookup(key string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.lastSeen = r.now()
		return e.controller
	}
	return nil
}

// Remove はkeyのControllerを停止して破棄する。
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		r.shutdown(e)
		r.setGauge(n)
	}
}

// EvictIdle はmaxIdle以上アクセスのないControllerを破棄し、破棄した数を返す。
// IdPのトークンはTokenStoreに残るため、次のアクセスで再開できる。
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var evicted []*registryEntry
	for key, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			evicted = append(evicted, e)
			delete(r.entries, key)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	for _, e := range evicted {
		r.shutdown(e)
	}
	if len(evicted) > 0 {
		r.setGauge(n)
	}
	return len(evicted)
}

// Len は保持中のController数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close はすべてのControllerを停止する。
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		r.shutdown(e)
	}
	r.stop()
	r.setGauge(0)
}

func (r *Registry) shutdown(e *registryEntry) {
	e.cancel()
	if e.release != nil {
		e.release()
	}
}

func (r *Registry) setGauge(n int) {
	if r.gauge != nil {
		r.gauge.SetActiveSessions(n)
	}
}

// shortKey はログ出力用にkeyの先頭だけを返す。
func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
