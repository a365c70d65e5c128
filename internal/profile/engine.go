// Package profile はIdPセッションからアプリケーションユーザーを解決する
// プロフィール同期エンジンを提供する。
//
// サインアップ時のプロフィール作成は非同期の副作用で行われるため、
// 直後の参照ではまだ行が存在しないことがある。エンジンは固定回数のリトライで
// 伝搬遅延を吸収し、それでも見つからない場合はセッションのメタデータから
// 最小限のプロフィールを自ら作成（修復）する。
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// ProfileStore はエンジンが必要とするプロフィールの読み書きインターフェース。
type ProfileStore interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)
	// Create はプロフィールを作成する。同一IDの行が既にある場合は何もしない。
	Create(ctx context.Context, profile *model.Profile) error
}

// RatingSource は評価対象ユーザーのレビュー評価を取得するインターフェース。
type RatingSource interface {
	ListRatingsByReviewee(ctx context.Context, revieweeID string) ([]model.Rating, error)
}

// Recorder はエンジンが記録するメトリクスのインターフェース。
type Recorder interface {
	RecordResolution(outcome string, duration time.Duration)
	RecordProfileRetry()
	RecordProfileRepair(success bool)
	RecordReputationFailure()
}

// SleepFunc は指定時間待機する。ctxがキャンセルされた場合はctx.Err()を返す。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config はエンジンのリトライ設定。
type Config struct {
	// RetryBudget は未作成時の再検索回数。初回の検索は含まない。
	// Nのとき検索はN+1回、待機はN回で、N+1回目の検索も見つからなければ修復に進む。
	RetryBudget  int
	RetryBackoff time.Duration // 再検索までの固定待機時間
}

// DefaultConfig はデフォルトのリトライ設定を返す（5回、1.5秒間隔）。
func DefaultConfig() Config {
	return Config{
		RetryBudget:  5,
		RetryBackoff: 1500 * time.Millisecond,
	}
}

// Engine はプロフィール同期エンジン。
type Engine struct {
	profiles ProfileStore
	ratings  RatingSource
	metrics  Recorder
	logger   *slog.Logger
	config   Config

	sleep SleepFunc
	now   func() time.Time
}

// NewEngine はEngineを生成する。metricsがnilの場合は記録しない。
// RetryBudgetが負の場合は0として扱う。
func NewEngine(profiles ProfileStore, ratings RatingSource, metrics Recorder, logger *slog.Logger, config Config) *Engine {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.RetryBudget < 0 {
		config.RetryBudget = 0
	}
	return &Engine{
		profiles: profiles,
		ratings:  ratings,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Resolve はIdPセッションからAppUserを解決する。
// 失敗時のエラーは常に*ResolutionErrorで、panicやリトライの無限化は起こさない。
func (e *Engine) Resolve(ctx context.Context, session *model.IdentitySession) (*model.AppUser, error) {
	start := e.now()

	user, err := e.resolve(ctx, session)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	e.metrics.RecordResolution(outcome, e.now().Sub(start))

	return user, err
}

func (e *Engine) resolve(ctx context.Context, session *model.IdentitySession) (*model.AppUser, error) {
	if session == nil || session.UserID == "" {
		return nil, &ResolutionError{Kind: KindProfileUnavailable, Err: fmt.Errorf("session has no subject id")}
	}
	subjectID := session.UserID

	// 1〜3. プロフィールの取得（リトライと修復を含む）
	profile, err := e.lookupWithRetry(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile, err = e.repair(ctx, session)
		if err != nil {
			return nil, err
		}
	}

	// 4. レビュー集計（失敗しても解決は継続する）
	reputation := e.reputation(ctx, subjectID)

	// 5. AppUserの組み立て
	return assemble(profile, reputation), nil
}

// lookupWithRetry はプロフィールを検索し、未作成の場合は固定間隔で再検索する。
// 初回 + RetryBudget回の検索で見つからなければnilを返す（修復へ進む）。
// 未作成以外の読み取りエラーはリトライしない。
func (e *Engine) lookupWithRetry(ctx context.Context, subjectID string) (*model.Profile, error) {
	for attempt := 0; ; attempt++ {
		profile, err := e.profiles.FindByID(ctx, subjectID)
		if err != nil {
			return nil, &ResolutionError{Kind: KindTransientReadFailure, SubjectID: subjectID, Err: err}
		}
		if profile != nil {
			return profile, nil
		}

		if attempt >= e.config.RetryBudget {
			e.logger.Warn("プロフィールがリトライ上限内に作成されませんでした",
				slog.String("user_id", subjectID),
				slog.Int("attempts", attempt+1),
			)
			return nil, nil
		}

		e.metrics.RecordProfileRetry()
		e.logger.Debug("プロフィールが未作成のため再検索します",
			slog.String("user_id", subjectID),
			slog.Int("remaining", e.config.RetryBudget-attempt),
		)
		if err := e.sleep(ctx, e.config.RetryBackoff); err != nil {
			return nil, &ResolutionError{Kind: KindTransientReadFailure, SubjectID: subjectID, Err: err}
		}
	}
}

// repair はセッションのメタデータから最小限のプロフィールを作成し、1回だけ再取得する。
// サインアップ時のメタデータを使うため、その後の変更は反映されない。
func (e *Engine) repair(ctx context.Context, session *model.IdentitySession) (*model.Profile, error) {
	subjectID := session.UserID
	minimal := MinimalProfile(session, e.now())

	if err := e.profiles.Create(ctx, minimal); err != nil {
		e.metrics.RecordProfileRepair(false)
		e.logger.Error("プロフィールの修復に失敗しました",
			slog.String("user_id", subjectID),
			slog.String("error", err.Error()),
		)
		return nil, &ResolutionError{Kind: KindProfileUnavailable, SubjectID: subjectID, Err: err}
	}
	e.metrics.RecordProfileRepair(true)
	e.logger.Info("プロフィールを修復しました",
		slog.String("user_id", subjectID),
		slog.String("user_type", string(minimal.UserType)),
	)

	profile, err := e.profiles.FindByID(ctx, subjectID)
	if err != nil {
		return nil, &ResolutionError{Kind: KindTransientReadFailure, SubjectID: subjectID, Err: err}
	}
	if profile == nil {
		return nil, &ResolutionError{
			Kind:      KindProfileUnavailable,
			SubjectID: subjectID,
			Err:       fmt.Errorf("profile still missing after repair"),
		}
	}
	return profile, nil
}

// reputation はレビュー評価を取得して集計する。
// 取得に失敗した場合は補助情報として0件扱いで継続する。
func (e *Engine) reputation(ctx context.Context, subjectID string) model.Reputation {
	ratings, err := e.ratings.ListRatingsByReviewee(ctx, subjectID)
	if err != nil {
		e.metrics.RecordReputationFailure()
		e.logger.Warn("レビュー集計の取得に失敗したため0件として扱います",
			slog.String("user_id", subjectID),
			slog.String("kind", string(KindReputationReadFailure)),
			slog.String("error", err.Error()),
		)
		return model.Reputation{}
	}
	return ComputeReputation(ratings)
}

// MinimalProfile は修復用の最小限のプロフィールを組み立てる。
// 表示名はメタデータのfull_name（なければメール）、種別はuser_type（なければtenant）。
func MinimalProfile(session *model.IdentitySession, now time.Time) *model.Profile {
	name := session.Metadata.String(model.MetadataFullName)
	if name == "" {
		name = session.Email
	}
	role, ok := model.ParseRole(session.Metadata.String(model.MetadataUserType))
	if !ok {
		role = model.RoleTenant
	}
	return &model.Profile{
		ID:        session.UserID,
		Email:     session.Email,
		FullName:  &name,
		UserType:  role,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// assemble はプロフィールと評判集計からAppUserを組み立てる。
func assemble(p *model.Profile, rep model.Reputation) *model.AppUser {
	name := p.Email
	if p.FullName != nil && *p.FullName != "" {
		name = *p.FullName
	}
	avatar := ""
	if p.AvatarURL != nil {
		avatar = *p.AvatarURL
	}
	return &model.AppUser{
		ID:            p.ID,
		Name:          name,
		Email:         p.Email,
		Avatar:        avatar,
		Type:          p.UserType,
		JoinDate:      p.CreatedAt,
		ReviewsCount:  rep.ReviewCount,
		AverageRating: rep.AverageRating,
		Profile:       *p,
	}
}

// sleepContext はctxを考慮してdだけ待機する。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordResolution(string, time.Duration) {}
func (nopRecorder) RecordProfileRetry()                    {}
func (nopRecorder) RecordProfileRepair(bool)               {}
func (nopRecorder) RecordReputationFailure()               {}
