// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Create はプロフィールを作成する。
	// 同一IDの行が既にある場合は何もしない（並行する修復処理との競合を許容する）。
	Create(ctx context.Context, profile *model.Profile) error

	// Update は指定されたフィールドだけを更新する。行がない場合はErrProfileNotFound。
	Update(ctx context.Context, id string, update model.ProfileUpdate) error
}

// ReviewRepository はレビューの読み取りインターフェース。
type ReviewRepository interface {
	// ListRatingsByReviewee は評価対象ユーザーのレビュー評価を新しい順に返す。
	ListRatingsByReviewee(ctx context.Context, revieweeID string) ([]model.Rating, error)
}
