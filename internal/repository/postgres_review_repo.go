package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// PostgresReviewRepo はPostgreSQLを使用したレビューリポジトリ。
type PostgresReviewRepo struct {
	db *sql.DB
}

// NewPostgresReviewRepo はPostgresReviewRepoを生成する。
func NewPostgresReviewRepo(db *sql.DB) *PostgresReviewRepo {
	return &PostgresReviewRepo{db: db}
}

// ListRatingsByReviewee は評価対象ユーザーのレビュー評価を新しい順に返す。
// レビューがない場合は空スライスを返す。
func (r *PostgresReviewRepo) ListRatingsByReviewee(ctx context.Context, revieweeID string) ([]model.Rating, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT rating, content, created_at FROM reviews
		 WHERE reviewee_id = $1
		 ORDER BY created_at DESC`,
		revieweeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ratings: %w", err)
	}
	defer rows.Close()

	ratings := []model.Rating{}
	for rows.Next() {
		var rt model.Rating
		if err := rows.Scan(&rt.Rating, &rt.Content, &rt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		ratings = append(ratings, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ratings: %w", err)
	}
	return ratings, nil
}

// compile-time interface check
var _ ReviewRepository = (*PostgresReviewRepo)(nil)
