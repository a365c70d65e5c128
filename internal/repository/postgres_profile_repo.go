package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// ErrProfileNotFound は更新対象のプロフィールが存在しないことを表す。
var ErrProfileNotFound = errors.New("profile not found")

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id, email, full_name, avatar_url, user_type, bio, location, phone, website, verified, created_at, updated_at`

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	var p model.Profile
	var userType string
	var fullName, avatarURL, bio, location, phone, website sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Email, &fullName, &avatarURL, &userType, &bio, &location, &phone, &website,
		&p.Verified, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}

	p.UserType = model.Role(userType)
	p.FullName = stringPtr(fullName)
	p.AvatarURL = stringPtr(avatarURL)
	p.Bio = stringPtr(bio)
	p.Location = stringPtr(location)
	p.Phone = stringPtr(phone)
	p.Website = stringPtr(website)
	return &p, nil
}

// Create はプロフィールを作成する。同一IDの行が既にある場合は何もしない。
func (r *PostgresProfileRepo) Create(ctx context.Context, p *model.Profile) error {
	userType := p.UserType
	if userType == "" {
		userType = model.RoleTenant
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, email, full_name, avatar_url, user_type, bio, location, phone, website, verified, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Email, nullable(p.FullName), nullable(p.AvatarURL), string(userType),
		nullable(p.Bio), nullable(p.Location), nullable(p.Phone), nullable(p.Website),
		p.Verified, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

// Update は指定されたフィールドだけを更新し、updated_atを現在時刻にする。
func (r *PostgresProfileRepo) Update(ctx context.Context, id string, update model.ProfileUpdate) error {
	query, args := buildProfileUpdate(id, update)
	if query == "" {
		return nil
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return nil
}

// buildProfileUpdate は部分更新用のUPDATE文を組み立てる。更新項目がない場合は空文字列。
// 空文字列が指定されたテキスト項目はNULLに戻す。
func buildProfileUpdate(id string, u model.ProfileUpdate) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.FullName != nil {
		add("full_name", nullable(u.FullName))
	}
	if u.AvatarURL != nil {
		add("avatar_url", nullable(u.AvatarURL))
	}
	if u.UserType != nil {
		add("user_type", string(*u.UserType))
	}
	if u.Bio != nil {
		add("bio", nullable(u.Bio))
	}
	if u.Location != nil {
		add("location", nullable(u.Location))
	}
	if u.Phone != nil {
		add("phone", nullable(u.Phone))
	}
	if u.Website != nil {
		add("website", nullable(u.Website))
	}
	if len(sets) == 0 {
		return "", nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE profiles SET %s, updated_at = now() WHERE id = $%d",
		strings.Join(sets, ", "), len(args))
	return query, args
}

// nullable は空文字列またはnilをsql.NullStringの無効値に変換する。
func nullable(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
