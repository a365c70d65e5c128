// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はプロフィールのユーザー種別を表す。
type Role string

const (
	// RoleTenant は入居者。メタデータに種別がない場合の既定値。
	RoleTenant Role = "tenant"
	// RoleLandlord は大家。
	RoleLandlord Role = "landlord"
	// RoleAgent は不動産エージェント。
	RoleAgent Role = "agent"
	// RolePropertyManager は管理会社の担当者。
	RolePropertyManager Role = "property_manager"
)

// ParseRole は文字列をRoleに変換する。未知の値の場合はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleTenant, RoleLandlord, RoleAgent, RolePropertyManager:
		return r, true
	default:
		return "", false
	}
}

// Metadata はサインアップ時にIdPへ渡す自由形式のメタデータ。
// 既知のキーは full_name と user_type。
type Metadata map[string]any

const (
	MetadataFullName = "full_name"
	MetadataUserType = "user_type"
)

// String は指定キーの文字列値を返す。存在しない・文字列でない場合は空文字列。
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// IdentitySession はIdPが発行した認証済みセッションを表す。
// エンジンからは読み取り専用の入力として扱う。
type IdentitySession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired はnow時点でアクセストークンが期限切れかを返す。
func (s *IdentitySession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Profile はアプリケーション側のユーザープロフィール（profilesテーブル）を表す。
// IDはIdPのsubject idと1対1で対応する。
type Profile struct {
	ID        string
	Email     string
	FullName  *string
	AvatarURL *string
	UserType  Role
	Bio       *string
	Location  *string
	Phone     *string
	Website   *string
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileUpdate はプロフィールの部分更新を表す。nilのフィールドは変更しない。
type ProfileUpdate struct {
	FullName  *string
	AvatarURL *string
	UserType  *Role
	Bio       *string
	Location  *string
	Phone     *string
	Website   *string
}

// IsEmpty は更新対象のフィールドが1つもないかを返す。
func (u ProfileUpdate) IsEmpty() bool {
	return u.FullName == nil && u.AvatarURL == nil && u.UserType == nil &&
		u.Bio == nil && u.Location == nil && u.Phone == nil && u.Website == nil
}

// AppUser はUIへ公開する解決済みユーザー。
// プロフィールと評判集計の純粋な射影で、独立したIDは持たない。
type AppUser struct {
	ID            string
	Name          string
	Email         string
	Avatar        string
	Type          Role
	JoinDate      time.Time
	ReviewsCount  int
	AverageRating float64
	Profile       Profile
}
