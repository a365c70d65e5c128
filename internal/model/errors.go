// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotAuthenticated    = "NOT_AUTHENTICATED"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeInvalidFormat       = "INVALID_FORMAT"
	ErrCodeAlreadyRegistered   = "ALREADY_REGISTERED"
	ErrCodeWeakPassword        = "WEAK_PASSWORD"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeProfileUpdateFailed = "PROFILE_UPDATE_FAILED"
	ErrCodeProfileUnavailable  = "PROFILE_UNAVAILABLE"
)

// NewNotAuthenticatedError は未ログイン状態での操作エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "You need to sign in first.",
		Category: "auth",
		Action:   "Sign in and try again.",
	}
}

// NewInvalidInputError は入力値検証エラーを生成する。
// 項目ごとの詳細はレスポンスのfieldsで返す。
func NewInvalidInputError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  "Some fields need your attention.",
		Category: "validation",
		Action:   "Correct the highlighted fields and submit again.",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワード不一致のエラーを生成する。
func NewInvalidCredentialsError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  message,
		Category: "auth",
		Action:   "Check your email and password.",
	}
}

// NewInvalidFormatError はIdPが入力形式を拒否した場合のエラーを生成する。
func NewInvalidFormatError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFormat,
		Message:  message,
		Category: "validation",
		Action:   "Use a real email address from Gmail, Yahoo, Outlook, or another provider.",
	}
}

// NewAlreadyRegisteredError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewAlreadyRegisteredError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyRegistered,
		Message:  message,
		Category: "auth",
		Action:   "Sign in instead, or reset your password.",
	}
}

// NewWeakPasswordError はIdPがパスワード強度不足で拒否した場合のエラーを生成する。
func NewWeakPasswordError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  message,
		Category: "validation",
		Action:   "Use at least 8 characters with letters and numbers.",
	}
}

// NewRateLimitedError はIdPのレート制限に達した場合のエラーを生成する。
func NewRateLimitedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  message,
		Category: "system",
		Action:   "Wait a moment and try again.",
	}
}

// NewAuthFailedError は分類できない認証エラーを生成する。
func NewAuthFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: "auth",
		Action:   "Try again later.",
	}
}

// NewProfileUpdateFailedError はプロフィール更新失敗エラーを生成する。
func NewProfileUpdateFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileUpdateFailed,
		Message:  message,
		Category: "profile",
		Action:   "Check the values and try again.",
	}
}

// NewProfileUnavailableError はプロフィールを解決できず縮退状態にあることを示すエラーを生成する。
func NewProfileUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileUnavailable,
		Message:  "You are signed in, but your profile could not be loaded.",
		Category: "profile",
		Action:   "Reload the page or sign in again.",
	}
}
