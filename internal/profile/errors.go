package profile

import (
	"errors"
	"fmt"
)

// ErrorKind は解決失敗の分類。
type ErrorKind string

const (
	// KindTransientReadFailure は未作成以外の読み取りエラー。エンジンはリトライしない。
	KindTransientReadFailure ErrorKind = "transient_read_failure"
	// KindProfileUnavailable は修復に失敗した、または修復後も見つからない状態。
	KindProfileUnavailable ErrorKind = "profile_unavailable"
	// KindReputationReadFailure はレビュー集計の読み取り失敗。解決自体は失敗させない。
	KindReputationReadFailure ErrorKind = "reputation_read_failure"
)

// ResolutionError はResolveが返すタグ付きエラー。
type ResolutionError struct {
	Kind      ErrorKind
	SubjectID string
	Err       error
}

// Error はerrorインターフェースを実装する。
func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("profile resolution failed (%s) for %q", e.Kind, e.SubjectID)
	}
	return fmt.Sprintf("profile resolution failed (%s) for %q: %v", e.Kind, e.SubjectID, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// KindOf はエラーの分類を返す。ResolutionErrorでない場合はtransient_read_failure。
func KindOf(err error) ErrorKind {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransientReadFailure
}
