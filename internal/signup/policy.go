// Package signup はサインアップ/ログイン入力の正規化と事前検証を提供する。
// IdPが拒否することが分かっている入力をネットワーク往復の前に弾く。
package signup

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// フィールドキー。UIのフォーム項目と対応する。
const (
	FieldName            = "name"
	FieldEmail           = "email"
	FieldPassword        = "password"
	FieldConfirmPassword = "confirm_password"
	FieldTerms           = "terms"
	FieldUserType        = "user_type"
)

// minPasswordLength はパスワードの最小文字数。
const minPasswordLength = 8

// disallowedPattern はテスト用アドレスとみなす部分文字列。
const disallowedPattern = "test@test"

// emailPattern は local@domain.tld 形式のメールアドレスにマッチする。
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// disallowedDomains はIdPが拒否するプレースホルダ/テスト用ドメイン。
var disallowedDomains = map[string]struct{}{
	"test.com":    {},
	"example.com": {},
	"temp.com":    {},
	"fake.com":    {},
	"invalid.com": {},
	"dummy.com":   {},
	"sample.com":  {},
	"demo.com":    {},
	"localhost":   {},
}

// Input はサインアップフォームの入力値。
type Input struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
	UserType        string
	AcceptTerms     bool
}

// FieldErrors はフィールドキーごとのエラーメッセージ。
// 1フィールドにつき最初に失敗したチェックのメッセージのみを保持する。
type FieldErrors map[string]string

// Normalize は入力値を正規化する。
// 名前とメールアドレスの前後空白を除去し、メールアドレスを小文字化する。
// パスワードは変更しない。
func Normalize(in Input) Input {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = NormalizeEmail(in.Email)
	in.UserType = strings.TrimSpace(in.UserType)
	return in
}

// NormalizeEmail はメールアドレスの前後空白を除去して小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate はサインアップ入力を検証する。問題がなければnilを返す。
// すべてのフィールドを独立に検証し、失敗したフィールドをまとめて返す。
// 入力は事前にNormalizeされていることを前提とする。
func Validate(in Input) FieldErrors {
	errs := FieldErrors{}

	if in.Name == "" {
		errs[FieldName] = "Please enter your name"
	}

	if msg := checkEmail(in.Email); msg != "" {
		errs[FieldEmail] = msg
	}

	if msg := checkPassword(in.Password); msg != "" {
		errs[FieldPassword] = msg
	}

	switch {
	case in.ConfirmPassword == "":
		errs[FieldConfirmPassword] = "Please confirm your password"
	case in.ConfirmPassword != in.Password:
		errs[FieldConfirmPassword] = "Passwords do not match"
	}

	if !in.AcceptTerms {
		errs[FieldTerms] = "Please agree to the Terms of Service and Privacy Policy"
	}

	if _, err := ResolveRole(in.UserType); err != nil {
		errs[FieldUserType] = "Please choose tenant, landlord, agent, or property manager"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateLogin はログイン入力（必須チェックとメール形式）を検証する。
func ValidateLogin(email, password string) FieldErrors {
	errs := FieldErrors{}

	switch {
	case email == "":
		errs[FieldEmail] = "Please enter your email address"
	case !emailPattern.MatchString(email):
		errs[FieldEmail] = "Please enter a valid email address"
	}
	if password == "" {
		errs[FieldPassword] = "Please enter your password"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ResolveRole はフォームのユーザー種別をRoleに変換する。空の場合はtenant。
func ResolveRole(s string) (model.Role, error) {
	if s == "" {
		return model.RoleTenant, nil
	}
	r, ok := model.ParseRole(s)
	if !ok {
		return "", &UnknownRoleError{Value: s}
	}
	return r, nil
}

// UnknownRoleError は未知のユーザー種別が指定された場合のエラー。
type UnknownRoleError struct {
	Value string
}

func (e *UnknownRoleError) Error() string {
	return "unknown user type: " + e.Value
}

// IsDisallowedDomain はメールアドレスのドメインが拒否リストに含まれるかを返す。
func IsDisallowedDomain(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	_, ok := disallowedDomains[strings.ToLower(email[at+1:])]
	return ok
}

func checkEmail(email string) string {
	switch {
	case email == "":
		return "Please enter your email address"
	case !emailPattern.MatchString(email):
		return "Please enter a valid email address (e.g., yourname@gmail.com)"
	case IsDisallowedDomain(email):
		return "Please use a real email address from Gmail, Yahoo, Outlook, or another valid email provider. Test domains are not allowed."
	case strings.Contains(strings.ToLower(email), disallowedPattern):
		return "Please use your real email address. Test emails like 'test@test.com' are not allowed."
	}
	return ""
}

func checkPassword(password string) string {
	if password == "" {
		return "Please enter a password"
	}
	if len([]rune(password)) < minPasswordLength {
		return "Password must be at least 8 characters long"
	}

	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			hasLetter = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return "Password must contain at least one letter and one number"
	}
	return ""
}
