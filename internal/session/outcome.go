package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/ratemyrental/internal/identity"
	"github.com/hitoshi/ratemyrental/internal/signup"
)

// Status は操作結果の種類。
type Status string

const (
	StatusOK                  Status = "ok"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusFailed              Status = "failed"
)

// Reason は失敗理由の分類。UIの表示切り替えに使う。
type Reason string

const (
	ReasonInvalidInput        Reason = "invalid_input"
	ReasonInvalidCredentials  Reason = "invalid_credentials"
	ReasonInvalidFormat       Reason = "invalid_format"
	ReasonAlreadyRegistered   Reason = "already_registered"
	ReasonWeakPassword        Reason = "weak_password"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonNotAuthenticated    Reason = "not_authenticated"
	ReasonProfileUpdateFailed Reason = "profile_update_failed"
	ReasonOther               Reason = "other"
)

// PendingConfirmationMessage はメール確認待ちのサインアップで表示するメッセージ。
const PendingConfirmationMessage = "Please check your email and click the confirmation link to activate your account."

// Outcome は公開操作の結果。
type Outcome struct {
	Status  Status
	Reason  Reason
	Message string
	Fields  signup.FieldErrors
}

// OK は成功かを返す。
func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

func ok() Outcome {
	return Outcome{Status: StatusOK}
}

func failed(reason Reason, message string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, Message: message}
}

func invalidInput(fields signup.FieldErrors) Outcome {
	return Outcome{
		Status:  StatusFailed,
		Reason:  ReasonInvalidInput,
		Message: "Please correct the highlighted fields.",
		Fields:  fields,
	}
}

// classification はIdPのエラー文言の部分一致ルール。上から順に評価する。
var classification = []struct {
	substrings []string
	reason     Reason
	message    string
}{
	{
		substrings: []string{"rate limit", "too many requests", "over_email_send_rate_limit"},
		reason:     ReasonRateLimited,
		message:    "Too many attempts. Please wait a moment and try again.",
	},
	{
		substrings: []string{"already registered", "already exists", "user_already_exists"},
		reason:     ReasonAlreadyRegistered,
		message:    "An account with this email already exists. Please sign in instead.",
	},
	{
		substrings: []string{"password should be", "weak password", "weak_password", "password is too weak"},
		reason:     ReasonWeakPassword,
		message:    "Password is too weak. Use at least 8 characters with letters and numbers.",
	},
	{
		substrings: []string{"invalid format", "unable to validate email", "email address is invalid", "email_address_invalid", "invalid email"},
		reason:     ReasonInvalidFormat,
		message:    "Please enter a valid email address from a real email provider (Gmail, Yahoo, Outlook, etc.).",
	},
	{
		substrings: []string{"email not confirmed", "email_not_confirmed"},
		reason:     ReasonInvalidCredentials,
		message:    "Please confirm your email address before signing in.",
	},
	{
		substrings: []string{"invalid login credentials", "invalid_grant", "invalid_credentials"},
		reason:     ReasonInvalidCredentials,
		message:    "Invalid email or password.",
	},
}

// classifyProviderError はIdPのエラーを失敗理由に分類する。
// HTTP 429 はレート制限、それ以外はエラー文言の部分一致で判定する。
func classifyProviderError(err error) Outcome {
	var pe *identity.ProviderError
	if errors.As(err, &pe) && pe.Status == http.StatusTooManyRequests {
		return failed(ReasonRateLimited, classification[0].message)
	}

	text := strings.ToLower(err.Error())
	if pe != nil {
		text = strings.ToLower(pe.Code + " " + pe.Message)
	}
	for _, rule := range classification {
		for _, s := range rule.substrings {
			if strings.Contains(text, s) {
				return failed(rule.reason, rule.message)
			}
		}
	}

	if pe != nil && pe.Message != "" {
		return failed(ReasonOther, pe.Message)
	}
	return failed(ReasonOther, "Something went wrong. Please try again.")
}
