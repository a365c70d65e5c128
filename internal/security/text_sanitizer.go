// Package security はユーザー入力の無害化と外部URLの安全性検証を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプロフィールの自由記述欄からマークアップを取り除く。
// 保存する値はプレーンテキストで、表示時のエスケープは描画側が行う。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はすべてのタグを除去するbluemondayのStrictPolicyでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エンティティを元の文字に戻して前後の空白を取り除く。
// script/styleの中身はタグごと除去される。同一入力に対して常に同一出力を返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
