// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はチャットメッセージ本文からマークアップを除去し、
// クライアントでのXSSを防ぐ。bluemondayのStrictPolicyを使用し、
// すべてのタグを取り除いてテキストのみを残す。
// エスケープされた文字は元に戻し、文字数は表示上の文字で数える。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はメッセージ本文のサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize はタグを除去し、前後の空白を取り除いたテキストを返す。
	// script, styleタグは内容ごと除去される。
	// エンティティはデコードして返す。同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去し、bluemondayが付けたエスケープを戻してからトリムする。
func (s *contentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// RuneLength はサニタイズ後の文字数（rune単位）を返す。
func RuneLength(s string) int {
	return utf8.RuneCountInString(s)
}
