// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NameSanitizerService はフィード由来の商品名をサニタイズし、
// 配信メッセージや操作画面へのHTML混入を防ぐ。
// bluemondayのStrictPolicyで全タグを除去したプレーンテキストのみを通過させる。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// NameSanitizerService は商品名サニタイズ機能のインターフェースを定義する。
// 商品登録時とフィードからの商品名更新時に使用される。
type NameSanitizerService interface {
	// Sanitize は商品名から全てのHTMLタグを除去し、
	// 前後の空白を削除、連続する空白を1つにまとめたプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawName string) string
}

// nameSanitizer はNameSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyは全てのタグと属性を除去し、テキストのみを残す。
func NewNameSanitizer() *nameSanitizer {
	return &nameSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は商品名から全てのHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyの出力はHTMLエスケープされているため、
// メッセージ本文用にエスケープを解除して返す。
func (s *nameSanitizer) Sanitize(rawName string) string {
	stripped := s.policy.Sanitize(rawName)
	unescaped := html.UnescapeString(stripped)
	return strings.Join(strings.Fields(unescaped), " ")
}
