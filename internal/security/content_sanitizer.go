package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はフォーム入力などの自由記述テキストからHTMLを取り除く。
type TextSanitizer interface {
	// Sanitize は全てのタグを除去したプレーンテキストを返す。
	// script, styleなどの要素は内容ごと除去される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyを使うTextSanitizerの実装。
// bluemondayのポリシーはゴルーチンセーフ。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxSanitizePasses は文字実体参照で隠されたタグを剥がす最大回数。
const maxSanitizePasses = 4

// Sanitize はタグを除去し、bluemondayがエスケープした文字実体参照を元に戻す。
// 実体参照を戻した結果タグが現れる場合（&lt;b&gt;など）は、結果が変わらなくなるまで繰り返す。
func (s *textSanitizer) Sanitize(raw string) string {
	out := raw
	for i := 0; i < maxSanitizePasses; i++ {
		if !strings.ContainsAny(out, "<>&") {
			return out
		}
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			return out
		}
		out = next
	}
	return out
}
