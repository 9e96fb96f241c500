package model

import (
	"encoding/json"
	"unicode/utf16"
)

// SearchTermLength は検索語に要求される文字数。
const SearchTermLength = 11

// ValidSearchTerm は検索語がちょうど11文字かを返す。
// 文字数はUTF-16コードユニット単位で数える。ブラウザのmaxlengthと同じ数え方のため、
// 絵文字などBMP外の文字は2文字として扱われる。
func ValidSearchTerm(term string) bool {
	return searchTermLen(term) == SearchTermLength
}

func searchTermLen(term string) int {
	n := 0
	for _, r := range term {
		n += utf16.RuneLen(r)
	}
	return n
}

// SearchEndpoint はファンアウト先の外部APIを表す。
type SearchEndpoint struct {
	Label string
	URL   string
}

// EndpointResult は外部API 1件分の呼び出し結果。
// DataとErrorはどちらか一方のみが設定される。
type EndpointResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewEndpointSuccess は成功結果を生成する。
// 空のボディはJSONのnullとして扱う。
func NewEndpointSuccess(data json.RawMessage) EndpointResult {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return EndpointResult{Success: true, Data: data}
}

// NewEndpointFailure は失敗結果を生成する。
func NewEndpointFailure(message string) EndpointResult {
	if message == "" {
		message = "Request failed"
	}
	return EndpointResult{Success: false, Error: message}
}

// SearchResults はラベルから呼び出し結果へのマップ。
// 1リクエストごとに構築され、レスポンス後に破棄される。
type SearchResults map[string]EndpointResult
