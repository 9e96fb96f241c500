package model

import (
	"sort"
	"strings"
)

// Gender はフォームで選択できる性別。
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Valid は定義済みの値かどうかを返す。
func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

// SubmissionPayload はダッシュボードフォームの送信内容を表す。
// 永続化はせず、1回のリクエスト・レスポンスの間だけ存在する。
type SubmissionPayload struct {
	FieldOne   string `json:"fieldOne"`
	FieldTwo   string `json:"fieldTwo"`
	FieldThree string `json:"fieldThree"`
	SaveInfo   bool   `json:"saveInfo"`
	Gender     Gender `json:"gender"`
}

// DefaultSubmissionPayload はフォーム初期表示時の値を返す。
func DefaultSubmissionPayload() SubmissionPayload {
	return SubmissionPayload{Gender: GenderMale}
}

// FieldErrors はフィールド名からエラーメッセージへのマップ。
type FieldErrors map[string]string

// Fields はエラーのあるフィールド名をソートして返す。
func (fe FieldErrors) Fields() []string {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Validate は必須項目と性別の値を検証する。
// 性別が未指定の場合はフォームの初期値（male）を補完する。
// エラーがなければnilを返す。
func (p *SubmissionPayload) Validate() FieldErrors {
	errs := FieldErrors{}

	if strings.TrimSpace(p.FieldOne) == "" {
		errs["fieldOne"] = "Field One is required"
	}
	if strings.TrimSpace(p.FieldTwo) == "" {
		errs["fieldTwo"] = "Field Two is required"
	}
	if strings.TrimSpace(p.FieldThree) == "" {
		errs["fieldThree"] = "Field Three is required"
	}

	if p.Gender == "" {
		p.Gender = GenderMale
	}
	if !p.Gender.Valid() {
		errs["gender"] = "Gender must be male or female"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// SubmissionResult は送信成功時のレスポンス。
type SubmissionResult struct {
	Success bool              `json:"success"`
	Data    SubmissionPayload `json:"data"`
	Message string            `json:"message"`
}
