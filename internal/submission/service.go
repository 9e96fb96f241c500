// Package submission はダッシュボードフォームの送信処理を提供する。
// 入力の検証のみを行い、送信内容は永続化しない。
package submission

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/relaydash/internal/metrics"
	"github.com/hitoshi/relaydash/internal/model"
	"github.com/hitoshi/relaydash/internal/security"
)

// SuccessMessage は送信成功時のレスポンスメッセージ。
const SuccessMessage = "Data received successfully"

// InvalidMessage は送信失敗時のレスポンスメッセージ。
const InvalidMessage = "Invalid data"

// Service はフォーム送信の検証を行う。
type Service struct {
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(sanitizer security.TextSanitizer, collector metrics.MetricsCollector) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		sanitizer: sanitizer,
		metrics:   collector,
	}
}

// Submit は送信内容を検証し、入力をそのまま返す。
// タグのみで構成された入力は空として必須エラーになる。
// 出力時のエスケープはJSONエンコーダーとhtml/templateが行う。
func (s *Service) Submit(ctx context.Context, payload model.SubmissionPayload) (*model.SubmissionResult, model.FieldErrors) {
	check := payload
	check.FieldOne = s.requiredValue(payload.FieldOne)
	check.FieldTwo = s.requiredValue(payload.FieldTwo)
	check.FieldThree = s.requiredValue(payload.FieldThree)

	errs := check.Validate()
	payload.Gender = check.Gender

	if errs != nil {
		s.metrics.RecordSubmission(false)
		slog.InfoContext(ctx, "submission rejected",
			slog.Any("fields", errs.Fields()),
		)
		return &model.SubmissionResult{Success: false, Data: payload, Message: InvalidMessage}, errs
	}

	s.metrics.RecordSubmission(true)
	return &model.SubmissionResult{
		Success: true,
		Data:    payload,
		Message: SuccessMessage,
	}, nil
}

// requiredValue は必須チェックに使う値を返す。
// 閉じたタグを含む入力のみタグ除去後の値で判定する。"a<b"のような閉じていない"<"は本文として扱う。
func (s *Service) requiredValue(raw string) string {
	if !strings.Contains(raw, ">") {
		return raw
	}
	return s.sanitizer.Sanitize(raw)
}

// PayloadFromForm はHTMLフォームの値から送信内容を組み立てる。
// saveInfoはチェックボックスのため、値が存在すればtrueとする。
func PayloadFromForm(form url.Values) model.SubmissionPayload {
	payload := model.SubmissionPayload{
		FieldOne:   form.Get("fieldOne"),
		FieldTwo:   form.Get("fieldTwo"),
		FieldThree: form.Get("fieldThree"),
		Gender:     model.Gender(strings.TrimSpace(form.Get("gender"))),
	}
	if _, ok := form["saveInfo"]; ok {
		payload.SaveInfo = form.Get("saveInfo") != "false"
	}
	return payload
}
