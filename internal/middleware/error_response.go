package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/relaydash/internal/model"
)

// ErrorResponseBody は認証・WebAuthn・セッション系エンドポイントが返すエラーJSON。
// /api/* の {success, message} 形式とは別で、UI向けにカテゴリと対処方法を持つ。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はapiErrをErrorResponseBodyとして書き込む。
// エラー応答はキャッシュさせない。apiErrがnilの場合は内部エラーとして扱う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	if apiErr == nil {
		apiErr = model.NewInternalError()
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は500を書き込む。原因はレスポンスに含めず、呼び出し側でログに残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
