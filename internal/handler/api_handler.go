package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/relaydash/internal/middleware"
	"github.com/hitoshi/relaydash/internal/model"
	"github.com/hitoshi/relaydash/internal/relay"
	"github.com/hitoshi/relaydash/internal/search"
	"github.com/hitoshi/relaydash/internal/submission"
)

// maxAPIBodySize はAPIリクエストボディの上限（1MiB）。
const maxAPIBodySize = 1 << 20

// SubmissionServiceInterface はフォーム送信の処理インターフェース。
type SubmissionServiceInterface interface {
	Submit(ctx context.Context, payload model.SubmissionPayload) (*model.SubmissionResult, model.FieldErrors)
}

// RelayClientInterface は外部APIへの中継インターフェース。
type RelayClientInterface interface {
	Forward(ctx context.Context, payload json.RawMessage, authorization string) relay.Result
}

// SearchServiceInterface はファンアウト検索の実行インターフェース。
type SearchServiceInterface interface {
	Search(ctx context.Context, term string) (model.SearchResults, error)
	Endpoints() []model.SearchEndpoint
}

// APIHandler はフォーム送信・中継・ファンアウト検索のAPIハンドラー。
type APIHandler struct {
	submissions SubmissionServiceInterface
	relay       RelayClientInterface
	search      SearchServiceInterface
}

// NewAPIHandler はAPIHandlerを生成する。
func NewAPIHandler(submissions SubmissionServiceInterface, relayClient RelayClientInterface, searchService SearchServiceInterface) *APIHandler {
	return &APIHandler{
		submissions: submissions,
		relay:       relayClient,
		search:      searchService,
	}
}

// messageResponse は {success, message} 形式のレスポンス。
type messageResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Errors  model.FieldErrors `json:"errors,omitempty"`
}

// Submit はフォーム送信を受け付け、検証した内容を返す。
// POST /api/submit
func (h *APIHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var payload model.SubmissionPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodySize)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Success: false, Message: submission.InvalidMessage})
		return
	}

	result, fieldErrs := h.submissions.Submit(r.Context(), payload)
	if fieldErrs != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{
			Success: false,
			Message: submission.InvalidMessage,
			Errors:  fieldErrs,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Final は受け取ったJSONをEXTERNAL_API_URLへ中継する。
// POST /api/final
func (h *APIHandler) Final(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAPIBodySize))
	if err == nil {
		var v json.RawMessage
		err = json.Unmarshal(body, &v)
	}
	if err != nil {
		slog.WarnContext(r.Context(), "failed to read relay request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, messageResponse{Success: false, Message: err.Error()})
		return
	}

	authorization := relay.Authorization(
		r.Header.Get("Authorization"),
		middleware.SessionUserFromContext(r.Context()),
	)

	result := h.relay.Forward(r.Context(), body, authorization)
	writeJSON(w, result.StatusCode, result.Body)
}

// MultiSearch は検索語を全エンドポイントへファンアウトし、結果をラベルごとに返す。
// POST /api/multi-search
func (h *APIHandler) MultiSearch(w http.ResponseWriter, r *http.Request) {
	invalidTerm := messageResponse{Success: false, Message: search.ErrInvalidSearchTerm.Error()}
	failed := messageResponse{Success: false, Message: "Failed to process request"}

	// 本文はJSON値として読み、searchTermの型は後で検証する
	var body any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodySize)).Decode(&body); err != nil || body == nil {
		if err != nil {
			slog.WarnContext(r.Context(), "failed to decode search request", slog.String("error", err.Error()))
		}
		writeJSON(w, http.StatusInternalServerError, failed)
		return
	}

	// オブジェクト以外の本文やsearchTermが文字列でない場合は検索語の不正として扱う
	obj, _ := body.(map[string]any)
	term, ok := obj["searchTerm"].(string)
	if !ok {
		writeJSON(w, http.StatusBadRequest, invalidTerm)
		return
	}

	results, err := h.search.Search(r.Context(), term)
	if err != nil {
		if errors.Is(err, search.ErrInvalidSearchTerm) {
			writeJSON(w, http.StatusBadRequest, invalidTerm)
			return
		}
		slog.ErrorContext(r.Context(), "failed to process search request", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, failed)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
