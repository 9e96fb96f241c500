package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/relaydash/internal/auth"
	"github.com/hitoshi/relaydash/internal/middleware"
	"github.com/hitoshi/relaydash/internal/model"
)

// maxWebAuthnBodySize はWebAuthnレスポンスボディの上限（64KiB）。
const maxWebAuthnBodySize = 64 << 10

// WebAuthnServiceInterface はWebAuthnハンドラーが必要とするサービスインターフェース。
type WebAuthnServiceInterface interface {
	Available() bool
	BeginRegistration(ctx context.Context, userID string) (*auth.Ceremony, error)
	FinishRegistration(ctx context.Context, userID, challengeID string, body []byte) error
	BeginLogin(ctx context.Context, email string) (*auth.Ceremony, error)
	FinishLogin(ctx context.Context, challengeID string, body []byte) (*model.Session, error)
}

// WebAuthnHandler はセキュリティキーの登録・ログインのHTTPハンドラー。
type WebAuthnHandler struct {
	service WebAuthnServiceInterface
	cookie  middleware.CookieConfig
}

// NewWebAuthnHandler はWebAuthnHandlerを生成する。
func NewWebAuthnHandler(service WebAuthnServiceInterface, cookie middleware.CookieConfig) *WebAuthnHandler {
	return &WebAuthnHandler{
		service: service,
		cookie:  cookie,
	}
}

// beginLoginRequest はログイン開始リクエストのボディ。
type beginLoginRequest struct {
	Email string `json:"email"`
}

// finishRequest は登録・ログイン完了リクエストのボディ。
// Credentialはnavigator.credentialsの結果をそのまま保持する。
type finishRequest struct {
	ChallengeID string          `json:"challengeId"`
	Credential  json.RawMessage `json:"credential"`
}

// finishResponse は登録・ログイン完了時のレスポンス。
type finishResponse struct {
	Success  bool   `json:"success"`
	Redirect string `json:"redirect,omitempty"`
}

// BeginRegistration はサインイン済みユーザーのセキュリティキー登録を開始する。
// POST /auth/webauthn/register/begin
func (h *WebAuthnHandler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	ceremony, err := h.service.BeginRegistration(r.Context(), userID)
	if err != nil {
		handleWebAuthnError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ceremony)
}

// FinishRegistration は認証器の登録レスポンスを検証して保存する。
// POST /auth/webauthn/register/finish
func (h *WebAuthnHandler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	req, ok := decodeFinishRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.FinishRegistration(r.Context(), userID, req.ChallengeID, req.Credential); err != nil {
		handleWebAuthnError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, finishResponse{Success: true})
}

// BeginLogin はメールアドレスに紐付くセキュリティキーでのログインを開始する。
// POST /auth/webauthn/login/begin
func (h *WebAuthnHandler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	var req beginLoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebAuthnBodySize)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	ceremony, err := h.service.BeginLogin(r.Context(), req.Email)
	if err != nil {
		handleWebAuthnError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ceremony)
}

// FinishLogin はアサーションを検証し、セッションCookieを発行する。
// POST /auth/webauthn/login/finish
func (h *WebAuthnHandler) FinishLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFinishRequest(w, r)
	if !ok {
		return
	}

	session, err := h.service.FinishLogin(r.Context(), req.ChallengeID, req.Credential)
	if err != nil {
		handleWebAuthnError(w, r, err)
		return
	}

	middleware.SetSessionCookie(w, session.ID, h.cookie)
	writeJSON(w, http.StatusOK, finishResponse{Success: true, Redirect: "/"})
}

func decodeFinishRequest(w http.ResponseWriter, r *http.Request) (*finishRequest, bool) {
	var req finishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebAuthnBodySize)).Decode(&req); err != nil ||
		req.ChallengeID == "" || len(req.Credential) == 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return nil, false
	}
	return &req, true
}

// handleWebAuthnError はWebAuthnサービスのエラーを統一エラーフォーマットに変換する。
func handleWebAuthnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrWebAuthnUnavailable):
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewWebAuthnUnavailableError())
	case errors.Is(err, auth.ErrCredentialNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewCredentialNotFoundError())
	case errors.Is(err, auth.ErrChallengeNotFound):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewChallengeNotFoundError())
	case errors.Is(err, auth.ErrChallengeExpired):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewChallengeExpiredError())
	case errors.Is(err, auth.ErrVerificationFailed):
		slog.Warn("webauthn verification failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewVerificationFailedError())
	case errors.Is(err, auth.ErrUserNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	default:
		slog.Error("webauthn request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}
