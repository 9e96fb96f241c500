// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/relaydash/internal/middleware"
	"github.com/hitoshi/relaydash/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	signInPath       = "/auth/signin"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie middleware.CookieConfig
}

// AuthHandler はEntra ID OAuth認証とセッション関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Login はEntra ID OAuthフローを開始する。
// GET /auth/azure-ad/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/azure-ad/callback?code=xxx&state=yyy
// 失敗時はエラー種別を付けてサインインページへ戻す。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// 1. stateの検証（CSRF対策）
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("query_state", state),
		)
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. IdPから返されたエラーの確認
	if idpErr := query.Get("error"); idpErr != "" {
		slog.Warn("oauth provider returned error",
			slog.String("error", idpErr),
			slog.String("error_description", query.Get("error_description")),
		)
		redirectToSignIn(w, r, "AccessDenied")
		return
	}

	// 3. 認可コードの取得
	code := query.Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 4. 認証処理
	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		redirectToSignIn(w, r, "OAuthCallback")
		return
	}

	// 5. セッションCookieを設定（HTTP Only）
	middleware.SetSessionCookie(w, session.ID, h.config.Cookie)

	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄してサインインページへリダイレクトする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	middleware.ClearSessionCookie(w, h.config.Cookie)
	http.Redirect(w, r, signInPath, http.StatusSeeOther)
}

// sessionUserResponse は/auth/sessionのユーザー情報。
type sessionUserResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Image       string   `json:"image,omitempty"`
	Roles       []string `json:"roles"`
	AccessToken string   `json:"accessToken,omitempty"`
	IDToken     string   `json:"idToken,omitempty"`
}

// sessionResponse は/auth/sessionのレスポンス。
type sessionResponse struct {
	User    sessionUserResponse `json:"user"`
	Expires string              `json:"expires"`
}

// Session は現在のセッション情報を返す。未認証の場合は空オブジェクトを返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	user := middleware.SessionUserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		User: sessionUserResponse{
			ID:          user.UserID,
			Name:        user.Name,
			Email:       user.Email,
			Image:       user.Image,
			Roles:       roles,
			AccessToken: user.AccessToken,
			IDToken:     user.IDToken,
		},
		Expires: user.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// redirectToSignIn はエラー種別をクエリに付けてサインインページへリダイレクトする。
func redirectToSignIn(w http.ResponseWriter, r *http.Request, errorKind string) {
	http.Redirect(w, r, signInPath+"?error="+url.QueryEscape(errorKind), http.StatusSeeOther)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
