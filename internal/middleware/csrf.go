package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	// csrfCookieName はCSRFトークンを保持するCookieの名前。
	// フロントエンドからJavaScriptで読み取れるよう、HttpOnlyではない。
	csrfCookieName = "csrf_token"

	// csrfHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
	csrfHeaderName = "X-CSRF-Token"

	// CSRFFormField はHTMLフォームでCSRFトークンを送信する際のフィールド名。
	CSRFFormField = "csrf_token"

	csrfCookieMaxAge = 86400 // 24時間
)

var csrfTokenContextKey = contextKey("csrf_token")

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewCSRFMiddleware はCSRFトークンの生成・検証ミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）はトークン検証をスキップし、
// CSRFトークンCookieを設定する。
// 状態変更メソッド（POST, PUT, PATCH, DELETE）はCookieのトークンと、
// X-CSRF-Tokenヘッダーまたはcsrf_tokenフォームフィールドの一致を必須とする。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 安全なメソッドはトークン検証をスキップ
			if isSafeMethod(r.Method) {
				token := ensureCSRFCookie(w, r, config)
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfTokenContextKey, token)))
				return
			}

			// 状態変更メソッド: CSRFトークンを検証
			cookieToken, err := r.Cookie(csrfCookieName)
			if err != nil || cookieToken.Value == "" {
				rejectCSRF(w, r, "missing cookie token")
				return
			}

			requestToken := r.Header.Get(csrfHeaderName)
			if requestToken == "" {
				requestToken = r.PostFormValue(CSRFFormField)
			}
			if requestToken == "" {
				rejectCSRF(w, r, "missing request token")
				return
			}

			if subtle.ConstantTimeCompare([]byte(cookieToken.Value), []byte(requestToken)) != 1 {
				rejectCSRF(w, r, "token mismatch")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfTokenContextKey, cookieToken.Value)))
		})
	}
}

func rejectCSRF(w http.ResponseWriter, r *http.Request, reason string) {
	slog.Warn("CSRF validation failed: "+reason,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	http.Error(w, "CSRF token validation failed", http.StatusForbidden)
}

// CSRFTokenFromContext はCSRFミドルウェアが検証または発行したトークンを返す。
// ページテンプレートのhiddenフィールドに埋め込む。
func CSRFTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(csrfTokenContextKey).(string)
	return token
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /api/csrf-token
// 既存のCSRFトークンCookieがある場合はそれを返し、なければ新規生成する。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ensureCSRFCookie(w, r, config)
		if token == "" {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"token": token,
		})
	})
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// ensureCSRFCookie はCSRFトークンCookieが未設定の場合に設定し、有効なトークンを返す。
// トークン生成に失敗した場合は空文字列を返す。
func ensureCSRFCookie(w http.ResponseWriter, r *http.Request, config CSRFConfig) string {
	if cookie, err := r.Cookie(csrfCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	token, err := generateCSRFToken()
	if err != nil {
		slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
		return ""
	}

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   csrfCookieMaxAge,
		HttpOnly: false, // フロントエンドから読み取り可能
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

// generateCSRFToken は暗号的に安全なCSRFトークンを生成する。
func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
