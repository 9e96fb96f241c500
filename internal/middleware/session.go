// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/relaydash/internal/auth"
	"github.com/hitoshi/relaydash/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionUserContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var sessionUserContextKey = contextKey("session_user")

// SessionAuthenticator はセッションIDから認証済みユーザーを組み立てる。
// auth.Serviceが実装する。
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, sessionID string) (*model.SessionUser, error)
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Secure bool
	Domain string
	MaxAge int // 秒
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 認証済みユーザーをリクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストはそのまま通過させる。アクセス制御はRequireSession等で行う。
// セッションの有効期限が延長された場合はCookieを再発行する。
func NewSessionMiddleware(authenticator SessionAuthenticator, cookie CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(SessionCookieName)
			if err != nil || c.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := authenticator.Authenticate(r.Context(), c.Value)
			if err != nil {
				if errors.Is(err, auth.ErrSessionNotFound) {
					ClearSessionCookie(w, cookie)
				} else {
					slog.Error("failed to authenticate session",
						slog.String("error", err.Error()),
					)
				}
				next.ServeHTTP(w, r)
				return
			}

			if user.Refreshed {
				SetSessionCookie(w, user.SessionID, cookie)
			}

			setLogUserID(r.Context(), user.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithSessionUser(r.Context(), user)))
		})
	}
}

// RequireSession は未認証のページリクエストをloginPathへリダイレクトする。
func RequireSession(loginPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SessionUserFromContext(r.Context()) == nil {
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSessionAPI は未認証のAPIリクエストに401を返す。
func RequireSessionAPI() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SessionUserFromContext(r.Context()) == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole は指定ロールを持たないユーザーをredirectToへリダイレクトする。
// 未認証ユーザーもリダイレクトされる。
func RequireRole(role, redirectTo string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := SessionUserFromContext(r.Context())
			if !user.HasRole(role) {
				slog.Info("role required",
					slog.String("role", role),
					slog.String("path", r.URL.Path),
				)
				http.Redirect(w, r, redirectTo, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RedirectIfAuthenticated はサインイン済みユーザーをtoへリダイレクトする。
// サインインページ等、未認証ユーザー向けのページに使用する。
func RedirectIfAuthenticated(to string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if SessionUserFromContext(r.Context()) != nil {
				http.Redirect(w, r, to, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetSessionCookie はセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, sessionID string, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionUserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
// 未認証の場合はnilを返す。
func SessionUserFromContext(ctx context.Context) *model.SessionUser {
	user, _ := ctx.Value(sessionUserContextKey).(*model.SessionUser)
	return user
}

// ContextWithSessionUser はコンテキストに認証済みユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSessionUser(ctx context.Context, user *model.SessionUser) context.Context {
	return context.WithValue(ctx, sessionUserContextKey, user)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアで認証されたリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	user := SessionUserFromContext(ctx)
	if user == nil || user.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.UserID, nil
}
