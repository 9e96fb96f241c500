package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hitoshi/relaydash/internal/metrics"
	"github.com/hitoshi/relaydash/internal/middleware"
	"github.com/hitoshi/relaydash/internal/model"
)

// serviceName はトレースのスパン名に使用するサービス名。
const serviceName = "relaydash"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Authenticator     middleware.SessionAuthenticator
	Cookie            middleware.CookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService     AuthServiceInterface
	WebAuthnService WebAuthnServiceInterface

	// API
	Submissions SubmissionServiceInterface
	Relay       RelayClientInterface
	Search      SearchServiceInterface

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したハンドラーを返す。
//
// ミドルウェアスタックの実行順序:
//
//	otelhttp → RequestID → Recovery → Logging → SecurityHeaders → CORS
//	→ Session → RateLimit(General)
//
// /health、/metrics、/static/* はセッションとレート制限の外に配置する。
// 未認証リクエストのレート制限はRemoteAddr単位のため、X-Forwarded-For等の
// クライアント指定ヘッダーでRemoteAddrを書き換えない。
func NewRouter(deps *RouterDeps) (http.Handler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	webAuthnAvailable := deps.WebAuthnService != nil && deps.WebAuthnService.Available()

	pageHandler, err := NewPageHandler(deps.Submissions, deps.Search, webAuthnAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to build page handler: %w", err)
	}
	authHandler := NewAuthHandler(deps.AuthService, AuthHandlerConfig{Cookie: deps.Cookie})
	webAuthnHandler := NewWebAuthnHandler(deps.WebAuthnService, deps.Cookie)
	apiHandler := NewAPIHandler(deps.Submissions, deps.Relay, deps.Search)

	csrf := middleware.NewCSRFMiddleware(deps.CSRF)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.CORSAllowedOrigin != "" {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	}

	// --- セッション・レート制限の対象外 ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Method(http.MethodGet, "/static/*", StaticHandler())

	// --- セッションを読み取るルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Authenticator, deps.Cookie))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Route("/auth", func(r chi.Router) {
			// OAuthコールバックはIdPからのリダイレクトのためCSRFトークンを持たない
			r.Get("/azure-ad/callback", authHandler.Callback)
			r.Get("/session", authHandler.Session)

			r.Group(func(r chi.Router) {
				r.Use(csrf)

				r.With(middleware.RedirectIfAuthenticated("/")).Get("/signin", pageHandler.SignIn)
				r.With(middleware.RedirectIfAuthenticated("/")).Get("/azure-ad/login", authHandler.Login)
				r.Post("/logout", authHandler.Logout)

				r.Route("/webauthn", func(r chi.Router) {
					r.Post("/login/begin", webAuthnHandler.BeginLogin)
					r.Post("/login/finish", webAuthnHandler.FinishLogin)

					r.Group(func(r chi.Router) {
						r.Use(middleware.RequireSessionAPI())
						r.Post("/register/begin", webAuthnHandler.BeginRegistration)
						r.Post("/register/finish", webAuthnHandler.FinishRegistration)
					})
				})
			})
		})

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// JSON API。セッションは任意で、/api/finalはセッションのアクセストークンを中継に使う
		r.Route("/api", func(r chi.Router) {
			r.Post("/submit", apiHandler.Submit)
			r.Post("/final", apiHandler.Final)
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.SearchMiddleware()).Post("/multi-search", apiHandler.MultiSearch)
			} else {
				r.Post("/multi-search", apiHandler.MultiSearch)
			}
		})

		// 保護されたページ
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(signInPath))
			r.Use(csrf)

			r.Get("/", pageHandler.Home)

			r.Route("/dashboard", func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleAdmin, "/"))
				r.Get("/", pageHandler.Dashboard)
				r.Post("/", pageHandler.SubmitDashboard)
				r.Get("/search", pageHandler.Search)
				if deps.RateLimiter != nil {
					r.With(deps.RateLimiter.SearchMiddleware()).Post("/search", pageHandler.SubmitSearch)
				} else {
					r.Post("/search", pageHandler.SubmitSearch)
				}
			})
		})
	})

	return otelhttp.NewHandler(r, serviceName), nil
}
