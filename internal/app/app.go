// Package app はサブコマンドの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/relaydash/internal/auth"
	"github.com/hitoshi/relaydash/internal/config"
	"github.com/hitoshi/relaydash/internal/database"
	"github.com/hitoshi/relaydash/internal/handler"
	"github.com/hitoshi/relaydash/internal/logger"
	"github.com/hitoshi/relaydash/internal/metrics"
	"github.com/hitoshi/relaydash/internal/middleware"
	"github.com/hitoshi/relaydash/internal/relay"
	"github.com/hitoshi/relaydash/internal/repository"
	"github.com/hitoshi/relaydash/internal/search"
	"github.com/hitoshi/relaydash/internal/security"
	"github.com/hitoshi/relaydash/internal/submission"
	"github.com/hitoshi/relaydash/internal/telemetry"
	"github.com/hitoshi/relaydash/internal/worker/cleanup"
)

const (
	serviceName     = "relaydash"
	dotEnvPath      = ".env"
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// errUnknownMigrateAction はmigrateに未知の操作が指定された場合に返される。
var errUnknownMigrateAction = errors.New("unknown migrate action (want up, down or version)")

// Init はアプリケーションの初期化を行う。
// .envファイルを読み込んだ後、JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（実環境変数が優先される）
	if err := config.LoadDotEnv(dotEnvPath); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return errUnknownMigrateAction
		}
		return runMigrate(cfg, action, w)
	default:
		return runServe(ctx, cfg, w)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// newRegistry はアプリケーションメトリクスとGo/プロセスメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// server はHTTPサーバーモードで組み立てた依存関係。
type server struct {
	deps        *handler.RouterDeps
	rateLimiter *middleware.RateLimiter
}

// close はバックグラウンドゴルーチンを停止する。
func (s *server) close() {
	s.rateLimiter.Stop()
}

// newServer はConfigとDB接続から全依存関係をワイヤリングする。
// DBへの接続は行わないため、テストでは未接続の*sql.DBを渡せる。
func newServer(cfg *config.Config, db *sql.DB, reg *prometheus.Registry, collector metrics.MetricsCollector) *server {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	credentialRepo := repository.NewPostgresCredentialRepo(db)
	challengeRepo := repository.NewPostgresChallengeRepo(db)

	// 2. 認証サービスの初期化
	entra := auth.NewEntraIDProvider(auth.EntraIDConfig{
		ClientID:     cfg.EntraClientID,
		ClientSecret: cfg.EntraClientSecret,
		TenantID:     cfg.EntraTenantID,
		RedirectURL:  cfg.EntraRedirectURL,
		Scopes:       cfg.EntraScopes,
	})
	authService := auth.NewService(
		entra, userRepo, identRepo, sessionRepo,
		auth.ServiceConfig{
			SessionMaxAge:    cfg.SessionMaxAge,
			SessionUpdateAge: cfg.SessionUpdateAge,
		},
		collector,
	)
	webAuthnService := auth.NewWebAuthnService(
		auth.WebAuthnConfig{
			RPID:          cfg.WebAuthnRPID,
			RPDisplayName: cfg.WebAuthnRPDisplayName,
			RPOrigins:     cfg.WebAuthnRPOrigins,
			ChallengeTTL:  cfg.WebAuthnChallengeTTL,
		},
		userRepo, credentialRepo, challengeRepo, authService, collector,
	)

	// 3. 外部API呼び出しの初期化
	guard := security.NewOutboundGuard(cfg.OutboundSSRFGuard)
	validateOutboundURLs(guard, cfg)

	relayClient := relay.NewClient(
		guard.NewSafeClient(cfg.RelayTimeout, cfg.OutboundMaxResponseSize),
		cfg.ExternalAPIURL,
		collector,
	)
	// 呼び出しごとのタイムアウトはsearch.Serviceが設定する
	searchService := search.NewService(
		guard.NewSafeClient(0, cfg.OutboundMaxResponseSize),
		cfg.SearchEndpoints,
		cfg.SearchTimeout,
		collector,
	)
	submissionService := submission.NewService(security.NewTextSanitizer(), collector)

	// 4. ミドルウェア依存の初期化
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSearch),
	)

	deps := &handler.RouterDeps{
		Logger:        slog.Default(),
		Authenticator: authService,
		Cookie: middleware.CookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
			MaxAge: cfg.SessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		AuthService:     authService,
		WebAuthnService: webAuthnService,

		Submissions: submissionService,
		Relay:       relayClient,
		Search:      searchService,

		HealthChecker: db,
		Gatherer:      reg,
	}

	return &server{deps: deps, rateLimiter: rateLimiter}
}

// validateOutboundURLs は外部APIのURLを起動時に検証し、問題があれば警告する。
// 接続時の検証はOutboundGuardのクライアントが行うため、起動は止めない。
func validateOutboundURLs(guard security.OutboundGuard, cfg *config.Config) {
	if cfg.ExternalAPIURL == "" {
		slog.Warn("EXTERNAL_API_URL is not set; /api/final will respond with 500")
	} else if err := guard.ValidateURL(cfg.ExternalAPIURL); err != nil {
		slog.Warn("EXTERNAL_API_URL failed outbound validation", slog.String("error", err.Error()))
	}

	for _, ep := range cfg.SearchEndpoints {
		if err := guard.ValidateURL(ep.URL); err != nil {
			slog.Warn("search endpoint failed outbound validation",
				slog.String("label", ep.Label),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runServe はHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, w io.Writer) error {
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.OTelTracesStdout, w, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("failed to shut down tracer", slog.String("error", err.Error()))
		}
	}()

	// 1. DB接続
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 依存関係とルーターの構築
	reg, collector := newRegistry()
	srv := newServer(cfg, db, reg, collector)
	defer srv.close()

	router, err := handler.NewRouter(srv.deps)
	if err != nil {
		return err
	}

	// 3. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RelayTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, httpServer)
}

// serveUntilDone はctxがキャンセルされるまでHTTPサーバーを実行し、グレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, httpServer *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションとWebAuthnチャレンジのクリーンアップを定期実行し、
// 同じポートで/healthと/metricsを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	reg, collector := newRegistry()

	// 2. 運用エンドポイント
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.SetupMetricsRoute(reg))
	mux.Handle("/health", handler.NewHealthHandler(db))
	opsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opsDone := make(chan error, 1)
	go func() {
		opsDone <- serveUntilDone(workerCtx, opsServer)
	}()

	// 3. クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), collector)

	slog.Info("worker starting", slog.Duration("cleanup_interval", cfg.CleanupInterval))
	cleanupJob.Start(workerCtx, cfg.CleanupInterval)

	cancel()
	if err := <-opsDone; err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// upは未適用のマイグレーションをすべて適用し、downは直近の1つを取り消す。
// versionは現在のバージョンをwに出力する。
func runMigrate(cfg *config.Config, action MigrateAction, w io.Writer) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("migration version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
