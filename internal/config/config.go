// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/relaydash/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Entra ID (Azure AD)
	EntraClientID     string
	EntraClientSecret string
	EntraTenantID     string
	EntraRedirectURL  string
	EntraScopes       []string

	// Session
	SessionMaxAge    int // 秒
	SessionUpdateAge int // 秒

	// WebAuthn
	WebAuthnRPID          string
	WebAuthnRPDisplayName string
	WebAuthnRPOrigins     []string
	WebAuthnChallengeTTL  time.Duration

	// Outbound
	ExternalAPIURL          string
	SearchEndpoints         []model.SearchEndpoint
	SearchTimeout           time.Duration
	RelayTimeout            time.Duration
	OutboundMaxResponseSize int64
	OutboundSSRFGuard       bool

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitSearch  int

	// Worker
	CleanupInterval time.Duration

	// Logging / Tracing
	LogLevel         string
	OTelTracesStdout bool

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// DefaultSearchEndpoints はSEARCH_ENDPOINTS未指定時のファンアウト先。
var DefaultSearchEndpoints = []model.SearchEndpoint{
	{Label: "API One", URL: "https://api.example.com/search/v1"},
	{Label: "API Two", URL: "https://api.example.com/search/v2"},
	{Label: "API Three", URL: "https://api.example.com/search/v3"},
	{Label: "API Four", URL: "https://api.example.com/search/v4"},
}

// LoadDotEnv は指定パスの.envファイルを環境変数に読み込む。
// ファイルが存在しない場合は何もしない。既に設定済みの環境変数は上書きしない。
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.EntraClientID = os.Getenv("ENTRA_ID_CLIENT_ID")
	if cfg.EntraClientID == "" {
		missing = append(missing, "ENTRA_ID_CLIENT_ID")
	}

	cfg.EntraClientSecret = os.Getenv("ENTRA_ID_CLIENT_SECRET")
	if cfg.EntraClientSecret == "" {
		missing = append(missing, "ENTRA_ID_CLIENT_SECRET")
	}

	cfg.EntraTenantID = os.Getenv("ENTRA_ID_TENANT_ID")
	if cfg.EntraTenantID == "" {
		missing = append(missing, "ENTRA_ID_TENANT_ID")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil || baseURL.Hostname() == "" {
		return nil, fmt.Errorf("BASE_URL is not a valid absolute URL: %q", cfg.BaseURL)
	}

	cfg.SearchEndpoints, err = parseSearchEndpoints(os.Getenv("SEARCH_ENDPOINTS"))
	if err != nil {
		return nil, err
	}

	// Optional fields with defaults
	cfg.EntraRedirectURL = getEnvString("ENTRA_ID_REDIRECT_URL", cfg.BaseURL+"/auth/azure-ad/callback")
	cfg.EntraScopes = strings.Fields(getEnvString("ENTRA_ID_SCOPES", "openid profile email offline_access"))
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 30*24*60*60)
	cfg.SessionUpdateAge = getEnvInt("SESSION_UPDATE_AGE", 24*60*60)
	cfg.WebAuthnRPID = getEnvString("WEBAUTHN_RP_ID", baseURL.Hostname())
	cfg.WebAuthnRPDisplayName = getEnvString("WEBAUTHN_RP_DISPLAY_NAME", "relaydash")
	cfg.WebAuthnRPOrigins = getEnvList("WEBAUTHN_RP_ORIGINS", []string{cfg.BaseURL})
	cfg.WebAuthnChallengeTTL = getEnvDuration("WEBAUTHN_CHALLENGE_TTL", 5*time.Minute)
	cfg.ExternalAPIURL = getEnvString("EXTERNAL_API_URL", "")
	cfg.SearchTimeout = getEnvDuration("SEARCH_TIMEOUT", 5*time.Second)
	cfg.RelayTimeout = getEnvDuration("RELAY_TIMEOUT", 15*time.Second)
	cfg.OutboundMaxResponseSize = getEnvInt64("OUTBOUND_MAX_RESPONSE_SIZE", 5242880)
	cfg.OutboundSSRFGuard = getEnvBool("OUTBOUND_SSRF_GUARD", true)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSearch = getEnvInt("RATE_LIMIT_SEARCH", 20)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.OTelTracesStdout = getEnvBool("OTEL_TRACES_STDOUT", false)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)

	if cfg.SessionUpdateAge > cfg.SessionMaxAge {
		cfg.SessionUpdateAge = cfg.SessionMaxAge
	}

	return cfg, nil
}

// parseSearchEndpoints は "Label=URL,Label=URL" 形式の文字列を解析する。
// 空文字列の場合はDefaultSearchEndpointsを返す。
func parseSearchEndpoints(raw string) ([]model.SearchEndpoint, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]model.SearchEndpoint(nil), DefaultSearchEndpoints...), nil
	}

	var endpoints []model.SearchEndpoint
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		label, rawURL, ok := strings.Cut(entry, "=")
		label = strings.TrimSpace(label)
		rawURL = strings.TrimSpace(rawURL)
		if !ok || label == "" || rawURL == "" {
			return nil, fmt.Errorf("invalid SEARCH_ENDPOINTS entry %q: want Label=URL", entry)
		}
		if seen[label] {
			return nil, fmt.Errorf("duplicate SEARCH_ENDPOINTS label %q", label)
		}
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid SEARCH_ENDPOINTS url for %q: %q", label, rawURL)
		}
		seen[label] = true
		endpoints = append(endpoints, model.SearchEndpoint{Label: label, URL: rawURL})
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("SEARCH_ENDPOINTS contains no endpoints")
	}
	return endpoints, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvList はカンマ区切りの環境変数をスライスとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
