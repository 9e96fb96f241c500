package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	SearchRate      rate.Limit    // ファンアウト検索のレート（req/sec）。20/60
	SearchBurst     int           // ファンアウト検索のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min、ファンアウト検索 20 req/min（いずれも主体ごと）
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 20)
}

// NewRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// 0以下の値はデフォルト値に置き換える。
func NewRateLimiterConfig(generalPerMinute, searchPerMinute int) RateLimiterConfig {
	if generalPerMinute <= 0 {
		generalPerMinute = 120
	}
	if searchPerMinute <= 0 {
		searchPerMinute = 20
	}
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:    generalPerMinute,
		SearchRate:      rate.Limit(float64(searchPerMinute) / 60.0),
		SearchBurst:     searchPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// subjectLimiter は主体ごとのレートリミッターとアクセス時刻を保持する。
type subjectLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterBucket は1種類のレート制限について主体ごとのリミッターを管理する。
type limiterBucket struct {
	name  string
	rate  rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*subjectLimiter
}

func newLimiterBucket(name string, r rate.Limit, burst int) *limiterBucket {
	return &limiterBucket{
		name:     name,
		rate:     r,
		burst:    burst,
		limiters: make(map[string]*subjectLimiter),
	}
}

// getOrCreate は主体のリミッターを取得または作成する。
func (b *limiterBucket) getOrCreate(subject string) *rate.Limiter {
	b.mu.RLock()
	sl, exists := b.limiters[subject]
	b.mu.RUnlock()

	if exists {
		b.mu.Lock()
		sl.lastAccess = time.Now()
		b.mu.Unlock()
		return sl.limiter
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// ダブルチェック
	if sl, exists := b.limiters[subject]; exists {
		sl.lastAccess = time.Now()
		return sl.limiter
	}

	limiter := rate.NewLimiter(b.rate, b.burst)
	b.limiters[subject] = &subjectLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (b *limiterBucket) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.limiters)
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (b *limiterBucket) evict(now time.Time, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, sl := range b.limiters {
		if now.Sub(sl.lastAccess) > ttl {
			delete(b.limiters, subject)
		}
	}
}

// middleware はバケットのレート制限を適用するミドルウェアを返す。
func (b *limiterBucket) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := rateLimitSubject(r)

			if !b.getOrCreate(subject).Allow() {
				writeRateLimitResponse(w, b.rate)
				slog.Warn("rate limit exceeded",
					slog.String("subject", subject),
					slog.String("limit_type", b.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter は主体（ユーザーIDまたはクライアントIP）ごとのレート制限を管理する。
// API全般のレート制限とファンアウト検索のレート制限の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterBucket
	search  *limiterBucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterBucket("general", config.GeneralRate, config.GeneralBurst),
		search:  newLimiterBucket("search", config.SearchRate, config.SearchBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置すると、認証済みユーザーはユーザーID単位で制限される。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// SearchMiddleware はファンアウト検索専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) SearchMiddleware() func(next http.Handler) http.Handler {
	return rl.search.middleware()
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.count()
}

// SearchLimiterCount は現在管理されているファンアウト検索リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) SearchLimiterCount() int {
	return rl.search.count()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.general.evict(now, ttl)
	rl.search.evict(now, ttl)
}

// rateLimitSubject はレート制限の主体を返す。
// 認証済みならユーザーID、未認証ならクライアントIPを用いる。
func rateLimitSubject(r *http.Request) string {
	if userID, err := UserIDFromContext(r.Context()); err == nil {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
