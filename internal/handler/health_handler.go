package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はヘルスチェックで疎通を確認する依存先。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler はDBへの疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func NewHealthHandler(checker HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
