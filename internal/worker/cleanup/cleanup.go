// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 有効期限を過ぎたセッションとWebAuthnチャレンジを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/relaydash/internal/metrics"
)

// DefaultInterval はintervalが0以下の場合に使う実行間隔。
const DefaultInterval = time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// target は削除対象のテーブル。
type target struct {
	name  string
	query string
}

// targets はexpires_atが基準時刻より古い行を削除するクエリ。
var targets = []target{
	{name: "sessions", query: `DELETE FROM sessions WHERE expires_at < $1`},
	{name: "webauthn_challenges", query: `DELETE FROM webauthn_challenges WHERE expires_at < $1`},
}

// CleanupJob は期限切れセッション・チャレンジの自動削除ジョブ。
// 冪等な削除処理のため、任意の間隔で繰り返し実行できる。
type CleanupJob struct {
	db      Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	// Grace は期限切れから削除までの猶予（デフォルト: 0）。
	Grace time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewCleanupJob(db Executor, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &CleanupJob{
		db:      db,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
	}
}

// Run は期限切れのセッションとチャレンジを削除する。
// 1つのテーブルで失敗しても残りのテーブルの削除は続行し、全エラーをまとめて返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.Grace)

	var errs []error
	for _, t := range targets {
		if err := j.runTarget(ctx, t, cutoff); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *CleanupJob) runTarget(ctx context.Context, t target, cutoff time.Time) error {
	start := time.Now()

	result, err := j.db.ExecContext(ctx, t.query, cutoff)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("target", t.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%sのクリーンアップに失敗: %w", t.name, err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("target", t.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%sの削除件数の取得に失敗: %w", t.name, err)
	}

	j.metrics.RecordCleanup(t.name, deletedCount)

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.String("target", t.name),
		slog.Int64("deleted_count", deletedCount),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup job stopped")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
