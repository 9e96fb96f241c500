package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/relaydash/internal/metrics"
)

type fakeResult struct {
	rowsAffected int64
	err          error
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.err }

type execCall struct {
	query string
	args  []any
}

// mockExecutor はクエリごとに結果を返すExecutorのモック。
type mockExecutor struct {
	mu     sync.Mutex
	calls  []execCall
	execFn func(query string) (sql.Result, error)
}

func (m *mockExecutor) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, execCall{query: query, args: args})
	m.mu.Unlock()
	if m.execFn != nil {
		return m.execFn(query)
	}
	return &fakeResult{}, nil
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockMetrics struct {
	metrics.NopCollector
	mu      sync.Mutex
	deleted map[string]int64
}

func (m *mockMetrics) RecordCleanup(target string, deleted int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted == nil {
		m.deleted = map[string]int64{}
	}
	m.deleted[target] += deleted
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// logEntries はJSONログを1行ずつデコードする。
func logEntries(buf *bytes.Buffer) []map[string]any {
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

func TestCleanupJob_Run_DeletesExpiredSessionsAndChallenges(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)
	job.now = func() time.Time { return fixed }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if len(mock.calls) != 2 {
		t.Fatalf("ExecContext calls = %d, want 2", len(mock.calls))
	}
	if !strings.Contains(mock.calls[0].query, "DELETE FROM sessions") {
		t.Errorf("1件目のクエリ = %s", mock.calls[0].query)
	}
	if !strings.Contains(mock.calls[1].query, "DELETE FROM webauthn_challenges") {
		t.Errorf("2件目のクエリ = %s", mock.calls[1].query)
	}
	for _, call := range mock.calls {
		if !strings.Contains(call.query, "expires_at <") {
			t.Errorf("クエリにexpires_at条件が含まれていない: %s", call.query)
		}
		if got, ok := call.args[0].(time.Time); !ok || !got.Equal(fixed) {
			t.Errorf("cutoff = %v, want %v", call.args[0], fixed)
		}
	}
}

func TestCleanupJob_Run_GraceShiftsCutoff(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)
	job.now = func() time.Time { return fixed }
	job.Grace = time.Hour

	_ = job.Run(context.Background())

	want := fixed.Add(-time.Hour)
	if got := mock.calls[0].args[0].(time.Time); !got.Equal(want) {
		t.Errorf("cutoff = %v, want %v", got, want)
	}
}

func TestCleanupJob_Run_RecordsMetricsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		execFn: func(query string) (sql.Result, error) {
			if strings.Contains(query, "sessions") {
				return &fakeResult{rowsAffected: 42}, nil
			}
			return &fakeResult{rowsAffected: 0}, nil
		},
	}
	m := &mockMetrics{}
	job := NewCleanupJob(mock, newTestLogger(&buf), m)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if m.deleted["sessions"] != 42 {
		t.Errorf("sessions deleted metric = %d, want 42", m.deleted["sessions"])
	}
	if v, ok := m.deleted["webauthn_challenges"]; !ok || v != 0 {
		t.Errorf("0件でもメトリクスを記録すべき: %v", m.deleted)
	}

	counts := map[string]float64{}
	for _, entry := range logEntries(&buf) {
		target, _ := entry["target"].(string)
		if count, ok := entry["deleted_count"].(float64); ok {
			counts[target] = count
		}
		if _, ok := entry["deleted_count"]; ok {
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("ログに duration_ms が記録されていない")
			}
		}
	}
	if counts["sessions"] != 42 || counts["webauthn_challenges"] != 0 {
		t.Errorf("ログの削除件数 = %v", counts)
	}
}

func TestCleanupJob_Run_ContinuesAfterTargetFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		execFn: func(query string) (sql.Result, error) {
			if strings.Contains(query, "sessions") {
				return nil, sql.ErrConnDone
			}
			return &fakeResult{rowsAffected: 3}, nil
		},
	}
	m := &mockMetrics{}
	job := NewCleanupJob(mock, newTestLogger(&buf), m)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("error = %v, want wrapping sql.ErrConnDone", err)
	}
	if len(mock.calls) != 2 {
		t.Errorf("失敗後も残りのテーブルを処理すべき: calls = %d", len(mock.calls))
	}
	if m.deleted["webauthn_challenges"] != 3 {
		t.Errorf("challenges deleted = %d, want 3", m.deleted["webauthn_challenges"])
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_RowsAffectedError(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		execFn: func(string) (sql.Result, error) {
			return &fakeResult{err: errors.New("driver does not support")}, nil
		},
	}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("RowsAffected失敗時はエラーを返すべき")
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf), nil)

	for i := range 2 {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 20*time.Millisecond)
		close(done)
	}()

	time.Sleep(70 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}

	// 起動直後の1回 + tickerによる複数回（各回2テーブル）
	if calls := mock.callCount(); calls < 4 {
		t.Errorf("ExecContext calls = %d, want >= 4", calls)
	}
}

func TestCleanupJob_Start_NonPositiveIntervalUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		// 0を渡してもNewTickerでpanicしないこと
		job.Start(ctx, 0)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}

	// DefaultIntervalは1時間のため、起動直後の1回（2テーブル）のみ
	if calls := mock.callCount(); calls != 2 {
		t.Errorf("ExecContext calls = %d, want 2", calls)
	}
}
