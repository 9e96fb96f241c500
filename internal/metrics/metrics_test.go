package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はラベル値が一致するメトリクスを返す。見つからない場合はnilを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != want {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestNewCollector_DoubleRegister_Panics は同一レジストリへの二重登録でpanicすることを検証する。
func TestNewCollector_DoubleRegister_Panics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewCollector(reg)
}

// TestRecordUpstreamCall_CountsByTargetAndOutcome は呼び出し先・結果別にカウントされることを検証する。
func TestRecordUpstreamCall_CountsByTargetAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpstreamCall("API One", OutcomeSuccess, 100*time.Millisecond)
	c.RecordUpstreamCall("API One", OutcomeSuccess, 200*time.Millisecond)
	c.RecordUpstreamCall("API One", OutcomeTimeout, 5*time.Second)

	m := findMetric(t, reg, "relaydash_upstream_calls_total", map[string]string{"target": "API One", "outcome": OutcomeSuccess})
	if m == nil {
		t.Fatal("relaydash_upstream_calls_total{API One,success} not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("success count = %v, want 2", v)
	}

	m = findMetric(t, reg, "relaydash_upstream_calls_total", map[string]string{"target": "API One", "outcome": OutcomeTimeout})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("timeout count metric = %v, want 1", m)
	}

	h := findMetric(t, reg, "relaydash_upstream_latency_seconds", map[string]string{"target": "API One"})
	if h == nil {
		t.Fatal("relaydash_upstream_latency_seconds not found")
	}
	if got := h.GetHistogram().GetSampleCount(); got != 3 {
		t.Errorf("latency sample count = %d, want 3", got)
	}
}

// TestRecordUpstreamStatus_IncrementsCounterWithLabel はステータスコード別に記録されることを検証する。
func TestRecordUpstreamStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpstreamStatus("relay", 200)
	c.RecordUpstreamStatus("relay", 502)
	c.RecordUpstreamStatus("relay", 502)

	m := findMetric(t, reg, "relaydash_upstream_http_status_total", map[string]string{"target": "relay", "status_code": "502"})
	if m == nil {
		t.Fatal("status 502 metric not found")
	}
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("status 502 count = %v, want 2", v)
	}
}

// TestRecordSearch_AccumulatesFailures は検索回数と失敗件数が記録されることを検証する。
func TestRecordSearch_AccumulatesFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSearch(4, 0)
	c.RecordSearch(1, 3)

	if m := findMetric(t, reg, "relaydash_search_requests_total", nil); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("search requests metric = %v, want 2", m)
	}
	if m := findMetric(t, reg, "relaydash_search_endpoint_failures_total", nil); m == nil || m.GetCounter().GetValue() != 3 {
		t.Errorf("search failures metric = %v, want 3", m)
	}
}

// TestRecordSubmission_SplitsByResult は検証結果別に記録されることを検証する。
func TestRecordSubmission_SplitsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSubmission(true)
	c.RecordSubmission(false)
	c.RecordSubmission(false)

	if m := findMetric(t, reg, "relaydash_submissions_total", map[string]string{"result": "invalid"}); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("invalid submissions metric = %v, want 2", m)
	}
	if m := findMetric(t, reg, "relaydash_submissions_total", map[string]string{"result": "valid"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("valid submissions metric = %v, want 1", m)
	}
}

// TestRecordSignIn_CountsByProvider はプロバイダー別にサインインが記録されることを検証する。
func TestRecordSignIn_CountsByProvider(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSignIn("azure-ad", "success")
	c.RecordSignIn("webauthn", "failure")

	if m := findMetric(t, reg, "relaydash_sign_ins_total", map[string]string{"provider": "azure-ad", "result": "success"}); m == nil {
		t.Error("azure-ad success sign-in metric not found")
	}
	if m := findMetric(t, reg, "relaydash_sign_ins_total", map[string]string{"provider": "webauthn", "result": "failure"}); m == nil {
		t.Error("webauthn failure sign-in metric not found")
	}
}

// TestRecordCleanup_AddsDeletedCount は削除件数が加算されることを検証する。
func TestRecordCleanup_AddsDeletedCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCleanup("sessions", 5)
	c.RecordCleanup("sessions", 0)
	c.RecordCleanup("webauthn_challenges", 2)

	if m := findMetric(t, reg, "relaydash_cleanup_deleted_total", map[string]string{"target": "sessions"}); m == nil || m.GetCounter().GetValue() != 5 {
		t.Errorf("sessions cleanup metric = %v, want 5", m)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, OutcomeSuccess},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), OutcomeTimeout},
		{"net timeout", fmt.Errorf("dial: %w", timeoutError{}), OutcomeTimeout},
		{"other", errors.New("connection refused"), OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeOf(tt.err); got != tt.want {
				t.Errorf("OutcomeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}
