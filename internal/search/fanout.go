// Package search は検索語を複数の外部APIへ並列に送信するファンアウト検索を提供する。
// 各呼び出しは独立しており、一部の失敗や遅延が他の呼び出しを中断することはない。
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/relaydash/internal/metrics"
	"github.com/hitoshi/relaydash/internal/model"
)

// ErrInvalidSearchTerm は検索語が11文字でない場合のエラー。
var ErrInvalidSearchTerm = errors.New("Search term must be exactly 11 characters")

// defaultTimeout は呼び出しごとのデフォルトタイムアウト。
const defaultTimeout = 5 * time.Second

// Service はファンアウト検索を実行する。
type Service struct {
	httpClient *http.Client
	endpoints  []model.SearchEndpoint
	timeout    time.Duration
	metrics    metrics.MetricsCollector
}

// NewService はServiceを生成する。
// timeoutが0以下の場合はデフォルト値5秒を使用する。
func NewService(httpClient *http.Client, endpoints []model.SearchEndpoint, timeout time.Duration, collector metrics.MetricsCollector) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		httpClient: httpClient,
		endpoints:  append([]model.SearchEndpoint(nil), endpoints...),
		timeout:    timeout,
		metrics:    collector,
	}
}

// Endpoints は設定済みのファンアウト先を返す。
func (s *Service) Endpoints() []model.SearchEndpoint {
	return append([]model.SearchEndpoint(nil), s.endpoints...)
}

// Search は全エンドポイントへ並列に {query: term} をPOSTし、全ての呼び出しの完了を待つ。
// 結果には設定済みの全ラベルが必ず含まれる。検索語が不正な場合のみエラーを返す。
func (s *Service) Search(ctx context.Context, term string) (model.SearchResults, error) {
	if !model.ValidSearchTerm(term) {
		return nil, ErrInvalidSearchTerm
	}

	body, err := json.Marshal(map[string]string{"query": term})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	start := time.Now()
	outcomes := make([]model.EndpointResult, len(s.endpoints))
	var wg sync.WaitGroup

	for i, ep := range s.endpoints {
		wg.Add(1)
		go func(i int, ep model.SearchEndpoint) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					slog.ErrorContext(ctx, "search endpoint call panicked",
						slog.String("endpoint", ep.Label),
						slog.Any("panic", rec),
					)
					s.metrics.RecordUpstreamCall(ep.Label, metrics.OutcomeFailure, 0)
					outcomes[i] = model.NewEndpointFailure("Request failed")
				}
			}()

			outcomes[i] = s.call(ctx, ep, body)
		}(i, ep)
	}

	wg.Wait()

	results := make(model.SearchResults, len(s.endpoints))
	succeeded, failed := 0, 0
	for i, ep := range s.endpoints {
		results[ep.Label] = outcomes[i]
		if outcomes[i].Success {
			succeeded++
		} else {
			failed++
		}
	}
	s.metrics.RecordSearch(succeeded, failed)

	slog.InfoContext(ctx, "fan-out search completed",
		slog.Int("endpoint_count", len(s.endpoints)),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return results, nil
}

// call は1エンドポイントを呼び出し、結果をEndpointResultに変換する。
func (s *Service) call(ctx context.Context, ep model.SearchEndpoint, body []byte) model.EndpointResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	status, data, err := s.post(ctx, ep.URL, body)
	duration := time.Since(start)

	if err != nil {
		outcome := metrics.OutcomeOf(err)
		s.metrics.RecordUpstreamCall(ep.Label, outcome, duration)

		message := err.Error()
		if outcome == metrics.OutcomeTimeout {
			message = fmt.Sprintf("timeout of %dms exceeded", s.timeout.Milliseconds())
		}
		slog.WarnContext(ctx, "search endpoint call failed",
			slog.String("endpoint", ep.Label),
			slog.String("error", err.Error()),
		)
		return model.NewEndpointFailure(message)
	}

	s.metrics.RecordUpstreamStatus(ep.Label, status)

	if status < 200 || status > 299 {
		s.metrics.RecordUpstreamCall(ep.Label, metrics.OutcomeFailure, duration)
		slog.WarnContext(ctx, "search endpoint returned error status",
			slog.String("endpoint", ep.Label),
			slog.Int("http_status", status),
		)
		return model.NewEndpointFailure(fmt.Sprintf("request failed with status code %d", status))
	}

	s.metrics.RecordUpstreamCall(ep.Label, metrics.OutcomeSuccess, duration)

	// JSONでない2xx応答は本文を文字列のままdataとして返す
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		text, err := json.Marshal(string(data))
		if err != nil {
			return model.NewEndpointFailure(err.Error())
		}
		return model.NewEndpointSuccess(text)
	}
	return model.NewEndpointSuccess(trimmed)
}

func (s *Service) post(ctx context.Context, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read search response: %w", err)
	}
	return resp.StatusCode, data, nil
}
