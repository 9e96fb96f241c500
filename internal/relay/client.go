// Package relay はJSONペイロードを外部APIへ中継するクライアントを提供する。
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/relaydash/internal/metrics"
	"github.com/hitoshi/relaydash/internal/model"
)

const (
	// metricsTarget はメトリクスのtargetラベルに使う中継先名。
	metricsTarget = "relay"

	// NotConfiguredMessage は中継先URLが未設定の場合のメッセージ。
	NotConfiguredMessage = "EXTERNAL_API_URL is not defined in the environment variables."

	// UpstreamErrorMessage は外部APIがmessageを返さなかった場合のメッセージ。
	UpstreamErrorMessage = "External API error"
)

// Response は/api/finalのレスポンスボディ。
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Result は中継1回分の結果。StatusCodeは呼び出し元へ返すHTTPステータス。
type Result struct {
	StatusCode int
	Body       Response
}

// Client は外部APIへのPOST中継を行う。
type Client struct {
	httpClient *http.Client
	endpoint   string
	metrics    metrics.MetricsCollector
}

// NewClient はClientを生成する。endpointが空の場合、Forwardは常に500を返す。
func NewClient(httpClient *http.Client, endpoint string, collector metrics.MetricsCollector) *Client {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		metrics:    collector,
	}
}

// Configured は中継先URLが設定されているかを返す。
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

// Forward はpayloadをそのまま外部APIへPOSTする。
// authorizationが空でなければAuthorizationヘッダーとして付与する。
//   - 2xx: 200 {success:true, data:<外部APIのJSON>}
//   - 非2xx: 同じステータス {success:false, message:<外部APIのmessage> || "External API error"}
//   - 通信・タイムアウト・デコード失敗: 500 {success:false, message:<エラー内容>}
func (c *Client) Forward(ctx context.Context, payload json.RawMessage, authorization string) Result {
	if !c.Configured() {
		slog.ErrorContext(ctx, "relay endpoint is not configured")
		return failure(http.StatusInternalServerError, NotConfiguredMessage)
	}

	start := time.Now()
	status, body, err := c.post(ctx, payload, authorization)
	duration := time.Since(start)

	if err != nil {
		c.metrics.RecordUpstreamCall(metricsTarget, metrics.OutcomeOf(err), duration)
		slog.ErrorContext(ctx, "relay request failed",
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return failure(http.StatusInternalServerError, err.Error())
	}

	c.metrics.RecordUpstreamStatus(metricsTarget, status)

	if status < 200 || status > 299 {
		c.metrics.RecordUpstreamCall(metricsTarget, metrics.OutcomeFailure, duration)
		slog.WarnContext(ctx, "relay upstream returned error status",
			slog.Int("http_status", status),
		)
		return failure(status, upstreamMessage(body))
	}

	var data json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		c.metrics.RecordUpstreamCall(metricsTarget, metrics.OutcomeFailure, duration)
		slog.ErrorContext(ctx, "relay upstream returned invalid JSON",
			slog.String("error", err.Error()),
		)
		return failure(http.StatusInternalServerError, fmt.Sprintf("invalid JSON from external API: %v", err))
	}

	c.metrics.RecordUpstreamCall(metricsTarget, metrics.OutcomeSuccess, duration)
	return Result{
		StatusCode: http.StatusOK,
		Body:       Response{Success: true, Data: data},
	}
}

// post はリクエストを送信し、ステータスコードとボディを返す。
func (c *Client) post(ctx context.Context, payload json.RawMessage, authorization string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read relay response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// upstreamMessage はエラーレスポンスのmessageフィールドを取り出す。
// JSONでない場合や空の場合はUpstreamErrorMessageを返す。
func upstreamMessage(body []byte) string {
	var errBody struct {
		Message any `json:"message"`
	}
	if err := json.Unmarshal(body, &errBody); err != nil {
		return UpstreamErrorMessage
	}
	msg, ok := errBody.Message.(string)
	if !ok || msg == "" {
		return UpstreamErrorMessage
	}
	return msg
}

func failure(status int, message string) Result {
	return Result{
		StatusCode: status,
		Body:       Response{Success: false, Message: message},
	}
}

// Authorization は中継時に付与するAuthorizationヘッダー値を決定する。
// 受信したヘッダーを優先し、なければセッションのアクセストークンをBearerとして使う。
func Authorization(incoming string, user *model.SessionUser) string {
	if incoming = strings.TrimSpace(incoming); incoming != "" {
		return incoming
	}
	if user != nil && user.AccessToken != "" {
		return "Bearer " + user.AccessToken
	}
	return ""
}
