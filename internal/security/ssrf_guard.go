// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrResponseTooLarge はレスポンスボディが上限サイズを超えた場合のエラー。
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// OutboundGuard は外部API呼び出し用HTTPクライアントの生成と宛先検証を担う。
// 検索ファンアウトと中継（/api/final）の両方で使用される。
type OutboundGuard interface {
	// NewSafeClient は宛先検証付きのHTTPクライアントを生成する。
	// レスポンスボディはmaxResponseSizeバイトを超えるとErrResponseTooLargeで読み取りを打ち切る。
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client

	// ValidateURL はURLの安全性を事前に検証する。
	// 危険なURLの場合はエラーを返す。
	ValidateURL(rawURL string) error
}

// allowedSchemes は外部呼び出しで許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はSSRF防止でブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateURLでの検証に使用する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// SSRFGuard はsafeurlでプライベートアドレス宛の接続を拒否するOutboundGuard。
type SSRFGuard struct{}

// NewSSRFGuard はSSRFGuardを生成する。
func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// DNS再バインディング攻撃にも対応している。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	client := safeurl.Client(config).Client
	client.Transport = wrapTransport(client.Transport, maxResponseSize)
	return client
}

// ValidateURL はDNS解決を伴わない静的な検証を行う。
// DNS再バインディング攻撃はNewSafeClientが生成するクライアント側のDialer検証で防止される。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	host, err := parseOutboundURL(rawURL)
	if err != nil {
		return err
	}

	// IPアドレスの場合: ブロック対象CIDRとの照合
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// OpenGuard は宛先アドレスを制限しないOutboundGuard。
// OUTBOUND_SSRF_GUARD=false の場合（社内APIやローカル開発）に使用する。
type OpenGuard struct{}

// NewOpenGuard はOpenGuardを生成する。
func NewOpenGuard() *OpenGuard {
	return &OpenGuard{}
}

// NewSafeClient はサイズ上限とトレースのみを付与したHTTPクライアントを生成する。
func (g *OpenGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: wrapTransport(http.DefaultTransport, maxResponseSize),
	}
}

// ValidateURL はスキームとホストのみを検証する。
func (g *OpenGuard) ValidateURL(rawURL string) error {
	_, err := parseOutboundURL(rawURL)
	return err
}

// NewOutboundGuard は設定に応じたOutboundGuardを返す。
func NewOutboundGuard(ssrfProtection bool) OutboundGuard {
	if ssrfProtection {
		return NewSSRFGuard()
	}
	return NewOpenGuard()
}

func parseOutboundURL(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return "", fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("empty host in URL: %s", rawURL)
	}
	return host, nil
}

// wrapTransport はレスポンスサイズ制限とOpenTelemetryのクライアントスパンを付与する。
func wrapTransport(base http.RoundTripper, maxResponseSize int64) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(&limitedTransport{base: base, maxSize: maxResponseSize})
}

// limitedTransport はレスポンスボディの読み取り量を制限するRoundTripper。
type limitedTransport struct {
	base    http.RoundTripper
	maxSize int64
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || t.maxSize <= 0 {
		return resp, err
	}
	if resp.ContentLength > t.maxSize {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: content-length %d > %d", ErrResponseTooLarge, resp.ContentLength, t.maxSize)
	}
	resp.Body = &limitedBody{rc: resp.Body, remaining: t.maxSize}
	return resp, nil
}

// limitedBody は残量を超えるデータが届いた時点でErrResponseTooLargeを返す。
type limitedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		var extra [1]byte
		n, err := b.rc.Read(extra[:])
		if n > 0 {
			return 0, ErrResponseTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.rc.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error {
	return b.rc.Close()
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}
