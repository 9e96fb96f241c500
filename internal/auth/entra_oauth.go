package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/hitoshi/relaydash/internal/model"
)

var defaultEntraScopes = []string{"openid", "profile", "email", "offline_access"}

// ErrInvalidIDToken はid_tokenの形式またはクレームが不正な場合に返される。
var ErrInvalidIDToken = errors.New("invalid id_token")

// EntraIDConfig はMicrosoft Entra ID（Azure AD）プロバイダーの設定。
type EntraIDConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURL  string
	Scopes       []string

	// テスト用にオーバーライド可能なURLとHTTPクライアント
	AuthURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// EntraIDProvider はEntra IDのOAuth 2.0認可コードフローによる認証を提供する。
type EntraIDProvider struct {
	clientID   string
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewEntraIDProvider はEntraIDProviderを生成する。
func NewEntraIDProvider(config EntraIDConfig) *EntraIDProvider {
	endpoint := microsoft.AzureADEndpoint(config.TenantID)
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = defaultEntraScopes
	}

	return &EntraIDProvider{
		clientID: config.ClientID,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		httpClient: config.HTTPClient,
		now:        time.Now,
	}
}

// GetLoginURL はEntra IDの認可URLを生成する。
func (p *EntraIDProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// ExchangeCode は認可コードをトークンに交換し、id_tokenのクレームからユーザー情報を組み立てる。
func (p *EntraIDProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("%w: missing in token response", ErrInvalidIDToken)
	}

	claims, err := p.parseIDToken(rawIDToken)
	if err != nil {
		return nil, err
	}

	info := &OAuthUserInfo{
		ProviderUserID: firstClaim(claims, "oid", "sub"),
		Email:          firstClaim(claims, "email", "preferred_username"),
		Name:           firstClaim(claims, "name"),
		Image:          firstClaim(claims, "picture"),
		Roles:          rolesFromClaims(claims),
		AccessToken:    token.AccessToken,
		IDToken:        rawIDToken,
		Provider:       model.ProviderAzureAD,
	}
	if info.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: no oid or sub claim", ErrInvalidIDToken)
	}

	return info, nil
}

// parseIDToken はid_tokenをデコードし、audienceと有効期限を検証する。
// トークンはTLS上でトークンエンドポイントから直接受け取ったものなので署名検証は行わない。
func (p *EntraIDProvider) parseIDToken(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains([]string(aud), p.clientID) {
		return nil, fmt.Errorf("%w: audience does not contain client id", ErrInvalidIDToken)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidIDToken)
	}
	if !p.now().Before(exp.Time) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidIDToken)
	}

	return claims, nil
}

// firstClaim は指定キーのうち最初に見つかった空でない文字列クレームを返す。
func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// rolesFromClaims はrolesクレーム、次にroleクレームからロールを取り出す。
// どちらもなければuserロールのみを返す。
func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	switch v := claims["roles"].(type) {
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	case string:
		if v != "" {
			roles = append(roles, v)
		}
	}
	if len(roles) == 0 {
		if role, ok := claims["role"].(string); ok && role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return []string{model.RoleUser}
	}
	return roles
}

// compile-time interface check
var _ OAuthProvider = (*EntraIDProvider)(nil)
