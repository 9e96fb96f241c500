// Package auth はEntra ID・WebAuthnによる認証フローとセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/relaydash/internal/metrics"
	"github.com/hitoshi/relaydash/internal/model"
	"github.com/hitoshi/relaydash/internal/repository"
)

// サインイン結果のメトリクスラベル
const (
	signInSuccess = "success"
	signInFailure = "failure"
)

// ErrSessionNotFound はセッションが存在しない、期限切れ、またはユーザーが削除済みの場合に返される。
var ErrSessionNotFound = errors.New("session not found or expired")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報とトークンを表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Image          string
	Roles          []string
	AccessToken    string
	IDToken        string
	Provider       string // "azure-ad"
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// SessionTokens はセッションに保持するIdPのトークン。
type SessionTokens struct {
	AccessToken string
	IDToken     string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge    int // セッション有効期間（秒）
	SessionUpdateAge int // 有効期限を延長する間隔（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	metrics     metrics.MetricsCollector
	now         func() time.Time
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		config:      config,
		metrics:     collector,
		now:         time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを同時に自動作成する。
// 登録済みユーザーの場合はIdPの最新のプロフィールとロールでusersレコードを更新する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	session, err := s.handleCallback(ctx, code)
	if err != nil {
		s.metrics.RecordSignIn(model.ProviderAzureAD, signInFailure)
		return nil, err
	}
	s.metrics.RecordSignIn(model.ProviderAzureAD, signInSuccess)
	return session, nil
}

func (s *Service) handleCallback(ctx context.Context, code string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. identitiesテーブルで既存ユーザーを検索
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var user *model.User
	if identity != nil {
		// 3a. 既存ユーザー: プロフィールとロールを更新
		user, err = s.refreshUser(ctx, identity.UserID, userInfo)
		if err != nil {
			return nil, err
		}
	} else {
		// 3b. 新規ユーザー: usersレコードとidentitiesレコードを同時に作成
		user, err = s.createUser(ctx, userInfo)
		if err != nil {
			return nil, err
		}
	}

	// 4. ロールとトークンを載せたセッションを発行
	session, err := s.IssueSession(ctx, user, userInfo.Provider, SessionTokens{
		AccessToken: userInfo.AccessToken,
		IDToken:     userInfo.IDToken,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("user signed in",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("provider", userInfo.Provider),
	)
	return session, nil
}

func (s *Service) refreshUser(ctx context.Context, userID string, info *OAuthUserInfo) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found for identity: %s", userID)
	}

	user.Email = info.Email
	user.Name = info.Name
	user.Image = info.Image
	user.Roles = normalizeRoles(info.Roles)
	user.UpdatedAt = s.now()
	if err := s.userRepo.UpdateProfile(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to update user profile: %w", err)
	}
	return user, nil
}

func (s *Service) createUser(ctx context.Context, info *OAuthUserInfo) (*model.User, error) {
	now := s.now()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     info.Email,
		Name:      info.Name,
		Image:     info.Image,
		Roles:     normalizeRoles(info.Roles),
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	if err := s.userRepo.CreateWithIdentity(ctx, user, identity); err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("provider", info.Provider),
	)
	return user, nil
}

// IssueSession はユーザーのロールとトークンを保持するセッションを作成し永続化する。
func (s *Service) IssueSession(ctx context.Context, user *model.User, provider string, tokens SessionTokens) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:          sessionID,
		UserID:      user.ID,
		Provider:    provider,
		Roles:       normalizeRoles(user.Roles),
		AccessToken: tokens.AccessToken,
		IDToken:     tokens.IDToken,
		ExpiresAt:   now.Add(s.maxAge()),
		CreatedAt:   now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user signed out", slog.String("session_id", sessionID))
	return nil
}

// Authenticate はセッションIDから認証済みユーザーを組み立てる。
// 残り有効期間がSessionMaxAge-SessionUpdateAgeを下回った場合は有効期限を延長する。
func (s *Service) Authenticate(ctx context.Context, sessionID string) (*model.SessionUser, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrSessionNotFound
	}

	refreshed, err := s.RefreshIfNeeded(ctx, session)
	if err != nil {
		return nil, err
	}

	return &model.SessionUser{
		SessionID:   session.ID,
		UserID:      user.ID,
		Name:        user.Name,
		Email:       user.Email,
		Image:       user.Image,
		Roles:       session.Roles,
		AccessToken: session.AccessToken,
		IDToken:     session.IDToken,
		Provider:    session.Provider,
		ExpiresAt:   session.ExpiresAt,
		Refreshed:   refreshed,
	}, nil
}

// RefreshIfNeeded はスライディング方式でセッションの有効期限を延長する。
// 延長した場合はsession.ExpiresAtを更新しtrueを返す。
func (s *Service) RefreshIfNeeded(ctx context.Context, session *model.Session) (bool, error) {
	now := s.now()
	threshold := s.maxAge() - time.Duration(s.config.SessionUpdateAge)*time.Second
	if session.ExpiresAt.Sub(now) >= threshold {
		return false, nil
	}

	expiresAt := now.Add(s.maxAge())
	if err := s.sessionRepo.UpdateExpiry(ctx, session.ID, expiresAt); err != nil {
		return false, fmt.Errorf("failed to refresh session: %w", err)
	}
	session.ExpiresAt = expiresAt
	return true, nil
}

// SessionMaxAge はセッションCookieのMax-Age（秒）を返す。
func (s *Service) SessionMaxAge() int {
	return s.config.SessionMaxAge
}

func (s *Service) maxAge() time.Duration {
	return time.Duration(s.config.SessionMaxAge) * time.Second
}

// normalizeRoles はロールが空の場合にuserロールを補う。
func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return []string{model.RoleUser}
	}
	return roles
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
