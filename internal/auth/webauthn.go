package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/hitoshi/relaydash/internal/metrics"
	"github.com/hitoshi/relaydash/internal/model"
	"github.com/hitoshi/relaydash/internal/repository"
)

// WebAuthnフローのエラー
var (
	ErrWebAuthnUnavailable = errors.New("webauthn is not configured")
	ErrCredentialNotFound  = errors.New("webauthn credential not found")
	ErrChallengeNotFound   = errors.New("webauthn challenge not found")
	ErrChallengeExpired    = errors.New("webauthn challenge expired")
	ErrVerificationFailed  = errors.New("webauthn verification failed")
	ErrUserNotFound        = errors.New("user not found")
)

const defaultChallengeTTL = 5 * time.Minute

// WebAuthnConfig はRelying Partyの設定。
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	ChallengeTTL  time.Duration
}

// webAuthnProvider はgo-webauthnのうち本サービスが使う操作。テストで差し替える。
type webAuthnProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type credentialParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultCredentialParser struct{}

func (defaultCredentialParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultCredentialParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// SessionIssuer はWebAuthnログイン成功時にセッションを発行する。
type SessionIssuer interface {
	IssueSession(ctx context.Context, user *model.User, provider string, tokens SessionTokens) (*model.Session, error)
}

// Ceremony はブラウザに渡すWebAuthnオプションと、完了時に送り返すチャレンジIDの組。
type Ceremony struct {
	ChallengeID string          `json:"challengeId"`
	Options     json.RawMessage `json:"options"`
}

// WebAuthnService はセキュリティキーの登録とログインを提供する。
type WebAuthnService struct {
	provider    webAuthnProvider
	initErr     error
	parser      credentialParser
	users       repository.UserRepository
	credentials repository.CredentialRepository
	challenges  repository.ChallengeRepository
	sessions    SessionIssuer
	metrics     metrics.MetricsCollector
	ttl         time.Duration
	clock       func() time.Time
	newID       func() string
}

// NewWebAuthnService はWebAuthnServiceを生成する。
// RP設定が不正な場合もサービスは生成され、各操作がErrWebAuthnUnavailableを返す。
func NewWebAuthnService(
	config WebAuthnConfig,
	users repository.UserRepository,
	credentials repository.CredentialRepository,
	challenges repository.ChallengeRepository,
	sessions SessionIssuer,
	collector metrics.MetricsCollector,
) *WebAuthnService {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          config.RPID,
		RPDisplayName: config.RPDisplayName,
		RPOrigins:     config.RPOrigins,
	})
	if err != nil {
		slog.Warn("webauthn is disabled",
			slog.String("rp_id", config.RPID),
			slog.String("error", err.Error()),
		)
	}

	ttl := config.ChallengeTTL
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	svc := &WebAuthnService{
		initErr:     err,
		parser:      defaultCredentialParser{},
		users:       users,
		credentials: credentials,
		challenges:  challenges,
		sessions:    sessions,
		metrics:     collector,
		ttl:         ttl,
		clock:       time.Now,
		newID:       uuid.NewString,
	}
	if err == nil {
		svc.provider = wa
	}
	return svc
}

// Available はWebAuthnが利用可能かを返す。
func (s *WebAuthnService) Available() bool {
	return s.initErr == nil && s.provider != nil
}

// BeginRegistration はサインイン済みユーザーのセキュリティキー登録を開始する。
// 登録済みのクレデンシャルは除外リストに含める。
func (s *WebAuthnService) BeginRegistration(ctx context.Context, userID string) (*Ceremony, error) {
	if !s.Available() {
		return nil, ErrWebAuthnUnavailable
	}

	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	waUser, err := s.loadWebAuthnUser(ctx, user)
	if err != nil {
		return nil, err
	}

	var opts []webauthn.RegistrationOption
	if len(waUser.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(waUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := s.provider.BeginRegistration(waUser, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to begin webauthn registration: %w", err)
	}

	return s.newCeremony(ctx, model.ChallengeKindRegistration, user.ID, session, creation)
}

// FinishRegistration は認証器の登録レスポンスを検証し、クレデンシャルを保存する。
// チャレンジを発行したユーザーとuserIDが一致しない場合は失敗する。
func (s *WebAuthnService) FinishRegistration(ctx context.Context, userID, challengeID string, body []byte) error {
	if !s.Available() {
		return ErrWebAuthnUnavailable
	}

	challenge, session, err := s.consumeChallenge(ctx, challengeID, model.ChallengeKindRegistration)
	if err != nil {
		return err
	}
	if challenge.UserID != userID {
		return fmt.Errorf("%w: challenge issued to another user", ErrVerificationFailed)
	}

	user, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}
	waUser, err := s.loadWebAuthnUser(ctx, user)
	if err != nil {
		return err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	credential, err := s.provider.CreateCredential(waUser, *session, parsed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	now := s.clock().UTC()
	if err := s.credentials.Create(ctx, &model.WebAuthnCredential{
		CredentialID:   encodeCredentialID(credential.ID),
		UserID:         user.ID,
		CredentialJSON: credentialJSON,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	slog.Info("webauthn credential registered",
		slog.String("user_id", user.ID),
		slog.String("credential_id", encodeCredentialID(credential.ID)),
	)
	return nil
}

// BeginLogin はメールアドレスで特定したユーザーのセキュリティキーログインを開始する。
// ユーザーが存在しない、またはクレデンシャル未登録の場合はErrCredentialNotFoundを返す。
func (s *WebAuthnService) BeginLogin(ctx context.Context, email string) (*Ceremony, error) {
	if !s.Available() {
		return nil, ErrWebAuthnUnavailable
	}

	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrCredentialNotFound
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrCredentialNotFound
	}

	waUser, err := s.loadWebAuthnUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(waUser.credentials) == 0 {
		return nil, ErrCredentialNotFound
	}

	assertion, session, err := s.provider.BeginLogin(waUser)
	if err != nil {
		return nil, fmt.Errorf("failed to begin webauthn login: %w", err)
	}

	return s.newCeremony(ctx, model.ChallengeKindLogin, user.ID, session, assertion)
}

// FinishLogin はアサーションを検証し、webauthnプロバイダーのセッションを発行する。
// 更新後の署名カウンタを保存し、クローン検知された認証器は拒否する。
func (s *WebAuthnService) FinishLogin(ctx context.Context, challengeID string, body []byte) (*model.Session, error) {
	session, err := s.finishLogin(ctx, challengeID, body)
	if err != nil {
		s.metrics.RecordSignIn(model.ProviderWebAuthn, signInFailure)
		return nil, err
	}
	s.metrics.RecordSignIn(model.ProviderWebAuthn, signInSuccess)
	return session, nil
}

func (s *WebAuthnService) finishLogin(ctx context.Context, challengeID string, body []byte) (*model.Session, error) {
	if !s.Available() {
		return nil, ErrWebAuthnUnavailable
	}

	challenge, sessionData, err := s.consumeChallenge(ctx, challengeID, model.ChallengeKindLogin)
	if err != nil {
		return nil, err
	}

	user, err := s.findUser(ctx, challenge.UserID)
	if err != nil {
		return nil, err
	}
	waUser, err := s.loadWebAuthnUser(ctx, user)
	if err != nil {
		return nil, err
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	credential, err := s.provider.ValidateLogin(waUser, *sessionData, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	credentialID := encodeCredentialID(credential.ID)
	if credential.Authenticator.CloneWarning {
		slog.Warn("webauthn clone warning",
			slog.String("user_id", user.ID),
			slog.String("credential_id", credentialID),
			slog.Uint64("sign_count", uint64(credential.Authenticator.SignCount)),
		)
		return nil, fmt.Errorf("%w: sign counter did not increase", ErrVerificationFailed)
	}

	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := s.credentials.UpdateAfterLogin(ctx, credentialID, credentialJSON, s.clock().UTC()); err != nil {
		return nil, fmt.Errorf("failed to update credential: %w", err)
	}

	issued, err := s.sessions.IssueSession(ctx, user, model.ProviderWebAuthn, SessionTokens{})
	if err != nil {
		return nil, err
	}

	slog.Info("user signed in",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("provider", model.ProviderWebAuthn),
	)
	return issued, nil
}

func (s *WebAuthnService) findUser(ctx context.Context, userID string) (*model.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserNotFound
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// newCeremony はセッションデータをチャレンジとして保存し、オプションをJSONに変換する。
func (s *WebAuthnService) newCeremony(ctx context.Context, kind model.ChallengeKind, userID string, session *webauthn.SessionData, options any) (*Ceremony, error) {
	if session == nil {
		return nil, fmt.Errorf("session data is required")
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webauthn session: %w", err)
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webauthn options: %w", err)
	}

	challenge := &model.WebAuthnChallenge{
		ID:          s.newID(),
		Kind:        kind,
		UserID:      userID,
		SessionJSON: sessionJSON,
		ExpiresAt:   s.clock().UTC().Add(s.ttl),
	}
	if err := s.challenges.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store webauthn challenge: %w", err)
	}

	return &Ceremony{ChallengeID: challenge.ID, Options: optionsJSON}, nil
}

// consumeChallenge はチャレンジを取り出して削除し、種別と有効期限を検証する。
func (s *WebAuthnService) consumeChallenge(ctx context.Context, challengeID string, kind model.ChallengeKind) (*model.WebAuthnChallenge, *webauthn.SessionData, error) {
	if strings.TrimSpace(challengeID) == "" {
		return nil, nil, ErrChallengeNotFound
	}
	challenge, err := s.challenges.Consume(ctx, challengeID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load webauthn challenge: %w", err)
	}
	if challenge == nil {
		return nil, nil, ErrChallengeNotFound
	}
	if challenge.Kind != kind {
		return nil, nil, fmt.Errorf("%w: kind mismatch", ErrChallengeNotFound)
	}
	if !challenge.ExpiresAt.After(s.clock().UTC()) {
		return nil, nil, ErrChallengeExpired
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(challenge.SessionJSON, &session); err != nil {
		return nil, nil, fmt.Errorf("failed to decode webauthn session: %w", err)
	}
	return challenge, &session, nil
}

// webAuthnUser はgo-webauthnのUserインターフェースを満たすアダプター。
type webAuthnUser struct {
	user        *model.User
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	if u.user.Email != "" {
		return u.user.Email
	}
	return u.user.ID
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.user.Name != "" {
		return u.user.Name
	}
	return u.WebAuthnName()
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *WebAuthnService) loadWebAuthnUser(ctx context.Context, user *model.User) (*webAuthnUser, error) {
	records, err := s.credentials.ListByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &webAuthnUser{user: user, credentials: credentials}, nil
}

func decodeStoredCredentials(records []*model.WebAuthnCredential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal(record.CredentialJSON, &credential); err != nil {
			return nil, fmt.Errorf("failed to decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// compile-time interface check
var _ webauthn.User = (*webAuthnUser)(nil)
var _ SessionIssuer = (*Service)(nil)
