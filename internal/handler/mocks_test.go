package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/relaydash/internal/auth"
	"github.com/hitoshi/relaydash/internal/middleware"
	"github.com/hitoshi/relaydash/internal/model"
	"github.com/hitoshi/relaydash/internal/relay"
)

// コンパイル時にインターフェース実装を検証する
var (
	_ AuthServiceInterface            = (*mockAuthService)(nil)
	_ WebAuthnServiceInterface        = (*mockWebAuthnService)(nil)
	_ SubmissionServiceInterface      = (*mockSubmissionService)(nil)
	_ RelayClientInterface            = (*mockRelayClient)(nil)
	_ SearchServiceInterface          = (*mockSearchService)(nil)
	_ middleware.SessionAuthenticator = (*mockAuthenticator)(nil)
	_ HealthChecker                   = (*mockHealthChecker)(nil)
)

// --- 認証 ---

type mockAuthService struct {
	getLoginURLFn    func(state string) string
	handleCallbackFn func(ctx context.Context, code string) (*model.Session, error)
	logoutFn         func(ctx context.Context, sessionID string) error
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://login.microsoftonline.com/tenant/oauth2/v2.0/authorize?state=" + state
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return &model.Session{ID: "session-" + code, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, sessionID string) (*model.SessionUser, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, sessionID string) (*model.SessionUser, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, sessionID)
	}
	return nil, auth.ErrSessionNotFound
}

// sessionsAuthenticator はセッションIDからユーザーへの固定マップで認証する。
func sessionsAuthenticator(sessions map[string]*model.SessionUser) *mockAuthenticator {
	return &mockAuthenticator{
		authenticateFn: func(_ context.Context, sessionID string) (*model.SessionUser, error) {
			if user, ok := sessions[sessionID]; ok {
				return user, nil
			}
			return nil, auth.ErrSessionNotFound
		},
	}
}

type mockWebAuthnService struct {
	available            bool
	beginRegistrationFn  func(ctx context.Context, userID string) (*auth.Ceremony, error)
	finishRegistrationFn func(ctx context.Context, userID, challengeID string, body []byte) error
	beginLoginFn         func(ctx context.Context, email string) (*auth.Ceremony, error)
	finishLoginFn        func(ctx context.Context, challengeID string, body []byte) (*model.Session, error)
}

func (m *mockWebAuthnService) Available() bool { return m.available }

func (m *mockWebAuthnService) BeginRegistration(ctx context.Context, userID string) (*auth.Ceremony, error) {
	if m.beginRegistrationFn != nil {
		return m.beginRegistrationFn(ctx, userID)
	}
	return nil, auth.ErrWebAuthnUnavailable
}

func (m *mockWebAuthnService) FinishRegistration(ctx context.Context, userID, challengeID string, body []byte) error {
	if m.finishRegistrationFn != nil {
		return m.finishRegistrationFn(ctx, userID, challengeID, body)
	}
	return auth.ErrWebAuthnUnavailable
}

func (m *mockWebAuthnService) BeginLogin(ctx context.Context, email string) (*auth.Ceremony, error) {
	if m.beginLoginFn != nil {
		return m.beginLoginFn(ctx, email)
	}
	return nil, auth.ErrWebAuthnUnavailable
}

func (m *mockWebAuthnService) FinishLogin(ctx context.Context, challengeID string, body []byte) (*model.Session, error) {
	if m.finishLoginFn != nil {
		return m.finishLoginFn(ctx, challengeID, body)
	}
	return nil, auth.ErrWebAuthnUnavailable
}

// --- API ---

type mockSubmissionService struct {
	submitFn func(ctx context.Context, payload model.SubmissionPayload) (*model.SubmissionResult, model.FieldErrors)
}

func (m *mockSubmissionService) Submit(ctx context.Context, payload model.SubmissionPayload) (*model.SubmissionResult, model.FieldErrors) {
	if m.submitFn != nil {
		return m.submitFn(ctx, payload)
	}
	if errs := payload.Validate(); errs != nil {
		return &model.SubmissionResult{Success: false, Data: payload, Message: "Invalid data"}, errs
	}
	return &model.SubmissionResult{Success: true, Data: payload, Message: "Data received successfully"}, nil
}

type mockRelayClient struct {
	forwardFn func(ctx context.Context, payload json.RawMessage, authorization string) relay.Result
}

func (m *mockRelayClient) Forward(ctx context.Context, payload json.RawMessage, authorization string) relay.Result {
	if m.forwardFn != nil {
		return m.forwardFn(ctx, payload, authorization)
	}
	return relay.Result{StatusCode: http.StatusOK, Body: relay.Response{Success: true, Data: payload}}
}

type mockSearchService struct {
	searchFn  func(ctx context.Context, term string) (model.SearchResults, error)
	endpoints []model.SearchEndpoint
}

func (m *mockSearchService) Endpoints() []model.SearchEndpoint {
	if m.endpoints != nil {
		return m.endpoints
	}
	return []model.SearchEndpoint{
		{Label: "API One", URL: "https://one.example.com/search"},
		{Label: "API Two", URL: "https://two.example.com/search"},
	}
}

func (m *mockSearchService) Search(ctx context.Context, term string) (model.SearchResults, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, term)
	}
	return model.SearchResults{
		"API One": model.NewEndpointSuccess(json.RawMessage(`{"hits":1}`)),
		"API Two": model.NewEndpointFailure("request failed with status code 500"),
	}, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

// --- ヘルパー ---

var testCookieConfig = middleware.CookieConfig{MaxAge: 86400}

func testUser(roles ...string) *model.SessionUser {
	return &model.SessionUser{
		SessionID:   "session-1",
		UserID:      "user-1",
		Name:        "Test User",
		Email:       "test@example.com",
		Roles:       roles,
		AccessToken: "access-token",
		IDToken:     "id-token",
		Provider:    model.ProviderAzureAD,
		ExpiresAt:   time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
	}
}

func withUser(r *http.Request, user *model.SessionUser) *http.Request {
	return r.WithContext(middleware.ContextWithSessionUser(r.Context(), user))
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeBody(t testing.TB, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
