package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/relaydash/internal/auth"
	"github.com/hitoshi/relaydash/internal/middleware"
	"github.com/hitoshi/relaydash/internal/model"
)

func webAuthnRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestWebAuthnHandler_BeginLogin_ReturnsCeremony(t *testing.T) {
	var gotEmail string
	svc := &mockWebAuthnService{
		available: true,
		beginLoginFn: func(_ context.Context, email string) (*auth.Ceremony, error) {
			gotEmail = email
			return &auth.Ceremony{ChallengeID: "ch-1", Options: json.RawMessage(`{"publicKey":{}}`)}, nil
		},
	}
	h := NewWebAuthnHandler(svc, testCookieConfig)

	w := httptest.NewRecorder()
	h.BeginLogin(w, webAuthnRequest("/auth/webauthn/login/begin", `{"email":"a@example.com"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotEmail != "a@example.com" {
		t.Errorf("email = %q", gotEmail)
	}

	var body struct {
		ChallengeID string          `json:"challengeId"`
		Options     json.RawMessage `json:"options"`
	}
	decodeBody(t, w.Result(), &body)
	if body.ChallengeID != "ch-1" {
		t.Errorf("challengeId = %q, want ch-1", body.ChallengeID)
	}
	if string(body.Options) != `{"publicKey":{}}` {
		t.Errorf("options = %s", body.Options)
	}
}

func TestWebAuthnHandler_BeginLogin_InvalidJSON_Returns400(t *testing.T) {
	h := NewWebAuthnHandler(&mockWebAuthnService{available: true}, testCookieConfig)

	w := httptest.NewRecorder()
	h.BeginLogin(w, webAuthnRequest("/auth/webauthn/login/begin", `{`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var body middleware.ErrorResponseBody
	decodeBody(t, w.Result(), &body)
	if body.Code != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRequest)
	}
}

func TestWebAuthnHandler_FinishLogin_SetsSessionCookie(t *testing.T) {
	var gotChallenge, gotBody string
	svc := &mockWebAuthnService{
		available: true,
		finishLoginFn: func(_ context.Context, challengeID string, body []byte) (*model.Session, error) {
			gotChallenge = challengeID
			gotBody = string(body)
			return &model.Session{ID: "webauthn-session", Provider: model.ProviderWebAuthn, ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	h := NewWebAuthnHandler(svc, testCookieConfig)

	w := httptest.NewRecorder()
	h.FinishLogin(w, webAuthnRequest("/auth/webauthn/login/finish", `{"challengeId":"ch-1","credential":{"id":"abc"}}`))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotChallenge != "ch-1" {
		t.Errorf("challengeId = %q", gotChallenge)
	}
	if gotBody != `{"id":"abc"}` {
		t.Errorf("credential body = %s", gotBody)
	}

	cookie := findCookie(resp, middleware.SessionCookieName)
	if cookie == nil || cookie.Value != "webauthn-session" {
		t.Fatalf("session cookie = %+v", cookie)
	}

	var body finishResponse
	decodeBody(t, resp, &body)
	if !body.Success || body.Redirect != "/" {
		t.Errorf("body = %+v", body)
	}
}

func TestWebAuthnHandler_FinishLogin_MissingFields_Returns400(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `not json`},
		{"missing challenge", `{"credential":{"id":"abc"}}`},
		{"missing credential", `{"challengeId":"ch-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockWebAuthnService{
				finishLoginFn: func(context.Context, string, []byte) (*model.Session, error) {
					called = true
					return nil, nil
				},
			}
			h := NewWebAuthnHandler(svc, testCookieConfig)

			w := httptest.NewRecorder()
			h.FinishLogin(w, webAuthnRequest("/auth/webauthn/login/finish", tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if called {
				t.Error("FinishLogin should not be called")
			}
		})
	}
}

func TestWebAuthnHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unavailable", auth.ErrWebAuthnUnavailable, http.StatusServiceUnavailable, model.ErrCodeWebAuthnUnavailable},
		{"credential not found", auth.ErrCredentialNotFound, http.StatusNotFound, model.ErrCodeCredentialNotFound},
		{"challenge not found", auth.ErrChallengeNotFound, http.StatusBadRequest, model.ErrCodeChallengeNotFound},
		{"challenge expired", auth.ErrChallengeExpired, http.StatusBadRequest, model.ErrCodeChallengeExpired},
		{"verification failed", fmt.Errorf("%w: bad signature", auth.ErrVerificationFailed), http.StatusUnauthorized, model.ErrCodeVerificationFailed},
		{"user not found", auth.ErrUserNotFound, http.StatusNotFound, model.ErrCodeUserNotFound},
		{"unexpected", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockWebAuthnService{
				finishLoginFn: func(context.Context, string, []byte) (*model.Session, error) {
					return nil, tt.err
				},
			}
			h := NewWebAuthnHandler(svc, testCookieConfig)

			w := httptest.NewRecorder()
			h.FinishLogin(w, webAuthnRequest("/auth/webauthn/login/finish", `{"challengeId":"ch","credential":{}}`))

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body middleware.ErrorResponseBody
			decodeBody(t, resp, &body)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if findCookie(resp, middleware.SessionCookieName) != nil {
				t.Error("session cookie should not be set on failure")
			}
		})
	}
}

func TestWebAuthnHandler_BeginRegistration_UsesSessionUser(t *testing.T) {
	var gotUserID string
	svc := &mockWebAuthnService{
		available: true,
		beginRegistrationFn: func(_ context.Context, userID string) (*auth.Ceremony, error) {
			gotUserID = userID
			return &auth.Ceremony{ChallengeID: "reg-1", Options: json.RawMessage(`{}`)}, nil
		},
	}
	h := NewWebAuthnHandler(svc, testCookieConfig)

	req := withUser(webAuthnRequest("/auth/webauthn/register/begin", `{}`), testUser(model.RoleUser))
	w := httptest.NewRecorder()
	h.BeginRegistration(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotUserID != "user-1" {
		t.Errorf("userID = %q, want user-1", gotUserID)
	}
}

func TestWebAuthnHandler_Registration_Anonymous_Returns401(t *testing.T) {
	h := NewWebAuthnHandler(&mockWebAuthnService{available: true}, testCookieConfig)

	for _, fn := range []http.HandlerFunc{h.BeginRegistration, h.FinishRegistration} {
		w := httptest.NewRecorder()
		fn(w, webAuthnRequest("/auth/webauthn/register", `{"challengeId":"c","credential":{}}`))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	}
}

func TestWebAuthnHandler_FinishRegistration_Success(t *testing.T) {
	var gotUserID, gotChallenge string
	svc := &mockWebAuthnService{
		available: true,
		finishRegistrationFn: func(_ context.Context, userID, challengeID string, _ []byte) error {
			gotUserID = userID
			gotChallenge = challengeID
			return nil
		},
	}
	h := NewWebAuthnHandler(svc, testCookieConfig)

	req := withUser(webAuthnRequest("/auth/webauthn/register/finish", `{"challengeId":"reg-1","credential":{"id":"x"}}`), testUser(model.RoleUser))
	w := httptest.NewRecorder()
	h.FinishRegistration(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotUserID != "user-1" || gotChallenge != "reg-1" {
		t.Errorf("userID = %q, challengeID = %q", gotUserID, gotChallenge)
	}
	var body finishResponse
	decodeBody(t, w.Result(), &body)
	if !body.Success || body.Redirect != "" {
		t.Errorf("body = %+v", body)
	}
}
