package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/relaydash/internal/model"
	"github.com/hitoshi/relaydash/internal/relay"
	"github.com/hitoshi/relaydash/internal/search"
)

func newTestAPIHandler(sub *mockSubmissionService, rc *mockRelayClient, ss *mockSearchService) *APIHandler {
	if sub == nil {
		sub = &mockSubmissionService{}
	}
	if rc == nil {
		rc = &mockRelayClient{}
	}
	if ss == nil {
		ss = &mockSearchService{}
	}
	return NewAPIHandler(sub, rc, ss)
}

func jsonRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// --- POST /api/submit ---

func TestAPIHandler_Submit_Valid_Returns200(t *testing.T) {
	h := newTestAPIHandler(nil, nil, nil)

	w := httptest.NewRecorder()
	h.Submit(w, jsonRequest("/api/submit", `{"fieldOne":"a","fieldTwo":"b","fieldThree":"c","saveInfo":true,"gender":"female"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body model.SubmissionResult
	decodeBody(t, w.Result(), &body)
	if !body.Success || body.Message != "Data received successfully" {
		t.Errorf("body = %+v", body)
	}
	if body.Data.FieldOne != "a" || !body.Data.SaveInfo || body.Data.Gender != model.GenderFemale {
		t.Errorf("data = %+v", body.Data)
	}
}

func TestAPIHandler_Submit_InvalidJSON_Returns400(t *testing.T) {
	called := false
	sub := &mockSubmissionService{
		submitFn: func(context.Context, model.SubmissionPayload) (*model.SubmissionResult, model.FieldErrors) {
			called = true
			return nil, nil
		},
	}
	h := newTestAPIHandler(sub, nil, nil)

	w := httptest.NewRecorder()
	h.Submit(w, jsonRequest("/api/submit", `{"fieldOne":`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var body messageResponse
	decodeBody(t, w.Result(), &body)
	if body.Success || body.Message != "Invalid data" {
		t.Errorf("body = %+v", body)
	}
	if called {
		t.Error("Submit should not be called for undecodable JSON")
	}
}

func TestAPIHandler_Submit_FieldErrors_Returns400WithErrors(t *testing.T) {
	h := newTestAPIHandler(nil, nil, nil)

	w := httptest.NewRecorder()
	h.Submit(w, jsonRequest("/api/submit", `{"fieldOne":"a","gender":"other"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var body messageResponse
	decodeBody(t, w.Result(), &body)
	if body.Success || body.Message != "Invalid data" {
		t.Errorf("body = %+v", body)
	}
	for _, field := range []string{"fieldTwo", "fieldThree", "gender"} {
		if _, ok := body.Errors[field]; !ok {
			t.Errorf("errors missing %q: %v", field, body.Errors)
		}
	}
	if _, ok := body.Errors["fieldOne"]; ok {
		t.Error("fieldOne should be valid")
	}
}

// --- POST /api/final ---

func TestAPIHandler_Final_ForwardsBodyAndAuthorization(t *testing.T) {
	var gotPayload, gotAuth string
	rc := &mockRelayClient{
		forwardFn: func(_ context.Context, payload json.RawMessage, authorization string) relay.Result {
			gotPayload = string(payload)
			gotAuth = authorization
			return relay.Result{StatusCode: http.StatusOK, Body: relay.Response{Success: true, Data: json.RawMessage(`{"id":7}`)}}
		},
	}
	h := newTestAPIHandler(nil, rc, nil)

	req := jsonRequest("/api/final", `{"x":1}`)
	req.Header.Set("Authorization", "Bearer incoming")
	w := httptest.NewRecorder()
	h.Final(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotPayload != `{"x":1}` {
		t.Errorf("payload = %s", gotPayload)
	}
	if gotAuth != "Bearer incoming" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"success":true,"data":{"id":7}}` {
		t.Errorf("body = %s", got)
	}
}

func TestAPIHandler_Final_FallsBackToSessionAccessToken(t *testing.T) {
	var gotAuth string
	rc := &mockRelayClient{
		forwardFn: func(_ context.Context, _ json.RawMessage, authorization string) relay.Result {
			gotAuth = authorization
			return relay.Result{StatusCode: http.StatusOK, Body: relay.Response{Success: true}}
		},
	}
	h := newTestAPIHandler(nil, rc, nil)

	req := withUser(jsonRequest("/api/final", `[1,2]`), testUser(model.RoleUser))
	w := httptest.NewRecorder()
	h.Final(w, req)

	if gotAuth != "Bearer access-token" {
		t.Errorf("authorization = %q, want session access token", gotAuth)
	}
}

func TestAPIHandler_Final_InvalidBody_Returns500(t *testing.T) {
	called := false
	rc := &mockRelayClient{
		forwardFn: func(context.Context, json.RawMessage, string) relay.Result {
			called = true
			return relay.Result{}
		},
	}
	h := newTestAPIHandler(nil, rc, nil)

	tests := []struct {
		body        string
		wantMessage string
	}{
		{``, "unexpected end of JSON input"},
		{`{"x":`, "unexpected end of JSON input"},
		{`hello`, "invalid character"},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.Final(w, jsonRequest("/api/final", tt.body))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("body %q: status = %d, want %d", tt.body, w.Code, http.StatusInternalServerError)
		}
		var resp messageResponse
		decodeBody(t, w.Result(), &resp)
		if resp.Success || !strings.Contains(resp.Message, tt.wantMessage) {
			t.Errorf("body %q: response = %+v, want message containing %q", tt.body, resp, tt.wantMessage)
		}
	}
	if called {
		t.Error("Forward should not be called for invalid JSON")
	}
}

func TestAPIHandler_Final_PropagatesUpstreamStatus(t *testing.T) {
	rc := &mockRelayClient{
		forwardFn: func(context.Context, json.RawMessage, string) relay.Result {
			return relay.Result{StatusCode: http.StatusBadGateway, Body: relay.Response{Success: false, Message: "External API error"}}
		},
	}
	h := newTestAPIHandler(nil, rc, nil)

	w := httptest.NewRecorder()
	h.Final(w, jsonRequest("/api/final", `{}`))

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"success":false,"message":"External API error"}` {
		t.Errorf("body = %s", got)
	}
}

// --- POST /api/multi-search ---

func TestAPIHandler_MultiSearch_ReturnsAggregatedResults(t *testing.T) {
	var gotTerm string
	ss := &mockSearchService{
		searchFn: func(_ context.Context, term string) (model.SearchResults, error) {
			gotTerm = term
			return model.SearchResults{
				"API One": model.NewEndpointSuccess(json.RawMessage(`{"a":1}`)),
				"API Two": model.NewEndpointFailure("timeout of 5000ms exceeded"),
			}, nil
		},
	}
	h := newTestAPIHandler(nil, nil, ss)

	w := httptest.NewRecorder()
	h.MultiSearch(w, jsonRequest("/api/multi-search", `{"searchTerm":"abcdefghijk"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotTerm != "abcdefghijk" {
		t.Errorf("term = %q", gotTerm)
	}

	var body map[string]map[string]any
	decodeBody(t, w.Result(), &body)
	if body["API One"]["success"] != true {
		t.Errorf("API One = %v", body["API One"])
	}
	if _, ok := body["API One"]["error"]; ok {
		t.Error("success entry should not carry error")
	}
	if body["API Two"]["success"] != false || body["API Two"]["error"] != "timeout of 5000ms exceeded" {
		t.Errorf("API Two = %v", body["API Two"])
	}
	if _, ok := body["API Two"]["data"]; ok {
		t.Error("failure entry should not carry data")
	}
}

func TestAPIHandler_MultiSearch_InvalidTerm_Returns400(t *testing.T) {
	ss := &mockSearchService{
		searchFn: func(_ context.Context, term string) (model.SearchResults, error) {
			if !model.ValidSearchTerm(term) {
				return nil, search.ErrInvalidSearchTerm
			}
			return model.SearchResults{}, nil
		},
	}
	h := newTestAPIHandler(nil, nil, ss)

	tests := []struct {
		name string
		body string
	}{
		{"too short", `{"searchTerm":"abc"}`},
		{"too long", `{"searchTerm":"abcdefghijkl"}`},
		{"number", `{"searchTerm":12345678901}`},
		{"missing", `{}`},
		{"empty", `{"searchTerm":""}`},
		{"array body", `["abcdefghijk"]`},
		{"string body", `"abcdefghijk"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.MultiSearch(w, jsonRequest("/api/multi-search", tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			var body messageResponse
			decodeBody(t, w.Result(), &body)
			if body.Success || body.Message != "Search term must be exactly 11 characters" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestAPIHandler_MultiSearch_UndecodableBody_Returns500(t *testing.T) {
	called := false
	ss := &mockSearchService{
		searchFn: func(context.Context, string) (model.SearchResults, error) {
			called = true
			return model.SearchResults{}, nil
		},
	}
	h := newTestAPIHandler(nil, nil, ss)

	for _, body := range []string{``, `{"searchTerm":`, `not json`, `null`} {
		w := httptest.NewRecorder()
		h.MultiSearch(w, jsonRequest("/api/multi-search", body))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("body %q: status = %d, want %d", body, w.Code, http.StatusInternalServerError)
		}
		var resp messageResponse
		decodeBody(t, w.Result(), &resp)
		if resp.Success || resp.Message != "Failed to process request" {
			t.Errorf("body %q: response = %+v", body, resp)
		}
	}
	if called {
		t.Error("Search should not be called for an undecodable body")
	}
}

func TestAPIHandler_MultiSearch_UnexpectedError_Returns500(t *testing.T) {
	ss := &mockSearchService{
		searchFn: func(context.Context, string) (model.SearchResults, error) {
			return nil, errors.New("marshal failed")
		},
	}
	h := newTestAPIHandler(nil, nil, ss)

	w := httptest.NewRecorder()
	h.MultiSearch(w, jsonRequest("/api/multi-search", `{"searchTerm":"abcdefghijk"}`))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var body messageResponse
	decodeBody(t, w.Result(), &body)
	if body.Message != "Failed to process request" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
	}{
		{"no checker", nil, http.StatusOK},
		{"db reachable", &mockHealthChecker{}, http.StatusOK},
		{"db unreachable", &mockHealthChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.checker).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
