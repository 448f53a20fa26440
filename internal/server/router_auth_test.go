package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestAuthorizeRequestRejectsMissingHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	deps, _, _, _, _, _ := newTestDependencies()
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/transactions", strings.NewReader(""))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestRejectsInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	deps, tokens, _, _, _, _ := newTestDependencies()
	tokens.err = errors.New("token expired")
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/transactions", strings.NewReader(""))
	request.Header.Set("Authorization", "Bearer stale-token")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestAcceptsQueryToken(t *testing.T) {
	// EventSource clients cannot set headers, so the stream endpoint accepts
	// the token as a query parameter.
	gin.SetMode(gin.TestMode)
	deps, tokens, _, _, _, _ := newTestDependencies()
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/transactions?access_token=query-token", strings.NewReader(""))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected success with query token, got %d", recorder.Code)
	}
	if len(tokens.seen) != 1 || tokens.seen[0] != "query-token" {
		t.Fatalf("expected the query token to be validated, saw %v", tokens.seen)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	deps, _, _, _, _, _ := newTestDependencies()
	deps.Engine = nil
	if _, err := NewHTTPHandler(deps); err == nil {
		t.Fatalf("expected missing engine to be rejected")
	}

	deps, _, _, _, _, _ = newTestDependencies()
	deps.Tokens = nil
	if _, err := NewHTTPHandler(deps); err == nil {
		t.Fatalf("expected missing token validator to be rejected")
	}
}
