package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{Hub: &Hub{}}); err == nil {
		t.Fatal("expected error for missing token issuer")
	}
	if _, err := NewHTTPHandler(Dependencies{TokenIssuer: stubTokenIssuer{}}); err == nil {
		t.Fatal("expected error for missing hub")
	}
}

func TestHealthEndpoint(t *testing.T) {
	testServer, _ := newTestServer(t)

	response, err := http.Get(testServer.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
}

func TestIssueTokenEndpoint(t *testing.T) {
	testServer, _ := newTestServer(t)

	body := strings.NewReader(`{"user_id":"user-a","display_name":"Analyst"}`)
	response, err := http.Post(testServer.URL+"/auth/token", "application/json", body)
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}

	var payload tokenResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if payload.AccessToken != "token-user-a" {
		t.Fatalf("unexpected access token %q", payload.AccessToken)
	}
	if payload.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", payload.TokenType)
	}
	if payload.ExpiresIn <= 0 {
		t.Fatalf("unexpected expiry %d", payload.ExpiresIn)
	}
}

func TestIssueTokenRejectsMissingUserID(t *testing.T) {
	testServer, _ := newTestServer(t)

	body := strings.NewReader(`{"display_name":"Analyst"}`)
	response, err := http.Post(testServer.URL+"/auth/token", "application/json", body)
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
}

func TestSnapshotListingRequiresBearerToken(t *testing.T) {
	testServer, _ := newTestServer(t)

	response, err := http.Get(testServer.URL + "/workspaces/ws-1/snapshots")
	if err != nil {
		t.Fatalf("snapshot request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
}

func TestCORSHeadersOnPreflight(t *testing.T) {
	testServer, _ := newTestServer(t)
	gin.SetMode(gin.TestMode)

	request, err := http.NewRequest(http.MethodOptions, testServer.URL+"/auth/token", nil)
	if err != nil {
		t.Fatalf("failed to build preflight request: %v", err)
	}
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("preflight request failed: %v", err)
	}
	defer response.Body.Close()

	if got := response.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
