package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidegate/authkit/sdk/session"
)

func newClient(srv *httptest.Server) *Client {
	return New(srv.URL, "", 5*time.Second)
}

func TestLoginSendsFormCredentials(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostFormValue("username") != "ada" || r.PostFormValue("password") != "secret" {
			t.Errorf("form = %v", r.PostForm)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"token_type":    "bearer",
			"expires_in":    900,
			"refresh_token": "rt-1",
		})
	}))
	defer srv.Close()

	tokens, err := newClient(srv).Login(context.Background(), "ada", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !tokens.HasCredentials() || tokens.RefreshToken != "rt-1" || tokens.ExpiresIn != 900 {
		t.Fatalf("tokens = %+v", tokens)
	}
}

func TestCredentialEndpointsMapRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{name: "unauthorized with detail", status: http.StatusUnauthorized, body: `{"detail":"bad password"}`, reason: "bad password"},
		{name: "bad request with message", status: http.StatusBadRequest, body: `{"message":"user disabled"}`, reason: "user disabled"},
		{name: "forbidden without body", status: http.StatusForbidden, body: `{}`, reason: ""},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newClient(srv).Login(context.Background(), "ada", "wrong")
			var invalid *session.InvalidCredentialsError
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want InvalidCredentialsError", err)
			}
			if invalid.Reason != tc.reason {
				t.Fatalf("Reason = %q, want %q", invalid.Reason, tc.reason)
			}
		})
	}
}

func TestServerErrorsBecomeNetworkErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := newClient(srv).Login(context.Background(), "ada", "secret")
	var netErr *session.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
	if netErr.StatusCode != http.StatusBadGateway || netErr.Body != "upstream down" {
		t.Fatalf("NetworkError = %+v", netErr)
	}
}

func TestTransportFailureBecomesNetworkError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := newClient(srv).Login(context.Background(), "ada", "secret")
	if !session.IsNetworkError(err) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}

func TestRefreshRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("request sent despite empty refresh token")
	}))
	defer srv.Close()

	_, err := newClient(srv).Refresh(context.Background(), "  ")
	if !session.IsInvalidCredentials(err) {
		t.Fatalf("err = %v, want InvalidCredentialsError", err)
	}
}

func TestOAuthLoginURLCarriesStateAndRedirect(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["provider"] != "google" || body["state"] != "st-1" || body["redirect_uri"] != "http://localhost:48710/callback" {
			t.Errorf("body = %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"authorization_url": "https://accounts.example.com/authorize?x=1"})
	}))
	defer srv.Close()

	authURL, err := newClient(srv).OAuthLoginURL(context.Background(), "google", "http://localhost:48710/callback", "st-1")
	if err != nil {
		t.Fatalf("OAuthLoginURL: %v", err)
	}
	if authURL != "https://accounts.example.com/authorize?x=1" {
		t.Fatalf("authURL = %q", authURL)
	}
}

func TestOAuthExchangeEscapesProvider(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/oauth/google/callback" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "c-1" || body["state"] != "st-1" {
			t.Errorf("body = %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "token_type": "bearer", "expires_in": 900})
	}))
	defer srv.Close()

	tokens, err := newClient(srv).OAuthExchange(context.Background(), "google", "c-1", "st-1")
	if err != nil {
		t.Fatalf("OAuthExchange: %v", err)
	}
	if tokens.AccessToken != "at-1" {
		t.Fatalf("tokens = %+v", tokens)
	}
}

func TestLogoutSendsBearer(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("Authorization = %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := newClient(srv).Logout(context.Background(), "at-1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
}

func TestMalformedBodyIsNetworkError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := newClient(srv).Me(context.Background(), "at-1")
	if !session.IsNetworkError(err) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}
