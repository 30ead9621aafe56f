// Package api implements the HTTP client for the backend's /auth REST
// surface: password login, registration, refresh, logout, profile reads and
// writes, and the OAuth broker endpoints. It maps transport and status
// failures onto the typed error set in sdk/session.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tidegate/authkit/sdk/session"
)

// maxErrorBodyBytes caps how much of an error response is kept for logs and
// NetworkError payloads.
const maxErrorBodyBytes = 2048

// TokenResponse mirrors the token payload returned by /auth/token,
// /auth/refresh, and the OAuth callback exchange. Registration responses use
// the same shape but may omit the credential fields.
type TokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	User         *session.User `json:"user,omitempty"`
}

// HasCredentials reports whether the backend issued a token set.
func (r *TokenResponse) HasCredentials() bool {
	return r != nil && strings.TrimSpace(r.AccessToken) != ""
}

// ProviderInfo is one entry of GET /auth/oauth/providers.
type ProviderInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Client talks to the backend auth surface. All methods honor the caller's
// context and the configured per-request timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the given backend origin. proxyURL may be empty;
// socks5, http, and https schemes are supported.
func New(baseURL, proxyURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if strings.TrimSpace(proxyURL) != "" {
		httpClient = setProxy(proxyURL, httpClient)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Login exchanges a username/password pair for a token set via the
// form-encoded /auth/token endpoint.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	form := url.Values{
		"username": {username},
		"password": {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth api: create login request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tokens TokenResponse
	if err = c.do(req, "login", credentialStatus, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// Register creates an account. The backend may or may not return credentials;
// callers inspect HasCredentials to decide whether a follow-up login is
// needed.
func (c *Client) Register(ctx context.Context, data map[string]any) (*TokenResponse, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/auth/register", data)
	if err != nil {
		return nil, err
	}
	var resp TokenResponse
	if err = c.do(req, "register", credentialStatus, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, &session.NetworkError{Op: "register", Body: "response missing user record"}
	}
	return &resp, nil
}

// Refresh exchanges the refresh credential for a new token set.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, &session.InvalidCredentialsError{Reason: "refresh token is empty"}
	}
	req, err := c.jsonRequest(ctx, http.MethodPost, "/auth/refresh", map[string]any{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	var tokens TokenResponse
	if err = c.do(req, "refresh", credentialStatus, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// Logout notifies the backend that the session ends. Callers treat failures
// as best-effort; the local clear happens regardless.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/auth/logout", nil)
	if err != nil {
		return err
	}
	setBearer(req, accessToken)
	return c.do(req, "logout", nil, nil)
}

// Me fetches the current profile, used both for session bootstrap and
// liveness checks.
func (c *Client) Me(ctx context.Context, accessToken string) (*session.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, fmt.Errorf("auth api: create profile request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	setBearer(req, accessToken)

	var user session.User
	if err = c.do(req, "profile", credentialStatus, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateMe applies a partial profile update and returns the replaced
// snapshot.
func (c *Client) UpdateMe(ctx context.Context, accessToken string, partial map[string]any) (*session.User, error) {
	req, err := c.jsonRequest(ctx, http.MethodPatch, "/auth/me", partial)
	if err != nil {
		return nil, err
	}
	setBearer(req, accessToken)

	var user session.User
	if err = c.do(req, "profile update", credentialStatus, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// OAuthProviders lists the providers the backend has enabled.
func (c *Client) OAuthProviders(ctx context.Context) ([]ProviderInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/oauth/providers", nil)
	if err != nil {
		return nil, fmt.Errorf("auth api: create providers request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var providers []ProviderInfo
	if err = c.do(req, "oauth providers", nil, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// OAuthLoginURL asks the backend to build the provider authorization URL,
// carrying the CSRF state nonce and the redirect URI it is bound to.
func (c *Client) OAuthLoginURL(ctx context.Context, provider, redirectURI, state string) (string, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/auth/oauth/login", map[string]any{
		"provider":     provider,
		"redirect_uri": redirectURI,
		"state":        state,
	})
	if err != nil {
		return "", err
	}
	body, err := c.doRaw(req, "oauth login", nil)
	if err != nil {
		return "", err
	}
	authURL := strings.TrimSpace(gjson.GetBytes(body, "authorization_url").String())
	return authURL, nil
}

// OAuthExchange trades the authorization code for a token set via the
// backend's provider callback endpoint.
func (c *Client) OAuthExchange(ctx context.Context, provider, code, state string) (*TokenResponse, error) {
	path := "/auth/oauth/" + url.PathEscape(provider) + "/callback"
	req, err := c.jsonRequest(ctx, http.MethodPost, path, map[string]any{
		"code":  code,
		"state": state,
	})
	if err != nil {
		return nil, err
	}
	var tokens TokenResponse
	if err = c.do(req, "oauth exchange", credentialStatus, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("auth api: marshal request body failed: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("auth api: create request failed: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// statusMapper converts a non-2xx response into a typed error. A nil mapper
// falls through to the generic NetworkError.
type statusMapper func(status int, body []byte) error

// credentialStatus maps the rejection statuses of credential-bearing
// endpoints onto InvalidCredentialsError.
func credentialStatus(status int, body []byte) error {
	if status == http.StatusUnauthorized || status == http.StatusBadRequest || status == http.StatusForbidden {
		reason := strings.TrimSpace(gjson.GetBytes(body, "detail").String())
		if reason == "" {
			reason = strings.TrimSpace(gjson.GetBytes(body, "message").String())
		}
		return &session.InvalidCredentialsError{Reason: reason}
	}
	return nil
}

func (c *Client) do(req *http.Request, op string, mapper statusMapper, out any) error {
	body, err := c.doRaw(req, op, mapper)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(body, out); err != nil {
		return &session.NetworkError{Op: op, Body: "malformed response body", Err: err}
	}
	return nil
}

func (c *Client) doRaw(req *http.Request, op string, mapper statusMapper) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &session.NetworkError{Op: op, Err: err}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &session.NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		log.Debugf("auth api %s returned status %d: %s", op, resp.StatusCode, string(snippet))
		if mapper != nil {
			if mapped := mapper(resp.StatusCode, snippet); mapped != nil {
				return nil, mapped
			}
		}
		return nil, &session.NetworkError{Op: op, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return body, nil
}

func setBearer(req *http.Request, accessToken string) {
	if strings.TrimSpace(accessToken) != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}
