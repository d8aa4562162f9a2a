package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/smtp-groupware-bridge/internal/backend"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a
// token expired, so a token never lapses mid-request.
const tokenExpiryBuffer = 5 * time.Minute

// userToken holds the per-session access token obtained with the user's
// own credentials (password grant). A session is owned by a single
// connection, so no locking is needed.
type userToken struct {
	tokenURL    string
	identity    string
	password    string
	httpClient  *http.Client
	accessToken string
	expiresAt   time.Time
}

func newUserToken(tokenURL, identity, password string, httpClient *http.Client) *userToken {
	return &userToken{
		tokenURL:   tokenURL,
		identity:   identity,
		password:   password,
		httpClient: httpClient,
	}
}

// token returns a valid access token, refreshing it when expired.
func (t *userToken) token(ctx context.Context) (string, error) {
	if t.accessToken != "" && time.Now().Before(t.expiresAt) {
		return t.accessToken, nil
	}
	return t.refresh(ctx)
}

// forceRefresh discards the current token and acquires a new one. Used
// when a 401 response indicates the token is no longer accepted.
func (t *userToken) forceRefresh(ctx context.Context) (string, error) {
	t.accessToken = ""
	t.expiresAt = time.Time{}
	return t.refresh(ctx)
}

// refresh acquires a new token from the token endpoint. A 400 or 401
// means the backend rejected the credentials.
func (t *userToken) refresh(ctx context.Context) (string, error) {
	data := url.Values{
		"grant_type": {"password"},
		"username":   {t.identity},
		"password":   {t.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("%w (HTTP %d)", backend.ErrAuth, resp.StatusCode)
	default:
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	t.accessToken = tokenResp.AccessToken
	t.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - tokenExpiryBuffer)

	return t.accessToken, nil
}
