package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/smtp-groupware-bridge/internal/backend"
	"github.com/shineum/smtp-groupware-bridge/internal/mail"
)

// maxRetries is the maximum number of retry attempts for transient
// submission failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the settings for creating a graph Backend.
type Config struct {
	// BaseURL is the root of the groupware HTTP API.
	BaseURL string

	// TokenURL is the password-grant token endpoint.
	TokenURL string

	// HTTPClient overrides the default client, used for testing.
	HTTPClient *http.Client
}

// Backend talks to the groupware messaging system over its HTTP API.
type Backend struct {
	baseURL    string
	tokenURL   string
	httpClient *http.Client
}

// New creates a Backend with the given configuration.
func New(cfg Config) *Backend {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Backend{
		baseURL:    cfg.BaseURL,
		tokenURL:   cfg.TokenURL,
		httpClient: client,
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "graph"
}

// Authenticate acquires a token with the user's own credentials and opens
// a session. Credential rejection surfaces as backend.ErrAuth.
func (b *Backend) Authenticate(ctx context.Context, identity, password string) (backend.Session, error) {
	tok := newUserToken(b.tokenURL, identity, password, b.httpClient)
	if _, err := tok.token(ctx); err != nil {
		return nil, err
	}
	return &session{backend: b, identity: identity, token: tok}, nil
}

// session is one authenticated conversation with the groupware API.
type session struct {
	backend  *Backend
	identity string
	token    *userToken
}

// Submit posts the transaction to the native submission endpoint with
// retry logic for transient failures: exponential backoff for 5xx,
// Retry-After respect for 429, and one token refresh for 401. An HTTP
// 202 ack does not imply Sent-store visibility.
func (s *session) Submit(ctx context.Context, env mail.Envelope, raw []byte) error {
	bodyJSON, err := json.Marshal(buildSubmitRequest(env, raw))
	if err != nil {
		return fmt.Errorf("failed to marshal submit request: %w", err)
	}

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying groupware submission",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := s.doSubmitRequest(ctx, bodyJSON)
		if err == nil {
			return nil
		}

		lastErr = err

		apiErr, ok := err.(*requestError)
		if !ok {
			return err
		}

		switch {
		case apiErr.permanent:
			return &backend.SubmissionError{Backend: s.backend.Name(), Reason: apiErr.message}
		case apiErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing groupware token after 401", "identity", s.identity)
			if _, refreshErr := s.token.forceRefresh(ctx); refreshErr != nil {
				return fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
			continue
		case apiErr.statusCode == http.StatusTooManyRequests:
			delay := retryAfterDelay(apiErr.retryAfter, attempt)
			slog.Info("rate limited by groupware API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			continue
		case apiErr.transient:
			delay := backoffDelay(attempt)
			slog.Info("transient groupware API error, retrying",
				"status", apiErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			continue
		default:
			return apiErr
		}
	}

	return fmt.Errorf("groupware submission failed after %d retries: %w", maxRetries, lastErr)
}

// SearchSent counts Sent-folder messages whose named header contains
// value. The API's header filter has substring semantics, like an IMAP
// HEADER search.
func (s *session) SearchSent(ctx context.Context, header, value string) (int, error) {
	token, err := s.token.token(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get access token: %w", err)
	}

	query := url.Values{
		"header": {header},
		"value":  {value},
	}
	searchURL := fmt.Sprintf("%s/users/%s/folders/sent/messages?%s",
		s.backend.baseURL, url.PathEscape(s.identity), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.backend.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("search endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return 0, fmt.Errorf("failed to parse search response: %w", err)
	}

	return len(searchResp.Value), nil
}

// Close releases the session. The token simply expires server side.
func (s *session) Close() error {
	return nil
}

// doSubmitRequest performs a single HTTP request to the submission endpoint.
func (s *session) doSubmitRequest(ctx context.Context, bodyJSON []byte) error {
	token, err := s.token.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	submitURL := fmt.Sprintf("%s/users/%s/submit", s.backend.baseURL, url.PathEscape(s.identity))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.backend.httpClient.Do(req)
	if err != nil {
		return &requestError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var apiResp apiErrorResponse
	if jsonErr := json.Unmarshal(body, &apiResp); jsonErr == nil && apiResp.Error.Message != "" {
		return classifyError(resp.StatusCode, apiResp.Error.Message, resp.Header.Get("Retry-After"))
	}

	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// requestError is an API error classified for retry decisions.
type requestError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("groupware API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *requestError {
	err := &requestError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusBadRequest ||
		statusCode == http.StatusForbidden ||
		statusCode == http.StatusRequestEntityTooLarge:
		err.permanent = true
	case statusCode == http.StatusUnauthorized:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses a Retry-After header value, falling back to
// exponential backoff when missing or unparseable.
func retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return backoffDelay(attempt)
	}
	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given
// attempt number: 1s, 2s, 4s.
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for d or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
