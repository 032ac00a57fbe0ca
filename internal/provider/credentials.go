// Package provider implements the market-data provider API client and the
// access-credential manager that feeds it.
package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CredentialSource records how the current token was obtained.
type CredentialSource string

const (
	// SourceDerived means the token came from the key/secret exchange.
	SourceDerived CredentialSource = "derived"
	// SourceManual means an operator installed the token by hand.
	SourceManual CredentialSource = "manual"
)

// CredentialStatus is a point-in-time view of the credential manager.
type CredentialStatus struct {
	Source     CredentialSource `json:"source"`
	AcquiredAt time.Time        `json:"acquired_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Valid      bool             `json:"valid"`
}

// CredentialManager obtains and refreshes the short-lived provider token.
// The provider rotates credentials once daily at a fixed civil hour, so
// expiry is a function of the wall-clock date rather than issuance time.
// Safe for concurrent use.
type CredentialManager struct {
	mu           sync.Mutex
	apiKey       string
	apiSecret    string
	baseURL      string
	loc          *time.Location
	rotationHour int
	safetyMargin time.Duration
	client       *http.Client
	logger       *logrus.Logger
	now          func() time.Time

	token      string
	acquiredAt time.Time
	expiresAt  time.Time
	source     CredentialSource

	// onRotate fires whenever a new identity is installed manually, since
	// cache entries served under the prior identity may be stale.
	onRotate func()
}

// CredentialOption customises a CredentialManager.
type CredentialOption func(*CredentialManager)

// WithCredentialClock overrides the wall clock, for tests.
func WithCredentialClock(now func() time.Time) CredentialOption {
	return func(m *CredentialManager) { m.now = now }
}

// WithCredentialHTTPClient overrides the HTTP client used for the token exchange.
func WithCredentialHTTPClient(c *http.Client) CredentialOption {
	return func(m *CredentialManager) {
		if c != nil {
			m.client = c
		}
	}
}

// NewCredentialManager creates a credential manager for the given key/secret
// pair. rotationHour is the provider's daily cutover in its own civil time.
func NewCredentialManager(apiKey, apiSecret, baseURL string, loc *time.Location,
	rotationHour int, safetyMargin time.Duration, logger *logrus.Logger,
	opts ...CredentialOption) *CredentialManager {
	m := &CredentialManager{
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		baseURL:      baseURL,
		loc:          loc,
		rotationHour: rotationHour,
		safetyMargin: safetyMargin,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnRotate registers the hook fired when a manual token replaces the current
// identity. The price cache registers its flush here.
func (m *CredentialManager) OnRotate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = fn
}

// Token returns the cached token if unexpired, otherwise exchanges the
// key/secret pair for a fresh one.
func (m *CredentialManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.now().Before(m.expiresAt) {
		return m.token, nil
	}

	token, err := m.exchange(ctx)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}

	now := m.now()
	m.token = token
	m.acquiredAt = now
	m.expiresAt = m.computeExpiry(now)
	m.source = SourceDerived
	m.logger.WithField("expires_at", m.expiresAt).Info("provider credential acquired")
	return m.token, nil
}

// SetManualToken installs an operator-supplied token. The same daily expiry
// rule applies, and the rotation hook fires because the prior identity's
// cached quotes can no longer be trusted.
func (m *CredentialManager) SetManualToken(token string) {
	m.mu.Lock()
	now := m.now()
	m.token = token
	m.acquiredAt = now
	m.expiresAt = m.computeExpiry(now)
	m.source = SourceManual
	hook := m.onRotate
	m.mu.Unlock()

	m.logger.WithField("expires_at", m.expiresAt).Info("manual provider credential installed")
	if hook != nil {
		hook()
	}
}

// Invalidate clears the cached credential so the next Token call re-acquires.
// Called on any 403-class provider response.
func (m *CredentialManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" {
		m.logger.Warn("provider credential invalidated")
	}
	m.token = ""
	m.expiresAt = time.Time{}
}

// Status reports the current credential without triggering acquisition.
func (m *CredentialManager) Status() CredentialStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CredentialStatus{
		Source:     m.source,
		AcquiredAt: m.acquiredAt,
		ExpiresAt:  m.expiresAt,
		Valid:      m.token != "" && m.now().Before(m.expiresAt),
	}
}

// computeExpiry returns the next rotation boundary in the provider's civil
// time, minus the safety margin. A token issued after today's boundary lives
// until tomorrow's.
func (m *CredentialManager) computeExpiry(now time.Time) time.Time {
	local := now.In(m.loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(),
		m.rotationHour, 0, 0, 0, m.loc)
	if !local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary.Add(-m.safetyMargin)
}

// exchange performs the signed token request. The checksum is an HMAC-SHA256
// of the API key and request timestamp under the long-lived secret.
func (m *CredentialManager) exchange(ctx context.Context) (string, error) {
	ts := strconv.FormatInt(m.now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(m.apiSecret))
	mac.Write([]byte(m.apiKey + ts))
	checksum := hex.EncodeToString(mac.Sum(nil))

	form := url.Values{}
	form.Set("api_key", m.apiKey)
	form.Set("timestamp", ts)
	form.Set("checksum", checksum)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+"/session/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.WithError(cerr).Warn("failed to close token response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if payload.Data.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return payload.Data.AccessToken, nil
}
