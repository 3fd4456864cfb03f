package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

const (
	defaultTokenTimeout   = 15 * time.Second
	defaultSafetyBuffer   = 60 * time.Second
	defaultTokenLifetime  = time.Hour
	maxTokenResponseBytes = 1 << 20
)

// AccessToken is replaced as a whole on every refresh.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Credentials supplies the value placed in the auth header of each request.
type Credentials interface {
	EnsureToken(ctx context.Context) (AccessToken, error)
	// OnAuthFailure discards the current token and performs one synchronous
	// re-exchange.
	OnAuthFailure(ctx context.Context) (AccessToken, error)
}

type CredentialOptions struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	HTTPClient   *http.Client
	Timeout      time.Duration
	SafetyBuffer time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// CredentialManager runs the OAuth2 client-credentials exchange and caches the
// resulting token until it is within SafetyBuffer of expiring.
type CredentialManager struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
	timeout      time.Duration
	safetyBuffer time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu    sync.Mutex
	token AccessToken
}

func NewCredentialManager(opts CredentialOptions) *CredentialManager {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	buffer := opts.SafetyBuffer
	if buffer <= 0 {
		buffer = defaultSafetyBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CredentialManager{
		tokenURL:     strings.TrimSpace(opts.TokenURL),
		clientID:     strings.TrimSpace(opts.ClientID),
		clientSecret: strings.TrimSpace(opts.ClientSecret),
		scope:        strings.TrimSpace(opts.Scope),
		httpClient:   httpClient,
		timeout:      timeout,
		safetyBuffer: buffer,
		logger:       logging.OrNop(opts.Logger).Named("credentials"),
		now:          now,
	}
}

func (m *CredentialManager) EnsureToken(ctx context.Context) (AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usableLocked() {
		return m.token, nil
	}
	return m.exchangeLocked(ctx)
}

func (m *CredentialManager) OnAuthFailure(ctx context.Context) (AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = AccessToken{}
	return m.exchangeLocked(ctx)
}

func (m *CredentialManager) usableLocked() bool {
	if m.token.Value == "" {
		return false
	}
	return m.now().Before(m.token.ExpiresAt.Add(-m.safetyBuffer))
}

func (m *CredentialManager) exchangeLocked(ctx context.Context) (AccessToken, error) {
	const op = "token exchange"
	if m.tokenURL == "" || m.clientID == "" || m.clientSecret == "" {
		metrics.TokenExchangesTotal.WithLabelValues("rejected").Inc()
		return AccessToken{}, syncerr.Auth(op, errors.New("client credentials are not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	if m.scope != "" {
		form.Set("scope", m.scope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, syncerr.Auth(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := m.now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		metrics.TokenExchangesTotal.WithLabelValues("error").Inc()
		return AccessToken{}, syncerr.Transient(op, err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		metrics.TokenExchangesTotal.WithLabelValues("error").Inc()
		return AccessToken{}, syncerr.Transient(op, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := newHTTPError(resp.StatusCode, body)
		if isRetryableStatus(resp.StatusCode) {
			metrics.TokenExchangesTotal.WithLabelValues("error").Inc()
			return AccessToken{}, syncerr.Transient(op, httpErr)
		}
		metrics.TokenExchangesTotal.WithLabelValues("rejected").Inc()
		m.logger.Warn("identity provider rejected credential exchange", zap.Int("status", resp.StatusCode), zap.String("code", httpErr.Code))
		return AccessToken{}, syncerr.Auth(op, httpErr)
	}

	var payload struct {
		AccessToken string          `json:"access_token"`
		TokenType   string          `json:"token_type"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.TokenExchangesTotal.WithLabelValues("rejected").Inc()
		return AccessToken{}, syncerr.Auth(op, fmt.Errorf("decode token response: %w", err))
	}
	value := strings.TrimSpace(payload.AccessToken)
	if value == "" {
		metrics.TokenExchangesTotal.WithLabelValues("rejected").Inc()
		return AccessToken{}, syncerr.Auth(op, errors.New("token response carried no access_token"))
	}

	m.token = AccessToken{Value: value, ExpiresAt: tokenExpiry(issuedAt, value, payload.ExpiresIn)}
	metrics.TokenExchangesTotal.WithLabelValues("issued").Inc()
	m.logger.Debug("credential exchange succeeded", zap.Time("expires_at", m.token.ExpiresAt))
	return m.token, nil
}

// tokenExpiry prefers expires_in, then the exp claim of a JWT access token,
// then a fixed lifetime.
func tokenExpiry(issuedAt time.Time, token string, rawExpiresIn json.RawMessage) time.Time {
	if seconds := parseExpiresIn(rawExpiresIn); seconds > 0 {
		return issuedAt.Add(time.Duration(seconds) * time.Second)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return issuedAt.Add(defaultTokenLifetime)
}

// parseExpiresIn accepts both numeric and quoted-numeric expires_in values.
func parseExpiresIn(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}

// StaticCredentials serves API keys that never expire.
type StaticCredentials struct {
	Key string
}

func (s StaticCredentials) EnsureToken(context.Context) (AccessToken, error) {
	if strings.TrimSpace(s.Key) == "" {
		return AccessToken{}, syncerr.Auth("api key", errors.New("api key is not configured"))
	}
	return AccessToken{Value: strings.TrimSpace(s.Key)}, nil
}

// OnAuthFailure cannot refresh a static key, so the rejection is final.
func (s StaticCredentials) OnAuthFailure(context.Context) (AccessToken, error) {
	return AccessToken{}, syncerr.Auth("api key", errors.New("api key was rejected"))
}
