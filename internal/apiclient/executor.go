package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultTimeout     = 30 * time.Second

	maxResponseBytes = 16 << 20
)

type ExecutorOptions struct {
	// Name labels metrics and log lines, e.g. "source" or "downstream".
	Name        string
	BaseURL     string
	Credentials Credentials
	// AuthHeader defaults to Authorization with a Bearer scheme. Any other
	// header carries the raw credential unless AuthScheme is set.
	AuthHeader  string
	AuthScheme  string
	HTTPClient  *http.Client
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds each individual attempt.
	Timeout   time.Duration
	Limiter   *rate.Limiter
	UserAgent string
	Logger    *zap.Logger
	// Sleep waits between attempts; tests replace it to observe the schedule.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter picks the actual wait below a backoff ceiling. Defaults to full
	// jitter, a uniform draw from [0, ceiling].
	Jitter func(ceiling time.Duration) time.Duration
}

// Executor sends requests with retry, backoff, error classification and a
// single credential refresh on 401.
type Executor struct {
	name        string
	baseURL     string
	creds       Credentials
	authHeader  string
	authScheme  string
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
	limiter     *rate.Limiter
	userAgent   string
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func(ceiling time.Duration) time.Duration
}

type Request struct {
	Method string
	// Path is joined to the base URL unless it is already absolute.
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

func NewExecutor(opts ExecutorOptions) *Executor {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "api"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	authHeader := strings.TrimSpace(opts.AuthHeader)
	authScheme := strings.TrimSpace(opts.AuthScheme)
	if authHeader == "" {
		authHeader = "Authorization"
		if authScheme == "" {
			authScheme = "Bearer"
		}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = waitWithContext
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = fullJitter
	}
	return &Executor{
		name:        name,
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		creds:       opts.Credentials,
		authHeader:  authHeader,
		authScheme:  authScheme,
		httpClient:  httpClient,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		timeout:     timeout,
		limiter:     opts.Limiter,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		logger:      logging.OrNop(opts.Logger).Named(name),
		sleep:       sleep,
		jitter:      jitter,
	}
}

// Execute returns the first 2xx response. Non-retryable responses come back
// as *HTTPError, exhausted retries as a transient network error wrapping the
// last failure, and a 401 that survives one credential refresh as an auth
// error.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := e.resolveURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}
	var bodyBytes []byte
	if req.Body != nil {
		if bodyBytes, err = json.Marshal(req.Body); err != nil {
			return nil, err
		}
	}
	op := method + " " + req.Path
	correlationID := uuid.NewString()
	authReplayed := false

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		resp, err := e.send(ctx, method, target, bodyBytes, req.Header, correlationID)
		if err == nil && resp.StatusCode == http.StatusUnauthorized && !authReplayed {
			authReplayed = true
			e.logger.Info("request unauthorized, refreshing credentials", zap.String("op", op))
			if e.creds == nil {
				return nil, syncerr.Auth(op, newHTTPError(resp.StatusCode, resp.Body))
			}
			if _, authErr := e.creds.OnAuthFailure(ctx); authErr != nil {
				return nil, authErr
			}
			resp, err = e.send(ctx, method, target, bodyBytes, req.Header, correlationID)
		}

		retryAfter := ""
		switch {
		case err != nil:
			if syncerr.IsAuth(err) {
				return nil, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if syncerr.KindOf(err) == "" {
				err = syncerr.Transient(op, err)
			}
			lastErr = err
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			resp.Attempts = attempt
			return resp, nil
		default:
			httpErr := newHTTPError(resp.StatusCode, resp.Body)
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, syncerr.Auth(op, httpErr)
			}
			if !isRetryableStatus(resp.StatusCode) {
				return nil, httpErr
			}
			lastErr = syncerr.Transient(op, httpErr)
			retryAfter = resp.Header.Get("Retry-After")
		}

		if attempt == e.maxAttempts {
			break
		}
		delay := e.retryDelay(attempt, retryAfter)
		metrics.OutboundRetriesTotal.WithLabelValues(e.name).Inc()
		e.logger.Debug("retrying request",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	e.logger.Warn("request failed after retries", zap.String("op", op), zap.Int("attempts", e.maxAttempts), zap.Error(lastErr))
	return nil, lastErr
}

// DoJSON executes req and decodes a non-empty response body into out.
func (e *Executor) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := e.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.Method, req.Path, err)
	}
	return nil
}

func (e *Executor) send(ctx context.Context, method, target string, body []byte, header http.Header, correlationID string) (*Response, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var credential string
	if e.creds != nil {
		token, err := e.creds.EnsureToken(ctx)
		if err != nil {
			return nil, err
		}
		credential = token.Value
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	if credential != "" {
		if e.authScheme != "" {
			req.Header.Set(e.authHeader, e.authScheme+" "+credential)
		} else {
			req.Header.Set(e.authHeader, credential)
		}
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	metrics.OutboundRequestDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OutboundRequestsTotal.WithLabelValues(e.name, method, metrics.StatusClass(0)).Inc()
		return nil, err
	}
	defer resp.Body.Close()
	metrics.OutboundRequestsTotal.WithLabelValues(e.name, method, metrics.StatusClass(resp.StatusCode)).Inc()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

func (e *Executor) resolveURL(path string, query url.Values) (string, error) {
	path = strings.TrimSpace(path)
	var target string
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		target = path
	} else {
		if e.baseURL == "" {
			return "", errors.New("base url is not configured")
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		target = e.baseURL + path
	}
	if len(query) == 0 {
		return target, nil
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + query.Encode(), nil
}

// retryDelay honours the server's Retry-After when present. Otherwise it
// jitters below baseDelay * 2^(attempt-1). Both are capped at maxDelay.
func (e *Executor) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > e.maxDelay {
			return e.maxDelay
		}
		return retryAfter
	}
	return e.jitter(e.backoffCeiling(attempt))
}

func (e *Executor) backoffCeiling(attempt int) time.Duration {
	delay := e.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.maxDelay {
			return e.maxDelay
		}
	}
	if delay > e.maxDelay {
		return e.maxDelay
	}
	return delay
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
