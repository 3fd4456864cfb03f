// Package httpapi serves the webhook receiver, the admin API and metrics.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/ordersync/internal/engine"
	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/state"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

// Sync is the part of the engine session the HTTP surface drives.
type Sync interface {
	HandleWebhook(ctx context.Context, body []byte) engine.WebhookReport
	PollOnce(ctx context.Context) (engine.CycleReport, error)
	Ledger() *state.Ledger
	OrderLog() *state.OrderLog
	Subscribe(buffer int) (<-chan state.TrackedShipment, func())
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// WebhookTimeout bounds processing of one notification after the
	// response is decided.
	WebhookTimeout time.Duration
	Logger         *zap.Logger
}

type Server struct {
	sync        Sync
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
	metrics     http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]*rate.Limiter
}

func NewServer(s Sync) *Server {
	return NewServerWithConfig(s, ServerConfig{})
}

func NewServerWithConfig(s Sync, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 2 * time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]*rate.Limiter{},
		}
	}
	return &Server{
		sync:        s,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logging.OrNop(cfg.Logger).Named("http"),
		metrics:     promhttp.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	route := s.route(rec, r)
	if route == "" {
		route = "unmatched"
	}
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	metrics.HTTPRequestsTotal.WithLabelValues(route, metrics.StatusClass(status)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

// route dispatches the request and returns the route label for metrics.
func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return "metrics"
	case r.URL.Path == "/webhooks/shipping" && r.Method == http.MethodPost:
		s.handleShippingWebhook(w, r)
		return "webhook"
	case r.URL.Path == "/dashboard" || r.URL.Path == "/dashboard/":
		s.handleDashboard(w, r)
		return "dashboard"
	case r.URL.Path == "/v1/ws/ledger" && r.Method == http.MethodGet:
		s.handleLedgerStream(w, r)
		return "ledger_stream"
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return ""
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "poll" && r.Method == http.MethodPost:
		requiredScope = ScopeSyncTrigger
		route = "sync_poll"
	case len(parts) == 2 && parts[1] == "ledger" && r.Method == http.MethodGet:
		requiredScope = ScopeLedgerRead
		route = "ledger_list"
	case len(parts) == 3 && parts[1] == "ledger" && r.Method == http.MethodGet:
		requiredScope = ScopeLedgerRead
		route = "ledger_entry"
	case len(parts) == 2 && parts[1] == "orders" && r.Method == http.MethodGet:
		requiredScope = ScopeOrdersRead
		route = "orders_list"
	case len(parts) == 3 && parts[1] == "orders" && r.Method == http.MethodGet:
		requiredScope = ScopeOrdersRead
		route = "order"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return ""
	}

	correlationID := getCorrelationID(r)
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return route
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds() / float64(s.rateLimiter.max)))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return route
	}

	switch route {
	case "sync_poll":
		s.handlePoll(w, r, correlationID)
	case "ledger_list":
		s.handleLedgerList(w, r, correlationID)
	case "ledger_entry":
		s.handleLedgerEntry(w, r, parts[2], correlationID)
	case "orders_list":
		s.handleOrdersList(w, r, correlationID)
	case "order":
		s.handleOrder(w, r, parts[2], correlationID)
	}
	return route
}

// handleShippingWebhook acknowledges every notification that fits the body
// limit. Processing failures are recorded in the ledger, never returned to
// the sender.
func (s *Server) handleShippingWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.WebhookTimeout)
	defer cancel()
	report := s.processWebhook(ctx, body)

	fields := []zap.Field{
		zap.String("correlation_id", correlationID),
		zap.String("envelope_id", report.EnvelopeID),
		zap.String("event", string(report.Event)),
		zap.Int("shipments", len(report.Shipments)),
	}
	if report.Error != "" {
		s.logger.Warn("webhook processed with error", append(fields, zap.String("error", report.Error))...)
	} else {
		s.logger.Info("webhook processed", fields...)
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// processWebhook turns a panic into a report error so the sender is still
// acknowledged.
func (s *Server) processWebhook(ctx context.Context, body []byte) (report engine.WebhookReport) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("webhook handler panicked", zap.Any("panic", v), zap.Stack("stack"))
			report = engine.WebhookReport{Error: fmt.Sprintf("webhook handler panicked: %v", v)}
		}
	}()
	return s.sync.HandleWebhook(ctx, body)
}

type pollResponse struct {
	StreamID  string `json:"streamId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Fetched   int    `json:"fetched"`
	Matched   int    `json:"matched"`
	Skipped   int    `json:"skippedEvents"`
	Delivered int    `json:"delivered"`
	Ignored   int    `json:"ignoredOrders"`
	Invalid   int    `json:"invalid"`
	Failed    int    `json:"failed"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.sync.PollOnce(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrPollInProgress):
			writeError(w, http.StatusConflict, "poll_in_progress", err.Error(), correlationID)
		case syncerr.IsAuth(err):
			writeError(w, http.StatusBadGateway, "upstream_auth_failed", err.Error(), correlationID)
		default:
			writeError(w, http.StatusBadGateway, "sync_failed", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{
		StreamID:  report.Poll.StreamID,
		From:      report.Poll.From,
		To:        report.Poll.To,
		Fetched:   report.Poll.Fetched,
		Matched:   report.Poll.Matched,
		Skipped:   report.Poll.Skipped,
		Delivered: report.Delivered,
		Ignored:   report.Skipped,
		Invalid:   report.Invalid,
		Failed:    report.Failed,
	})
}

func (s *Server) handleLedgerList(w http.ResponseWriter, r *http.Request, correlationID string) {
	entries, err := s.sync.Ledger().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if want := strings.TrimSpace(r.URL.Query().Get("state")); want != "" {
		filtered := entries[:0]
		for _, entry := range entries {
			if string(entry.State) == want {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].UpdatedAt.After(entries[j].UpdatedAt) })
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []state.TrackedShipment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipments": entries})
}

func (s *Server) handleLedgerEntry(w http.ResponseWriter, r *http.Request, shipmentID, correlationID string) {
	entry, ok, err := s.sync.Ledger().Get(r.Context(), shipmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "shipment not tracked", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleOrdersList(w http.ResponseWriter, r *http.Request, correlationID string) {
	records, err := s.sync.OrderLog().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if want := strings.TrimSpace(r.URL.Query().Get("status")); want != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.Status) == want {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	if records == nil {
		records = []state.OrderRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": records})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request, sourceOrderID, correlationID string) {
	rec, ok, err := s.sync.OrderLog().Get(r.Context(), sourceOrderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "order not seen", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// allow admits up to max requests per window for key, refilling evenly.
func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	limiter, ok := r.entries[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.window/time.Duration(r.max)), r.max)
		r.entries[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed for the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}
