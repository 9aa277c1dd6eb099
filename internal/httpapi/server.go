package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/spendwatch/internal/agent"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/notify"
	"github.com/agentworkforce/spendwatch/internal/ratelimit"
)

const (
	headerTimestamp = "X-Spendwatch-Timestamp"
	headerSignature = "X-Spendwatch-Signature"
)

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spendwatch",
	Subsystem: "http",
	Name:      "messages_total",
	Help:      "Inbound page-layer messages by type and outcome.",
}, []string{"type", "outcome"})

type ServerConfig struct {
	// SigningSecret verifies X-Spendwatch-Signature on message and action posts.
	SigningSecret string
	// AdminJWTSecret verifies HS256 bearer tokens on /v1/admin routes.
	AdminJWTSecret    string
	MaxSkew           time.Duration
	MaxBodyBytes      int64
	ConnectRateMax    int
	ConnectRateWindow time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

type Server struct {
	agent          *agent.Agent
	cfg            ServerConfig
	logger         *zap.Logger
	metrics        http.Handler
	connectLimiter *rateLimiter
	replayMu       sync.Mutex
	replaySeen     map[string]time.Time
}

// rateLimiter is a fixed-window counter per client address for websocket
// upgrades, which bypass the persisted inbound-message limiter.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(a *agent.Agent) *Server {
	return NewServerWithConfig(a, ServerConfig{})
}

func NewServerWithConfig(a *agent.Agent, cfg ServerConfig) *Server {
	if cfg.SigningSecret == "" {
		cfg.SigningSecret = "dev-signing-secret"
	}
	if cfg.AdminJWTSecret == "" {
		cfg.AdminJWTSecret = "dev-admin-secret"
	}
	if cfg.MaxSkew == 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ConnectRateMax < 0 {
		cfg.ConnectRateMax = 0
	}
	if cfg.ConnectRateWindow <= 0 {
		cfg.ConnectRateWindow = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	var limiter *rateLimiter
	if cfg.ConnectRateMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.ConnectRateWindow,
			max:     cfg.ConnectRateMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		agent:          a,
		cfg:            cfg,
		logger:         cfg.Logger,
		metrics:        promhttp.Handler(),
		connectLimiter: limiter,
		replaySeen:     map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/messages" && r.Method == http.MethodPost {
		s.handleMessage(w, r)
		return
	}
	if r.URL.Path == "/v1/tabs/connect" && r.Method == http.MethodGet {
		s.handleConnect(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "notifications" && parts[3] == "actions" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
			return
		}
		s.handleNotificationAction(w, r, parts[2], parts[4])
		return
	}
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" {
		s.handleAdmin(w, r, parts[2])
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !s.authorizeSigned(w, r, body, correlationID) {
		return
	}
	if !s.admitInbound(w, r.Context(), correlationID) {
		messagesTotal.WithLabelValues("unknown", "rate_limited").Inc()
		return
	}
	if err := validateMessage(body); err != nil {
		messagesTotal.WithLabelValues("unknown", "invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error(), correlationID)
		return
	}
	var env agent.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	reply, err := s.agent.Handle(r.Context(), env)
	if err != nil {
		messagesTotal.WithLabelValues(env.Type, "rejected").Inc()
		s.writeAgentError(w, err, correlationID)
		return
	}
	outcome := "accepted"
	if reply.Duplicate {
		outcome = "duplicate"
	}
	messagesTotal.WithLabelValues(env.Type, outcome).Inc()
	status := http.StatusOK
	if reply.EventID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, reply)
}

func (s *Server) handleNotificationAction(w http.ResponseWriter, r *http.Request, notificationID, action string) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !s.authorizeSigned(w, r, body, correlationID) {
		return
	}
	err := s.agent.Hub().HandleAction(r.Context(), notificationID, action)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "notificationId": notificationID, "action": action})
	case errors.Is(err, notify.ErrUnknownNotification):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, notify.ErrNoActionHandler):
		writeError(w, http.StatusConflict, "no_handler", err.Error(), correlationID)
	default:
		s.logger.Error("notification action failed",
			zap.String("notification", notificationID),
			zap.String("action", action),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "notification action failed", correlationID)
	}
}

// handleConnect upgrades a first-party page to a websocket tab. The origin
// allow-list is the only credential on this route.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	hub := s.agent.Hub()
	origin := r.Header.Get("Origin")
	if !hub.OriginAllowed(origin) {
		writeError(w, http.StatusForbidden, "forbidden", "origin not allowed", correlationID)
		return
	}
	if s.connectLimiter != nil && !s.connectLimiter.allow(clientAddr(r), s.cfg.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many connections", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: hub.AllowedHostPatterns(),
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.String("origin", origin), zap.Error(err))
		return
	}
	tabID := strings.TrimSpace(r.URL.Query().Get("tabId"))
	if tabID == "" {
		tabID = uuid.NewString()
	}
	tab := notify.NewWebSocketTab(tabID, origin, conn)
	if err := hub.Serve(r.Context(), tab, s.agent.HandleRaw); err != nil {
		s.logger.Debug("tab connection ended", zap.String("tab", tabID), zap.Error(err))
	}
	s.agent.Tracker().Close(tabID)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, resource string) {
	correlationID := getCorrelationID(r)
	scope := scopeAdminRead
	method := http.MethodGet
	if resource == "drain" {
		scope = scopeAdminDrain
		method = http.MethodPost
	}
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return
	}
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminJWTSecret, scope, s.cfg.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	ctx := r.Context()
	var (
		data any
		err  error
	)
	switch resource {
	case "status":
		data, err = s.adminStatus(ctx)
	case "queue":
		items, snapErr := s.agent.Queue().Snapshot(ctx)
		data, err = map[string]any{
			"items":  items,
			"count":  len(items),
			"online": s.agent.Queue().Online(),
		}, snapErr
	case "drain":
		data, err = s.agent.Queue().Drain(ctx)
	case "reminders":
		records, recErr := s.agent.Reminders().Records(ctx)
		data, err = map[string]any{"records": records}, recErr
	case "subscriptions":
		keys, subErr := s.agent.Subscriptions(ctx)
		data, err = map[string]any{"subscriptions": keys}, subErr
	case "visits":
		visits, visitErr := s.agent.SiteVisits(ctx)
		data, err = map[string]any{"visits": visits}, visitErr
	case "sessions":
		data = map[string]any{"sessions": s.agent.Tracker().Snapshot()}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if err != nil {
		s.logger.Error("admin request failed", zap.String("resource", resource), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

type adminStatus struct {
	Online         bool   `json:"online"`
	RetryPending   bool   `json:"retryPending"`
	QueueDepth     int    `json:"queueDepth"`
	Tabs           int    `json:"tabs"`
	Sessions       int    `json:"sessions"`
	PendingActions int    `json:"pendingActions"`
	Reminders      int    `json:"reminders"`
	Alarms         int    `json:"alarms"`
	LoggedIn       bool   `json:"loggedIn"`
	UserID         string `json:"userId,omitempty"`
}

func (s *Server) adminStatus(ctx context.Context) (adminStatus, error) {
	items, err := s.agent.Queue().Snapshot(ctx)
	if err != nil {
		return adminStatus{}, err
	}
	records, err := s.agent.Reminders().Records(ctx)
	if err != nil {
		return adminStatus{}, err
	}
	alarms, err := s.agent.Alarms().All(ctx)
	if err != nil {
		return adminStatus{}, err
	}
	_, loggedIn, err := s.agent.Session().Current(ctx)
	if err != nil {
		return adminStatus{}, err
	}
	return adminStatus{
		Online:         s.agent.Queue().Online(),
		RetryPending:   s.agent.Queue().RetryScheduled(),
		QueueDepth:     len(items),
		Tabs:           s.agent.Hub().TabCount(),
		Sessions:       len(s.agent.Tracker().Snapshot()),
		PendingActions: s.agent.Hub().PendingActions(),
		Reminders:      len(records),
		Alarms:         len(alarms),
		LoggedIn:       loggedIn,
		UserID:         s.agent.Session().UserID(ctx),
	}, nil
}

func (s *Server) authorizeSigned(w http.ResponseWriter, r *http.Request, body []byte, correlationID string) bool {
	timestamp := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	now := s.cfg.Now()
	if authErr := verifySignature(s.cfg.SigningSecret, timestamp, signature, body, now, s.cfg.MaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return false
	}
	if !s.markReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "replayed request", correlationID)
		return false
	}
	return true
}

func (s *Server) admitInbound(w http.ResponseWriter, ctx context.Context, correlationID string) bool {
	limiter := s.agent.Limiter()
	err := limiter.Admit(ctx, ratelimit.PurposeInboundMessage)
	if err == nil {
		return true
	}
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		s.logger.Error("inbound admission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "admission check failed", correlationID)
		return false
	}
	if wait, waitErr := limiter.RetryAfter(ctx, ratelimit.PurposeInboundMessage); waitErr == nil && wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many messages", correlationID)
	return false
}

func (s *Server) writeAgentError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, agent.ErrUnknownMessage), errors.Is(err, agent.ErrInvalidMessage), errors.Is(err, kv.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error(), correlationID)
	default:
		s.logger.Error("message handling failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "message handling failed", correlationID)
	}
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// markReplaySeen records a timestamp and signature pair for one skew window
// and reports false when the pair was already used.
func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.MaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	// Twice the skew: a timestamp up to MaxSkew in the future stays valid
	// that much longer.
	s.replaySeen[key] = now.Add(2 * window)
	return true
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
