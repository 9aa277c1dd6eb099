package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/spendwatch/internal/agent"
	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/notify"
	"github.com/agentworkforce/spendwatch/internal/queue"
	"github.com/agentworkforce/spendwatch/internal/ratelimit"
	"github.com/agentworkforce/spendwatch/internal/session"
)

const (
	testSigningSecret = "test-signing-secret"
	testAdminSecret   = "test-admin-secret"
	testOrigin        = "https://app.spendwatch.io"
)

type stubLedger struct {
	mu        sync.Mutex
	delivered []detect.Event
}

func (l *stubLedger) Deliver(_ context.Context, event detect.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered = append(l.delivered, event)
	return nil
}

func (l *stubLedger) Probe(context.Context) error { return nil }

func (l *stubLedger) PostSiteVisit(context.Context, any) error { return nil }

func (l *stubLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delivered)
}

type testEnv struct {
	now    time.Time
	ledger *stubLedger
	agent  *agent.Agent
	server *Server
}

func newTestEnv(t *testing.T, limits map[ratelimit.Purpose]ratelimit.Limit, cfg ServerConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		now:    time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC),
		ledger: &stubLedger{},
	}
	clock := func() time.Time { return env.now }
	ids := 0
	var idMu sync.Mutex
	store := kv.NewMemoryStore()
	hub := notify.NewHub(notify.Options{
		AllowedOrigins: []string{testOrigin},
		Now:            clock,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return fmt.Sprintf("notif-%d", ids)
		},
	})
	bridge := session.NewBridge(store, session.Options{Notifier: hub, Now: clock})
	env.agent = agent.New(store, env.ledger, hub, bridge, agent.Options{
		Limits: limits,
		Queue:  queue.Options{Sleep: func(context.Context, time.Duration) error { return nil }},
		Now:    clock,
	})
	t.Cleanup(func() { _ = env.agent.Queue().Close() })

	cfg.SigningSecret = testSigningSecret
	cfg.AdminJWTSecret = testAdminSecret
	cfg.Now = clock
	env.server = NewServerWithConfig(env.agent, cfg)
	return env
}

func (e *testEnv) signed(t *testing.T, path string, body []byte, at time.Time) rawRequest {
	t.Helper()
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return rawRequest{
		method: http.MethodPost,
		path:   path,
		headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": "corr_test",
			headerTimestamp:    timestamp,
			headerSignature:    mustHMAC(testSigningSecret, timestamp+"."+string(body)),
		},
		body: body,
	}
}

func (e *testEnv) postMessage(t *testing.T, msg map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return doRawRequest(t, e.server, e.signed(t, "/v1/messages", body, e.now))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{})
	resp := doRawRequest(t, env.server, rawRequest{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestSignedMessageQueuesEvent(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{})
	resp := env.postMessage(t, map[string]any{
		"type":    agent.TypeSubscriptionDetected,
		"payload": map[string]any{"name": "Spotify Premium", "amount": "$10.99", "hostname": "www.spotify.com"},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var reply agent.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.Accepted || reply.EventID == "" {
		t.Fatalf("expected accepted reply with event id, got %+v", reply)
	}
	items, err := env.agent.Queue().Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(items) != 1 || items[0].Event.ID != reply.EventID {
		t.Fatalf("expected queued event %s, got %+v", reply.EventID, items)
	}

	tracking := env.postMessage(t, map[string]any{
		"type":    agent.TypeTrackingStateUpdate,
		"payload": map[string]any{"hostname": "www.spotify.com", "state": "browsing"},
	})
	if tracking.Code != http.StatusOK {
		t.Fatalf("expected 200 for non-queueing message, got %d (%s)", tracking.Code, tracking.Body.String())
	}
}

func TestMessageSignatureRejections(t *testing.T) {
	body := []byte(`{"type":"TAB_CLOSED","tabId":"tab-1"}`)
	cases := []struct {
		name   string
		mutate func(env *testEnv, r *rawRequest)
	}{
		{
			name: "missing headers",
			mutate: func(_ *testEnv, r *rawRequest) {
				delete(r.headers, headerTimestamp)
				delete(r.headers, headerSignature)
			},
		},
		{
			name: "wrong secret",
			mutate: func(_ *testEnv, r *rawRequest) {
				r.headers[headerSignature] = mustHMAC("other-secret", r.headers[headerTimestamp]+"."+string(r.body))
			},
		},
		{
			name: "tampered body",
			mutate: func(_ *testEnv, r *rawRequest) {
				r.body = []byte(`{"type":"TAB_CLOSED","tabId":"tab-2"}`)
			},
		},
		{
			name: "stale timestamp",
			mutate: func(env *testEnv, r *rawRequest) {
				stale := env.signed(t, r.path, r.body, env.now.Add(-10*time.Minute))
				*r = stale
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil, ServerConfig{})
			req := env.signed(t, "/v1/messages", body, env.now)
			tc.mutate(env, &req)
			resp := doRawRequest(t, env.server, req)
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d (%s)", resp.Code, resp.Body.String())
			}
			var payload map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatalf("decode error payload: %v", err)
			}
			if payload["code"] != "unauthorized" || payload["correlationId"] != "corr_test" {
				t.Fatalf("unexpected error payload: %v", payload)
			}
		})
	}
}

func TestMessageReplayRejected(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{})
	req := env.signed(t, "/v1/messages", []byte(`{"type":"TAB_CLOSED","tabId":"tab-1"}`), env.now)
	first := doRawRequest(t, env.server, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d (%s)", first.Code, first.Body.String())
	}
	second := doRawRequest(t, env.server, req)
	if second.Code != http.StatusUnauthorized || !strings.Contains(second.Body.String(), "replayed") {
		t.Fatalf("expected replay rejection, got %d (%s)", second.Code, second.Body.String())
	}
}

func TestMessageSchemaRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not-json`},
		{name: "missing type", body: `{"payload":{}}`},
		{name: "unknown type", body: `{"type":"SELF_DESTRUCT"}`},
		{name: "observation without tab", body: `{"type":"PAGE_OBSERVATION","payload":{"observation":{"url":"https://shop.example/checkout"}}}`},
		{name: "observation without url", body: `{"type":"PAGE_OBSERVATION","tabId":"tab-1","payload":{"observation":{}}}`},
		{name: "login without token", body: `{"type":"WEBSITE_LOGIN","payload":{"session":{}}}`},
		{name: "boolean amount", body: `{"type":"PURCHASE_DETECTED","payload":{"amount":true}}`},
		{name: "tracking without host", body: `{"type":"TRACKING_STATE_UPDATE","payload":{"state":"browsing"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil, ServerConfig{})
			resp := doRawRequest(t, env.server, env.signed(t, "/v1/messages", []byte(tc.body), env.now))
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
			}
			if !strings.Contains(resp.Body.String(), "invalid_message") {
				t.Fatalf("expected invalid_message code, got %s", resp.Body.String())
			}
		})
	}
}

func TestMessageSchemaCoversEveryType(t *testing.T) {
	for _, msgType := range agent.MessageTypes {
		body := fmt.Sprintf(`{"type":%q,"tabId":"tab-1","payload":{"url":"https://shop.example","hostname":"shop.example","observation":{"url":"https://shop.example"},"session":{"accessToken":"tok"}}}`, msgType)
		if err := validateMessage([]byte(body)); err != nil {
			t.Fatalf("expected %s to validate: %v", msgType, err)
		}
	}
}

func TestInboundMessagesRateLimited(t *testing.T) {
	env := newTestEnv(t, map[ratelimit.Purpose]ratelimit.Limit{
		ratelimit.PurposeInboundMessage: {MaxRequests: 2, Window: time.Minute},
	}, ServerConfig{})
	for i := 1; i <= 2; i++ {
		resp := env.postMessage(t, map[string]any{"type": agent.TypeTabClosed, "tabId": fmt.Sprintf("tab-%d", i)})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected message %d admitted, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}
	limited := env.postMessage(t, map[string]any{"type": agent.TypeTabClosed, "tabId": "tab-3"})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d (%s)", limited.Code, limited.Body.String())
	}
	if got := limited.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
}

func TestOversizedMessageRejected(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{MaxBodyBytes: 64})
	body := []byte(`{"type":"TAB_CLOSED","tabId":"` + strings.Repeat("x", 128) + `"}`)
	resp := doRawRequest(t, env.server, env.signed(t, "/v1/messages", body, env.now))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAdminRoutesRequireScopes(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{})
	if resp := env.postMessage(t, map[string]any{
		"type":    agent.TypePurchaseDetected,
		"payload": map[string]any{"merchant": "Best Buy", "amount": 249.99, "hostname": "www.bestbuy.com"},
	}); resp.Code != http.StatusAccepted {
		t.Fatalf("expected purchase queued, got %d (%s)", resp.Code, resp.Body.String())
	}

	readToken := mustTestJWT(t, testAdminSecret, "ops", []string{scopeAdminRead}, env.now.Add(time.Hour))
	drainToken := mustTestJWT(t, testAdminSecret, "ops", []string{scopeAdminRead, scopeAdminDrain}, env.now.Add(time.Hour))
	cases := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{name: "missing token", method: http.MethodGet, path: "/v1/admin/queue", status: http.StatusUnauthorized},
		{name: "wrong audience", method: http.MethodGet, path: "/v1/admin/queue", token: mustTestJWTWithAudience(t, testAdminSecret, "ops", []string{scopeAdminRead}, "relay", env.now.Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "expired", method: http.MethodGet, path: "/v1/admin/queue", token: mustTestJWT(t, testAdminSecret, "ops", []string{scopeAdminRead}, env.now.Add(-time.Minute)), status: http.StatusUnauthorized},
		{name: "wrong secret", method: http.MethodGet, path: "/v1/admin/queue", token: mustTestJWT(t, "nope", "ops", []string{scopeAdminRead}, env.now.Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "drain without scope", method: http.MethodPost, path: "/v1/admin/drain", token: readToken, status: http.StatusForbidden},
		{name: "drain wrong method", method: http.MethodGet, path: "/v1/admin/drain", token: drainToken, status: http.StatusMethodNotAllowed},
		{name: "unknown resource", method: http.MethodGet, path: "/v1/admin/widgets", token: readToken, status: http.StatusNotFound},
		{name: "status", method: http.MethodGet, path: "/v1/admin/status", token: readToken, status: http.StatusOK},
		{name: "sessions", method: http.MethodGet, path: "/v1/admin/sessions", token: readToken, status: http.StatusOK},
		{name: "reminders", method: http.MethodGet, path: "/v1/admin/reminders", token: readToken, status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.token != "" {
				headers["Authorization"] = "Bearer " + tc.token
			}
			resp := doRawRequest(t, env.server, rawRequest{method: tc.method, path: tc.path, headers: headers})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
		})
	}

	queueResp := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/admin/queue",
		headers: map[string]string{"Authorization": "Bearer " + readToken},
	})
	var snapshot struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(queueResp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode queue snapshot: %v", err)
	}
	if snapshot.Count != 1 {
		t.Fatalf("expected 1 queued item, got %d", snapshot.Count)
	}

	drainResp := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/drain",
		headers: map[string]string{"Authorization": "Bearer " + drainToken},
	})
	if drainResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on drain, got %d (%s)", drainResp.Code, drainResp.Body.String())
	}
	var result queue.PassResult
	if err := json.NewDecoder(drainResp.Body).Decode(&result); err != nil {
		t.Fatalf("decode pass result: %v", err)
	}
	if result.Delivered != 1 || result.Remaining != 0 {
		t.Fatalf("expected one delivery and empty queue, got %+v", result)
	}
	if env.ledger.count() != 1 {
		t.Fatalf("expected ledger to receive 1 event, got %d", env.ledger.count())
	}
}

func TestNotificationActionRoutes(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{})
	for _, msg := range []map[string]any{
		{"type": agent.TypeSubscriptionDetected, "payload": map[string]any{"name": "Netflix", "hostname": "www.netflix.com"}},
		{"type": agent.TypeCancellationDetected, "payload": map[string]any{"name": "Netflix Inc.", "hostname": "www.netflix.com"}},
	} {
		if resp := env.postMessage(t, msg); resp.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
		}
	}
	if env.agent.Hub().PendingActions() != 1 {
		t.Fatalf("expected one pending cancellation prompt, got %d", env.agent.Hub().PendingActions())
	}

	wrongMethod := doRawRequest(t, env.server, rawRequest{method: http.MethodGet, path: "/v1/notifications/notif-1/actions/remove"})
	if wrongMethod.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", wrongMethod.Code)
	}
	unsigned := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/notifications/notif-1/actions/remove"})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned action, got %d", unsigned.Code)
	}

	resp := doRawRequest(t, env.server, env.signed(t, "/v1/notifications/notif-1/actions/remove", nil, env.now))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	subs, err := env.agent.Subscriptions(context.Background())
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected subscription removed, got %+v", subs)
	}

	again := doRawRequest(t, env.server, env.signed(t, "/v1/notifications/notif-1/actions/remove", nil, env.now.Add(time.Second)))
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for consumed notification, got %d (%s)", again.Code, again.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{})
	env.postMessage(t, map[string]any{"type": agent.TypeTabClosed, "tabId": "tab-1"})
	resp := doRawRequest(t, env.server, rawRequest{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	body := resp.Body.String()
	for _, name := range []string{"spendwatch_queue_depth", "spendwatch_http_messages_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected metric %s in output", name)
		}
	}
}

func TestTabConnectRejectsUnknownOrigin(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{})
	resp := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/tabs/connect",
		headers: map[string]string{"Origin": "https://evil.example"},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestTabConnectRateLimitedPerClient(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{ConnectRateMax: 1})
	req := rawRequest{
		method:  http.MethodGet,
		path:    "/v1/tabs/connect",
		headers: map[string]string{"Origin": testOrigin},
	}
	// The recorder cannot upgrade, so the first attempt fails inside Accept
	// but still consumes the client's slot.
	_ = doRawRequest(t, env.server, req)
	second := doRawRequest(t, env.server, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d (%s)", second.Code, second.Body.String())
	}
}

func TestTabConnectRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil, ServerConfig{})
	ts := httptest.NewServer(env.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/tabs/connect?tabId=tab-ws", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, map[string]any{
		"type":    agent.TypeTrackingStateUpdate,
		"payload": map[string]any{"hostname": "www.netflix.com", "state": "browsing"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var msg notify.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != notify.TypeSiteVisitTracked {
		t.Fatalf("expected %s broadcast, got %s", notify.TypeSiteVisitTracked, msg.Type)
	}
	visits, err := env.agent.SiteVisits(context.Background())
	if err != nil {
		t.Fatalf("site visits: %v", err)
	}
	if visits["www.netflix.com"].Visits != 1 {
		t.Fatalf("expected one recorded visit, got %+v", visits)
	}
}

func TestVerifySignatureAcceptsRFC3339(t *testing.T) {
	now := time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)
	timestamp := now.Add(-time.Minute).Format(time.RFC3339)
	body := []byte(`{"type":"USER_LOGGED_OUT"}`)
	sig := mustHMAC("secret", timestamp+"."+string(body))
	if err := verifySignature("secret", timestamp, strings.ToUpper(sig), body, now, 5*time.Minute); err != nil {
		t.Fatalf("expected signature accepted, got %v", err)
	}
	if err := verifySignature("secret", "yesterday", sig, body, now, 5*time.Minute); err == nil {
		t.Fatalf("expected unparseable timestamp rejected")
	}
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
