package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/spendwatch/internal/detect"
)

var (
	// ErrTransient covers requests that got no response: connection errors
	// and timeouts.
	ErrTransient = errors.New("ledger unreachable")
	ErrServer    = errors.New("ledger server error")
	ErrClient    = errors.New("ledger rejected request")
	// ErrNoCredential means there is no signed-in user to write for. It is
	// not a delivery attempt.
	ErrNoCredential = errors.New("no ledger credential")
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultProbeTimeout   = 3 * time.Second
)

var tracer = otel.Tracer("spendwatch/ledger")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the error taxonomy. 429 is grouped with server
// errors because the request itself was fine.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrServer:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	case ErrClient:
		return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// Retryable reports whether a failed delivery should stay queued.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrServer)
}

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

func StaticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) {
		if strings.TrimSpace(token) == "" {
			return "", ErrNoCredential
		}
		return token, nil
	})
}

type ClientOptions struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
}

type Client struct {
	baseURL        string
	tokens         TokenSource
	httpClient     *http.Client
	requestTimeout time.Duration
	probeTimeout   time.Duration
}

func NewClient(baseURL string, tokens TokenSource, opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:         tokens,
		httpClient:     opts.HTTPClient,
		requestTimeout: opts.RequestTimeout,
		probeTimeout:   opts.ProbeTimeout,
	}
}

func PathForKind(kind detect.Kind) string {
	switch kind {
	case detect.KindSubscription:
		return "/api/subscriptions"
	case detect.KindCancellation:
		return "/api/subscriptions/cancellations"
	default:
		return "/api/transactions"
	}
}

// Deliver writes one detection event. The event ID doubles as the
// idempotency key so a retried write can be collapsed by the ledger.
func (c *Client) Deliver(ctx context.Context, event detect.Event) error {
	ctx, span := tracer.Start(ctx, "ledger.Deliver", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.kind", string(event.Kind)),
	))
	defer span.End()

	headers := map[string]string{"Idempotency-Key": event.ID}
	if key := strings.TrimSpace(event.Payload.DedupKey); key != "" {
		headers["X-Dedup-Key"] = key
	}
	err := c.postJSON(ctx, PathForKind(event.Kind), headers, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deliver failed")
		return err
	}
	span.SetStatus(codes.Ok, "delivered")
	return nil
}

// PostSiteVisit is best-effort analytics; callers drop it on any error.
func (c *Client) PostSiteVisit(ctx context.Context, visit any) error {
	return c.postJSON(ctx, "/api/site-visits", nil, visit)
}

// Probe checks reachability with a short timeout. Any HTTP response counts as
// online; only a missing response is ErrTransient.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

// Authorized reports ErrNoCredential when a write would go out without a
// bearer token. It makes no request.
func (c *Client) Authorized(ctx context.Context) error {
	_, err := c.token(ctx)
	return err
}

func (c *Client) token(ctx context.Context) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

func (c *Client) postJSON(ctx context.Context, requestPath string, headers map[string]string, body any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("%w: %v", ErrTransient, readErr)
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = errPayload.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func correlationID() string {
	return fmt.Sprintf("spendwatch_%d", time.Now().UnixNano())
}
