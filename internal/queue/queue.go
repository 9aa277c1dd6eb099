package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/ledger"
	"github.com/agentworkforce/spendwatch/internal/ratelimit"
)

// StorageKey holds the queued items as one JSON array.
const StorageKey = "offlineQueue"

const (
	defaultMaxRetries     = 5
	defaultMaxAge         = 24 * time.Hour
	defaultBaseDelay      = 5 * time.Second
	defaultMaxDelay       = 30 * time.Minute
	defaultInterItemDelay = 250 * time.Millisecond
	defaultDrainInterval  = 5 * time.Minute
)

var ErrClosed = errors.New("queue closed")

var tracer = otel.Tracer("spendwatch/queue")

type Item struct {
	Event         detect.Event `json:"event"`
	QueuedAt      time.Time    `json:"queuedAt"`
	RetryCount    int          `json:"retryCount"`
	LastError     string       `json:"lastError,omitempty"`
	NextAttemptAt *time.Time   `json:"nextAttemptAt,omitempty"`
}

// Deliverer writes events to the remote ledger.
type Deliverer interface {
	Deliver(ctx context.Context, event detect.Event) error
	Probe(ctx context.Context) error
}

// Authorizer is implemented by deliverers that can report a missing
// credential without making a request.
type Authorizer interface {
	Authorized(ctx context.Context) error
}

// Admitter gates ledger writes. *ratelimit.Limiter satisfies it.
type Admitter interface {
	Admit(ctx context.Context, purpose ratelimit.Purpose) error
	RetryAfter(ctx context.Context, purpose ratelimit.Purpose) (time.Duration, error)
}

type Options struct {
	MaxRetries     int
	MaxAge         time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	InterItemDelay time.Duration
	DrainInterval  time.Duration
	Limiter        Admitter
	Logger         *zap.Logger
	Now            func() time.Time
	// Sleep waits between delivery attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnDelivered runs after an item is removed following a 2xx.
	OnDelivered func(Item)
	// OnPass runs after every completed drain pass.
	OnPass func(PassResult)
}

type PassResult struct {
	Delivered   int  `json:"delivered"`
	Dropped     int  `json:"dropped"`
	Retried     int  `json:"retried"`
	Evicted     int  `json:"evicted"`
	Deferred    int  `json:"deferred"`
	Remaining   int  `json:"remaining"`
	Offline     bool `json:"offline"`
	RateLimited bool `json:"rateLimited"`
	LoggedOut   bool `json:"loggedOut"`
}

type connectivity int32

const (
	connectivityUnknown connectivity = iota
	connectivityOnline
	connectivityOffline
)

// Queue is the persisted offline queue. Every mutation re-reads the stored
// array inside a single store update, so a second process draining the same
// store never resurrects an item the other removed.
type Queue struct {
	store  kv.Store
	client Deliverer
	opts   Options
	logger *zap.Logger

	online atomic.Int32
	group  singleflight.Group
	kicks  chan struct{}

	timerMu  sync.Mutex
	timer    *time.Timer
	timerAt  time.Time
	closed   chan struct{}
	closeOne sync.Once
}

func New(store kv.Store, client Deliverer, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.InterItemDelay <= 0 {
		opts.InterItemDelay = defaultInterItemDelay
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = defaultDrainInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepWithContext
	}
	return &Queue{
		store:  store,
		client: client,
		opts:   opts,
		logger: opts.Logger,
		kicks:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Enqueue persists event and signals the run loop to drain. The event is
// durable once Enqueue returns nil.
func (q *Queue) Enqueue(ctx context.Context, event detect.Event) error {
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("%w: event id required", kv.ErrInvalidInput)
	}
	item := Item{Event: event, QueuedAt: q.opts.Now()}
	var depth int
	err := kv.UpdateJSON(ctx, q.store, StorageKey, func(items *[]Item) error {
		*items = append(*items, item)
		depth = len(*items)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", event.ID, err)
	}
	depthGauge.Set(float64(depth))
	q.logger.Debug("event queued",
		zap.String("event", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.Int("depth", depth))
	q.Kick()
	return nil
}

// Snapshot returns the queue after dedup and stale eviction, without
// attempting delivery.
func (q *Queue) Snapshot(ctx context.Context) ([]Item, error) {
	items, _, err := q.compact(ctx)
	return items, err
}

// Kick asks the run loop for a drain. It never blocks.
func (q *Queue) Kick() {
	select {
	case q.kicks <- struct{}{}:
	default:
	}
}

// SetOnline records a connectivity change. Regaining connectivity triggers a
// drain.
func (q *Queue) SetOnline(online bool) {
	next := connectivityOffline
	if online {
		next = connectivityOnline
	}
	prev := connectivity(q.online.Swap(int32(next)))
	if online && prev != connectivityOnline {
		q.logger.Info("connectivity regained")
		q.Kick()
	}
}

// Pause cancels a pending retry. The next kick, tick or enqueue still drains.
func (q *Queue) Pause() {
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
		q.timerAt = time.Time{}
	}
}

// RetryScheduled reports whether a retry kick is pending.
func (q *Queue) RetryScheduled() bool {
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	return q.timer != nil
}

func (q *Queue) Online() bool {
	return connectivity(q.online.Load()) == connectivityOnline
}

// Run drains on every kick, on every DrainInterval tick and when a scheduled
// retry comes due. It returns when ctx is done or the queue is closed.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.DrainInterval)
	defer ticker.Stop()
	q.Kick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.closed:
			return nil
		case <-ticker.C:
		case <-q.kicks:
		}
		if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("drain failed", zap.Error(err))
		}
	}
}

// Drain runs one delivery pass. Concurrent callers share the in-flight pass.
func (q *Queue) Drain(ctx context.Context) (PassResult, error) {
	select {
	case <-q.closed:
		return PassResult{}, ErrClosed
	default:
	}
	v, err, _ := q.group.Do("drain", func() (any, error) {
		return q.drainPass(ctx)
	})
	result, _ := v.(PassResult)
	return result, err
}

func (q *Queue) Close() error {
	q.closeOne.Do(func() {
		close(q.closed)
		q.timerMu.Lock()
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.timerMu.Unlock()
	})
	return nil
}

func (q *Queue) drainPass(ctx context.Context) (result PassResult, err error) {
	ctx, span := tracer.Start(ctx, "queue.Drain")
	started := time.Now()
	defer func() {
		drainDuration.Observe(time.Since(started).Seconds())
		span.SetAttributes(
			attribute.Int("delivered", result.Delivered),
			attribute.Int("remaining", result.Remaining),
		)
		span.End()
		if err == nil && q.opts.OnPass != nil {
			q.opts.OnPass(result)
		}
	}()

	if connectivity(q.online.Load()) != connectivityOnline {
		if probeErr := q.client.Probe(ctx); probeErr != nil {
			q.online.Store(int32(connectivityOffline))
			result.Offline = true
			q.logger.Debug("ledger unreachable, skipping drain", zap.Error(probeErr))
			items, _, snapErr := q.compact(ctx)
			result.Remaining = len(items)
			if len(items) > 0 {
				q.scheduleRetry(q.opts.BaseDelay)
			}
			return result, snapErr
		}
		q.online.Store(int32(connectivityOnline))
	}

	items, evicted, err := q.compact(ctx)
	if err != nil {
		return result, err
	}
	result.Evicted = evicted

	if auth, ok := q.client.(Authorizer); ok && len(items) > 0 {
		if authErr := auth.Authorized(ctx); errors.Is(authErr, ledger.ErrNoCredential) {
			result.LoggedOut = true
			result.Remaining = len(items)
			q.logger.Debug("no ledger credential, pausing drain")
			return result, nil
		}
	}

	var nextDue time.Time
	attempted := 0
pass:
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		now := q.opts.Now()
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			result.Deferred++
			if nextDue.IsZero() || item.NextAttemptAt.Before(nextDue) {
				nextDue = *item.NextAttemptAt
			}
			continue
		}
		if q.opts.Limiter != nil {
			if admitErr := q.opts.Limiter.Admit(ctx, ratelimit.PurposeLedgerWrite); admitErr != nil {
				if !errors.Is(admitErr, ratelimit.ErrRateLimited) {
					return result, admitErr
				}
				wait, _ := q.opts.Limiter.RetryAfter(ctx, ratelimit.PurposeLedgerWrite)
				if wait <= 0 {
					wait = q.opts.BaseDelay
				}
				result.RateLimited = true
				q.logger.Debug("ledger writes rate limited", zap.Duration("retryIn", wait))
				q.scheduleRetry(wait)
				break pass
			}
		}
		if attempted > 0 {
			if sleepErr := q.opts.Sleep(ctx, q.opts.InterItemDelay); sleepErr != nil {
				break
			}
		}
		attempted++

		deliverErr := q.client.Deliver(ctx, item.Event)
		switch {
		case deliverErr == nil:
			if err := q.remove(ctx, item.Event.ID); err != nil {
				return result, err
			}
			result.Delivered++
			deliveredTotal.Inc()
			q.logger.Info("event delivered",
				zap.String("event", item.Event.ID),
				zap.String("kind", string(item.Event.Kind)),
				zap.Int("retries", item.RetryCount))
			if q.opts.OnDelivered != nil {
				q.opts.OnDelivered(item)
			}
		case errors.Is(deliverErr, ledger.ErrNoCredential):
			result.LoggedOut = true
			q.logger.Debug("no ledger credential, pausing drain")
			break pass
		case ctx.Err() != nil:
			break pass
		case errors.Is(deliverErr, ledger.ErrClient):
			if err := q.remove(ctx, item.Event.ID); err != nil {
				return result, err
			}
			result.Dropped++
			droppedTotal.WithLabelValues(dropReasonClientError).Inc()
			q.logger.Error("ledger rejected event, dropping",
				zap.String("event", item.Event.ID),
				zap.String("kind", string(item.Event.Kind)),
				zap.Error(deliverErr))
		default:
			dropped, delay, err := q.recordFailure(ctx, item.Event.ID, deliverErr)
			if err != nil {
				return result, err
			}
			if dropped {
				result.Dropped++
				droppedTotal.WithLabelValues(dropReasonExhausted).Inc()
				q.logger.Error("retries exhausted, dropping event",
					zap.String("event", item.Event.ID),
					zap.Int("maxRetries", q.opts.MaxRetries),
					zap.Error(deliverErr))
			} else {
				result.Retried++
				retriedTotal.Inc()
				q.logger.Warn("delivery failed, will retry",
					zap.String("event", item.Event.ID),
					zap.Duration("retryIn", delay),
					zap.Error(deliverErr))
				q.scheduleRetry(delay)
			}
			if errors.Is(deliverErr, ledger.ErrTransient) {
				q.online.Store(int32(connectivityOffline))
				result.Offline = true
				break pass
			}
		}
	}
	if !nextDue.IsZero() {
		q.scheduleRetry(nextDue.Sub(q.opts.Now()))
	}

	remaining, err := q.count(ctx)
	if err != nil {
		return result, err
	}
	result.Remaining = remaining
	return result, nil
}

// Backoff is the wait before attempt retryCount+1.
func (q *Queue) Backoff(retryCount int) time.Duration {
	delay := q.opts.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= q.opts.MaxDelay {
			return q.opts.MaxDelay
		}
	}
	return delay
}

// retryDelay is Backoff(retryCount), stretched to the ledger's Retry-After
// when it asked for longer. Both are capped at MaxDelay.
func (q *Queue) retryDelay(retryCount int, cause error) time.Duration {
	delay := q.Backoff(retryCount)
	var httpErr *ledger.HTTPError
	if errors.As(cause, &httpErr) && httpErr.RetryAfter > delay {
		delay = min(httpErr.RetryAfter, q.opts.MaxDelay)
	}
	return delay
}

// compact drops stale items and duplicates, persists the result and returns
// it in FIFO order.
func (q *Queue) compact(ctx context.Context) ([]Item, int, error) {
	now := q.opts.Now()
	var kept []Item
	evicted := 0
	err := kv.UpdateJSON(ctx, q.store, StorageKey, func(items *[]Item) error {
		seenIDs := map[string]bool{}
		seenDedup := map[string]bool{}
		out := make([]Item, 0, len(*items))
		for _, item := range *items {
			if now.Sub(item.QueuedAt) >= q.opts.MaxAge {
				evicted++
				droppedTotal.WithLabelValues(dropReasonStale).Inc()
				continue
			}
			if seenIDs[item.Event.ID] {
				droppedTotal.WithLabelValues(dropReasonDuplicate).Inc()
				continue
			}
			dedup := dedupIdentity(item.Event)
			if dedup != "" && seenDedup[dedup] {
				droppedTotal.WithLabelValues(dropReasonDuplicate).Inc()
				continue
			}
			seenIDs[item.Event.ID] = true
			if dedup != "" {
				seenDedup[dedup] = true
			}
			out = append(out, item)
		}
		*items = out
		kept = append([]Item(nil), out...)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	depthGauge.Set(float64(len(kept)))
	if evicted > 0 {
		q.logger.Debug("evicted stale queue items", zap.Int("count", evicted))
	}
	return kept, evicted, nil
}

func (q *Queue) remove(ctx context.Context, eventID string) error {
	return kv.UpdateJSON(ctx, q.store, StorageKey, func(items *[]Item) error {
		out := (*items)[:0]
		for _, item := range *items {
			if item.Event.ID != eventID {
				out = append(out, item)
			}
		}
		*items = out
		depthGauge.Set(float64(len(out)))
		return nil
	})
}

// recordFailure bumps the retry count of eventID. The item is removed when it
// reaches MaxRetries.
func (q *Queue) recordFailure(ctx context.Context, eventID string, cause error) (bool, time.Duration, error) {
	now := q.opts.Now()
	dropped := false
	var delay time.Duration
	err := kv.UpdateJSON(ctx, q.store, StorageKey, func(items *[]Item) error {
		out := (*items)[:0]
		for _, item := range *items {
			if item.Event.ID != eventID {
				out = append(out, item)
				continue
			}
			item.RetryCount++
			item.LastError = cause.Error()
			if item.RetryCount >= q.opts.MaxRetries {
				dropped = true
				continue
			}
			delay = q.retryDelay(item.RetryCount, cause)
			next := now.Add(delay)
			item.NextAttemptAt = &next
			out = append(out, item)
		}
		*items = out
		return nil
	})
	return dropped, delay, err
}

func (q *Queue) count(ctx context.Context) (int, error) {
	var items []Item
	if _, err := kv.GetJSON(ctx, q.store, StorageKey, &items); err != nil {
		return 0, err
	}
	depthGauge.Set(float64(len(items)))
	return len(items), nil
}

// scheduleRetry arms a one-shot kick after d, keeping whichever pending kick
// comes first.
func (q *Queue) scheduleRetry(d time.Duration) {
	if d < 0 {
		d = 0
	}
	at := time.Now().Add(d)
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	select {
	case <-q.closed:
		return
	default:
	}
	if q.timer != nil && !q.timerAt.IsZero() && q.timerAt.Before(at) {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		q.timerMu.Lock()
		if q.timer == timer {
			q.timer = nil
			q.timerAt = time.Time{}
		}
		q.timerMu.Unlock()
		select {
		case <-q.closed:
			return
		default:
			q.Kick()
		}
	})
	q.timer = timer
	q.timerAt = at
}

func dedupIdentity(event detect.Event) string {
	key := strings.TrimSpace(event.Payload.DedupKey)
	if key == "" {
		return ""
	}
	return string(event.Kind) + ":" + key
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
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
