package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/spendwatch/internal/alarm"
	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/notify"
	"github.com/agentworkforce/spendwatch/internal/queue"
	"github.com/agentworkforce/spendwatch/internal/ratelimit"
	"github.com/agentworkforce/spendwatch/internal/reminder"
	"github.com/agentworkforce/spendwatch/internal/session"
)

const (
	defaultSweepInterval  = 5 * time.Second
	defaultPurchaseWindow = 2 * time.Minute
	defaultMatchThreshold = 0.85
	defaultVisitGap       = 30 * time.Minute
	defaultVisitTimeout   = 5 * time.Second
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

// Ledger is the remote ledger as the agent uses it. *ledger.Client
// satisfies it.
type Ledger interface {
	queue.Deliverer
	PostSiteVisit(ctx context.Context, visit any) error
}

type Options struct {
	Profile           *detect.Profile
	Limits            map[ratelimit.Purpose]ratelimit.Limit
	Queue             queue.Options
	AlarmPollInterval time.Duration
	MaxLateness       time.Duration
	SweepInterval     time.Duration
	// PurchaseWindow collapses repeated purchase detections for the same
	// host and amount.
	PurchaseWindow time.Duration
	// MatchThreshold is the minimum Jaro-Winkler similarity for a
	// cancellation to be attributed to a known subscription.
	MatchThreshold float64
	VisitGap       time.Duration
	// WatchStore triggers a drain when another process writes the store.
	WatchStore bool
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// Agent is the background service: it routes inbound messages, owns the
// detection pipeline and runs the background loops.
type Agent struct {
	store   kv.Store
	ledger  Ledger
	hub     *notify.Hub
	session *session.Bridge
	opts    Options
	logger  *zap.Logger

	tracker   *detect.Tracker
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	alarms    *alarm.Scheduler
	reminders *reminder.Scheduler
}

func New(store kv.Store, client Ledger, hub *notify.Hub, bridge *session.Bridge, opts Options) *Agent {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.PurchaseWindow <= 0 {
		opts.PurchaseWindow = defaultPurchaseWindow
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = defaultMatchThreshold
	}
	if opts.VisitGap <= 0 {
		opts.VisitGap = defaultVisitGap
	}
	if opts.Limits == nil {
		opts.Limits = ratelimit.DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if hub == nil {
		hub = notify.NewHub(notify.Options{Logger: opts.Logger, Now: opts.Now})
	}
	if bridge == nil {
		bridge = session.NewBridge(store, session.Options{Notifier: hub, Logger: opts.Logger, Now: opts.Now})
	}

	a := &Agent{
		store:   store,
		ledger:  client,
		hub:     hub,
		session: bridge,
		opts:    opts,
		logger:  opts.Logger,
	}
	a.tracker = detect.NewTracker(detect.TrackerOptions{
		Profile: opts.Profile,
		Logger:  opts.Logger.Named("detect"),
		Now:     opts.Now,
		NewID:   opts.NewID,
	})
	a.limiter = ratelimit.New(store, ratelimit.Options{Limits: opts.Limits, Now: opts.Now})

	qopts := opts.Queue
	qopts.Limiter = a.limiter
	qopts.Logger = opts.Logger.Named("queue")
	if qopts.Now == nil {
		qopts.Now = opts.Now
	}
	qopts.OnDelivered = a.delivered
	qopts.OnPass = a.passed
	a.queue = queue.New(store, client, qopts)

	a.alarms = alarm.New(store, alarm.Options{
		PollInterval: opts.AlarmPollInterval,
		Logger:       opts.Logger.Named("alarm"),
		Now:          opts.Now,
	})
	a.reminders = reminder.New(store, a.alarms, hub, reminder.Options{
		MaxLateness: opts.MaxLateness,
		Logger:      opts.Logger.Named("reminder"),
		Now:         opts.Now,
	})

	bridge.OnLogin(func(context.Context, session.Session) { a.queue.Kick() })
	bridge.OnLogout(func(context.Context, session.Session) { a.queue.Pause() })
	hub.OnAction(actionKindCancellation, a.handleCancellationAction)
	return a
}

func (a *Agent) Tracker() *detect.Tracker       { return a.tracker }
func (a *Agent) Queue() *queue.Queue            { return a.queue }
func (a *Agent) Limiter() *ratelimit.Limiter    { return a.limiter }
func (a *Agent) Alarms() *alarm.Scheduler       { return a.alarms }
func (a *Agent) Reminders() *reminder.Scheduler { return a.reminders }
func (a *Agent) Hub() *notify.Hub               { return a.hub }
func (a *Agent) Session() *session.Bridge       { return a.session }

// Run resyncs reminder alarms and then runs the background loops until ctx
// is done or one of them fails.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.reminders.Resync(ctx); err != nil {
		a.logger.Warn("reminder resync failed", zap.Error(err))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(gctx) })
	g.Go(func() error { return a.alarms.Run(gctx, a.reminders.HandleAlarm) })
	g.Go(func() error { return a.sweepLoop(gctx) })
	if watcher, ok := a.store.(kv.Watcher); ok && a.opts.WatchStore {
		g.Go(func() error {
			return watcher.Watch(gctx, func() {
				a.logger.Debug("store changed externally, draining")
				a.queue.Kick()
			})
		})
	}
	err := g.Wait()
	_ = a.queue.Close()
	return err
}

func (a *Agent) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.tracker.Sweep()
		}
	}
}

// Handle routes one inbound message.
func (a *Agent) Handle(ctx context.Context, env Envelope) (Reply, error) {
	reply := Reply{Type: env.Type}
	switch env.Type {
	case TypeTrackingStateUpdate:
		var msg TrackingState
		if err := decode(env, &msg); err != nil {
			return reply, err
		}
		if err := a.trackVisit(ctx, msg); err != nil {
			return reply, err
		}
		reply.Accepted = true
		return reply, nil

	case TypePurchaseDetected, TypeBehaviorTransactionDetected:
		var msg Detected
		if err := decode(env, &msg); err != nil {
			return reply, err
		}
		return a.submit(ctx, reply, msg.event(detect.KindPurchase, a.opts.NewID(), a.opts.Now()))

	case TypeSubscriptionDetected:
		var msg Detected
		if err := decode(env, &msg); err != nil {
			return reply, err
		}
		return a.submit(ctx, reply, msg.event(detect.KindSubscription, a.opts.NewID(), a.opts.Now()))

	case TypeCancellationDetected:
		var msg Detected
		if err := decode(env, &msg); err != nil {
			return reply, err
		}
		return a.submit(ctx, reply, msg.event(detect.KindCancellation, a.opts.NewID(), a.opts.Now()))

	case TypeWebsiteLogin:
		var msg Login
		if err := decode(env, &msg); err != nil {
			return reply, err
		}
		changed, err := a.session.Login(ctx, msg.Session, msg.User, msg.SkipNotification)
		if errors.Is(err, session.ErrInvalidSession) {
			return reply, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err != nil {
			return reply, err
		}
		reply.Accepted = true
		reply.Duplicate = !changed
		return reply, nil

	case TypeUserLoggedOut:
		changed, err := a.session.Logout(ctx)
		if err != nil {
			return reply, err
		}
		reply.Accepted = true
		reply.Duplicate = !changed
		return reply, nil

	case TypePageObservation:
		var msg PageObservation
		if err := decode(env, &msg); err != nil {
			return reply, err
		}
		if err := requireTab(env); err != nil {
			return reply, err
		}
		event := a.tracker.Observe(env.TabID, msg.Observation)
		reply.State = a.tabState(env.TabID)
		if event == nil {
			reply.Accepted = true
			return reply, nil
		}
		return a.submit(ctx, reply, *event)

	case TypePageNavigated:
		var msg PageNavigated
		if err := decode(env, &msg); err != nil {
			return reply, err
		}
		if err := requireTab(env); err != nil {
			return reply, err
		}
		a.tracker.Navigate(env.TabID, msg.URL)
		reply.Accepted = true
		reply.State = a.tabState(env.TabID)
		return reply, nil

	case TypePaymentActuated:
		if err := requireTab(env); err != nil {
			return reply, err
		}
		reply.Accepted = a.tracker.Actuate(env.TabID)
		reply.State = a.tabState(env.TabID)
		return reply, nil

	case TypeTabClosed:
		if err := requireTab(env); err != nil {
			return reply, err
		}
		a.tracker.Close(env.TabID)
		reply.Accepted = true
		return reply, nil

	default:
		return reply, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// HandleRaw decodes and routes a JSON envelope; it is the websocket inbound
// path, where replies are not sent back.
func (a *Agent) HandleRaw(ctx context.Context, tabID string, raw json.RawMessage) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.logger.Debug("discarding malformed tab message", zap.String("tab", tabID), zap.Error(err))
		return
	}
	if strings.TrimSpace(env.TabID) == "" {
		env.TabID = tabID
	}
	if _, err := a.Handle(ctx, env); err != nil {
		a.logger.Debug("tab message rejected", zap.String("tab", tabID), zap.String("type", env.Type), zap.Error(err))
	}
}

// submit runs the dedup rules for event and, when it survives them, persists
// it to the queue. Trial subscriptions also get their reminders scheduled.
func (a *Agent) submit(ctx context.Context, reply Reply, event detect.Event) (Reply, error) {
	if event.Payload.UserID == "" {
		event.Payload.UserID = a.session.UserID(ctx)
	}
	claimedAt := a.opts.Now()
	duplicate := false
	var err error
	switch event.Kind {
	case detect.KindPurchase:
		duplicate, err = a.suppressPurchase(ctx, event, claimedAt)
	case detect.KindSubscription:
		event.Payload.DedupKey = detect.DedupKey(event.Payload.UserID, event.SubjectName())
		duplicate, err = a.claimSubscription(ctx, event, claimedAt)
	case detect.KindCancellation:
		if matched, ok := a.matchSubscription(ctx, event.SubjectName()); ok {
			event.Payload.SubscriptionName = matched
		}
		event.Payload.DedupKey = detect.DedupKey(event.Payload.UserID, event.SubjectName())
	}
	if err != nil {
		return reply, err
	}
	reply.EventID = event.ID
	if duplicate {
		reply.Duplicate = true
		a.logger.Debug("duplicate detection suppressed",
			zap.String("kind", string(event.Kind)),
			zap.String("host", event.SourceHostname),
			zap.String("subject", event.SubjectName()))
		return reply, nil
	}

	if err := a.queue.Enqueue(ctx, event); err != nil {
		a.releaseClaim(ctx, event, claimedAt)
		return reply, err
	}
	reply.Accepted = true
	a.logger.Info("detection accepted",
		zap.String("event", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("host", event.SourceHostname),
		zap.Float64("amount", event.Payload.Amount))

	if event.IsTrial() {
		if _, _, err := a.reminders.Schedule(ctx, event); err != nil {
			a.logger.Warn("scheduling trial reminders failed", zap.String("event", event.ID), zap.Error(err))
		}
	}
	if event.Kind == detect.KindCancellation {
		a.promptCancellation(ctx, event)
	}
	return reply, nil
}

// delivered is the queue's OnDelivered hook.
func (a *Agent) delivered(item queue.Item) {
	ctx := context.Background()
	switch item.Event.Kind {
	case detect.KindPurchase:
		a.hub.Notify(ctx, notify.TypeNewTransaction, item.Event)
	case detect.KindSubscription:
		a.hub.Notify(ctx, notify.TypeSubscriptionAdded, item.Event)
	case detect.KindCancellation:
		a.hub.Notify(ctx, notify.TypeCancellationDetected, item.Event)
	}
}

// passed is the queue's OnPass hook.
func (a *Agent) passed(result queue.PassResult) {
	if result.Delivered == 0 {
		return
	}
	a.hub.Notify(context.Background(), notify.TypeTransactionsSynced, map[string]int{
		"synced":    result.Delivered,
		"remaining": result.Remaining,
	})
}

func (a *Agent) tabState(tabID string) string {
	for _, s := range a.tracker.Snapshot() {
		if s.TabID == tabID {
			return s.State.String()
		}
	}
	return ""
}

func decode(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, env.Type, err)
	}
	return nil
}

func requireTab(env Envelope) error {
	if strings.TrimSpace(env.TabID) == "" {
		return fmt.Errorf("%w: %s requires tabId", ErrInvalidMessage, env.Type)
	}
	return nil
}
