package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outbound message types.
const (
	TypeSiteVisitTracked     = "SITE_VISIT_TRACKED"
	TypeNewTransaction       = "NEW_TRANSACTION"
	TypeTransactionsSynced   = "TRANSACTIONS_SYNCED"
	TypeSubscriptionAdded    = "SUBSCRIPTION_ADDED"
	TypeCancellationDetected = "CANCELLATION_DETECTED"
	TypeExtensionSynced      = "EXTENSION_SYNCED"
	TypeExtensionLoggedOut   = "EXTENSION_LOGGED_OUT"
	TypeTrialReminder        = "TRIAL_REMINDER"
	TypeLocalNotification    = "LOCAL_NOTIFICATION"
)

const (
	defaultActionTTL   = 5 * time.Minute
	defaultSendTimeout = 5 * time.Second
)

var (
	ErrOriginNotAllowed    = errors.New("origin not allowed")
	ErrUnknownNotification = errors.New("unknown or expired notification")
	ErrNoActionHandler     = errors.New("no action handler")
)

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Tab is one open first-party page.
type Tab interface {
	ID() string
	Origin() string
	Send(ctx context.Context, msg Message) error
}

// Notification is a local, user-visible notification.
type Notification struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Actions []string `json:"actions,omitempty"`
	// Kind selects the action handler; Subject is what the notification is
	// about, e.g. the subscription a cancellation refers to.
	Kind    string `json:"kind,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// LocalNotifier shows a notification outside any tab.
type LocalNotifier interface {
	Show(ctx context.Context, n Notification) error
}

type ActionRequest struct {
	NotificationID string
	Action         string
	Kind           string
	Subject        string
}

type ActionHandler func(ctx context.Context, req ActionRequest) error

type pendingAction struct {
	kind      string
	subject   string
	expiresAt time.Time
}

type Options struct {
	// AllowedOrigins lists first-party origins. Entries are full origins
	// ("https://app.example.com") or host patterns; a leading "*." matches
	// any subdomain.
	AllowedOrigins []string
	Local          LocalNotifier
	ActionTTL      time.Duration
	SendTimeout    time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
	NewID          func() string
}

// Hub fans events out to first-party tabs and local notifications. A failing
// tab never blocks delivery to the others.
type Hub struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	tabs     map[string]Tab
	actionMu sync.Mutex
	actions  map[string]pendingAction
	handlers map[string]ActionHandler
}

func NewHub(opts Options) *Hub {
	if opts.ActionTTL <= 0 {
		opts.ActionTTL = defaultActionTTL
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
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
	return &Hub{
		opts:     opts,
		logger:   opts.Logger,
		tabs:     map[string]Tab{},
		actions:  map[string]pendingAction{},
		handlers: map[string]ActionHandler{},
	}
}

// OriginAllowed reports whether origin belongs to the first-party set.
func (h *Hub) OriginAllowed(origin string) bool {
	return originAllowed(h.opts.AllowedOrigins, origin)
}

// AllowedHostPatterns returns the host part of every allow-list entry, in the
// form websocket.AcceptOptions.OriginPatterns expects.
func (h *Hub) AllowedHostPatterns() []string {
	out := make([]string, 0, len(h.opts.AllowedOrigins))
	for _, entry := range h.opts.AllowedOrigins {
		_, host := splitOriginPattern(entry)
		if host != "" {
			out = append(out, host)
		}
	}
	return out
}

func (h *Hub) Register(tab Tab) error {
	if !h.OriginAllowed(tab.Origin()) {
		return fmt.Errorf("%w: %s", ErrOriginNotAllowed, tab.Origin())
	}
	h.mu.Lock()
	h.tabs[tab.ID()] = tab
	count := len(h.tabs)
	h.mu.Unlock()
	h.logger.Debug("tab registered", zap.String("tab", tab.ID()), zap.String("origin", tab.Origin()), zap.Int("tabs", count))
	return nil
}

func (h *Hub) Unregister(tabID string) {
	h.mu.Lock()
	delete(h.tabs, tabID)
	h.mu.Unlock()
}

func (h *Hub) TabCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}

// Notify posts a message to every registered first-party tab and returns how
// many accepted it.
func (h *Hub) Notify(ctx context.Context, msgType string, payload any) int {
	msg := Message{Type: msgType, Payload: payload}
	h.mu.RLock()
	tabs := make([]Tab, 0, len(h.tabs))
	for _, tab := range h.tabs {
		tabs = append(tabs, tab)
	}
	h.mu.RUnlock()
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID() < tabs[j].ID() })

	delivered := 0
	for _, tab := range tabs {
		if !h.OriginAllowed(tab.Origin()) {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, h.opts.SendTimeout)
		err := tab.Send(sendCtx, msg)
		cancel()
		if err != nil {
			h.logger.Debug("tab send failed",
				zap.String("tab", tab.ID()),
				zap.String("type", msgType),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// NotifyLocal shows n and, when it offers actions, remembers its subject for
// ActionTTL so HandleAction can route a response. It returns the
// notification ID.
func (h *Hub) NotifyLocal(ctx context.Context, n Notification) (string, error) {
	if strings.TrimSpace(n.ID) == "" {
		n.ID = h.opts.NewID()
	}
	if len(n.Actions) > 0 {
		now := h.opts.Now()
		h.actionMu.Lock()
		h.pruneLocked(now)
		h.actions[n.ID] = pendingAction{kind: n.Kind, subject: n.Subject, expiresAt: now.Add(h.opts.ActionTTL)}
		h.actionMu.Unlock()
	}
	var err error
	if h.opts.Local != nil {
		err = h.opts.Local.Show(ctx, n)
	} else {
		h.Notify(ctx, TypeLocalNotification, n)
	}
	if err != nil {
		h.logger.Warn("local notification failed", zap.String("notification", n.ID), zap.Error(err))
	}
	return n.ID, err
}

// OnAction routes user actions on notifications of kind to handler.
func (h *Hub) OnAction(kind string, handler ActionHandler) {
	h.actionMu.Lock()
	defer h.actionMu.Unlock()
	h.handlers[kind] = handler
}

// HandleAction resolves and forgets the subject of notificationID, then runs
// the handler registered for its kind.
func (h *Hub) HandleAction(ctx context.Context, notificationID, action string) error {
	now := h.opts.Now()
	h.actionMu.Lock()
	h.pruneLocked(now)
	entry, ok := h.actions[notificationID]
	delete(h.actions, notificationID)
	handler := h.handlers[entry.kind]
	h.actionMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNotification, notificationID)
	}
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrNoActionHandler, entry.kind)
	}
	return handler(ctx, ActionRequest{
		NotificationID: notificationID,
		Action:         action,
		Kind:           entry.kind,
		Subject:        entry.subject,
	})
}

// PendingActions reports how many notifications still await an action.
func (h *Hub) PendingActions() int {
	h.actionMu.Lock()
	defer h.actionMu.Unlock()
	h.pruneLocked(h.opts.Now())
	return len(h.actions)
}

func (h *Hub) pruneLocked(now time.Time) {
	for id, entry := range h.actions {
		if !now.Before(entry.expiresAt) {
			delete(h.actions, id)
		}
	}
}

func originAllowed(allowed []string, origin string) bool {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || parsed.Host == "" {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	for _, entry := range allowed {
		wantScheme, pattern := splitOriginPattern(entry)
		if pattern == "" {
			continue
		}
		if wantScheme != "" && wantScheme != scheme {
			continue
		}
		if strings.HasPrefix(pattern, "*.") {
			if strings.HasSuffix(host, pattern[1:]) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

func splitOriginPattern(entry string) (scheme, host string) {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if i := strings.Index(entry, "://"); i >= 0 {
		scheme, entry = entry[:i], entry[i+3:]
	}
	return scheme, strings.TrimSuffix(entry, "/")
}
