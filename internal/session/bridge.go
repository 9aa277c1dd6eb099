package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/ledger"
	"github.com/agentworkforce/spendwatch/internal/notify"
)

// StorageKey holds the synced session.
const StorageKey = "session"

var ErrInvalidSession = errors.New("invalid session")

type Session struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Email       string    `json:"email,omitempty"`
	SyncedAt    time.Time `json:"syncedAt"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Notifier is the subset of *notify.Hub the bridge needs.
type Notifier interface {
	Notify(ctx context.Context, msgType string, payload any) int
	NotifyLocal(ctx context.Context, n notify.Notification) (string, error)
}

// Hook runs after a session change has been persisted.
type Hook func(ctx context.Context, s Session)

type Options struct {
	Notifier Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

// Bridge reconciles the first-party site's session with the background
// service. Repeating a login or logout has no further side effects.
type Bridge struct {
	store    kv.Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	hookMu      sync.RWMutex
	loginHooks  []Hook
	logoutHooks []Hook
}

func NewBridge(store kv.Store, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Bridge{store: store, notifier: opts.Notifier, logger: opts.Logger, now: opts.Now}
}

func (b *Bridge) OnLogin(h Hook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.loginHooks = append(b.loginHooks, h)
}

func (b *Bridge) OnLogout(h Hook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.logoutHooks = append(b.logoutHooks, h)
}

// Login persists s for user. It reports false, with no notifications and no
// hooks, when the same token for the same user is already stored.
func (b *Bridge) Login(ctx context.Context, s Session, user User, skipNotification bool) (bool, error) {
	s.AccessToken = strings.TrimSpace(s.AccessToken)
	if s.AccessToken == "" {
		return false, fmt.Errorf("%w: access token required", ErrInvalidSession)
	}
	if strings.TrimSpace(user.ID) != "" {
		s.UserID = strings.TrimSpace(user.ID)
	}
	if strings.TrimSpace(user.Email) != "" {
		s.Email = strings.TrimSpace(user.Email)
	}

	changed := false
	err := kv.UpdateJSON(ctx, b.store, StorageKey, func(current *Session) error {
		if current.AccessToken == s.AccessToken && current.UserID == s.UserID {
			if !s.ExpiresAt.IsZero() {
				current.ExpiresAt = s.ExpiresAt
			}
			return nil
		}
		s.SyncedAt = b.now()
		*current = s
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("persist session: %w", err)
	}
	if !changed {
		b.logger.Debug("session unchanged", zap.String("user", s.UserID))
		return false, nil
	}

	b.logger.Info("session synced", zap.String("user", s.UserID))
	if b.notifier != nil {
		b.notifier.Notify(ctx, notify.TypeExtensionSynced, map[string]any{"userId": s.UserID, "email": s.Email})
		if !skipNotification {
			_, _ = b.notifier.NotifyLocal(ctx, notify.Notification{
				Title:   "Spendwatch connected",
				Message: "Purchases you make will now be tracked automatically.",
			})
		}
	}
	b.run(ctx, b.snapshotHooks(true), s)
	return true, nil
}

// Logout clears the stored session. It reports false when already logged out.
func (b *Bridge) Logout(ctx context.Context) (bool, error) {
	var previous Session
	err := b.store.Update(ctx, StorageKey, func(current []byte) ([]byte, error) {
		if len(current) > 0 {
			_ = json.Unmarshal(current, &previous)
		}
		return nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("clear session: %w", err)
	}
	if previous.AccessToken == "" {
		return false, nil
	}
	b.logger.Info("session cleared", zap.String("user", previous.UserID))
	if b.notifier != nil {
		b.notifier.Notify(ctx, notify.TypeExtensionLoggedOut, map[string]any{"userId": previous.UserID})
	}
	b.run(ctx, b.snapshotHooks(false), previous)
	return true, nil
}

// Current returns the stored session, if any.
func (b *Bridge) Current(ctx context.Context) (Session, bool, error) {
	var s Session
	found, err := kv.GetJSON(ctx, b.store, StorageKey, &s)
	if err != nil || !found || s.AccessToken == "" {
		return Session{}, false, err
	}
	return s, true, nil
}

// Token is the ledger credential source. It fails with ledger.ErrNoCredential
// when logged out or when the stored session has expired.
func (b *Bridge) Token(ctx context.Context) (string, error) {
	s, ok, err := b.Current(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ledger.ErrNoCredential
	}
	if !s.ExpiresAt.IsZero() && !b.now().Before(s.ExpiresAt) {
		return "", fmt.Errorf("%w: session expired", ledger.ErrNoCredential)
	}
	return s.AccessToken, nil
}

// UserID returns the logged-in user's ID, or "" when logged out.
func (b *Bridge) UserID(ctx context.Context) string {
	s, ok, err := b.Current(ctx)
	if err != nil || !ok {
		return ""
	}
	return s.UserID
}

func (b *Bridge) snapshotHooks(login bool) []Hook {
	b.hookMu.RLock()
	defer b.hookMu.RUnlock()
	if login {
		return append([]Hook(nil), b.loginHooks...)
	}
	return append([]Hook(nil), b.logoutHooks...)
}

func (b *Bridge) run(ctx context.Context, hooks []Hook, s Session) {
	for _, h := range hooks {
		h(ctx, s)
	}
}
