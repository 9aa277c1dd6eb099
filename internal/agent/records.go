package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"go.uber.org/zap"

	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/ledger"
	"github.com/agentworkforce/spendwatch/internal/notify"
	"github.com/agentworkforce/spendwatch/internal/ratelimit"
)

// Persisted keys owned by the agent.
const (
	SiteVisitsKey       = "siteVisits"
	SubscriptionKeysKey = "subscriptionKeys"
	RecentPurchasesKey  = "recentPurchases"
)

const (
	actionKindCancellation = "cancellation"
	actionRemove           = "remove"
)

type VisitRecord struct {
	Hostname  string    `json:"hostname"`
	SiteName  string    `json:"siteName"`
	LastURL   string    `json:"lastUrl,omitempty"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Visits    int       `json:"visits"`
	LastState string    `json:"lastState,omitempty"`
}

// SubscriptionKey is the persisted proof that a subscription was already
// recorded for a dedup key.
type SubscriptionKey struct {
	Name      string    `json:"name"`
	Merchant  string    `json:"merchant,omitempty"`
	EventID   string    `json:"eventId"`
	FirstSeen time.Time `json:"firstSeen"`
}

func (a *Agent) trackVisit(ctx context.Context, msg TrackingState) error {
	host := detect.Observation{URL: msg.URL, Hostname: msg.Hostname}.Host()
	if host == "" {
		return fmt.Errorf("%w: tracking update without hostname", ErrInvalidMessage)
	}
	now := a.opts.Now()
	var visit VisitRecord
	err := kv.UpdateJSON(ctx, a.store, SiteVisitsKey, func(visits *map[string]VisitRecord) error {
		if *visits == nil {
			*visits = map[string]VisitRecord{}
		}
		record, ok := (*visits)[host]
		if !ok {
			record = VisitRecord{Hostname: host, FirstSeen: now}
		}
		if !ok || now.Sub(record.LastSeen) >= a.opts.VisitGap {
			record.Visits++
		}
		record.SiteName = strings.TrimSpace(msg.SiteName)
		if record.SiteName == "" {
			record.SiteName = detect.SiteName(host)
		}
		if msg.URL != "" {
			record.LastURL = msg.URL
		}
		record.LastSeen = now
		record.LastState = strings.TrimSpace(msg.State)
		(*visits)[host] = record
		visit = record
		return nil
	})
	if err != nil {
		return fmt.Errorf("record site visit %s: %w", host, err)
	}
	a.hub.Notify(ctx, notify.TypeSiteVisitTracked, visit)
	a.postVisit(ctx, visit)
	return nil
}

// postVisit is best effort: a rate-limited, logged-out or failed post is
// dropped.
func (a *Agent) postVisit(ctx context.Context, visit VisitRecord) {
	if a.ledger == nil {
		return
	}
	if err := a.limiter.Admit(ctx, ratelimit.PurposeSiteVisit); err != nil {
		if !errors.Is(err, ratelimit.ErrRateLimited) {
			a.logger.Warn("site visit admission failed", zap.Error(err))
		}
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultVisitTimeout)
	defer cancel()
	err := a.ledger.PostSiteVisit(ctx, visit)
	switch {
	case err == nil:
		a.queue.SetOnline(true)
	case errors.Is(err, ledger.ErrNoCredential):
	default:
		a.logger.Debug("site visit post failed", zap.String("host", visit.Hostname), zap.Error(err))
	}
}

// SiteVisits returns the persisted visit records.
func (a *Agent) SiteVisits(ctx context.Context) (map[string]VisitRecord, error) {
	var visits map[string]VisitRecord
	if _, err := kv.GetJSON(ctx, a.store, SiteVisitsKey, &visits); err != nil {
		return nil, err
	}
	return visits, nil
}

// suppressPurchase records the purchase's host and amount and reports
// whether the same pair was already seen within PurchaseWindow.
func (a *Agent) suppressPurchase(ctx context.Context, event detect.Event, now time.Time) (bool, error) {
	if event.SourceHostname == "" || event.Payload.Amount <= 0 {
		return false, nil
	}
	key := purchaseKey(event)
	duplicate := false
	err := kv.UpdateJSON(ctx, a.store, RecentPurchasesKey, func(recent *map[string]time.Time) error {
		if *recent == nil {
			*recent = map[string]time.Time{}
		}
		for k, seen := range *recent {
			if now.Sub(seen) >= a.opts.PurchaseWindow {
				delete(*recent, k)
			}
		}
		if _, ok := (*recent)[key]; ok {
			duplicate = true
			return nil
		}
		(*recent)[key] = now
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check recent purchases: %w", err)
	}
	return duplicate, nil
}

func purchaseKey(event detect.Event) string {
	return fmt.Sprintf("%s|%.2f", event.SourceHostname, event.Payload.Amount)
}

// releaseClaim undoes the dedup claim submit made for event, so a detection
// whose enqueue failed is accepted when it is seen again. Only a claim still
// owned by event is removed.
func (a *Agent) releaseClaim(ctx context.Context, event detect.Event, claimedAt time.Time) {
	var err error
	switch event.Kind {
	case detect.KindPurchase:
		if event.SourceHostname == "" || event.Payload.Amount <= 0 {
			return
		}
		key := purchaseKey(event)
		err = kv.UpdateJSON(ctx, a.store, RecentPurchasesKey, func(recent *map[string]time.Time) error {
			if seen, ok := (*recent)[key]; ok && seen.Equal(claimedAt) {
				delete(*recent, key)
			}
			return nil
		})
	case detect.KindSubscription:
		err = kv.UpdateJSON(ctx, a.store, SubscriptionKeysKey, func(keys *map[string]SubscriptionKey) error {
			if claim, ok := (*keys)[event.Payload.DedupKey]; ok && claim.EventID == event.ID {
				delete(*keys, event.Payload.DedupKey)
			}
			return nil
		})
	default:
		return
	}
	if err != nil {
		a.logger.Error("releasing dedup claim failed",
			zap.String("event", event.ID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

// claimSubscription stores event's dedup key and reports whether it was
// already present.
func (a *Agent) claimSubscription(ctx context.Context, event detect.Event, now time.Time) (bool, error) {
	duplicate := false
	err := kv.UpdateJSON(ctx, a.store, SubscriptionKeysKey, func(keys *map[string]SubscriptionKey) error {
		if *keys == nil {
			*keys = map[string]SubscriptionKey{}
		}
		if _, ok := (*keys)[event.Payload.DedupKey]; ok {
			duplicate = true
			return nil
		}
		(*keys)[event.Payload.DedupKey] = SubscriptionKey{
			Name:      event.SubjectName(),
			Merchant:  event.Payload.Merchant,
			EventID:   event.ID,
			FirstSeen: now,
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim subscription key: %w", err)
	}
	return duplicate, nil
}

// Subscriptions returns the known subscriptions keyed by dedup key.
func (a *Agent) Subscriptions(ctx context.Context) (map[string]SubscriptionKey, error) {
	var keys map[string]SubscriptionKey
	if _, err := kv.GetJSON(ctx, a.store, SubscriptionKeysKey, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// matchSubscription finds the known subscription a cancellation most likely
// refers to.
func (a *Agent) matchSubscription(ctx context.Context, name string) (string, bool) {
	target := detect.NormalizeSubjectName(name)
	if target == "" {
		return "", false
	}
	keys, err := a.Subscriptions(ctx)
	if err != nil || len(keys) == 0 {
		return "", false
	}
	metric := metrics.NewJaroWinkler()
	best, bestScore := "", 0.0
	for _, key := range keys {
		for _, candidate := range []string{key.Name, key.Merchant} {
			normalized := detect.NormalizeSubjectName(candidate)
			if normalized == "" {
				continue
			}
			score := strutil.Similarity(target, normalized, metric)
			if score > bestScore {
				best, bestScore = key.Name, score
			}
		}
	}
	if bestScore < a.opts.MatchThreshold {
		return "", false
	}
	return best, true
}

func (a *Agent) promptCancellation(ctx context.Context, event detect.Event) {
	name := event.SubjectName()
	_, _ = a.hub.NotifyLocal(ctx, notify.Notification{
		Title:   "Subscription cancelled?",
		Message: fmt.Sprintf("It looks like you cancelled %s. Remove it from your subscriptions?", name),
		Actions: []string{actionRemove, "keep"},
		Kind:    actionKindCancellation,
		Subject: name,
	})
}

// handleCancellationAction forgets a subscription the user confirmed as
// cancelled, so a later re-subscription is detected again, and stops its
// trial reminders.
func (a *Agent) handleCancellationAction(ctx context.Context, req notify.ActionRequest) error {
	if req.Action != actionRemove {
		return nil
	}
	want := detect.NormalizeSubjectName(req.Subject)
	removed := 0
	err := kv.UpdateJSON(ctx, a.store, SubscriptionKeysKey, func(keys *map[string]SubscriptionKey) error {
		for dedup, key := range *keys {
			if detect.NormalizeSubjectName(key.Name) == want {
				delete(*keys, dedup)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove subscription %s: %w", req.Subject, err)
	}
	if _, err := a.reminders.Cancel(ctx, req.Subject); err != nil {
		return err
	}
	a.logger.Info("subscription removed", zap.String("subject", req.Subject), zap.Int("keys", removed))
	return nil
}
