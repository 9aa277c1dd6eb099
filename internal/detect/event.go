package detect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindPurchase     Kind = "purchase"
	KindSubscription Kind = "subscription"
	KindCancellation Kind = "cancellation"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindPurchase:
		return KindPurchase, nil
	case KindSubscription:
		return KindSubscription, nil
	case KindCancellation:
		return KindCancellation, nil
	default:
		return "", fmt.Errorf("unknown detection kind %q", raw)
	}
}

type Payload struct {
	Merchant         string     `json:"merchant,omitempty"`
	Amount           float64    `json:"amount,omitempty"`
	Currency         string     `json:"currency,omitempty"`
	Description      string     `json:"description,omitempty"`
	URL              string     `json:"url,omitempty"`
	SubscriptionName string     `json:"subscriptionName,omitempty"`
	BillingCycle     string     `json:"billingCycle,omitempty"`
	TrialDays        int        `json:"trialDays,omitempty"`
	TrialEndAt       *time.Time `json:"trialEndAt,omitempty"`
	UserID           string     `json:"userId,omitempty"`
	DedupKey         string     `json:"dedupKey,omitempty"`
	Source           string     `json:"source,omitempty"`
}

// Event is an inferred purchase, subscription signup or cancellation. Events
// are immutable once built; copies are passed by value.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Payload        Payload   `json:"payload"`
	DetectedAt     time.Time `json:"detectedAt"`
	SourceHostname string    `json:"sourceHostname,omitempty"`
}

// IsTrial reports whether the event carries a trial end to remind about.
func (e Event) IsTrial() bool {
	return e.Kind == KindSubscription && e.Payload.TrialEndAt != nil && !e.Payload.TrialEndAt.IsZero()
}

// SubjectName is the name used for dedup and reminders.
func (e Event) SubjectName() string {
	if name := strings.TrimSpace(e.Payload.SubscriptionName); name != "" {
		return name
	}
	return strings.TrimSpace(e.Payload.Merchant)
}

func (e Event) String() string {
	data, err := json.Marshal(e)
	if err != nil {
		return e.ID
	}
	return string(data)
}
