package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/session"
)

// Inbound message types.
const (
	TypeTrackingStateUpdate         = "TRACKING_STATE_UPDATE"
	TypePurchaseDetected            = "PURCHASE_DETECTED"
	TypeBehaviorTransactionDetected = "BEHAVIOR_TRANSACTION_DETECTED"
	TypeSubscriptionDetected        = "SUBSCRIPTION_DETECTED"
	TypeCancellationDetected        = "CANCELLATION_DETECTED"
	TypeWebsiteLogin                = "WEBSITE_LOGIN"
	TypeUserLoggedOut               = "USER_LOGGED_OUT"
	TypePageObservation             = "PAGE_OBSERVATION"
	TypePageNavigated               = "PAGE_NAVIGATED"
	TypePaymentActuated             = "PAYMENT_ACTUATED"
	TypeTabClosed                   = "TAB_CLOSED"
)

// MessageTypes lists every inbound type the agent routes.
var MessageTypes = []string{
	TypeTrackingStateUpdate,
	TypePurchaseDetected,
	TypeBehaviorTransactionDetected,
	TypeSubscriptionDetected,
	TypeCancellationDetected,
	TypeWebsiteLogin,
	TypeUserLoggedOut,
	TypePageObservation,
	TypePageNavigated,
	TypePaymentActuated,
	TypeTabClosed,
}

type Envelope struct {
	Type    string          `json:"type"`
	TabID   string          `json:"tabId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply summarizes what handling a message did.
type Reply struct {
	Type      string `json:"type"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	State     string `json:"state,omitempty"`
}

type TrackingState struct {
	State    string `json:"state"`
	Hostname string `json:"hostname"`
	SiteName string `json:"siteName,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Detected is the payload of the *_DETECTED messages produced by the page
// layer's own heuristics.
type Detected struct {
	Merchant     string     `json:"merchant,omitempty"`
	Name         string     `json:"name,omitempty"`
	Amount       Amount     `json:"amount,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	Description  string     `json:"description,omitempty"`
	URL          string     `json:"url,omitempty"`
	Hostname     string     `json:"hostname,omitempty"`
	BillingCycle string     `json:"billingCycle,omitempty"`
	TrialDays    int        `json:"trialDays,omitempty"`
	TrialEndAt   *time.Time `json:"trialEndAt,omitempty"`
	DetectedAt   time.Time  `json:"detectedAt,omitempty"`
}

type Login struct {
	Session          session.Session `json:"session"`
	User             session.User    `json:"user"`
	SkipNotification bool            `json:"skipNotification,omitempty"`
}

type PageObservation struct {
	Observation detect.Observation `json:"observation"`
}

type PageNavigated struct {
	URL string `json:"url"`
}

// Amount accepts either a JSON number or display text such as "$1,299.00".
// A currency found in the text is kept.
type Amount struct {
	Value    float64
	Currency string
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value)
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		a.Value = number
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("amount must be a number or text: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if value, currency, ok := detect.ParseAmount(text); ok {
		a.Value, a.Currency = value, currency
		return nil
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", ""), 64)
	if err != nil {
		return fmt.Errorf("unparseable amount %q", text)
	}
	a.Value = value
	return nil
}

func (d Detected) host() string {
	return detect.Observation{URL: d.URL, Hostname: d.Hostname}.Host()
}

// event builds the DetectionEvent for a page-layer detection.
func (d Detected) event(kind detect.Kind, id string, now time.Time) detect.Event {
	host := d.host()
	at := d.DetectedAt
	if at.IsZero() {
		at = now
	}
	merchant := strings.TrimSpace(d.Merchant)
	if merchant == "" {
		merchant = detect.SiteName(host)
	}
	currency := strings.ToUpper(strings.TrimSpace(d.Currency))
	if currency == "" {
		currency = d.Amount.Currency
	}
	payload := detect.Payload{
		Merchant:     merchant,
		Amount:       d.Amount.Value,
		Currency:     currency,
		Description:  strings.TrimSpace(d.Description),
		URL:          d.URL,
		BillingCycle: strings.TrimSpace(d.BillingCycle),
		Source:       "page_layer",
	}
	if kind != detect.KindPurchase {
		payload.SubscriptionName = strings.TrimSpace(d.Name)
		if payload.SubscriptionName == "" {
			payload.SubscriptionName = merchant
		}
	}
	if kind == detect.KindSubscription {
		payload.TrialDays = d.TrialDays
		switch {
		case d.TrialEndAt != nil && !d.TrialEndAt.IsZero():
			end := d.TrialEndAt.UTC()
			payload.TrialEndAt = &end
		case d.TrialDays > 0:
			end := at.Add(time.Duration(d.TrialDays) * 24 * time.Hour)
			payload.TrialEndAt = &end
		}
	}
	return detect.Event{
		ID:             id,
		Kind:           kind,
		Payload:        payload,
		DetectedAt:     at,
		SourceHostname: host,
	}
}
