package detect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateCheckoutEntered
	StatePaymentFormActive
	StatePaymentSubmitted
	StateTransactionConfirmed
)

var stateNames = [...]string{
	StateIdle:                 "idle",
	StateMonitoring:           "monitoring",
	StateCheckoutEntered:      "checkout_entered",
	StatePaymentFormActive:    "payment_form_active",
	StatePaymentSubmitted:     "payment_submitted",
	StateTransactionConfirmed: "transaction_confirmed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, candidate := range stateNames {
		if candidate == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

// SessionState is the per-tab view of checkout progress. It is never
// persisted.
type SessionState struct {
	TabID     string    `json:"tabId"`
	State     State     `json:"state"`
	Score     int       `json:"score"`
	EnteredAt time.Time `json:"enteredAt"`
	Hostname  string    `json:"hostname,omitempty"`
}

// Machine drives one tab's SessionState. It is not safe for concurrent use;
// Tracker serializes access.
type Machine struct {
	base    *Profile
	profile *Profile
	newID   func() string

	state       SessionState
	submittedAt time.Time
	lastURL     string
	evidence    evidence
}

// evidence accumulates what the page showed across observations so the
// confirmation page, which rarely repeats the order details, can still
// produce a complete event.
type evidence struct {
	totalText    string
	pageTitle    string
	subscription []string
	cancellation []string
}

func NewMachine(tabID string, profile *Profile, newID func() string) *Machine {
	if profile == nil {
		profile = DefaultProfile()
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Machine{
		base:    profile,
		profile: profile,
		newID:   newID,
		state:   SessionState{TabID: tabID, State: StateIdle},
	}
}

func (m *Machine) State() SessionState {
	return m.state
}

// Navigate handles a top-level navigation. A new hostname, or any navigation
// after a confirmed transaction, starts a fresh session.
func (m *Machine) Navigate(rawURL string, at time.Time) {
	host := hostOf(rawURL)
	if m.state.State == StateTransactionConfirmed || host != m.state.Hostname {
		m.reset(host, at)
	}
	m.lastURL = rawURL
}

// Observe folds one observation into the session and returns the detection
// event when this observation confirms a transaction. Later observations on
// the same confirmed page return nil.
func (m *Machine) Observe(obs Observation) *Event {
	at := obs.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	host := obs.Host()
	if host != m.state.Hostname {
		m.reset(host, at)
	}
	if strings.TrimSpace(obs.URL) != "" {
		m.lastURL = obs.URL
	}
	if m.state.State == StateTransactionConfirmed {
		return nil
	}
	m.expire(at)

	score := m.profile.Score(obs)
	m.state.Score = score.Value
	m.collect(obs)

	if m.state.State == StateIdle {
		if m.profile.IsExcluded(host) || score.Value <= 0 {
			return nil
		}
		m.enter(StateMonitoring, at)
	}
	if m.state.State == StateMonitoring {
		if m.profile.IsCheckoutURL(obs.URL) || score.Value > m.profile.LowThreshold {
			m.enter(StateCheckoutEntered, at)
		}
	}
	if m.state.State == StateCheckoutEntered {
		if m.profile.IsPaymentForm(obs.Signals) {
			m.enter(StatePaymentFormActive, at)
		}
	}
	if m.state.State == StatePaymentSubmitted {
		if m.profile.IsSuccess(obs) {
			m.enter(StateTransactionConfirmed, at)
			event := m.buildEvent(obs, at)
			return &event
		}
	}
	return nil
}

// Actuate records a click or submit on a matched payment button. It only has
// an effect while the payment form is active.
func (m *Machine) Actuate(at time.Time) bool {
	if m.state.State != StatePaymentFormActive {
		return false
	}
	m.enter(StatePaymentSubmitted, at)
	m.submittedAt = at
	return true
}

// Sweep reverts an unconfirmed submission once the confirmation window has
// elapsed. It reports whether the state changed.
func (m *Machine) Sweep(at time.Time) bool {
	return m.expire(at)
}

func (m *Machine) expire(at time.Time) bool {
	if m.state.State != StatePaymentSubmitted {
		return false
	}
	if at.Sub(m.submittedAt) <= m.profile.ConfirmationWindow {
		return false
	}
	m.enter(StateMonitoring, at)
	m.submittedAt = time.Time{}
	return true
}

func (m *Machine) enter(state State, at time.Time) {
	m.state.State = state
	m.state.EnteredAt = at
}

func (m *Machine) reset(host string, at time.Time) {
	m.profile = m.base.ForHost(host)
	m.state = SessionState{TabID: m.state.TabID, State: StateIdle, EnteredAt: at, Hostname: host}
	m.submittedAt = time.Time{}
	m.evidence = evidence{}
}

func (m *Machine) collect(obs Observation) {
	sig := obs.Signals
	if t := strings.TrimSpace(sig.TotalText); t != "" {
		m.evidence.totalText = t
	}
	if t := strings.TrimSpace(sig.PageTitle); t != "" && m.evidence.pageTitle == "" {
		m.evidence.pageTitle = t
	}
	m.evidence.subscription = appendUnique(m.evidence.subscription, sig.SubscriptionKeywords...)
	m.evidence.cancellation = appendUnique(m.evidence.cancellation, sig.CancellationKeywords...)
}

func (m *Machine) buildEvent(obs Observation, at time.Time) Event {
	host := m.state.Hostname
	merged := Signals{
		SubscriptionKeywords: m.evidence.subscription,
		CancellationKeywords: m.evidence.cancellation,
	}
	kind := m.profile.InferKind(merged, m.lastURL)

	payload := Payload{
		Merchant:    SiteName(host),
		URL:         obs.URL,
		Description: m.evidence.pageTitle,
		Source:      "page_state_machine",
	}
	if amount, currency, ok := ParseAmount(m.evidence.totalText); ok {
		payload.Amount = amount
		payload.Currency = currency
	}
	if kind == KindSubscription || kind == KindCancellation {
		payload.SubscriptionName = payload.Merchant
		texts := append([]string{m.evidence.pageTitle, m.evidence.totalText}, m.evidence.subscription...)
		payload.BillingCycle = ParseBillingCycle(texts...)
		if days := ParseTrialDays(texts...); days > 0 && kind == KindSubscription {
			payload.TrialDays = days
			end := at.Add(time.Duration(days) * 24 * time.Hour)
			payload.TrialEndAt = &end
		}
	}
	return Event{
		ID:             m.newID(),
		Kind:           kind,
		Payload:        payload,
		DetectedAt:     at,
		SourceHostname: host,
	}
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dup := false
		for _, existing := range dst {
			if strings.EqualFold(existing, v) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
