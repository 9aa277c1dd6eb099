package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/ledger"
	"github.com/agentworkforce/spendwatch/internal/notify"
	"github.com/agentworkforce/spendwatch/internal/queue"
	"github.com/agentworkforce/spendwatch/internal/reminder"
	"github.com/agentworkforce/spendwatch/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLedger struct {
	mu        sync.Mutex
	delivered []detect.Event
	visits    []any
	probeErr  error
}

func (f *fakeLedger) Deliver(_ context.Context, event detect.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, event)
	return nil
}

func (f *fakeLedger) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeLedger) PostSiteVisit(_ context.Context, visit any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits = append(f.visits, visit)
	return nil
}

type fakeTab struct {
	mu       sync.Mutex
	received []notify.Message
}

func (t *fakeTab) ID() string     { return "tab-dashboard" }
func (t *fakeTab) Origin() string { return "https://app.spendwatch.io" }

func (t *fakeTab) Send(_ context.Context, msg notify.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received = append(t.received, msg)
	return nil
}

func (t *fakeTab) types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.received))
	for _, msg := range t.received {
		out = append(out, msg.Type)
	}
	return out
}

type fixture struct {
	now    time.Time
	store  kv.Store
	ledger *fakeLedger
	tab    *fakeTab
	agent  *Agent
	ids    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, kv.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store kv.Store) *fixture {
	t.Helper()
	f := &fixture{
		now:    time.Date(2026, 9, 14, 18, 30, 0, 0, time.UTC),
		store:  store,
		ledger: &fakeLedger{},
		tab:    &fakeTab{},
	}
	clock := func() time.Time { return f.now }
	hub := notify.NewHub(notify.Options{
		AllowedOrigins: []string{"https://app.spendwatch.io"},
		Now:            clock,
		NewID: func() string {
			f.ids++
			return fmt.Sprintf("notif-%d", f.ids)
		},
	})
	if err := hub.Register(f.tab); err != nil {
		t.Fatalf("register tab: %v", err)
	}
	bridge := session.NewBridge(f.store, session.Options{Notifier: hub, Now: clock})
	f.agent = New(f.store, f.ledger, hub, bridge, Options{
		Queue: queue.Options{Sleep: func(context.Context, time.Duration) error { return nil }},
		Now:   clock,
	})
	t.Cleanup(func() { _ = f.agent.Queue().Close() })
	return f
}

func (f *fixture) send(t *testing.T, msgType, tabID string, payload any) Reply {
	t.Helper()
	reply, err := f.trySend(msgType, tabID, payload)
	if err != nil {
		t.Fatalf("%s: %v", msgType, err)
	}
	return reply
}

func (f *fixture) trySend(msgType, tabID string, payload any) (Reply, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Reply{}, err
		}
		raw = data
	}
	return f.agent.Handle(context.Background(), Envelope{Type: msgType, TabID: tabID, Payload: raw})
}

func (f *fixture) queued(t *testing.T) []queue.Item {
	t.Helper()
	items, err := f.agent.Queue().Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return items
}

func TestDuplicateSubscriptionsProduceOneRecord(t *testing.T) {
	f := newFixture(t)
	f.send(t, TypeWebsiteLogin, "", map[string]any{
		"session":          map[string]any{"accessToken": "tok"},
		"user":             map[string]any{"id": "user-7"},
		"skipNotification": true,
	})

	first := f.send(t, TypeSubscriptionDetected, "", map[string]any{"name": "Spotify Premium", "amount": 10.99, "hostname": "www.spotify.com"})
	second := f.send(t, TypeSubscriptionDetected, "", map[string]any{"name": "spotify", "amount": "$10.99", "hostname": "open.spotify.com"})
	if !first.Accepted || first.Duplicate {
		t.Fatalf("first detection should be accepted, got %+v", first)
	}
	if second.Accepted || !second.Duplicate {
		t.Fatalf("second detection should be a duplicate, got %+v", second)
	}
	keys, err := f.agent.Subscriptions(context.Background())
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one subscription record, got %d (%v)", len(keys), err)
	}
	key := detect.DedupKey("user-7", "Spotify Premium")
	if keys[key].EventID != first.EventID {
		t.Fatalf("subscription key not stored under the user's dedup key: %+v", keys)
	}
	items := f.queued(t)
	if len(items) != 1 || items[0].Event.Payload.DedupKey != key || items[0].Event.Payload.UserID != "user-7" {
		t.Fatalf("unexpected queue %+v", items)
	}
}

// flakyStore fails the next failures updates of key.
type flakyStore struct {
	*kv.MemoryStore
	mu       sync.Mutex
	key      string
	failures int
}

func (s *flakyStore) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	s.mu.Lock()
	if key == s.key && s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("disk full")
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, key, fn)
}

func TestFailedEnqueueReleasesDedupClaims(t *testing.T) {
	store := &flakyStore{MemoryStore: kv.NewMemoryStore(), key: queue.StorageKey, failures: 2}
	f := newFixtureWithStore(t, store)
	subscription := map[string]any{"name": "Spotify Premium", "amount": 10.99, "hostname": "www.spotify.com"}
	purchase := map[string]any{"merchant": "Acme", "amount": 42.5, "url": "https://shop.acme.com/checkout/done"}

	if _, err := f.trySend(TypeSubscriptionDetected, "", subscription); err == nil {
		t.Fatalf("expected subscription enqueue to fail")
	}
	if _, err := f.trySend(TypePurchaseDetected, "", purchase); err == nil {
		t.Fatalf("expected purchase enqueue to fail")
	}
	keys, err := f.agent.Subscriptions(context.Background())
	if err != nil || len(keys) != 0 {
		t.Fatalf("failed enqueue must not leave a subscription claim, got %v (%v)", keys, err)
	}

	if r := f.send(t, TypeSubscriptionDetected, "", subscription); !r.Accepted || r.Duplicate {
		t.Fatalf("expected resent subscription accepted, got %+v", r)
	}
	if r := f.send(t, TypePurchaseDetected, "", purchase); !r.Accepted || r.Duplicate {
		t.Fatalf("expected resent purchase accepted, got %+v", r)
	}
	if items := f.queued(t); len(items) != 2 {
		t.Fatalf("expected both detections queued, got %+v", items)
	}
}

func TestPurchaseSuppressionWindow(t *testing.T) {
	f := newFixture(t)
	purchase := map[string]any{"merchant": "Acme", "amount": 42.5, "currency": "usd", "url": "https://shop.acme.com/checkout/done"}

	if r := f.send(t, TypePurchaseDetected, "", purchase); !r.Accepted {
		t.Fatalf("expected first purchase accepted, got %+v", r)
	}
	f.now = f.now.Add(90 * time.Second)
	if r := f.send(t, TypeBehaviorTransactionDetected, "", purchase); !r.Duplicate {
		t.Fatalf("expected repeat within window to be suppressed, got %+v", r)
	}
	f.now = f.now.Add(2 * time.Minute)
	if r := f.send(t, TypePurchaseDetected, "", purchase); !r.Accepted {
		t.Fatalf("expected purchase after window accepted, got %+v", r)
	}
	items := f.queued(t)
	if len(items) != 2 || items[0].Event.Payload.Currency != "USD" || items[0].Event.SourceHostname != "shop.acme.com" {
		t.Fatalf("unexpected queue %+v", items)
	}
}

func TestPageFlowDetectsAndDeliversPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := "tab-42"

	f.send(t, TypePageNavigated, tab, PageNavigated{URL: "https://store.example.com/checkout"})
	r := f.send(t, TypePageObservation, tab, PageObservation{Observation: detect.Observation{
		URL: "https://store.example.com/checkout",
		Signals: detect.Signals{
			HasCardInput: true,
			ButtonLabels: []string{"Place order"},
			TotalText:    "Order total: $42.50",
			PageTitle:    "Checkout - Example Store",
		},
	}})
	if r.State != detect.StatePaymentFormActive.String() {
		t.Fatalf("expected payment form state, got %+v", r)
	}
	if r := f.send(t, TypePaymentActuated, tab, nil); !r.Accepted {
		t.Fatalf("expected actuation accepted, got %+v", r)
	}
	f.now = f.now.Add(5 * time.Second)
	confirm := PageObservation{Observation: detect.Observation{
		URL:     "https://store.example.com/order/received",
		Signals: detect.Signals{SuccessElementPresent: true},
	}}
	r = f.send(t, TypePageObservation, tab, confirm)
	if !r.Accepted || r.EventID == "" {
		t.Fatalf("expected confirmed transaction, got %+v", r)
	}
	if again := f.send(t, TypePageObservation, tab, confirm); again.EventID != "" {
		t.Fatalf("confirmed page must not fire twice, got %+v", again)
	}

	result, err := f.agent.Queue().Drain(ctx)
	if err != nil || result.Delivered != 1 {
		t.Fatalf("drain: %+v %v", result, err)
	}
	got := f.ledger.delivered[0]
	if got.Kind != detect.KindPurchase || got.Payload.Amount != 42.5 || got.Payload.Currency != "USD" {
		t.Fatalf("unexpected delivered event %+v", got)
	}
	types := f.tab.types()
	if len(types) < 2 || types[len(types)-2] != notify.TypeNewTransaction || types[len(types)-1] != notify.TypeTransactionsSynced {
		t.Fatalf("expected NEW_TRANSACTION then TRANSACTIONS_SYNCED, got %v", types)
	}

	f.send(t, TypeTabClosed, tab, nil)
	if len(f.agent.Tracker().Snapshot()) != 0 {
		t.Fatalf("closed tab should drop its session state")
	}
}

func TestTrialSubscriptionSchedulesReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.send(t, TypeSubscriptionDetected, "", map[string]any{"name": "Max", "trialDays": 7, "url": "https://www.max.com/subscribe/done"})
	if !r.Accepted {
		t.Fatalf("expected accepted, got %+v", r)
	}
	records, err := f.agent.Reminders().Records(ctx)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one reminder record, got %d (%v)", len(records), err)
	}
	if !records[0].TrialEndAt.Equal(f.now.Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected trial end %v", records[0].TrialEndAt)
	}
	alarms, _ := f.agent.Alarms().All(ctx)
	if len(alarms) != 3 || alarms[0].Name != reminder.AlarmName(records[0].ID, 0) {
		t.Fatalf("unexpected alarms %+v", alarms)
	}
}

func TestCancellationMatchesKnownSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.send(t, TypeSubscriptionDetected, "", map[string]any{"name": "Netflix Premium", "trialDays": 30, "hostname": "www.netflix.com"})
	if !sub.Accepted {
		t.Fatalf("subscription not accepted: %+v", sub)
	}
	cancel := f.send(t, TypeCancellationDetected, "", map[string]any{"name": "Netflix Inc.", "hostname": "www.netflix.com"})
	if !cancel.Accepted {
		t.Fatalf("cancellation not accepted: %+v", cancel)
	}
	items := f.queued(t)
	if len(items) != 2 {
		t.Fatalf("expected subscription and cancellation queued, got %d", len(items))
	}
	got := items[1].Event
	if got.Kind != detect.KindCancellation || got.Payload.SubscriptionName != "Netflix Premium" {
		t.Fatalf("cancellation not attributed to the known subscription: %+v", got.Payload)
	}
	if got.Payload.DedupKey != items[0].Event.Payload.DedupKey {
		t.Fatalf("cancellation should share the subscription's dedup key")
	}

	if err := f.agent.Hub().HandleAction(ctx, "notif-1", "remove"); err != nil {
		t.Fatalf("remove action: %v", err)
	}
	keys, _ := f.agent.Subscriptions(ctx)
	if len(keys) != 0 {
		t.Fatalf("removed subscription should be forgotten, got %+v", keys)
	}
	records, _ := f.agent.Reminders().Records(ctx)
	if len(records) != 0 {
		t.Fatalf("removed subscription should stop its reminders, got %+v", records)
	}
}

func TestUnrelatedCancellationKeepsItsName(t *testing.T) {
	f := newFixture(t)
	f.send(t, TypeSubscriptionDetected, "", map[string]any{"name": "Netflix"})
	f.send(t, TypeCancellationDetected, "", map[string]any{"name": "Peloton App"})
	items := f.queued(t)
	if items[1].Event.Payload.SubscriptionName != "Peloton App" {
		t.Fatalf("dissimilar names must not be matched, got %+v", items[1].Event.Payload)
	}
}

func TestTrackingStateUpdateRecordsVisits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	update := TrackingState{State: "monitoring", Hostname: "www.bestbuy.com", URL: "https://www.bestbuy.com/cart"}

	f.send(t, TypeTrackingStateUpdate, "", update)
	f.now = f.now.Add(5 * time.Minute)
	f.send(t, TypeTrackingStateUpdate, "", update)
	f.now = f.now.Add(time.Hour)
	update.State = "checkout_entered"
	f.send(t, TypeTrackingStateUpdate, "", update)

	visits, err := f.agent.SiteVisits(ctx)
	if err != nil {
		t.Fatalf("site visits: %v", err)
	}
	v := visits["www.bestbuy.com"]
	if v.Visits != 2 || v.SiteName != "Bestbuy" || v.LastState != "checkout_entered" {
		t.Fatalf("unexpected visit record %+v", v)
	}
	if len(f.ledger.visits) != 3 {
		t.Fatalf("expected each update posted, got %d", len(f.ledger.visits))
	}
	if types := f.tab.types(); len(types) != 3 || types[0] != notify.TypeSiteVisitTracked {
		t.Fatalf("expected SITE_VISIT_TRACKED broadcasts, got %v", types)
	}
}

func TestSiteVisitPostRestoresConnectivity(t *testing.T) {
	f := newFixture(t)
	f.agent.Queue().SetOnline(false)
	f.send(t, TypeTrackingStateUpdate, "", TrackingState{State: "monitoring", Hostname: "www.bestbuy.com"})
	if !f.agent.Queue().Online() {
		t.Fatalf("a successful ledger post should mark the queue online")
	}
}

func TestLogoutCancelsPendingRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, TypeWebsiteLogin, "", map[string]any{"session": map[string]any{"accessToken": "tok"}, "user": map[string]any{"id": "u1"}})
	f.ledger.mu.Lock()
	f.ledger.probeErr = ledger.ErrTransient
	f.ledger.mu.Unlock()
	f.send(t, TypeSubscriptionDetected, "", map[string]any{"name": "Netflix"})
	if result, err := f.agent.Queue().Drain(ctx); err != nil || !result.Offline {
		t.Fatalf("expected offline pass, got %+v (%v)", result, err)
	}
	if !f.agent.Queue().RetryScheduled() {
		t.Fatalf("expected a retry while the ledger is unreachable")
	}
	f.send(t, TypeUserLoggedOut, "", nil)
	if f.agent.Queue().RetryScheduled() {
		t.Fatalf("logout should cancel the pending retry")
	}
}

func TestRejectsUnknownAndMalformedMessages(t *testing.T) {
	f := newFixture(t)
	if _, err := f.trySend("SOMETHING_ELSE", "", nil); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected unknown message, got %v", err)
	}
	if _, err := f.trySend(TypePageObservation, "", PageObservation{}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected tab id to be required, got %v", err)
	}
	if _, err := f.agent.Handle(context.Background(), Envelope{Type: TypePurchaseDetected, Payload: json.RawMessage(`{"amount":true}`)}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected malformed payload to be rejected, got %v", err)
	}
	if _, err := f.trySend(TypeWebsiteLogin, "", map[string]any{"session": map[string]any{}}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected login without token to be rejected, got %v", err)
	}
}

func TestLoginAndLogoutMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	login := map[string]any{"session": map[string]any{"accessToken": "tok"}, "user": map[string]any{"id": "u1"}}
	if r := f.send(t, TypeWebsiteLogin, "", login); !r.Accepted || r.Duplicate {
		t.Fatalf("unexpected login reply %+v", r)
	}
	if r := f.send(t, TypeWebsiteLogin, "", login); !r.Duplicate {
		t.Fatalf("repeated login should be reported as duplicate, got %+v", r)
	}
	if token, err := f.agent.Session().Token(ctx); err != nil || token != "tok" {
		t.Fatalf("expected token after login, got %q (%v)", token, err)
	}
	f.send(t, TypeUserLoggedOut, "", nil)
	if r := f.send(t, TypeUserLoggedOut, "", nil); !r.Duplicate {
		t.Fatalf("repeated logout should be reported as duplicate, got %+v", r)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.agent.Run(ctx) }()

	f.send(t, TypePurchaseDetected, "", map[string]any{"merchant": "Acme", "amount": 5, "hostname": "acme.com"})
	deadline := time.After(3 * time.Second)
	for {
		f.ledger.mu.Lock()
		n := len(f.ledger.delivered)
		f.ledger.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("background drain did not deliver the purchase")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestAmountAcceptsNumbersAndText(t *testing.T) {
	cases := []struct {
		raw      string
		value    float64
		currency string
	}{
		{`12.5`, 12.5, ""},
		{`"$1,299.00"`, 1299, "USD"},
		{`"19.99"`, 19.99, ""},
		{`""`, 0, ""},
	}
	for _, tc := range cases {
		var a Amount
		if err := json.Unmarshal([]byte(tc.raw), &a); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if a.Value != tc.value || a.Currency != tc.currency {
			t.Fatalf("%s: got %+v", tc.raw, a)
		}
	}
	var a Amount
	if err := json.Unmarshal([]byte(`"free"`), &a); err == nil {
		t.Fatalf("expected unparseable text to fail")
	}
}
