package detect

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TrackerOptions struct {
	Profile *Profile
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string
}

// Tracker owns one Machine per tab.
type Tracker struct {
	mu       sync.Mutex
	profile  *Profile
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	machines map[string]*Machine
}

func NewTracker(opts TrackerOptions) *Tracker {
	if opts.Profile == nil {
		opts.Profile = DefaultProfile()
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
	return &Tracker{
		profile:  opts.Profile,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
		machines: map[string]*Machine{},
	}
}

func (t *Tracker) Profile() *Profile {
	return t.profile
}

func (t *Tracker) Observe(tabID string, obs Observation) *Event {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return nil
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.machineLocked(tabID)
	before := m.State().State
	event := m.Observe(obs)
	if after := m.State().State; after != before {
		t.logger.Debug("session state changed",
			zap.String("tab", tabID),
			zap.String("host", m.State().Hostname),
			zap.Stringer("from", before),
			zap.Stringer("to", after),
			zap.Int("score", m.State().Score))
	}
	if event != nil {
		t.logger.Info("transaction confirmed",
			zap.String("tab", tabID),
			zap.String("event", event.ID),
			zap.String("kind", string(event.Kind)),
			zap.String("host", event.SourceHostname))
	}
	return event
}

func (t *Tracker) Navigate(tabID, rawURL string) {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.machineLocked(tabID).Navigate(rawURL, t.now())
}

func (t *Tracker) Actuate(tabID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.machines[strings.TrimSpace(tabID)]
	if !ok {
		return false
	}
	return m.Actuate(t.now())
}

func (t *Tracker) Close(tabID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.machines, strings.TrimSpace(tabID))
}

// Sweep expires unconfirmed submissions on every tab and returns how many
// reverted.
func (t *Tracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	reverted := 0
	for tabID, m := range t.machines {
		if m.Sweep(now) {
			reverted++
			t.logger.Debug("confirmation window elapsed", zap.String("tab", tabID), zap.String("host", m.State().Hostname))
		}
	}
	return reverted
}

func (t *Tracker) Snapshot() []SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SessionState, 0, len(t.machines))
	for _, m := range t.machines {
		out = append(out, m.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

func (t *Tracker) machineLocked(tabID string) *Machine {
	m, ok := t.machines[tabID]
	if !ok {
		m = NewMachine(tabID, t.profile, t.newID)
		t.machines[tabID] = m
	}
	return m
}
