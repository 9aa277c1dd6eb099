package alarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agentworkforce/spendwatch/internal/kv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestDispatchFiresDueAlarmsOnceInOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &clock{now: base}
	s := New(kv.NewMemoryStore(), Options{Now: c.Now})

	mustCreate(t, s, "b", base.Add(2*time.Minute))
	mustCreate(t, s, "a", base.Add(time.Minute))
	mustCreate(t, s, "later", base.Add(time.Hour))

	var fired []string
	record := func(_ context.Context, a Alarm) error {
		fired = append(fired, a.Name)
		return nil
	}
	if n, err := s.Dispatch(ctx, record); err != nil || n != 0 {
		t.Fatalf("expected nothing due yet, got %d (%v)", n, err)
	}

	c.Set(base.Add(5 * time.Minute))
	if n, err := s.Dispatch(ctx, record); err != nil || n != 2 {
		t.Fatalf("expected 2 due alarms, got %d (%v)", n, err)
	}
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("unexpected firing order %v", fired)
	}
	if n, _ := s.Dispatch(ctx, record); n != 0 {
		t.Fatalf("fired alarms must not fire again, got %d", n)
	}
	remaining, err := s.All(ctx)
	if err != nil || len(remaining) != 1 || remaining[0].Name != "later" {
		t.Fatalf("unexpected remaining alarms %+v (%v)", remaining, err)
	}
}

func TestHandlerErrorDoesNotRearm(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(kv.NewMemoryStore(), Options{Now: func() time.Time { return base }})
	mustCreate(t, s, "x", base)
	calls := 0
	fail := func(context.Context, Alarm) error {
		calls++
		return errors.New("boom")
	}
	_, _ = s.Dispatch(ctx, fail)
	_, _ = s.Dispatch(ctx, fail)
	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
}

func TestCreateReplacesAndClear(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(kv.NewMemoryStore(), Options{Now: func() time.Time { return base }})
	mustCreate(t, s, "trial-reminder:r1:0", base.Add(time.Hour))
	mustCreate(t, s, "trial-reminder:r1:0", base.Add(2*time.Hour))
	mustCreate(t, s, "trial-reminder:r1:1", base.Add(3*time.Hour))
	mustCreate(t, s, "other", base.Add(3*time.Hour))

	a, ok, err := s.Get(ctx, "trial-reminder:r1:0")
	if err != nil || !ok || !a.At.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("expected replaced alarm, got %+v ok=%v err=%v", a, ok, err)
	}
	removed, err := s.ClearPrefix(ctx, "trial-reminder:r1:")
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 cleared, got %d (%v)", removed, err)
	}
	if err := s.Clear(ctx, "missing"); err != nil {
		t.Fatalf("clearing a missing alarm should succeed: %v", err)
	}
	all, _ := s.All(ctx)
	if len(all) != 1 || all[0].Name != "other" {
		t.Fatalf("unexpected alarms after clear %+v", all)
	}
}

func TestCreateRejectsInvalidAlarm(t *testing.T) {
	s := New(kv.NewMemoryStore(), Options{})
	if err := s.Create(context.Background(), " ", time.Now()); !errors.Is(err, ErrInvalidAlarm) {
		t.Fatalf("expected invalid alarm for empty name, got %v", err)
	}
	if err := s.Create(context.Background(), "x", time.Time{}); !errors.Is(err, ErrInvalidAlarm) {
		t.Fatalf("expected invalid alarm for zero time, got %v", err)
	}
}

func TestAlarmsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := kv.NewFileStore(dir + "/state.json")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	first := New(store, Options{Now: func() time.Time { return base }})
	mustCreate(t, first, "persisted", base.Add(time.Minute))
	_ = store.Close()

	reopened, err := kv.NewFileStore(dir + "/state.json")
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	second := New(reopened, Options{Now: func() time.Time { return base.Add(time.Hour) }})
	var fired []string
	n, err := second.Dispatch(ctx, func(_ context.Context, a Alarm) error {
		fired = append(fired, a.Name)
		return nil
	})
	if err != nil || n != 1 || fired[0] != "persisted" {
		t.Fatalf("expected persisted alarm to fire after restart, got %v (%v)", fired, err)
	}
}

func TestRunWakesForNewAlarm(t *testing.T) {
	s := New(kv.NewMemoryStore(), Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, a Alarm) error {
			fired <- a.Name
			return nil
		})
	}()

	mustCreate(t, s, "soon", time.Now().Add(50*time.Millisecond))
	select {
	case name := <-fired:
		if name != "soon" {
			t.Fatalf("unexpected alarm %q", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run loop did not fire the alarm")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("run loop did not stop")
	}
}

func mustCreate(t *testing.T, s *Scheduler, name string, at time.Time) {
	t.Helper()
	if err := s.Create(context.Background(), name, at); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
}
