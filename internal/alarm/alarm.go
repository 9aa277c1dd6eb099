package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/spendwatch/internal/kv"
)

// StorageKey holds every registered alarm as a name-keyed JSON object.
const StorageKey = "alarms"

const defaultPollInterval = 15 * time.Second

var ErrInvalidAlarm = errors.New("invalid alarm")

type Alarm struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Handler receives an alarm once it is due. The alarm has already been
// removed from the store when the handler runs.
type Handler func(ctx context.Context, a Alarm) error

type Options struct {
	PollInterval time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Scheduler is the durable wake-up facility. Alarms live in the store, so a
// restarted process picks up whatever came due while it was down.
type Scheduler struct {
	store  kv.Store
	opts   Options
	logger *zap.Logger
	wake   chan struct{}
}

func New(store kv.Store, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		wake:   make(chan struct{}, 1),
	}
}

// Create registers or replaces the alarm called name.
func (s *Scheduler) Create(ctx context.Context, name string, at time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidAlarm)
	}
	if at.IsZero() {
		return fmt.Errorf("%w: %s has no fire time", ErrInvalidAlarm, name)
	}
	err := kv.UpdateJSON(ctx, s.store, StorageKey, func(alarms *map[string]Alarm) error {
		if *alarms == nil {
			*alarms = map[string]Alarm{}
		}
		(*alarms)[name] = Alarm{Name: name, At: at.UTC()}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create alarm %s: %w", name, err)
	}
	s.poke()
	return nil
}

// Clear removes the alarm called name. Clearing a missing alarm is not an
// error.
func (s *Scheduler) Clear(ctx context.Context, name string) error {
	return kv.UpdateJSON(ctx, s.store, StorageKey, func(alarms *map[string]Alarm) error {
		delete(*alarms, name)
		return nil
	})
}

// ClearPrefix removes every alarm whose name starts with prefix and returns
// how many were removed.
func (s *Scheduler) ClearPrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	err := kv.UpdateJSON(ctx, s.store, StorageKey, func(alarms *map[string]Alarm) error {
		for name := range *alarms {
			if strings.HasPrefix(name, prefix) {
				delete(*alarms, name)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *Scheduler) Get(ctx context.Context, name string) (Alarm, bool, error) {
	var alarms map[string]Alarm
	if _, err := kv.GetJSON(ctx, s.store, StorageKey, &alarms); err != nil {
		return Alarm{}, false, err
	}
	a, ok := alarms[name]
	return a, ok, nil
}

// All returns the registered alarms ordered by fire time, then name.
func (s *Scheduler) All(ctx context.Context) ([]Alarm, error) {
	var alarms map[string]Alarm
	if _, err := kv.GetJSON(ctx, s.store, StorageKey, &alarms); err != nil {
		return nil, err
	}
	out := make([]Alarm, 0, len(alarms))
	for _, a := range alarms {
		out = append(out, a)
	}
	sortAlarms(out)
	return out, nil
}

// Dispatch removes every due alarm in one store update and hands each to fn
// in fire-time order. It returns how many alarms fired. A handler error is
// logged; the alarm is not re-armed.
func (s *Scheduler) Dispatch(ctx context.Context, fn Handler) (int, error) {
	now := s.opts.Now()
	var due []Alarm
	err := kv.UpdateJSON(ctx, s.store, StorageKey, func(alarms *map[string]Alarm) error {
		for name, a := range *alarms {
			if !a.At.After(now) {
				due = append(due, a)
				delete(*alarms, name)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("dispatch alarms: %w", err)
	}
	sortAlarms(due)
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		lateBy := now.Sub(a.At)
		s.logger.Debug("alarm fired", zap.String("alarm", a.Name), zap.Duration("late", lateBy))
		if err := fn(ctx, a); err != nil {
			s.logger.Warn("alarm handler failed", zap.String("alarm", a.Name), zap.Error(err))
		}
	}
	return len(due), nil
}

// Run dispatches due alarms until ctx is done. It sleeps until the next
// alarm or PollInterval, whichever is sooner, and wakes early when Create
// registers a new alarm.
func (s *Scheduler) Run(ctx context.Context, fn Handler) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if _, err := s.Dispatch(ctx, fn); err != nil && ctx.Err() == nil {
			s.logger.Warn("alarm dispatch failed", zap.Error(err))
		}
		timer.Reset(s.nextWait(ctx))
	}
}

func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.opts.PollInterval
	alarms, err := s.All(ctx)
	if err != nil || len(alarms) == 0 {
		return wait
	}
	if until := alarms[0].At.Sub(s.opts.Now()); until < wait {
		wait = until
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func sortAlarms(alarms []Alarm) {
	sort.Slice(alarms, func(i, j int) bool {
		if !alarms[i].At.Equal(alarms[j].At) {
			return alarms[i].At.Before(alarms[j].At)
		}
		return alarms[i].Name < alarms[j].Name
	})
}
