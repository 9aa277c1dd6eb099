package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/spendwatch/internal/kv"
)

var ErrRateLimited = errors.New("rate limited")

// StorageKey holds every purpose's window so limits survive restarts.
const StorageKey = "rateWindows"

type Purpose string

const (
	PurposeLedgerWrite    Purpose = "ledger-write"
	PurposeLLMCall        Purpose = "llm-call"
	PurposeSiteVisit      Purpose = "site-visit"
	PurposeInboundMessage Purpose = "inbound-message"
)

type Limit struct {
	MaxRequests int           `json:"maxRequests" mapstructure:"max_requests"`
	Window      time.Duration `json:"window" mapstructure:"window"`
}

func DefaultLimits() map[Purpose]Limit {
	return map[Purpose]Limit{
		PurposeLedgerWrite:    {MaxRequests: 30, Window: time.Minute},
		PurposeLLMCall:        {MaxRequests: 10, Window: time.Minute},
		PurposeSiteVisit:      {MaxRequests: 60, Window: time.Minute},
		PurposeInboundMessage: {MaxRequests: 240, Window: time.Minute},
	}
}

// Window is the persisted admission history of one purpose.
type Window struct {
	Timestamps []time.Time `json:"timestamps"`
}

type Options struct {
	Limits map[Purpose]Limit
	Now    func() time.Time
}

// Limiter is a sliding-window admission counter per purpose. Check and record
// happen inside one store update, so concurrent callers cannot both take the
// last slot.
type Limiter struct {
	store  kv.Store
	limits map[Purpose]Limit
	now    func() time.Time
}

func New(store kv.Store, opts Options) *Limiter {
	limits := DefaultLimits()
	for purpose, limit := range opts.Limits {
		limits[purpose] = limit
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Limiter{store: store, limits: limits, now: opts.Now}
}

// Limit returns the configured limit for purpose. Purposes without a positive
// limit are unlimited.
func (l *Limiter) Limit(purpose Purpose) (Limit, bool) {
	limit, ok := l.limits[Purpose(strings.TrimSpace(string(purpose)))]
	if !ok || limit.MaxRequests <= 0 || limit.Window <= 0 {
		return Limit{}, false
	}
	return limit, true
}

// CanAdmit prunes the window and reports whether another request fits.
func (l *Limiter) CanAdmit(ctx context.Context, purpose Purpose) (bool, error) {
	limit, ok := l.Limit(purpose)
	if !ok {
		return true, nil
	}
	var admit bool
	err := l.update(ctx, func(windows map[Purpose]*Window, now time.Time) {
		w := prune(windows, purpose, limit, now)
		admit = len(w.Timestamps) < limit.MaxRequests
	})
	return admit, err
}

// RecordAdmission appends now to the purpose's window unconditionally.
func (l *Limiter) RecordAdmission(ctx context.Context, purpose Purpose) error {
	limit, ok := l.Limit(purpose)
	if !ok {
		return nil
	}
	return l.update(ctx, func(windows map[Purpose]*Window, now time.Time) {
		w := prune(windows, purpose, limit, now)
		w.Timestamps = append(w.Timestamps, now)
	})
}

// Admit checks and records in one step. It returns ErrRateLimited when the
// window is full.
func (l *Limiter) Admit(ctx context.Context, purpose Purpose) error {
	limit, ok := l.Limit(purpose)
	if !ok {
		return nil
	}
	admitted := false
	err := l.update(ctx, func(windows map[Purpose]*Window, now time.Time) {
		w := prune(windows, purpose, limit, now)
		if len(w.Timestamps) >= limit.MaxRequests {
			return
		}
		w.Timestamps = append(w.Timestamps, now)
		admitted = true
	})
	if err != nil {
		return err
	}
	if !admitted {
		return fmt.Errorf("%w: %s", ErrRateLimited, purpose)
	}
	return nil
}

// RetryAfter is how long until the oldest admission in a full window falls
// out of it. It is zero when a request would be admitted now.
func (l *Limiter) RetryAfter(ctx context.Context, purpose Purpose) (time.Duration, error) {
	limit, ok := l.Limit(purpose)
	if !ok {
		return 0, nil
	}
	var wait time.Duration
	err := l.update(ctx, func(windows map[Purpose]*Window, now time.Time) {
		w := prune(windows, purpose, limit, now)
		if len(w.Timestamps) < limit.MaxRequests {
			return
		}
		oldest := w.Timestamps[len(w.Timestamps)-limit.MaxRequests]
		wait = oldest.Add(limit.Window).Sub(now)
	})
	return wait, err
}

func (l *Limiter) update(ctx context.Context, fn func(map[Purpose]*Window, time.Time)) error {
	now := l.now()
	return kv.UpdateJSON(ctx, l.store, StorageKey, func(windows *map[Purpose]*Window) error {
		if *windows == nil {
			*windows = map[Purpose]*Window{}
		}
		fn(*windows, now)
		return nil
	})
}

func prune(windows map[Purpose]*Window, purpose Purpose, limit Limit, now time.Time) *Window {
	w, ok := windows[purpose]
	if !ok || w == nil {
		w = &Window{}
		windows[purpose] = w
	}
	kept := w.Timestamps[:0]
	for _, ts := range w.Timestamps {
		if now.Sub(ts) < limit.Window && !ts.After(now) {
			kept = append(kept, ts)
		}
	}
	w.Timestamps = kept
	return w
}
