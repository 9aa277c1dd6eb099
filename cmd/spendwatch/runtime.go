package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentworkforce/spendwatch/internal/agent"
	"github.com/agentworkforce/spendwatch/internal/config"
	"github.com/agentworkforce/spendwatch/internal/httpapi"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/ledger"
	"github.com/agentworkforce/spendwatch/internal/notify"
	"github.com/agentworkforce/spendwatch/internal/queue"
	"github.com/agentworkforce/spendwatch/internal/session"
)

// runtime is the wired component graph shared by serve and drain.
type runtime struct {
	store kv.Store
	agent *agent.Agent
}

func buildRuntime(cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	dsn, err := cfg.Storage.ResolveDSN()
	if err != nil {
		return nil, err
	}
	store, err := kv.BuildFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	profile, err := cfg.LoadProfile()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load detection profile: %w", err)
	}

	hub := notify.NewHub(notify.Options{
		AllowedOrigins: cfg.Notify.AllowedOrigins,
		ActionTTL:      cfg.Notify.ActionTTL,
		SendTimeout:    cfg.Notify.SendTimeout,
		Logger:         logger.Named("notify"),
	})
	bridge := session.NewBridge(store, session.Options{
		Notifier: hub,
		Logger:   logger.Named("session"),
	})
	client := ledger.NewClient(cfg.Ledger.BaseURL, tokenSource(bridge, cfg.Ledger.Token), ledger.ClientOptions{
		RequestTimeout: cfg.Ledger.RequestTimeout,
		ProbeTimeout:   cfg.Ledger.ProbeTimeout,
	})
	a := agent.New(store, client, hub, bridge, agent.Options{
		Profile: profile,
		Limits:  cfg.RateLimits(),
		Queue: queue.Options{
			MaxRetries:     cfg.Queue.MaxRetries,
			MaxAge:         cfg.Queue.MaxAge,
			BaseDelay:      cfg.Queue.BaseDelay,
			MaxDelay:       cfg.Queue.MaxDelay,
			InterItemDelay: cfg.Queue.InterItemDelay,
			DrainInterval:  cfg.Queue.DrainInterval,
		},
		AlarmPollInterval: cfg.Reminders.PollInterval,
		MaxLateness:       cfg.Reminders.MaxLateness,
		SweepInterval:     cfg.Detection.SweepInterval,
		PurchaseWindow:    cfg.Detection.PurchaseWindow,
		MatchThreshold:    cfg.Detection.MatchThreshold,
		VisitGap:          cfg.Detection.VisitGap,
		WatchStore:        cfg.Storage.Watch,
		Logger:            logger,
	})
	logger.Info("runtime ready",
		zap.String("storage", cfg.Storage.Profile),
		zap.String("ledger", cfg.Ledger.BaseURL),
		zap.Int("merchant_overrides", len(profile.Merchants)),
	)
	return &runtime{store: store, agent: a}, nil
}

func (r *runtime) server(cfg *config.Config, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServerWithConfig(r.agent, httpapi.ServerConfig{
		SigningSecret:     cfg.Server.SigningSecret,
		AdminJWTSecret:    cfg.Server.AdminJWTSecret,
		MaxSkew:           cfg.Server.MaxSkew,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		ConnectRateMax:    cfg.Server.ConnectRateMax,
		ConnectRateWindow: cfg.Server.ConnectRateWindow,
		Logger:            logger.Named("http"),
	})
}

func (r *runtime) Close() error {
	_ = r.agent.Queue().Close()
	return r.store.Close()
}

// tokenSource prefers the bridged browser session and falls back to a
// configured static token.
func tokenSource(bridge *session.Bridge, fallback string) ledger.TokenSource {
	return ledger.TokenFunc(func(ctx context.Context) (string, error) {
		token, err := bridge.Token(ctx)
		if errors.Is(err, ledger.ErrNoCredential) && fallback != "" {
			return fallback, nil
		}
		return token, err
	})
}
