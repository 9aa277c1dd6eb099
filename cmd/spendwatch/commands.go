package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/spendwatch/internal/agent"
	"github.com/agentworkforce/spendwatch/internal/detect"
	"github.com/agentworkforce/spendwatch/internal/kv"
	"github.com/agentworkforce/spendwatch/internal/queue"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent and its HTTP/websocket surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides addr from config)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	rt, err := buildRuntime(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           rt.server(a.cfg, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
		// Websocket handlers outlive Shutdown; deriving from gctx ends them.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		return rt.agent.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("spendwatch listening", zap.String("addr", a.cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	a.logger.Info("spendwatch stopped", zap.Error(err))
	return err
}

func (a *app) drainCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
		jitter   float64
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued events to the ledger once, or repeatedly with --watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.Queue.DrainInterval
			}
			if !cmd.Flags().Changed("jitter") {
				jitter = a.cfg.Queue.DrainJitter
			}
			if interval <= 0 {
				interval = 5 * time.Minute
			}
			if timeout <= 0 {
				timeout = 2 * time.Minute
			}
			jitter = clampJitterRatio(jitter)

			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := buildRuntime(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			run := func() (queue.PassResult, error) {
				ctx, cancel := context.WithTimeout(rootCtx, timeout)
				defer cancel()
				return rt.agent.Queue().Drain(ctx)
			}

			result, err := run()
			if !watch {
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			}
			a.logPass(result, err)

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
			defer timer.Stop()
			for {
				select {
				case <-rootCtx.Done():
					a.logger.Info("drain watch stopping", zap.Error(rootCtx.Err()))
					return nil
				case <-timer.C:
					a.logPass(run())
					timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
				}
			}
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep draining on a jittered interval")
	cmd.Flags().DurationVar(&interval, "interval", 0, "drain interval for --watch (default queue.drain_interval)")
	cmd.Flags().Float64Var(&jitter, "jitter", 0, "interval jitter ratio (0.0-1.0, default queue.drain_jitter)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "per-pass timeout")
	return cmd
}

func (a *app) logPass(result queue.PassResult, err error) {
	if err != nil {
		a.logger.Warn("drain pass failed", zap.Error(err))
		return
	}
	a.logger.Info("drain pass completed",
		zap.Int("delivered", result.Delivered),
		zap.Int("dropped", result.Dropped),
		zap.Int("retried", result.Retried),
		zap.Int("remaining", result.Remaining),
		zap.Bool("offline", result.Offline),
	)
}

func (a *app) queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print the persisted offline queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := a.cfg.Storage.ResolveDSN()
			if err != nil {
				return err
			}
			store, err := kv.BuildFromDSN(dsn)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			// Read the key directly so inspecting never mutates the queue.
			var items []queue.Item
			if _, err := kv.GetJSON(cmd.Context(), store, queue.StorageKey, &items); err != nil {
				return err
			}
			if items == nil {
				items = []queue.Item{}
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
}

func (a *app) replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Feed recorded page messages through the detector and print detections",
		Long: `Each line is a page message as sent to /v1/messages (PAGE_OBSERVATION,
PAGE_NAVIGATED, PAYMENT_ACTUATED or TAB_CLOSED) with an optional "at" RFC 3339
timestamp. Lines without one are spaced one second apart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := a.cfg.LoadProfile()
			if err != nil {
				return fmt.Errorf("load detection profile: %w", err)
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := replay(f, cmd.OutOrStdout(), profile, a.logger)
			if err != nil {
				return err
			}
			a.logger.Info("replay complete", zap.Int("detections", n))
			return nil
		},
	}
}

type replayLine struct {
	agent.Envelope
	At time.Time `json:"at"`
}

// replay drives a Tracker from JSON lines on r and writes one JSON detection
// per line to w. The tracker's clock follows the recorded timestamps.
func replay(r io.Reader, w io.Writer, profile *detect.Profile, logger *zap.Logger) (int, error) {
	clock := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	seq := 0
	tracker := detect.NewTracker(detect.TrackerOptions{
		Profile: profile,
		Logger:  logger,
		Now:     func() time.Time { return clock },
		NewID: func() string {
			seq++
			return fmt.Sprintf("replay-%d", seq)
		},
	})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	detections := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var line replayLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return detections, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !line.At.IsZero() {
			clock = line.At.UTC()
		} else {
			clock = clock.Add(time.Second)
		}

		var event *detect.Event
		switch line.Type {
		case agent.TypePageObservation:
			var msg agent.PageObservation
			if err := json.Unmarshal(line.Payload, &msg); err != nil {
				return detections, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if msg.Observation.Timestamp.IsZero() {
				msg.Observation.Timestamp = clock
			} else {
				clock = msg.Observation.Timestamp.UTC()
			}
			event = tracker.Observe(line.TabID, msg.Observation)
		case agent.TypePageNavigated:
			var msg agent.PageNavigated
			if err := json.Unmarshal(line.Payload, &msg); err != nil {
				return detections, fmt.Errorf("line %d: %w", lineNo, err)
			}
			tracker.Navigate(line.TabID, msg.URL)
		case agent.TypePaymentActuated:
			tracker.Actuate(line.TabID)
		case agent.TypeTabClosed:
			tracker.Close(line.TabID)
		default:
			logger.Debug("replay skipping message", zap.Int("line", lineNo), zap.String("type", line.Type))
			continue
		}
		if event == nil {
			continue
		}
		detections++
		data, err := json.Marshal(event)
		if err != nil {
			return detections, err
		}
		if _, err := fmt.Fprintln(w, string(data)); err != nil {
			return detections, err
		}
	}
	return detections, scanner.Err()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
