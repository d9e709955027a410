// Command dtpd hosts the DTP simulation engine behind the control API: it
// starts a sender/receiver pair on demand, exposes the HTTP/WebSocket
// control surface, runs the clock-sync responder, and (optionally)
// advertises itself on the network and persists event logs. The event-log
// directory is created once at process start and shared by every run of
// that process; runs do not get separate directories.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dtp-project/dtp/internal/dtp/clocksync"
	"github.com/dtp-project/dtp/internal/dtp/control"
	"github.com/dtp-project/dtp/internal/dtp/eventlog"
	"github.com/dtp-project/dtp/internal/dtp/metrics"
	"github.com/dtp-project/dtp/internal/dtp/simulation"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("dtpd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsSrv.Close() }()
	}

	syncSrv, err := clocksync.NewServer(fmt.Sprintf(":%d", cfg.clockSyncPort))
	if err != nil {
		l.Error("clocksync_listen_error", "error", err)
		return
	}
	wg.Add(1)
	go func() { defer wg.Done(); syncSrv.Serve() }()
	go func() { <-ctx.Done(); syncSrv.Stop() }()

	var logSet *eventlog.Set
	if cfg.eventLogDir != "" {
		runDir := filepath.Join(cfg.eventLogDir, time.Now().UTC().Format("20060102T150405Z"))
		logSet, err = eventlog.OpenSet(runDir)
		if err != nil {
			l.Error("eventlog_open_error", "error", err)
		} else {
			defer func() { _ = logSet.Close() }()
			l.Info("eventlog_open", "dir", runDir)
		}
	}

	var ctrl *control.Server
	var engine *simulation.Engine
	engine = simulation.New(
		simulation.WithAddr("127.0.0.1", cfg.dtpPort),
		simulation.WithLogger(l),
		simulation.WithMetricsUpdateCallback(func(snap simulation.Snapshot) {
			if ctrl != nil {
				ctrl.Broadcast("metrics", snap)
			}
		}),
		simulation.WithEventSink(func(ev metrics.Event) {
			if logSet == nil {
				return
			}
			rec := map[string]any{"type": ev.Type, "ts": ev.ElapsedMS}
			switch ev.Type {
			case "received":
				rec["seq"] = ev.Sequence
				rec["pri"] = ev.Priority
				rec["latency"] = ev.LatencyMS
				rec["on_time"] = ev.OnTime
			case "dropped":
				rec["seq"] = ev.Sequence
				rec["pri"] = ev.Priority
				rec["reason"] = ev.Reason
			}
			_ = logSet.Events.Write(rec)
		}),
		simulation.WithStateChangeCallback(func(state simulation.State) {
			if ctrl != nil {
				ctrl.Broadcast("state", state)
			}
			if logSet == nil {
				return
			}
			switch state {
			case simulation.StateRunning:
				runCfg := engine.Config()
				_ = logSet.Config.Write(map[string]any{
					"type":                "config",
					"mode":                runCfg.Mode,
					"critical_count":      runCfg.Profile.CriticalCount,
					"high_count":          runCfg.Profile.HighCount,
					"medium_count":        runCfg.Profile.MediumCount,
					"low_count":           runCfg.Profile.LowCount,
					"simulate_congestion": runCfg.SimulateCongestion,
					"congestion_level":    runCfg.CongestionLevel,
				})
				_ = logSet.Config.Flush()
			case simulation.StateCompleted:
				results := engine.GetResults()
				_ = logSet.Summary.Write(map[string]any{
					"type":          "summary",
					"end_timestamp": time.Now().UTC(),
					"duration_ms":   results.Stats.ElapsedMS,
					"total_events":  results.Stats.Total.Sent,
					"stats":         results.Stats,
				})
				_ = logSet.Summary.Flush()
				_ = logSet.Events.Flush()
			}
		}),
	)

	ctrl = control.New(engine, control.WithLogger(l))

	errCh := make(chan error, 1)
	go func() {
		if err := ctrl.ListenAndServe(cfg.controlAddr); err != nil {
			errCh <- fmt.Errorf("control api: %w", err)
		}
	}()

	mdnsPort := controlPort(cfg.controlAddr)
	stopMDNS, err := startMDNS(ctx, cfg, mdnsPort)
	if err != nil {
		l.Warn("mdns_register_failed", "error", err)
	} else {
		defer stopMDNS()
	}

	l.Info("dtpd_started",
		"control_addr", cfg.controlAddr,
		"dtp_port", cfg.dtpPort,
		"clocksync_port", cfg.clockSyncPort,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		l.Info("shutdown_signal", "signal", sig.String())
	case err := <-errCh:
		l.Error("fatal_error", "error", err)
	}

	cancel()
	engine.Stop()
	ctrl.Shutdown()
	wg.Wait()
	l.Info("dtpd_stopped")
}

// controlPort extracts the numeric port from a host:port or :port listen
// address, defaulting to 0 (when mDNS is enabled, zeroconf.Register inside
// startMDNS rejects port 0 and main logs the failure, so misconfiguration
// surfaces immediately rather than silently).
func controlPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				l.Info("local_error_count", "count", metrics.LocalErrorCount())
			case <-ctx.Done():
				return
			}
		}
	}()
}
