package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	controlAddr     string
	dtpPort         int
	clockSyncPort   int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	eventLogDir     string
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	controlAddr := flag.String("control-addr", ":8080", "Control API (HTTP+WebSocket) listen address")
	dtpPort := flag.Int("dtp-port", 4433, "UDP port the simulated sender/receiver pair binds to")
	clockSyncPort := flag.Int("clocksync-port", 4434, "UDP port the clock-sync responder listens on")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	eventLogDir := flag.String("eventlog-dir", "", "Directory under which one timestamped JSONL event-log directory is created at startup, shared by all runs; empty disables")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the control API")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default dtpd-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.controlAddr = *controlAddr
	cfg.dtpPort = *dtpPort
	cfg.clockSyncPort = *clockSyncPort
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.eventLogDir = *eventLogDir
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open sockets — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.dtpPort <= 0 || c.dtpPort > 65535 {
		return fmt.Errorf("dtp-port out of range: %d", c.dtpPort)
	}
	if c.clockSyncPort <= 0 || c.clockSyncPort > 65535 {
		return fmt.Errorf("clocksync-port out of range: %d", c.clockSyncPort)
	}
	if c.dtpPort == c.clockSyncPort {
		return errors.New("dtp-port and clocksync-port must differ")
	}
	return nil
}

// applyEnvOverrides maps DTPD_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing
// is lax: empty values ignored; flags always win over env.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["control-addr"]; !ok {
		if v, ok := get("DTPD_CONTROL_ADDR"); ok && v != "" {
			c.controlAddr = v
		}
	}
	if _, ok := set["dtp-port"]; !ok {
		if v, ok := get("DTPD_DTP_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.dtpPort = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid DTPD_DTP_PORT: %w", err)
			}
		}
	}
	if _, ok := set["clocksync-port"]; !ok {
		if v, ok := get("DTPD_CLOCKSYNC_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.clockSyncPort = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid DTPD_CLOCKSYNC_PORT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("DTPD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("DTPD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("DTPD_METRICS_ADDR"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["eventlog-dir"]; !ok {
		if v, ok := get("DTPD_EVENTLOG_DIR"); ok {
			c.eventLogDir = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("DTPD_MDNS_ENABLE"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.mdnsEnable = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid DTPD_MDNS_ENABLE: %w", err)
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("DTPD_MDNS_NAME"); ok {
			c.mdnsName = v
		}
	}
	return firstErr
}
