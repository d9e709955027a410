package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises the control API so a dashboard or CLI on the
// local network can discover a running simulation host without a
// hardcoded address.
const mdnsServiceType = "_dtpd._tcp"

// startMDNS registers the control API via mDNS and returns a cleanup
// function. It is a safe no-op when mDNS is disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("dtpd-%s", host)
	}
	meta := []string{
		"version=" + version,
		"commit=" + commit,
		"dtp_port=" + fmt.Sprint(cfg.dtpPort),
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
