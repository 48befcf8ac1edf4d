// Command reliabletcp runs the server side of the reliable
// request/response and publish/notify protocol as a standalone
// process: bind a TCP listener, accept sessions, route requests to
// the built-in handlers, and expose metrics/readiness.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/ibase-go/reliabletcp/internal/metrics"
	"github.com/ibase-go/reliabletcp/internal/rserver"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("reliabletcp %s (commit %s, built %s)\n", version, commit, date)
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

	srv := rserver.New()
	registerDefaultHandlers(srv, l)
	if err := srv.Start(cfg.listenAddr); err != nil {
		l.Error("rserver_start_failed", "error", err)
		os.Exit(1)
	}
	l.Info("ready")

	if cfg.mdnsEnable {
		go func() {
			_, portStr, err := net.SplitHostPort(cfg.listenAddr)
			if err != nil {
				l.Warn("mdns_addr_parse_failed", "error", err)
				return
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				l.Warn("mdns_port_parse_failed", "error", err)
				return
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
	}

	metrics.SetReadinessFunc(func() bool {
		return srv.Started() && ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	srv.Stop()
	wg.Wait()
}
