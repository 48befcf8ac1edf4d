package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := &appConfig{
		listenAddr:      ":20000",
		logFormat:       "text",
		logLevel:        "info",
		metricsAddr:     "",
		logMetricsEvery: 0,
		mdnsEnable:      false,
		mdnsName:        "",
	}

	os.Setenv("RELIABLETCP_LISTEN", ":30000")
	os.Setenv("RELIABLETCP_MDNS_ENABLE", "true")
	os.Setenv("RELIABLETCP_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("RELIABLETCP_LISTEN")
		os.Unsetenv("RELIABLETCP_MDNS_ENABLE")
		os.Unsetenv("RELIABLETCP_LOG_METRICS_INTERVAL")
	})

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.listenAddr != ":30000" {
		t.Fatalf("expected listenAddr override, got %s", base.listenAddr)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{listenAddr: ":20000"}
	os.Setenv("RELIABLETCP_LISTEN", ":30000")
	t.Cleanup(func() { os.Unsetenv("RELIABLETCP_LISTEN") })
	if err := applyEnvOverrides(base, map[string]struct{}{"listen": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.listenAddr != ":20000" {
		t.Fatalf("expected listenAddr unchanged, got %s", base.listenAddr)
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := &appConfig{}
	os.Setenv("RELIABLETCP_LOG_METRICS_INTERVAL", "notaduration")
	t.Cleanup(func() { os.Unsetenv("RELIABLETCP_LOG_METRICS_INTERVAL") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
