package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/rb3e-bridge/rb3e-bridge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func accessPointConfig(dnsListen string) *config.Config {
	cfg := config.Default()
	cfg.Server.Mode = config.ModeAccessPoint
	cfg.Server.Interface = ""
	cfg.AccessPoint.DNSEnabled = true
	cfg.AccessPoint.DNSListen = dnsListen
	return cfg
}

// holdPort occupies a UDP port. Without privileges the bind fails, and so
// does the server's, which is the condition under test either way.
func holdPort(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		t.Logf("could not hold %s (%v), server bind fails the same way", addr, err)
		return
	}
	t.Cleanup(func() { conn.Close() })
}

func TestStartAccessPointSurvivesDHCPBindFailure(t *testing.T) {
	holdPort(t, ":67")

	svc, err := startAccessPoint(context.Background(), accessPointConfig("127.0.0.1:0"), nil, testLogger())
	if err != nil {
		t.Fatalf("startAccessPoint: %v", err)
	}
	defer svc.stop()

	if svc.dhcp != nil {
		t.Error("DHCP server should not be running while :67 is held")
	}
	if svc.dns == nil || svc.dns.Addr() == nil {
		t.Fatal("captive DNS should still be running")
	}
	if got := len(svc.apiOptions()); got != 1 {
		t.Errorf("apiOptions = %d, want 1", got)
	}
	if svc.handler.Leases().Size() != config.DefaultAPPoolSize {
		t.Errorf("lease table size = %d", svc.handler.Leases().Size())
	}
}

func TestStartAccessPointSurvivesDNSBindFailure(t *testing.T) {
	holdPort(t, ":67")
	dnsHolder, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer dnsHolder.Close()

	svc, err := startAccessPoint(context.Background(), accessPointConfig(dnsHolder.LocalAddr().String()), nil, testLogger())
	if err != nil {
		t.Fatalf("startAccessPoint: %v", err)
	}
	if svc.dns != nil {
		t.Error("captive DNS should not be running on a held port")
	}

	// Stopping a service with nothing bound is a no-op.
	svc.stop()
	svc.stop()
}
