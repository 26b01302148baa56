package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rb3e-bridge/rb3e-bridge/internal/api"
	"github.com/rb3e-bridge/rb3e-bridge/internal/captive"
	"github.com/rb3e-bridge/rb3e-bridge/internal/config"
	"github.com/rb3e-bridge/rb3e-bridge/internal/dhcp"
	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/pool"
)

// accessPointService hands out addresses on the setup network and answers
// its DNS queries. The access point itself is brought up by hostapd. Either
// server is nil when its socket could not be bound.
type accessPointService struct {
	handler *dhcp.Handler
	dhcp    *dhcp.Server
	dns     *captive.Server
}

func startAccessPoint(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*accessPointService, error) {
	table, err := pool.NewLeaseTable(cfg.AccessPoint.PoolSize)
	if err != nil {
		return nil, err
	}

	handler, err := dhcp.NewHandler(dhcp.HandlerConfig{
		ServerIP:   cfg.APAddress(),
		Netmask:    cfg.APNetmask(),
		BaseOffset: cfg.AccessPoint.BaseOffset,
		LeaseTime:  cfg.GetLeaseTime(),
	}, table, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("creating DHCP handler: %w", err)
	}

	s := &accessPointService{handler: handler}

	// Bind failures leave the rest of the process running without that
	// server.
	srv := dhcp.NewServer(handler, cfg.Server.Interface, "", logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("DHCP server not started, clients will not get addresses", "error", err)
	} else {
		s.dhcp = srv
	}

	if cfg.AccessPoint.DNSEnabled {
		dns, err := captive.NewServer(cfg.AccessPoint.DNSListen, cfg.APAddress(), cfg.AccessPoint.DNSTTL, logger)
		if err != nil {
			s.stop()
			return nil, err
		}
		if err := dns.Start(ctx); err != nil {
			logger.Error("captive DNS not started", "listen", cfg.AccessPoint.DNSListen, "error", err)
		} else {
			s.dns = dns
		}
	}

	logger.Info("access point services started",
		"address", cfg.AccessPoint.Address,
		"pool_size", table.Size(),
		"dhcp", s.dhcp != nil,
		"captive_dns", s.dns != nil)
	return s, nil
}

func (s *accessPointService) apiOptions() []api.ServerOption {
	return []api.ServerOption{api.WithDHCP(s.handler)}
}

func (s *accessPointService) stop() {
	if s.dns != nil {
		s.dns.Stop()
	}
	if s.dhcp != nil {
		s.dhcp.Stop()
	}
}
