package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rb3e-bridge/rb3e-bridge/internal/api"
	"github.com/rb3e-bridge/rb3e-bridge/internal/bridge"
	"github.com/rb3e-bridge/rb3e-bridge/internal/config"
	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/mqttsink"
	"github.com/rb3e-bridge/rb3e-bridge/internal/wifi"
)

// stationService joins the configured network and runs the RB3E listener
// and event loop on it.
type stationService struct {
	driver   *wifi.WPADriver
	manager  *wifi.Manager
	listener *bridge.Listener
	sink     *mqttsink.Sink
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func startStation(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*stationService, error) {
	creds, err := loadCredentials(cfg.WiFi.SettingsFile, logger)
	if err != nil {
		return nil, err
	}

	drv, err := wifi.OpenWPA(wifi.WPAConfig{
		CtrlPath:  cfg.WiFi.WPACtrlPath,
		Interface: cfg.Server.Interface,
	}, logger)
	if err != nil {
		return nil, err
	}

	mgr, err := wifi.NewManager(drv, creds, wifi.Options{
		ConnectTimeout: cfg.GetConnectTimeout(),
		PollInterval:   cfg.GetPollInterval(),
	}, wifi.Hooks{}, bus, logger) // ServicePending is set by bridge.NewLoop
	if err != nil {
		drv.Close()
		return nil, err
	}
	drv.OnLinkDown(mgr.LinkDown)

	s := &stationService{driver: drv, manager: mgr, logger: logger}

	listenerOpts := []bridge.ListenerOption{bridge.WithBootTime(bootTime)}
	if cfg.MQTT.Enabled {
		s.sink = mqttsink.New(mqttsink.Config{
			Broker:         cfg.MQTT.Broker,
			Topic:          cfg.MQTT.Topic,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			KeepAlive:      cfg.GetMQTTKeepAlive(),
			ConnectTimeout: cfg.GetMQTTConnectTimeout(),
		}, logger)
		if err := s.sink.Connect(); err != nil {
			logger.Warn("MQTT telemetry mirror not connected yet", "error", err)
		}
		listenerOpts = append(listenerOpts, bridge.WithTelemetrySink(s.sink))
	}

	queue := bridge.NewCommandQueue()
	s.listener = bridge.NewListener(bridge.ListenerConfig{
		CommandPort:   cfg.Listener.CommandPort,
		TelemetryPort: cfg.Listener.TelemetryPort,
		PeerTimeout:   cfg.GetPeerTimeout(),
		NamePrefix:    cfg.Listener.NamePrefix,
	}, mgr, queue.Push, &bridge.Stats{}, bus, logger, listenerOpts...)

	retry := wifi.RetryPolicy{
		MaxAttempts: cfg.WiFi.MaxAttempts,
		Delay:       cfg.GetRetryDelay(),
	}

	loop := bridge.NewLoop(bridge.LoopConfig{
		TelemetryInterval: cfg.GetTelemetryInterval(),
		CheckInterval:     cfg.GetCheckInterval(),
		LightsTimeout:     cfg.GetLightsTimeout(),
		Retry:             retry,
	}, mgr, s.listener, queue, &bridge.LogPeripheral{Logger: logger}, bus, logger)

	logger.Info("connecting to wifi", "ssid", creds.SSID)
	if err := wifi.ConnectWithRetry(ctx, mgr, retry, logger); err != nil {
		// The loop's link check keeps trying unless the credentials were
		// rejected.
		logger.Error("wifi connection failed", "ssid", creds.SSID, "error", err)
	} else {
		logger.Info("wifi connected",
			"ssid", creds.SSID,
			"ip", mgr.IPString(),
			"mac", mgr.MACString(),
			"rssi", mgr.RSSI())
		if err := s.listener.Start(ctx); err != nil {
			logger.Warn("starting rb3e listener failed, running without it", "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loop.Run(ctx)
	}()

	return s, nil
}

// loadCredentials reads the settings file, writing a template when it is
// missing. A missing or unedited file is fatal.
func loadCredentials(path string, logger *slog.Logger) (*config.WiFiConfig, error) {
	creds, err := config.LoadWiFi(path)
	if errors.Is(err, config.ErrNoCredentials) {
		if werr := config.WriteDefaultWiFi(path); werr != nil {
			return nil, fmt.Errorf("%w (writing template failed: %v)", err, werr)
		}
		logger.Error("wifi settings template created, edit it and restart", "path", path)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if creds.IsPlaceholder() {
		return nil, fmt.Errorf("wifi settings %s still hold the template SSID", path)
	}
	return creds, nil
}

func (s *stationService) apiOptions() []api.ServerOption {
	return []api.ServerOption{
		api.WithManager(s.manager),
		api.WithListener(s.listener),
	}
}

// stop waits for the loop, which stops the listener on return, then leaves
// the network.
func (s *stationService) stop() {
	s.wg.Wait()
	if err := s.manager.Disconnect(); err != nil {
		s.logger.Warn("wifi disconnect failed", "error", err)
	}
	if s.sink != nil {
		s.sink.Close()
	}
	s.driver.Close()
}
