// rb3e-bridge forwards RB3E StageKit lighting commands from the network to
// a lighting peripheral and announces itself to RB3E controllers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/api"
	"github.com/rb3e-bridge/rb3e-bridge/internal/config"
	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/journal"
	"github.com/rb3e-bridge/rb3e-bridge/internal/logging"
	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

var version = "dev"

// bootTime is the uptime origin reported in telemetry.
var bootTime = time.Now()

// service is a mode-specific set of components.
type service interface {
	apiOptions() []api.ServerOption
	stop()
}

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	debugPort := flag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	flag.Parse()

	if *debugPort != "" {
		go func() {
			addr := "127.0.0.1:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	// SIGUSR1 dumps all goroutine stacks
	go func() {
		sigUsr1 := make(chan os.Signal, 1)
		signal.Notify(sigUsr1, syscall.SIGUSR1)
		for range sigUsr1 {
			buf := make([]byte, 8*1024*1024)
			n := runtime.Stack(buf, true)
			path := "/tmp/rb3e-bridge-goroutines.txt"
			if err := os.WriteFile(path, buf[:n], 0644); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write goroutine dump: %v\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "goroutine dump written to %s (%d bytes)\n", path, n)
			}
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	out, logFile := logging.Output(logging.FileOptions{
		Path:       cfg.Server.LogFile,
		MaxSizeMB:  cfg.Server.LogMaxSizeMB,
		MaxBackups: cfg.Server.LogMaxBackups,
		MaxAgeDays: cfg.Server.LogMaxAgeDays,
		Compress:   cfg.Server.LogCompress,
	})
	defer logFile.Close()

	logger := logging.Setup(cfg.Server.LogLevel, out)
	logger.Info("rb3e-bridge starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Server.Mode,
		"interface", cfg.Server.Interface)

	metrics.ServerInfo.WithLabelValues(version, cfg.Server.Mode).Set(1)
	metrics.ServerStartTime.Set(float64(bootTime.Unix()))

	if err := run(cfg, logger); err != nil {
		logger.Error("rb3e-bridge failed", "error", err)
		logFile.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(cfg.Server.EventBufferSize, logger)
	go bus.Start()
	defer bus.Stop()

	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.MaxEntries, bus, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		go j.Start()
		jrnl = j
		logger.Info("event journal opened", "path", cfg.Journal.Path, "records", j.Count())
	}

	var (
		svc service
		err error
	)
	switch cfg.Server.Mode {
	case config.ModeAccessPoint:
		svc, err = startAccessPoint(ctx, cfg, bus, logger)
	default:
		svc, err = startStation(ctx, cfg, bus, logger)
	}
	if err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		opts := append(svc.apiOptions(), api.WithVersion(version))
		if jrnl != nil {
			opts = append(opts, api.WithJournal(jrnl))
		}
		apiServer = api.NewServer(cfg, bus, logger, opts...)
		ln, err := apiServer.Listen()
		if err != nil {
			svc.stop()
			return err
		}
		go func() {
			if err := apiServer.Serve(ln); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Warn("API server shutdown", "error", err)
		}
	}
	svc.stop()

	logger.Info("rb3e-bridge stopped")
	return nil
}
