// Command wlancmd runs the station connection manager daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/internal/config"
	"github.com/HerbHall/wlancm/internal/event"
	"github.com/HerbHall/wlancm/internal/history"
	"github.com/HerbHall/wlancm/internal/lmac"
	"github.com/HerbHall/wlancm/internal/mqtt"
	"github.com/HerbHall/wlancm/internal/registry"
	"github.com/HerbHall/wlancm/internal/scan"
	"github.com/HerbHall/wlancm/internal/server"
	"github.com/HerbHall/wlancm/internal/store"
	"github.com/HerbHall/wlancm/internal/tracing"
	"github.com/HerbHall/wlancm/internal/version"
	"github.com/HerbHall/wlancm/internal/webhook"
	"github.com/HerbHall/wlancm/internal/ws"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("wlancmd exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.ViperConfig, logger *zap.Logger) error {
	viperCfg := cfg.Viper()
	logger.Info("wlancmd starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	srvCfg, err := server.ServerConfig(viperCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	traceCfg := tracing.DefaultConfig()
	if err := config.Decode(cfg.Sub("tracing"), &traceCfg); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}
	shutdownTracing, err := tracing.Init(ctx, traceCfg, os.Stdout, logger.Named("tracing"))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	// Open database; an empty path runs without persistence.
	var db plugin.Store
	var ready server.ReadinessChecker
	if dbPath := viperCfg.GetString("database.path"); dbPath != "" {
		sqlDB, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer sqlDB.Close()
		if err := sqlDB.CheckVersion(ctx, version.Short()); err != nil {
			return fmt.Errorf("database version: %w", err)
		}
		db = sqlDB
		ready = sqlDB.Ping
		logger.Info("database initialized",
			zap.String("component", "database"),
			zap.String("path", dbPath),
		)
	} else {
		logger.Warn("database.path is empty, history is not persisted", zap.String("component", "database"))
	}

	// Metrics registry shared by the plugins and the HTTP server.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(logger.Named("registry"))

	// Register plugins (compile-time composition).
	modules := []plugin.Plugin{cm.New(cm.WithRegisterer(promReg))}
	if viperCfg.GetBool("plugins.scan.enabled") {
		modules = append(modules, scan.New())
	}
	if viperCfg.GetBool("plugins.lmac.enabled") {
		modules = append(modules, lmac.New())
	}
	if viperCfg.GetBool("plugins.history.enabled") {
		modules = append(modules, history.New())
	}
	if viperCfg.GetBool("plugins.webhook.enabled") {
		modules = append(modules, webhook.New())
	}
	if viperCfg.GetBool("plugins.mqtt.enabled") {
		modules = append(modules, mqtt.New())
	}
	for _, m := range modules {
		if err := reg.Register(m); err != nil {
			return fmt.Errorf("register plugin: %w", err)
		}
	}

	if err := reg.Validate(); err != nil {
		return fmt.Errorf("plugin validation: %w", err)
	}

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		return fmt.Errorf("initialize plugins: %w", err)
	}

	if err := reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start plugins: %w", err)
	}
	for name, reason := range reg.Disabled() {
		logger.Warn("plugin not running", zap.String("plugin", name), zap.String("reason", reason))
	}

	wsHandler := ws.NewHandler(bus, logger.Named("ws"), viperCfg.GetStringSlice("server.ws_origins")...)
	defer wsHandler.Close()

	opts := srvCfg.Options()
	opts.Registry = promReg
	srv := server.New(srvCfg.Addr(), reg, logger.Named("server"), ready, opts, wsHandler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("wlancmd ready", zap.String("addr", srvCfg.Addr()))

	// Wait for shutdown signal or a server failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		logger.Error("server error", zap.Error(runErr))
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)

	logger.Info("wlancmd stopped")
	return runErr
}
