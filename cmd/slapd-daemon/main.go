package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slapd-go/daemon/internal/logger"
	"github.com/slapd-go/daemon/internal/telemetry"
	"github.com/slapd-go/daemon/pkg/config"
	"github.com/slapd-go/daemon/pkg/daemon"
	"github.com/slapd-go/daemon/pkg/daemon/connection/echo"
	"github.com/slapd-go/daemon/pkg/metrics"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `slapd-daemon - sharded epoll/kqueue network daemon core

Usage:
  slapd-daemon <command> [flags]

Commands:
  init     Initialize a sample configuration file
  start    Start the daemon
  version  Show version information

Flags:
  --config string    Path to config file (default: $XDG_CONFIG_HOME/slapd-daemon/config.yaml)
  --force            Force overwrite existing config file (init command only)

Examples:
  slapd-daemon init
  slapd-daemon start
  slapd-daemon start --config /etc/slapd-daemon/config.yaml

  # Override configuration with environment variables
  DAEMON_LOGGING_LEVEL=DEBUG slapd-daemon start
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit()
	case "start":
		runStart()
	case "help", "--help", "-h":
		fmt.Print(usage)
		os.Exit(0)
	case "version", "--version", "-v":
		fmt.Printf("slapd-daemon %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runInit() {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := initFlags.String("config", "", "Path to config file")
	force := initFlags.Bool("force", false, "Force overwrite existing config file")

	if err := initFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	var configPath string
	var err error
	if *configFile != "" {
		err = config.InitConfigToPath(*configFile, *force)
		configPath = *configFile
	} else {
		configPath, err = config.InitConfig(*force)
	}
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("Start the daemon with: slapd-daemon start")
}

// runStart loads configuration, wires the ambient stack, starts the
// daemon core, and blocks until a termination signal or an internal
// fatal condition (spec.md §6's exit-code taxonomy) is observed.
func runStart() {
	startFlags := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := startFlags.String("config", "", "Path to config file")
	if err := startFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.MustLoad(*configFile)
	if err != nil {
		log.Fatalf("%v", err)
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "slapd-daemon",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics disabled")
	}

	d, err := daemon.New(daemon.Options{
		ListenURLs:        cfg.Daemon.ListenURLs,
		Shards:            cfg.Daemon.Shards,
		Workers:           cfg.Pool.Workers,
		QueueSize:         cfg.Pool.QueueSize,
		IdleTimeout:       cfg.Daemon.IdleTimeout,
		AcceptBacklog:     cfg.Daemon.AcceptBacklog,
		EmfileBackoff:     cfg.Daemon.EmfileBackoff,
		ReceiveBufferSize: cfg.Daemon.ReceiveBufferSize,
		SendBufferSize:    cfg.Daemon.SendBufferSize,
		TCPKeepAlive:      cfg.Daemon.TCPKeepAlive,
		TCPNoDelay:        cfg.Daemon.TCPNoDelay,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to construct daemon: %v", err)
	}

	// The directory protocol dispatcher is an external collaborator
	// (§1 Non-goals); the echo Connection is wired here so the daemon
	// core is exercised end-to-end even with no protocol layer present.
	conn := echo.New(d, cfg.Daemon.IdleTimeout.Nanoseconds())
	d.SetConnection(conn)

	if err := d.Start(); err != nil {
		logger.Error("listener initialization failed", logger.Err(err))
		os.Exit(1)
	}
	logger.Info("slapd-daemon started", "listen_urls", cfg.Daemon.ListenURLs, "shards", d.ShardCount())

	stopWatch := make(chan struct{})
	go watchConfigForResize(resolvedConfigPath(*configFile), d, stopWatch)
	defer close(stopWatch)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	logger.Info("daemon running, waiting for signal")

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				if cfg.Daemon.GentleHUP {
					logger.Info("SIGHUP received, toggling gentle shutdown")
					d.ToggleGentleShutdown()
					continue
				}
				logger.Info("SIGHUP received, initiating abrupt shutdown")
				d.AbruptShutdown()
			default:
				logger.Info("shutdown signal received, draining active sessions")
				signal.Stop(sigChan)
				shutdownAndExit(d, metricsServer, cfg.ShutdownTimeout, 0)
			}

		case <-d.Fatal():
			logger.Error("shard exceeded consecutive notifier error limit, exiting")
			signal.Stop(sigChan)
			shutdownAndExit(d, metricsServer, cfg.ShutdownTimeout, 1)
		}
	}
}

// shutdownAndExit drains the daemon (bounded by timeout), stops the
// metrics server, and exits the process with code.
func shutdownAndExit(d *daemon.Daemon, metricsServer *metrics.Server, timeout time.Duration, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", logger.Err(err))
		code = 1
	}
	if metricsServer != nil {
		_ = metricsServer.Stop(ctx)
	}
	os.Exit(code)
}

func resolvedConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return ""
}
