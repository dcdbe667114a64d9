package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/presencechat/internal/logging"
	"github.com/Tyrowin/presencechat/internal/metrics"
	"github.com/Tyrowin/presencechat/internal/registry"
	"github.com/Tyrowin/presencechat/internal/server"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (optional)")
	port := flag.String("port", "", "HTTP bind address, e.g. :8080 (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "", "Log format: "+logging.FormatNames())
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Port = *port
		case "log-level":
			config.LogLevel = *logLevel
		case "log-format":
			config.LogFormat = *logFormat
		}
	})

	if err := logging.Setup(logging.Options{
		Level:  config.LogLevel,
		Format: config.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	server.SetConfig(config)

	if err := run(config); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func run(config *server.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := registry.New()
	m := metrics.New()
	hub := server.NewHub(sessions, m)
	server.StartHub(hub)

	if config.MetricsLogInterval > 0 {
		m.StartPeriodicLog(config.MetricsLogInterval, sessions.Count, ctx.Done())
	}

	httpServer := server.CreateServer(config.Port, server.SetupRoutes(hub))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	select {
	case err := <-errCh:
		_ = hub.Shutdown(config.ShutdownTimeout)
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout); err != nil {
		return err
	}
	return hub.Shutdown(config.ShutdownTimeout)
}
