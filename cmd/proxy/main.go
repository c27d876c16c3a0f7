package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eddisonso.com/edd-proxy/internal/admin"
	"eddisonso.com/edd-proxy/internal/cache"
	"eddisonso.com/edd-proxy/internal/config"
	"eddisonso.com/edd-proxy/internal/events"
	"eddisonso.com/edd-proxy/internal/logging"
	"eddisonso.com/edd-proxy/internal/proxy"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup, such as flushing
// pending NATS publishes, runs before exit.
func run() int {
	configPath := flag.String("config", os.Getenv("PROXY_CONFIG"), "YAML config file")
	listenAddr := flag.String("listen", "", "Proxy listen address (overrides config)")
	adminAddr := flag.String("admin", "", "Admin HTTP listen address (overrides config)")
	natsURL := flag.String("nats", os.Getenv("NATS_URL"), "NATS server URL for event publishing")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "Log format: text or json")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			return 1
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *natsURL != "" {
		cfg.NatsURL = *natsURL
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// Logger setup
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		slog.Error("bad log level", "error", err)
		return 1
	}
	slog.SetDefault(logging.NewLogger(logging.Config{
		Source:   "edd-proxy",
		MinLevel: level,
		Format:   cfg.Log.Format,
	}))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	// Event sinks: the admin feed always, NATS when configured
	hub := events.NewHub()
	sinks := events.Multi{hub}
	if cfg.NatsURL != "" {
		pub, err := events.NewPublisher(cfg.NatsURL)
		if err != nil {
			slog.Warn("failed to connect to NATS, events will not be published", "error", err)
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	objects := cache.New(cfg.Cache.Entries, cfg.Cache.MaxObjectSize)
	handler := proxy.NewHandler(objects, sinks, proxy.HandlerConfig{
		UserAgent:      cfg.Upstream.UserAgent,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		IdleTimeout:    cfg.Upstream.IdleTimeout,
	})
	srv := proxy.NewServer(handler, cfg.Workers, cfg.QueueCapacity)

	// Bind before marking ready
	proxyLn, adminLn, err := bindListeners(cfg.ListenAddr, cfg.AdminAddr)
	if err != nil {
		slog.Error("failed to bind listeners", "error", err)
		return 1
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(proxyLn)
	}()

	// Start admin server
	adm := admin.New(objects, srv, hub)
	if adminLn != nil {
		go func() {
			if err := adm.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server failed", "error", err)
			}
		}()
	}

	// Mark as ready
	adm.SetReady(true)

	slog.Info("proxy started",
		"listen", cfg.ListenAddr,
		"admin", cfg.AdminAddr,
		"workers", cfg.Workers,
		"queue", cfg.QueueCapacity,
		"cache_entries", cfg.Cache.Entries,
		"max_object_size", cfg.Cache.MaxObjectSize,
	)

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("proxy shutting down", "signal", sig.String())
	case err := <-serveErr:
		slog.Error("proxy listener failed", "error", err)
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	adm.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("shutdown did not finish cleanly", "error", err)
	}

	return exitCode
}

// bindListeners opens the proxy listener and, when adminAddr is set, the
// admin listener. Nothing stays bound if either fails.
func bindListeners(proxyAddr, adminAddr string) (proxyLn, adminLn net.Listener, err error) {
	proxyLn, err = net.Listen("tcp", proxyAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", proxyAddr, err)
	}
	if adminAddr == "" {
		return proxyLn, nil, nil
	}
	adminLn, err = net.Listen("tcp", adminAddr)
	if err != nil {
		proxyLn.Close()
		return nil, nil, fmt.Errorf("listen on %s: %w", adminAddr, err)
	}
	return proxyLn, adminLn, nil
}
