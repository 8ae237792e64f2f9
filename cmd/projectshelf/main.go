// Package main is the entry point for the ProjectShelf server and update CLI
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"projectshelf/internal/cli"
	"projectshelf/internal/client"
	"projectshelf/internal/config"
	"projectshelf/internal/logging"
	"projectshelf/internal/server"
	"projectshelf/internal/telemetry"
	"projectshelf/internal/version"
)

const envFile = ".env"

func main() {
	// A missing .env is fine, especially in production
	if err := config.LoadEnvFile(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	c := client.New(serverURL(), client.WithToken(os.Getenv("PROJECTSHELF_ADMIN_TOKEN")))
	code := cli.ExecuteContext(ctx, os.Args[1:], cli.NewManagerAdapter(c, serve), os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// serve runs the HTTP server until ctx is cancelled.
func serve(ctx context.Context, configPath string) error {
	if created, err := config.EnsureEnvFile(envFile); err != nil {
		logging.Warnf("Failed to create %s: %v", envFile, err)
	} else if created {
		logging.Infof("Created %s with a new session secret", envFile)
		if err := config.LoadEnvFile(envFile); err != nil {
			logging.Warnf("%v", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.SetLevel(cfg.LogLevel)

	// File logging only in development; production logs go to stdout for
	// systemd or Docker to collect.
	if !cfg.Production() {
		if err := logging.Initialize(cfg.LogDir); err != nil {
			logging.Warnf("Failed to initialize file logging: %v", err)
		} else {
			defer logging.Close()
		}
	}
	logging.Infof("Configuration: %s", cfg)

	shutdownTelemetry, err := telemetry.InitializeFromEnv(ctx, version.Current())
	if err != nil {
		logging.Warnf("Failed to initialize telemetry: %v", err)
	} else {
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(tctx); err != nil {
				logging.Errorf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		srv.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		logging.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return nil
}

// serverURL is where the CLI finds the admin API.
func serverURL() string {
	if u := os.Getenv("PROJECTSHELF_URL"); u != "" {
		return u
	}
	addr, err := normalizeListenAddr(os.Getenv("LISTEN_ADDR"))
	if err != nil {
		addr = config.DefaultListenAddr
	}
	return baseURL(addr)
}

// baseURL turns a listen address into a loopback URL.
func baseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// normalizeListenAddr accepts a bare port or host:port.
func normalizeListenAddr(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("listen address is empty")
	}
	if !strings.Contains(s, ":") {
		if err := validatePort(s); err != nil {
			return "", err
		}
		return ":" + s, nil
	}
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", s, err)
	}
	if err := validatePort(port); err != nil {
		return "", err
	}
	return s, nil
}

func validatePort(p string) error {
	n, err := strconv.Atoi(p)
	if err != nil {
		return fmt.Errorf("invalid port %q", p)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	return nil
}
