package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/graphloom/chatbridge/internal/bridge"
	"github.com/graphloom/chatbridge/internal/config"
	"github.com/graphloom/chatbridge/internal/gateway"
	"github.com/graphloom/chatbridge/internal/graphdb"
	"github.com/graphloom/chatbridge/internal/server"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "init":
		initCmd(os.Args[2:])
	case "version":
		fmt.Printf("chatbridge %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chatbridge

Usage:
  chatbridge run [flags]
  chatbridge init [flags]
  chatbridge version

Commands:
  run       Serve the streaming chat bridge using the local config file.
  init      Write a default config file to edit by hand.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if err := config.WriteDefault(path); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", path)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	// A .env beside the process supplies secrets in development; absence is
	// not an error.
	_ = godotenv.Load()

	cfg, err := config.LoadOrDefault(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(log, cfg); err != nil {
		log.Error("chatbridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfg *config.Config) error {
	provider, err := cfg.Provider()
	if err != nil {
		return err
	}
	if cli, ok := provider.(*bridge.CLIProvider); ok {
		cli.SetLogger(log)
	}

	gw, err := gateway.New(log, cfg.Gateway)
	if err != nil {
		return err
	}
	defer gw.Close()

	var db *graphdb.Client
	if strings.TrimSpace(cfg.GraphDB.URI) != "" {
		db, err = graphdb.New(cfg.GraphDB)
		if err != nil {
			return err
		}
		defer db.Close(context.Background())
	}

	chat := bridge.NewChatHandler(log, provider, gw)

	var pinger server.Pinger
	if db != nil {
		pinger = db
	}
	srv, err := server.New(log, cfg.Server, chat, gw, pinger)
	if err != nil {
		return err
	}

	log.Info("starting chatbridge",
		"version", Version,
		"backend", cfg.Backend,
		"addr", cfg.Server.ListenAddr,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return <-errCh
}

// --- logger ---

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
