package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nous-labs/analyst/internal/daemon"
	"github.com/nous-labs/analyst/pkg/credentials"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Show version and exit")
	putCredential := flag.String("put-credential", "", "Store the secret read from stdin (or ANALYST_CREDENTIAL_SECRET) under this ref in Postgres and exit")
	credentialLabel := flag.String("label", "", "Label for -put-credential")
	flag.Parse()

	if *showVersion {
		fmt.Printf("analyst %s (%s)\n", version, commit)
		os.Exit(0)
	}

	lvl := *logLevel
	if lvl == "" {
		lvl = os.Getenv("ANALYST_LOG_LEVEL")
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(lvl),
	}))
	slog.SetDefault(logger)

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("ANALYST_CONFIG_PATH")
	}

	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	if *putCredential != "" {
		if err := storeCredential(cfg.Credentials.PostgresURL, *putCredential, *credentialLabel); err != nil {
			slog.Error("failed to store credential", "ref", *putCredential, "error", err)
			os.Exit(1)
		}
		slog.Info("credential stored", "ref", *putCredential)
		return
	}

	slog.Info("analyst starting",
		"version", version,
		"addr", cfg.HTTPAddr,
		"model", cfg.LLM.Model,
		"max_tool_turns", cfg.Chat.MaxToolTurns,
	)

	d, err := daemon.New(cfg, daemon.Deps{})
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if err := d.ReloadCredentials(); err != nil {
					slog.Warn("credential reload failed", "error", err)
				}
				continue
			}
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
			return
		}
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}

	slog.Info("analyst stopped")
}

// storeCredential upserts one tenant secret into the Postgres credential table.
func storeCredential(pgURL, ref, label string) error {
	if pgURL == "" {
		return errors.New("credentials.postgres_url is not configured")
	}
	secret := os.Getenv("ANALYST_CREDENTIAL_SECRET")
	if secret == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = strings.TrimSpace(line)
	}
	if secret == "" {
		return errors.New("empty secret")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := credentials.NewPostgresStore(ctx, pgURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}
	return store.Upsert(ctx, ref, secret, label)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
