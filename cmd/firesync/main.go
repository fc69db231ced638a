package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fieldproof/firesync/internal/config"
	"github.com/fieldproof/firesync/internal/httpapi"
	"github.com/fieldproof/firesync/internal/session"
	"github.com/fieldproof/firesync/internal/store"
	"github.com/fieldproof/firesync/internal/syncagent"
)

func main() {
	root := &cobra.Command{
		Use:           "firesync",
		Short:         "Sync service for fire-safety compliance inspections",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serveCommand(&configPath))
	root.AddCommand(exportBundleCommand())
	root.AddCommand(importBundleCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			st, err := buildStore(cfg.Storage)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := session.NewService(st, session.Options{
				IdempotencyTTL: cfg.Session.IdempotencyTTL,
				BundleTTL:      cfg.Session.BundleTTL,
				CASRetries:     cfg.Session.CASRetries,
				Logger:         logger,
			})
			server := httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
				JWTSecret:       cfg.Server.JWTSecret,
				MaxBodyBytes:    cfg.Server.MaxBodyBytes,
				RateLimitMax:    cfg.Server.RateLimitMax,
				RateLimitWindow: cfg.Server.RateLimitWindow,
				WatchOrigins:    cfg.Server.WatchOrigins,
				Logger:          logger,
			})

			httpServer := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           server,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Profile).
				Msg("firesync listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func exportBundleCommand() *cobra.Command {
	var serverURL, token, out string
	cmd := &cobra.Command{
		Use:   "export-bundle <session-id>",
		Short: "Download an offline bundle for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := syncagent.NewHTTPClient(serverURL, token, nil)
			bundle, err := client.ExportBundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = os.Stdout.Write(append(bundle, '\n'))
				return err
			}
			return os.WriteFile(out, bundle, 0o644)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "sync server base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("FIRESYNC_TOKEN"), "bearer token")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	return cmd
}

func importBundleCommand() *cobra.Command {
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "import-bundle <spool-file>",
		Short: "Upload one offline-edited bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var entry struct {
				Bundle  json.RawMessage        `json:"bundle"`
				Changes []syncagent.WireChange `json:"changes"`
			}
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("parse spool file: %w", err)
			}
			client := syncagent.NewHTTPClient(serverURL, token, nil)
			view, err := client.ImportBundle(cmd.Context(), entry.Bundle, entry.Changes, nil, "")
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(view)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "sync server base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("FIRESYNC_TOKEN"), "bearer token")
	return cmd
}

func buildStore(cfg config.Storage) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Profile)) {
	case "", "memory", "inmemory":
		return store.NewMemoryStore(), nil
	case "postgres", "production", "prod":
		return store.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage profile: %s", cfg.Profile)
	}
}

func newLogger(cfg config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
