// Command todufit-relay is the sync relay server: it authenticates clients
// by API key, persists per-document CRDT state on disk, and forwards sync
// traffic between clients subscribed to the same document.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/evcraddock/todufit-go/internal/config"
	"github.com/evcraddock/todufit-go/internal/relay"
)

// version is set at build time via ldflags.
var version = "dev"

// shutdownTimeout bounds graceful HTTP shutdown on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

var flagConfigPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd assembles the relay command tree.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "todufit-relay",
		Short:         "ToduFit sync relay server",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "/etc/todufit-relay/config.toml", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeysCmd())

	return cmd
}

// newServeCmd builds the serve subcommand: run the relay until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRelay(flagConfigPath)
			if err != nil {
				return err
			}

			logger := buildLogger(cfg.LogLevel)

			server, err := relay.NewServer(relay.Config{
				DataDir: cfg.DataDir,
				Keys:    keyTable(cfg),
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			return serve(cmd.Context(), cfg.Listen, server.Handler(), logger)
		},
	}
}

// serve runs the HTTP server with graceful shutdown on SIGINT/SIGTERM.
func serve(ctx context.Context, listen string, handler http.Handler, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("relay listening", slog.String("addr", listen))

		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	group.Go(func() error {
		<-ctx.Done()

		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// newKeysCmd builds the keys subcommand: list the configured key table with
// keys redacted to a prefix.
func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List configured API keys (redacted)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRelay(flagConfigPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			for _, k := range cfg.Keys {
				prefix := ""
				if len(k.Key) > 4 {
					prefix = k.Key[:4]
				}

				fmt.Fprintf(out, "%s****\tuser=%s\tgroup=%s\n", prefix, k.UserID, k.GroupID)
			}

			return nil
		},
	}
}

// keyTable converts config entries into the relay's auth table.
func keyTable(cfg *config.RelayConfig) map[string]relay.Auth {
	keys := make(map[string]relay.Auth, len(cfg.Keys))

	for _, k := range cfg.Keys {
		keys[k.Key] = relay.Auth{UserID: k.UserID, GroupID: k.GroupID}
	}

	return keys
}

// buildLogger creates the relay's slog logger at the configured level.
func buildLogger(level string) *slog.Logger {
	slogLevel := slog.LevelInfo

	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
