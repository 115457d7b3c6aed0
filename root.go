// Command fit is the ToduFit CLI: an offline-first store of CRDT documents
// with relay-based multi-device and group synchronization.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/evcraddock/todufit-go/internal/config"
	"github.com/evcraddock/todufit-go/internal/docstore"
	"github.com/evcraddock/todufit-go/internal/identity"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIContext bundles the resolved config, logger, and identity manager.
// Created once in PersistentPreRunE.
type CLIContext struct {
	Cfg     *config.Config
	Logger  *slog.Logger
	Store   *docstore.Store
	Manager *identity.Manager
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// mustCLIContext extracts the CLIContext or panics; the command tree
// guarantees PersistentPreRunE populated it before any RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not found in context")
	}

	return cc
}

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "fit",
		Short:   "ToduFit CLI",
		Long:    "Offline-first personal and shared data with CRDT synchronization.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "document store directory")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newGroupCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadContext resolves config (file, then flag overrides), builds the
// logger, and stores the CLIContext for subcommands.
func loadContext(cmd *cobra.Command) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	dataDir := cfg.DataDir

	if flagDataDir != "" {
		dataDir = flagDataDir
	}

	if dataDir == "" {
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return err
		}
	}

	logger := buildLogger(cfg)
	store := docstore.New(dataDir)

	cc := &CLIContext{
		Cfg:     cfg,
		Logger:  logger,
		Store:   store,
		Manager: identity.NewManager(store),
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// resolveConfig loads the config file; a missing file yields an empty
// config so read-only commands still work before `fit config` setup.
func resolveConfig() (*config.Config, error) {
	path := flagConfigPath

	if path == "" {
		defaultPath, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}

		path = defaultPath
	}

	cfg, err := config.Load(path)
	if errors.Is(err, config.ErrNotFound) {
		return &config.Config{}, nil
	}

	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// buildLogger creates an slog.Logger from the config log level with CLI
// flags taking precedence. The flags are mutually exclusive (enforced by
// Cobra).
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
