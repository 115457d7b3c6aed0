package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/evcraddock/todufit-go/internal/config"
)

// redactKey shows just enough of an API key to identify it.
func redactKey(key string) string {
	const visible = 4

	if key == "" {
		return "(not set)"
	}

	if len(key) <= visible {
		return "****"
	}

	return key[:visible] + "****"
}

// newConfigCmd builds `fit config` with show and set subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSetCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "server_url = %q\n", cc.Cfg.ServerURL)
			fmt.Fprintf(out, "api_key    = %q\n", redactKey(cc.Cfg.APIKey))
			fmt.Fprintf(out, "data_dir   = %q\n", cc.Store.Dir())
			fmt.Fprintf(out, "auto_sync  = %t\n", cc.Cfg.AutoSync)
			fmt.Fprintf(out, "log_level  = %q\n", cc.Cfg.LogLevel)

			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value. Keys: server_url, api_key, data_dir, auto_sync, log_level.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			key, value := args[0], args[1]

			switch key {
			case "server_url":
				cc.Cfg.ServerURL = value
			case "api_key":
				cc.Cfg.APIKey = value
			case "data_dir":
				cc.Cfg.DataDir = value
			case "auto_sync":
				parsed, err := strconv.ParseBool(value)
				if err != nil {
					return fmt.Errorf("auto_sync must be true or false, got %q", value)
				}

				cc.Cfg.AutoSync = parsed
			case "log_level":
				cc.Cfg.LogLevel = value
			default:
				return fmt.Errorf("unknown config key %q", key)
			}

			if err := cc.Cfg.Validate(); err != nil {
				return err
			}

			path := flagConfigPath

			if path == "" {
				defaultPath, err := config.DefaultPath()
				if err != nil {
					return err
				}

				path = defaultPath
			}

			if err := config.Save(path, cc.Cfg); err != nil {
				return err
			}

			statusf("Wrote %s.\n", path)

			return nil
		},
	}
}
