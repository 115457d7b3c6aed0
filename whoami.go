package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evcraddock/todufit-go/internal/sync"
)

// newWhoamiCmd builds `fit whoami`: the relay's identity answer for the
// configured API key.
func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the relay identity for the configured API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Cfg.ServerURL == "" {
				return fmt.Errorf("%w: add server_url to the config file", sync.ErrNotConfigured)
			}

			client, err := sync.NewClient(cc.Store, sync.Options{
				ServerURL: cc.Cfg.ServerURL,
				APIKey:    cc.Cfg.APIKey,
				Logger:    cc.Logger,
			})
			if err != nil {
				return err
			}

			me, err := client.FetchMe(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:  %s\n", me.UserID)
			fmt.Fprintf(out, "Group: %s\n", me.GroupID)

			return nil
		},
	}
}
