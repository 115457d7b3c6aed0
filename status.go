package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evcraddock/todufit-go/internal/identity"
)

// newStatusCmd builds `fit status`: identity state and local store summary.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show identity state and the local document store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			out := cmd.OutOrStdout()

			state := cc.Manager.State()
			fmt.Fprintf(out, "State:     %s\n", state)
			fmt.Fprintf(out, "Data dir:  %s\n", cc.Store.Dir())

			if root, ok, err := cc.Manager.RootDocID(); err == nil && ok {
				fmt.Fprintf(out, "Identity:  %s\n", root)
			}

			docs, err := cc.Store.List()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Documents: %d\n", len(docs))

			if state != identity.Initialized {
				return nil
			}

			groups, err := cc.Manager.ListGroups()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Groups:    %d\n", len(groups))

			return nil
		},
	}
}
