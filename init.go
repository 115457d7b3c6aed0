package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evcraddock/todufit-go/internal/docid"
)

// newInitCmd builds `fit init`: create a new identity or join an existing
// one from another device.
func newInitCmd() *cobra.Command {
	var flagNew bool

	var flagJoin string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up this device's identity",
		Long: `Set up this device's identity.

--new creates a fresh identity with an empty personal meal log.
--join <id> links this device to an identity created elsewhere; the identity
document is pulled from the relay on the next 'fit sync'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			switch {
			case flagNew && flagJoin != "":
				return errors.New("--new and --join are mutually exclusive")

			case flagNew:
				id, err := cc.Manager.InitializeNew()
				if err != nil {
					return err
				}

				statusf("Identity created.\n")
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id)
				statusf("Share this id with 'fit init --join %s' on your other devices.\n", id)

				return nil

			case flagJoin != "":
				id, err := docid.Parse(flagJoin)
				if err != nil {
					return fmt.Errorf("parsing identity id: %w", err)
				}

				if err := cc.Manager.InitializeJoin(id); err != nil {
					return err
				}

				statusf("Joined identity %s. Run 'fit sync' to pull it from the relay.\n", id)

				return nil

			default:
				return errors.New("pass --new to create an identity or --join <id> to link this device")
			}
		},
	}

	cmd.Flags().BoolVar(&flagNew, "new", false, "create a new identity")
	cmd.Flags().StringVar(&flagJoin, "join", "", "join an existing identity by document id")

	return cmd
}
