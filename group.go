package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evcraddock/todufit-go/internal/docid"
	"github.com/evcraddock/todufit-go/internal/identity"
)

// newGroupCmd builds `fit group` and its subcommands.
func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage shared groups",
	}

	cmd.AddCommand(newGroupCreateCmd())
	cmd.AddCommand(newGroupJoinCmd())
	cmd.AddCommand(newGroupLeaveCmd())
	cmd.AddCommand(newGroupListCmd())
	cmd.AddCommand(newGroupShowCmd())

	return cmd
}

func newGroupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group with empty shared documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			id, err := cc.Manager.CreateGroup(args[0])
			if err != nil {
				return err
			}

			statusf("Group %q created.\n", args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id)
			statusf("Others can join with 'fit group join %s %q'.\n", id, args[0])

			return nil
		},
	}
}

func newGroupJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <id> <name>",
		Short: "Join an existing group by document id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			id, err := docid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing group id: %w", err)
			}

			if err := cc.Manager.JoinGroup(id, args[1]); err != nil {
				return err
			}

			statusf("Joined group %q. Run 'fit sync' to pull its documents.\n", args[1])

			return nil
		},
	}
}

func newGroupLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <id-or-name>",
		Short: "Leave a group (local documents are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			ref, err := resolveGroup(cc.Manager, args[0])
			if err != nil {
				return err
			}

			if err := cc.Manager.LeaveGroup(ref.DocID); err != nil {
				return err
			}

			statusf("Left group %q.\n", ref.Name)

			return nil
		},
	}
}

func newGroupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List group memberships",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			groups, err := cc.Manager.ListGroups()
			if err != nil {
				return err
			}

			if len(groups) == 0 {
				statusf("No groups. Create one with 'fit group create <name>'.\n")
				return nil
			}

			rows := make([][]string, 0, len(groups))
			for _, g := range groups {
				rows = append(rows, []string{g.Name, g.DocID.String()})
			}

			printTable(cmd.OutOrStdout(), []string{"NAME", "ID"}, rows)

			return nil
		},
	}
}

func newGroupShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id-or-name>",
		Short: "Show a group's shared document ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			ref, err := resolveGroup(cc.Manager, args[0])
			if err != nil {
				return err
			}

			group, err := cc.Manager.LoadGroup(ref.DocID)
			if err != nil {
				return err
			}

			rows := [][]string{{"group", ref.DocID.String()}}
			for _, child := range group.Children() {
				rows = append(rows, []string{child.Kind, child.DocID.String()})
			}

			printTable(cmd.OutOrStdout(), []string{"DOCUMENT", "ID"}, rows)

			return nil
		},
	}
}

// resolveGroup accepts either a group document id or a display name.
func resolveGroup(manager *identity.Manager, arg string) (identity.GroupRef, error) {
	groups, err := manager.ListGroups()
	if err != nil {
		return identity.GroupRef{}, err
	}

	if id, parseErr := docid.Parse(arg); parseErr == nil {
		for _, g := range groups {
			if g.DocID == id {
				return g, nil
			}
		}
	}

	for _, g := range groups {
		if g.Name == arg {
			return g, nil
		}
	}

	return identity.GroupRef{}, fmt.Errorf("no group matching %q", arg)
}
