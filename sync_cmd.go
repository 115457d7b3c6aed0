package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evcraddock/todufit-go/internal/projection"
	"github.com/evcraddock/todufit-go/internal/sync"
)

// projectionDBName is the SQLite projection file inside the data directory.
const projectionDBName = "projections.db"

// defaultWatchInterval is the periodic pull while watching, so remote edits
// arrive even when nothing changes locally.
const defaultWatchInterval = 5 * time.Minute

// newSyncCmd builds `fit sync`: one sync run, or a watch loop with --watch.
func newSyncCmd() *cobra.Command {
	var flagWatch bool

	var flagInterval time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize all documents with the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Cfg.ServerURL == "" {
				return fmt.Errorf("%w: add server_url to the config file", sync.ErrNotConfigured)
			}

			store, err := projection.NewStore(
				cmd.Context(),
				filepath.Join(cc.Store.Dir(), projectionDBName),
				cc.Logger,
			)
			if err != nil {
				return err
			}
			defer store.Close()

			client, err := sync.NewClient(cc.Store, sync.Options{
				ServerURL: cc.Cfg.ServerURL,
				APIKey:    cc.Cfg.APIKey,
				Logger:    cc.Logger,
				Hook:      store,
			})
			if err != nil {
				return err
			}

			if !flagWatch {
				return runSyncOnce(cmd, client)
			}

			return runSyncWatch(cmd, cc, client, flagInterval)
		},
	}

	cmd.Flags().BoolVar(&flagWatch, "watch", false, "keep running and sync on local changes")
	cmd.Flags().DurationVar(&flagInterval, "interval", defaultWatchInterval, "periodic sync interval while watching")

	return cmd
}

// runSyncOnce performs a single sync run and prints per-document results.
func runSyncOnce(cmd *cobra.Command, client *sync.Client) error {
	result, err := client.SyncAll(cmd.Context())
	if result != nil {
		printSyncResult(cmd, result)
	}

	return err
}

// runSyncWatch runs an initial sync, then re-syncs on data directory
// changes and on the periodic interval until interrupted.
func runSyncWatch(cmd *cobra.Command, cc *CLIContext, client *sync.Client, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runSyncOnce(cmd, client); err != nil {
		return err
	}

	statusf("Watching %s (interval %s). Ctrl-C to stop.\n", cc.Store.Dir(), interval)

	watcher := sync.NewWatcher(cc.Store.Dir(), interval, cc.Logger, func(ctx context.Context) error {
		result, err := client.SyncAll(ctx)
		if result != nil && result.AnyUpdated() {
			printSyncResult(cmd, result)
		}

		return err
	})

	err := watcher.Run(ctx)
	if ctx.Err() != nil {
		// Interrupted by the user; not an error.
		return nil
	}

	return err
}

// printSyncResult renders one run's per-document outcomes.
func printSyncResult(cmd *cobra.Command, result *sync.Result) {
	rows := make([][]string, 0, len(result.Documents))

	for _, doc := range result.Documents {
		state := "unchanged"

		switch {
		case doc.Err != nil:
			state = "failed: " + doc.Err.Error()
		case doc.Updated:
			state = "updated"
		}

		rows = append(rows, []string{doc.Name, state, fmt.Sprintf("%d", doc.Rounds)})
	}

	printTable(cmd.OutOrStdout(), []string{"DOCUMENT", "RESULT", "ROUNDS"}, rows)
}
