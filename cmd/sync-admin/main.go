// sync-admin runs maintenance and offline sync tasks against the genealogy
// database without going through the HTTP API.
//
// Usage (from backend directory):
//
//	DB_DRIVER=sqlite DB_SQLITE_PATH=genealogy.db go run ./cmd/sync-admin status
//	go run ./cmd/sync-admin push --file export.json --media-dir ./media --mode adb
//	go run ./cmd/sync-admin conflicts resolve 12 --resolution app_wins
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(&env{}).ExecuteContext(ctx)
	stop()
	if err != nil {
		config.GetLogger().Error(err.Error())
		os.Exit(1)
	}
}

func newRootCommand(e *env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sync-admin",
		Short:        "Maintenance and offline sync tasks for the genealogy backend.",
		SilenceUsage: true,

		// main logs the returned error.
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&e.output, "output", "", "write JSON results to this file instead of stdout")
	rootCmd.AddCommand(
		newMigrateCommand(e),
		newStatusCommand(e),
		newConflictsCommand(e),
		newMediaAuditCommand(e),
		newPushCommand(e),
		newMergeCommand(e),
		newPullCommand(e),
	)
	return rootCmd
}
