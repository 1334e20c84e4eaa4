// Command bonusctl runs the bonus engine's scheduled jobs and queries
// against a configured store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "bonusctl",
		Short: "bonusctl - operate the binary-tree bonus engine",
		Long: `bonusctl opens the configured store and runs one engine operation.

Configuration is read from a YAML file (--config), then BONUS_STORE and
BONUS_DSN from the environment, then flags.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&g.store, "store", "", "store backend (memory, postgres, sqlite, mongo)")
	flags.StringVar(&g.dsn, "dsn", "", "store connection string")
	flags.BoolVarP(&g.json, "json", "j", false, "print results as JSON")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		migrateCmd(g),
		nodeCmd(g),
		propagateCmd(g),
		statusCmd(g),
		payoutsCmd(g),
		withdrawCmd(g),
		settleCmd(g),
		forceUpgradeCmd(g),
		resetDailyCmd(g),
		sweepWeeklyCmd(g),
	)

	return rootCmd
}
