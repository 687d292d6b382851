package internal

import (
	"fmt"

	"github.com/spf13/cobra"
)

var upgradeDryRun bool

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [identifier]",
	Short: "Pin a new core revision and build it",
	Long: `Upgrade replaces the pinned core version in the descriptor with identifier
(a branch, tag or commit; upgrade.identifier when omitted), re-resolves
the module graph with go mod download and go mod tidy, and builds the
version it resolves to.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUpgrade,
}

func init() {
	upgradeCmd.Flags().BoolVarP(&upgradeDryRun, "dry-run", "n", false, "Print the build command without changing anything")
	rootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	p, cfg, err := newPipeline(cmd, upgradeDryRun)
	if err != nil {
		return err
	}
	identifier := cfg.Upgrade.Identifier
	if len(args) > 0 {
		identifier = args[0]
	}
	res, err := p.Upgrade(cmd.Context(), identifier)
	if err != nil {
		return err
	}
	if upgradeDryRun {
		fmt.Fprintln(cmd.OutOrStdout(), res.Command)
	}
	return nil
}
