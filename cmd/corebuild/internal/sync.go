package internal

import (
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Write build information to the manifest",
	Long: `Sync writes the pinned core version, the current git branch and commit,
and the current time to the manifest, whether or not running in CI.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	p, _, err := newPipeline(cmd, false)
	if err != nil {
		return err
	}
	_, err = p.SyncInfo(cmd.Context())
	return err
}
