package internal

import (
	"fmt"

	"github.com/spf13/cobra"
)

var buildDryRun bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the core archive for the pinned version",
	Long: `Build resolves the core version pinned in the descriptor and builds the core
archive with that version and the current time linked in.

When CI or GITHUB_ACTIONS is set, the version is also written to the
manifest.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolVarP(&buildDryRun, "dry-run", "n", false, "Print the build command without running it")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	p, _, err := newPipeline(cmd, buildDryRun)
	if err != nil {
		return err
	}
	res, err := p.BuildOnly(cmd.Context())
	if err != nil {
		return err
	}
	if buildDryRun {
		fmt.Fprintln(cmd.OutOrStdout(), res.Command)
	}
	return nil
}
