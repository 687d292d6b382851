package internal

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Print the build information sync would write",
	Args:  cobra.NoArgs,
	RunE:  runMetadata,
}

func init() {
	rootCmd.AddCommand(metadataCmd)
}

func runMetadata(cmd *cobra.Command, args []string) error {
	p, _, err := newPipeline(cmd, false)
	if err != nil {
		return err
	}
	md, err := p.Metadata(cmd.Context())
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(md); err != nil {
		return err
	}
	return enc.Close()
}
