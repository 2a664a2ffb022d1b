package cli

import (
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration the other commands would use, after defaults
and global flag overrides. The output is a valid config file.

Example:
  archiver config > archiver.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.Config.WriteYAML(cmd.OutOrStdout()); err != nil {
				return WrapExitError(ExitFailure, "failed to write config", err)
			}
			return nil
		},
	}
}
