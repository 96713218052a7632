package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/rewind/internal/config"
)

var (
	configGlobal      bool
	configForce       bool
	configInteractive bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage rewind configuration",
	// A broken config file must not stop init from replacing it.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ProjectPath
		if configGlobal {
			p, err := config.GlobalPath()
			if err != nil {
				return err
			}
			path = p
		}
		if !configInteractive {
			if err := config.WriteDefault(path, configForce); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		}

		// edit mode: answers default to what the file already holds
		base := config.Defaults()
		if loaded, err := config.Load(); err == nil {
			base = loaded
		}
		c, err := config.Prompt(cmd.InOrStdin(), cmd.OutOrStdout(), base)
		if err != nil {
			return fmt.Errorf("setup cancelled: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if err := config.Write(path, c, true); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configGlobal, "global", false, "write ~/.config/rewind/config.yaml instead of .rewind.yaml")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().BoolVarP(&configInteractive, "interactive", "i", false, "prompt for each setting")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
