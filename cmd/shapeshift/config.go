package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shapeshift/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective shapeshift.toml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		useDefault, err := cmd.Flags().GetBool("default")
		if err != nil {
			return fmt.Errorf("failed to get default flag: %w", err)
		}
		cfg := config.Default()
		if !useDefault {
			if cfg, err = loadConfig(cmd); err != nil {
				return err
			}
		}
		out := cmd.OutOrStdout()
		if cfg.Path != "" {
			fmt.Fprintf(out, "# loaded from %s\n", cfg.Path)
		} else {
			fmt.Fprintln(out, "# built-in defaults")
		}
		return cfg.Encode(out)
	},
}

func init() {
	configCmd.Flags().Bool("default", false, "print the built-in defaults, ignoring any shapeshift.toml")
}
