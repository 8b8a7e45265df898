package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rhuss/mcpbridge/pkg/config"
)

func newValidateCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), f.loadOptions())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			set := cfg.Descriptors()
			fmt.Fprintf(out, "configuration ok: %d mcp server(s), %d enabled\n", set.Len(), len(set.Enabled()))
			for _, d := range set.All() {
				state := "enabled"
				if !d.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "  %-20s %-18s %s\n", d.ID, d.Kind, state)
			}
			return nil
		},
	}
}
