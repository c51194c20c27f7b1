package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/unifile/internal/config"
	"github.com/fruitsalade/unifile/internal/driver/backends"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and backend options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			// builds every driver so bad options fail here, not on first connect
			reg, err := backends.Load(cfg.BackendSpecs())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok (store: %s)\n", cfg.Store.Type)
			for _, b := range cfg.Backends {
				if _, ok := reg.Get(b.Name); ok {
					fmt.Fprintf(out, "  %-16s %s\n", b.Name, b.Type)
				}
			}
			return nil
		},
	}
}
