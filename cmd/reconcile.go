package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	var params commonParams

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation sweep over all open mirrored pull requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), &params)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.reconciler.Sweep(cmd.Context())
		},
	}

	params.addFlags(reconcile.Flags())
	RootCommand.AddCommand(reconcile)
}
