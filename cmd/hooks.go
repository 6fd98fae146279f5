package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type hooksParams struct {
	commonParams
	mirror string
	url    string
}

func init() {
	var params hooksParams

	hooks := &cobra.Command{
		Use:   "hooks",
		Short: "Manage webhooks of primary repositories",
	}

	install := &cobra.Command{
		Use:   "install",
		Short: "Register the prmirror webhook on the primary repository of a mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), &params.commonParams)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.mirror(cmd.Context(), params.mirror)
			if err != nil {
				return err
			}

			hookURL, err := url.JoinPath(params.url, a.config.Service.Prefix(), "v1", "mirrors", m.Name, "webhook")
			if err != nil {
				return err
			}
			if err := a.orchestrator.InstallWebhook(cmd.Context(), m, hookURL); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s on %s/%s.\n", hookURL, m.Primary.Owner, m.Primary.NormalizedName())
			return nil
		},
	}

	params.addFlags(install.Flags())
	install.Flags().StringVarP(&params.mirror, "mirror", "m", "", "Name of the mirror")
	install.Flags().StringVarP(&params.url, "url", "u", "", "Public base URL of the prmirror service")
	_ = install.MarkFlagRequired("mirror")
	_ = install.MarkFlagRequired("url")

	hooks.AddCommand(install)
	RootCommand.AddCommand(hooks)
}
