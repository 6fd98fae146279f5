package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/repoautomator/prmirror/internal/service"
)

type mirrorParams struct {
	commonParams
	mirror   string
	payload  string
	eventKey string
}

func init() {
	var params mirrorParams

	mirror := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror the pull request of a stored webhook payload synchronously",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := os.ReadFile(params.payload)
			if err != nil {
				return err
			}

			ev, err := service.ParseWebhook(payload, params.eventKey)
			if err != nil {
				return err
			}
			if ev.Action != service.ActionClosed {
				return errors.New("payload is not a closed pull request event")
			}

			a, err := newApp(cmd.Context(), &params.commonParams)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.mirror(cmd.Context(), params.mirror)
			if err != nil {
				return err
			}
			return a.orchestrator.Mirror(cmd.Context(), m, ev)
		},
	}

	params.addFlags(mirror.Flags())
	mirror.Flags().StringVarP(&params.mirror, "mirror", "m", "", "Name of the mirror")
	mirror.Flags().StringVarP(&params.payload, "payload", "p", "", "Path to the webhook payload")
	mirror.Flags().StringVar(&params.eventKey, "event-key", "", "Bitbucket X-Event-Key of the payload")
	_ = mirror.MarkFlagRequired("mirror")
	_ = mirror.MarkFlagRequired("payload")

	RootCommand.AddCommand(mirror)
}
