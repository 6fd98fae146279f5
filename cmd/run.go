package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/repoautomator/prmirror/internal/logging"
	"github.com/repoautomator/prmirror/internal/metrics"
	"github.com/repoautomator/prmirror/internal/pool"
	"github.com/repoautomator/prmirror/internal/server"
)

const reconcileTask = "reconcile"

type runParams struct {
	commonParams
	addr string
}

func init() {
	var params runParams

	run := &cobra.Command{
		Use:   "run",
		Short: "Serve webhooks and reconcile mirrored pull requests periodically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return doRun(ctx, params)
		},
	}

	params.addFlags(run.Flags())
	run.Flags().StringVarP(&params.addr, "addr", "a", ":8282", "Address to listen on for webhooks")

	RootCommand.AddCommand(run)
}

func doRun(ctx context.Context, params runParams) error {
	a, err := newApp(ctx, &params.commonParams)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := a.config.Service
	p := pool.New(ctx, svc.WorkerCount())
	defer p.Close()

	a.orchestrator.WithSubmitter(p)
	p.Add(reconcileTask, a.reconciler.Execute)
	metrics.PoolPending(func() float64 { return float64(p.Pending()) })

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	go sweepOnSignal(ctx, p, hangup, a.log)

	return server.New().
		WithWebhooks(a.orchestrator).
		WithAPIPrefix(svc.Prefix()).
		WithLogger(a.log.With("component", "server")).
		Init().
		ListenAndServe(ctx, params.addr)
}

type trigger interface {
	Trigger(name string) error
}

// sweepOnSignal starts a reconciliation sweep right away whenever a signal
// arrives, instead of waiting for the next interval.
func sweepOnSignal(ctx context.Context, p trigger, signals <-chan os.Signal, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			log.Infof("Received %v, starting a reconciliation sweep.", sig)
			if err := p.Trigger(reconcileTask); err != nil {
				log.Warnf("failed to trigger reconciliation: %v", err)
			}
		}
	}
}
