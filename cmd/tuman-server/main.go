// tuman-server runs the egress end of the covert tunnel: a worker
// dispatch loop draining requests from the note pool and executing them
// against the real network.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smaiht/tuman-vpn/internal/app"
	"github.com/smaiht/tuman-vpn/internal/worker"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "tuman-server",
		Short:         "Egress worker end of the note-pool tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "data/config.json", "path to the configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tuman-server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	core, err := app.Bootstrap(ctx, cfgPath, "server")
	if err != nil {
		return err
	}
	defer core.Close(context.Background())

	core.Run(ctx)

	settings := core.Config.Settings
	dispatcher := worker.New(core.Router, worker.Settings{
		RequestTimeout: worker.DefaultSettings().RequestTimeout,
		Tunnel:         app.TunnelSettings(settings),
	}, core.Logger, core.Metrics).WithAudit(core.Audit)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		core.Logger.Info("tuman-server: dispatch loop running")
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return core.ServeAdmin(gctx, fmt.Sprintf(":%d", settings.AdminPort))
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
