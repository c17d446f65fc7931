// tuman-client runs the local end of the covert tunnel: the HTTP and/or
// SOCKS5 proxy listeners, backed by a note-pool transport channel in the
// client role.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smaiht/tuman-vpn/internal/app"
	"github.com/smaiht/tuman-vpn/internal/config"
	"github.com/smaiht/tuman-vpn/internal/frontend/httpproxy"
	"github.com/smaiht/tuman-vpn/internal/frontend/socks5"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "tuman-client",
		Short:         "Local proxy end of the note-pool tunnel",
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
		fmt.Fprintln(os.Stderr, "tuman-client:", err)
		os.Exit(1)
	}
}

func proxySettings(s config.Settings) httpproxy.Settings {
	return httpproxy.Settings{
		RequestTimeout: config.TimeoutDuration(s.Timeout),
		Tunnel:         app.TunnelSettings(s),
	}
}

func run(ctx context.Context, cfgPath string) error {
	core, err := app.Bootstrap(ctx, cfgPath, "client")
	if err != nil {
		return err
	}
	defer core.Close(context.Background())

	core.Run(ctx)

	settings := core.Config.Settings
	g, gctx := errgroup.WithContext(ctx)

	if settings.ProxyMode == "http" || settings.ProxyMode == "both" {
		handler := httpproxy.NewHandler(core.Router, proxySettings(settings), core.Logger).WithAudit(core.Audit)

		if err := config.WatchTunables(cfgPath, core.Logger, func(s config.Settings) {
			handler.UpdateSettings(proxySettings(s))
		}); err != nil {
			core.Logger.WithError(err).Warn("tuman-client: config watch unavailable")
		}

		addr := fmt.Sprintf(":%d", settings.ProxyPort)
		srv := &http.Server{Addr: addr, Handler: handler}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			core.Logger.WithField("addr", addr).Info("tuman-client: http proxy listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http proxy: %w", err)
			}
			return nil
		})
	}

	if settings.ProxyMode == "socks5" || settings.ProxyMode == "both" {
		server := socks5.New(core.Router, app.TunnelSettings(settings), core.Logger)
		addr := fmt.Sprintf(":%d", settings.Socks5Port)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		g.Go(func() error {
			core.Logger.WithField("addr", addr).Info("tuman-client: socks5 proxy listening")
			return server.Serve(gctx, l)
		})
	}

	g.Go(func() error {
		return core.ServeAdmin(gctx, fmt.Sprintf(":%d", settings.AdminPort))
	})

	err = g.Wait()
	if ctx.Err() != nil {
		// Operator-initiated shutdown; teardown errors from the listeners
		// are expected noise.
		return nil
	}
	return err
}
