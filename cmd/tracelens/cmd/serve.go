package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/abramin/tracelens/internal/server"
)

var (
	servePort  int
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the trace API over HTTP",
	Long: `Start an HTTP server answering function, caller and callee queries
for the traces in the trace directory.

Traces are compiled on first request and the compiled index is reused
until the trace changes. With --watch the trace directory is watched and
the catalog refreshed as traces appear or disappear.

Prometheus metrics are exposed on /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		watch := cfg.Server.Watch || serveWatch

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		mgr, closeAll, err := openManager(reg)
		if err != nil {
			return err
		}
		defer closeAll()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(mgr, server.Config{
			Port:     port,
			Report:   cfg.Report,
			Gatherer: reg,
		}, logger)

		g, ctx := errgroup.WithContext(ctx)
		if watch {
			g.Go(func() error { return mgr.Watch(ctx) })
		}
		g.Go(func() error { return srv.Start(ctx) })
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "refresh the catalog when traces change")
	rootCmd.AddCommand(serveCmd)
}
