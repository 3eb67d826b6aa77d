package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	proxy "github.com/paulgrammer/mcp-gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	c, err := newContainer(&opts)
	if err != nil {
		return err
	}

	return c.Invoke(func(p *proxy.Proxy, logger *slog.Logger) error {
		// Graceful shutdown context.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go reloadOnHangup(ctx, p, logger)

		if err := p.Run(ctx); err != nil {
			logger.Error("MCP proxy error", "error", err)
			return err
		}

		logger.Info("Shutdown complete")
		return nil
	})
}

// reloadOnHangup re-reads the configuration file on every SIGHUP.
func reloadOnHangup(ctx context.Context, p *proxy.Proxy, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("Received SIGHUP, reloading configuration")
			if err := p.ReloadFromFile(ctx); err != nil {
				logger.Error("Failed to reload configuration", "error", err)
			}
		}
	}
}
