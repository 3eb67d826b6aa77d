package main

import (
	"fmt"
	"log/slog"
	"os"

	"go.uber.org/dig"

	proxy "github.com/paulgrammer/mcp-gateway"
)

// bootLogger reports configuration problems before the configured logger
// exists.
type bootLogger struct{ *slog.Logger }

// newContainer wires the proxy and its collaborators from the command line
// options.
func newContainer(o *options) (*dig.Container, error) {
	c := dig.New()

	providers := []any{
		func() *options { return o },
		newBootLogger,
		newConfig,
		newLoggerFromConfig,
		proxy.NewMetrics,
		newProxy,
	}
	for _, provider := range providers {
		if err := c.Provide(provider); err != nil {
			return nil, fmt.Errorf("failed to wire dependencies: %w", err)
		}
	}
	return c, nil
}

func newBootLogger(o *options) bootLogger {
	return bootLogger{newLogger(os.Stderr, o.logLevel, o.logFormat)}
}

func newConfig(o *options, boot bootLogger) (*proxy.Config, error) {
	cfg, err := proxy.ParseConfig(o.configPath, boot.Logger)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, o)
	return cfg, nil
}

func newLoggerFromConfig(cfg *proxy.Config) *slog.Logger {
	logger := newLogger(os.Stdout, cfg.Proxy.LogLevel, cfg.Proxy.LogFormat)
	slog.SetDefault(logger)
	return logger
}

func newProxy(cfg *proxy.Config, o *options, logger *slog.Logger, metrics *proxy.Metrics) (*proxy.Proxy, error) {
	return proxy.NewServerFromConfig(cfg,
		proxy.WithLogger(logger),
		proxy.WithMetrics(metrics),
		proxy.WithConfigFile(o.configPath),
		proxy.WithBaseURL(o.baseURL),
	)
}
