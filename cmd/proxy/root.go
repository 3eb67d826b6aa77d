package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	proxy "github.com/paulgrammer/mcp-gateway"
)

const version = "1.0.0"

// options are the command line settings shared by every command. Flags that
// are left empty fall back to the configuration file.
type options struct {
	configPath string
	envFile    string
	host       string
	port       int
	logLevel   string
	logFormat  string
	baseURL    string
}

var opts options

var rootCmd = &cobra.Command{
	Use:           "mcp-gateway",
	Short:         "Expose MCP servers as a uniform HTTP API",
	Long:          "mcp-gateway runs and supervises MCP servers (stdio, SSE, streamable HTTP) and serves their tools over plain HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(opts.envFile)
	},
}

func init() {
	rootCmd.Version = version
	rootCmd.RunE = runServe

	port, _ := strconv.Atoi(os.Getenv("PORT"))

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", getEnvOrDefault("CONFIG_PATH", "config.json"), "Path to the configuration file (JSON or YAML)")
	flags.StringVar(&opts.envFile, "env-file", os.Getenv("ENV_FILE"), "Load environment variables from this file before reading the configuration")
	flags.StringVar(&opts.host, "host", os.Getenv("HOST"), "Listen host (overrides proxy.host)")
	flags.IntVarP(&opts.port, "port", "p", port, "Listen port (overrides proxy.port)")
	flags.StringVar(&opts.logLevel, "log-level", os.Getenv("LOG_LEVEL"), "Log level: debug, info, warn, error (overrides proxy.logLevel)")
	flags.StringVar(&opts.logFormat, "log-format", os.Getenv("LOG_FORMAT"), "Log format: text or json (overrides proxy.logFormat)")
	flags.StringVar(&opts.baseURL, "base-url", os.Getenv("SERVER_BASE_URL"), "Public base URL announced by the aggregated MCP endpoint")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadEnvFile loads path, or ./.env when it exists and no path is given.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file '%s': %w", path, err)
		}
		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyOverrides copies command line settings over the parsed configuration.
func applyOverrides(cfg *proxy.Config, o *options) {
	p := cfg.Proxy
	if o.host != "" {
		p.Host = o.host
	}
	if o.port != 0 {
		p.Port = o.port
	}
	if o.logLevel != "" {
		p.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		p.LogFormat = o.logFormat
	}
}

// newLogger builds the process logger from a level and format name.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
