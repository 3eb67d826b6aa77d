package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	proxy "github.com/paulgrammer/mcp-gateway"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and list the servers it defines",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	logger := newLogger(os.Stderr, opts.logLevel, opts.logFormat)

	cfg, err := proxy.ParseConfig(opts.configPath, logger)
	if err != nil {
		return err
	}
	applyOverrides(cfg, &opts)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s, listening on %s\n\n", cfg.Proxy.Name, cfg.Proxy.Version, cfg.Proxy.Address())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTYPE\tTARGET\tSTATUS")

	invalid := 0
	for _, def := range cfg.Servers {
		target := def.URL
		if def.Type == proxy.COMMAND {
			target = def.Command
		}

		status := "enabled"
		if !def.Enabled() {
			status = def.DisabledReason()
		}
		if def.InvalidReason != "" {
			invalid++
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.Name, def.Type, target, status)
	}
	tw.Flush()

	if invalid > 0 {
		return fmt.Errorf("%d of %d server definitions are invalid", invalid, len(cfg.Servers))
	}
	return nil
}
