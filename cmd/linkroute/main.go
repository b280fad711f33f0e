package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"linkroute/internal/app"
	"linkroute/internal/clock"
	"linkroute/internal/config"
)

// main starts link routing service using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, optional --check-config).
// Returns: process exit code by startup/run result.
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("linkroute", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		configFile  = flags.String("config-file", "", "path to one TOML config file")
		configDir   = flags.String("config-dir", "", "path to directory with TOML config fragments")
		checkConfig = flags.Bool("check-config", false, "validate configuration and exit")
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return 2
	}

	if *checkConfig {
		cfg, err := config.LoadSnapshot(source)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "config invalid:", err.Error())
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "config ok: backend=%s http=%t nats=%t seeded_accounts=%d\n",
			cfg.Store.Backend, cfg.API.HTTP.Enabled, cfg.API.NATS.Enabled, len(cfg.Account))
		return 0
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "service init failed:", err.Error())
		return 1
	}
	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(stderr, "service run failed:", err.Error())
		return 1
	}
	return 0
}
