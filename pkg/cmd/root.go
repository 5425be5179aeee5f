// Package cmd assembles the sidecar's command-line surface: a single flag-
// driven root command (spec §6), replacing hephaestus's subcommand-based
// cobra tree since this sidecar has exactly one job with three modes rather
// than several distinct operator actions.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/config"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/coordinator"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/logger"
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/probe"
)

const (
	modeNormal      = "normal"
	modeDiagnostics = "diagnostics"
	modeProbeTest   = "probetest"
)

// Exit codes for --mode=probetest, documented in spec §6.
const (
	exitProbeRunning  = 0
	exitProbeNotFound = 3
	exitProbeUnknown  = 4
)

// NewCommand builds the sidecar's root command.
func NewCommand() *cobra.Command {
	var cli config.CLI

	root := &cobra.Command{
		Use:   "status-sidecar",
		Short: "Forwards Kubernetes pod lifecycle events to the serve status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cli)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cli.Namespace, "namespace", "default", "namespace to watch for app pods")
	flags.StringVar(&cli.LabelSelector, "label-selector", "type=app", "label selector identifying app pods")
	flags.StringVar(&cli.Mode, "mode", modeNormal, "operating mode: normal|diagnostics|probetest")
	flags.StringVar(&cli.ProbeURL, "probe-url", "", "URL to probe once and exit (required for --mode=probetest)")
	flags.BoolVar(&cli.ProbeInsecure, "probe-insecure", false, "skip TLS verification for --mode=probetest")
	flags.StringVar(&cli.ProbeConnectTimeout, "probe-connect-timeout", "", "connect timeout for --mode=probetest, e.g. 500ms")
	flags.StringVar(&cli.ProbeReadTimeout, "probe-read-timeout", "", "read timeout for --mode=probetest, e.g. 1500ms")

	return root
}

// ExitWithErr prints err to stderr and exits the process with status 1,
// following the original controller's terse top-level error handling.
func ExitWithErr(err error) {
	_, _ = fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func run(ctx context.Context, cli config.CLI) error {
	env, err := config.Load()
	if err != nil {
		return err
	}
	cfg := config.Config{Env: env, CLI: cli}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.NewZap("console", debugLevel(cfg))
	if err != nil {
		return err
	}

	switch cfg.CLI.Mode {
	case modeDiagnostics:
		fmt.Println(cfg.String())
		return nil
	case modeProbeTest:
		return runProbeTest(ctx, log, cfg)
	default:
		return runNormal(ctx, log, cfg)
	}
}

func debugLevel(cfg config.Config) string {
	if cfg.Env.Debug {
		return "debug"
	}
	return "info"
}

// runNormal drives the coordinator's full lifecycle until an interrupt or
// termination signal arrives.
func runNormal(ctx context.Context, log logr.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := coordinator.New(cfg, log)
	if err := coord.Setup(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coord.Shutdown(); err != nil {
			log.Error(err, "shutdown reported errors")
		}
	}()

	return coord.Run(ctx)
}

// runProbeTest issues a single availability probe against --probe-url and
// maps the classification onto the documented exit codes, without touching
// Kubernetes or the remote status API.
func runProbeTest(ctx context.Context, log logr.Logger, cfg config.Config) error {
	connectTimeout, _ := time.ParseDuration(cfg.CLI.ProbeConnectTimeout)
	readTimeout, _ := time.ParseDuration(cfg.CLI.ProbeReadTimeout)

	p := probe.New(log, connectTimeout, readTimeout, probe.WithInsecureSkipVerify(cfg.CLI.ProbeInsecure))
	result := p.Probe(ctx, cfg.CLI.ProbeURL)

	fmt.Printf("status=%s url=%s note=%q\n", result.Status, result.URL, result.Note)

	switch result.Status {
	case "Running":
		os.Exit(exitProbeRunning)
	case "NotFound":
		os.Exit(exitProbeNotFound)
	default:
		os.Exit(exitProbeUnknown)
	}
	return nil
}
