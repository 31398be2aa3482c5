package command

import (
	"context"
	"errors"
	"fmt"
	"github.com/adminpanel/relay/internal/monitor"
	"github.com/adminpanel/relay/internal/prober"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

var ErrNoTargets = errors.New("no targets to probe")

func newProbeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "probe [flags] [ID=]ADDRESS...",
		Short: "Check the reachability of hosts the same way the relay's monitoring does",
		Args:  cobra.ArbitraryArgs,
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd.Flags(), configPath)
		if err != nil {
			return err
		}

		logger, err := buildLogger(v)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
		}()

		targets, err := parseTargets(args)
		if err != nil {
			return err
		}

		hostProber, err := buildProber(v, logger)
		if err != nil {
			return err
		}

		probeTimeout := durationOrDefault(v, "probe-timeout", prober.DefaultTimeout)
		concurrency := v.GetInt("max-concurrent-probes")

		if !v.GetBool("watch") {
			results, err := monitor.Sweep(cmd.Context(), hostProber, targets,
				monitor.WithSweepProbeTimeout(probeTimeout),
				monitor.WithSweepConcurrency(concurrency),
			)
			if err != nil {
				return err
			}

			return printResults(cmd.OutOrStdout(), targets, results)
		}

		reporter := &printingReporter{
			output:  cmd.OutOrStdout(),
			targets: targets,
			errCh:   make(chan error, 1),
		}

		scheduler := monitor.New(hostProber, reporter,
			monitor.WithLogger(logger),
			monitor.WithInterval(durationOrDefault(v, "sweep-interval", monitor.DefaultInterval)),
			monitor.WithProbeTimeout(probeTimeout),
			monitor.WithMaxConcurrentProbes(concurrency),
		)
		scheduler.Start(targets)
		defer scheduler.Stop()

		select {
		case <-cmd.Context().Done():
			return nil
		case err := <-reporter.errCh:
			return err
		}
	}

	cmd.Flags().StringVar(&configPath, "config", "", "read configuration from this YAML, TOML or JSON file")

	addLoggingFlags(cmd.Flags(), zapcore.InfoLevel)
	addProberFlags(cmd.Flags())

	cmd.Flags().Int("max-concurrent-probes", monitor.DefaultMaxConcurrentProbes,
		"how many hosts may be probed at once")
	cmd.Flags().BoolP("watch", "w", false, "keep sweeping until interrupted")
	cmd.Flags().Duration("sweep-interval", monitor.DefaultInterval,
		"idle gap between the end of one sweep and the start of the next when watching")

	return cmd
}

// parseTargets accepts either "ID=ADDRESS" or a bare "ADDRESS", in which case
// the address doubles as the ID.
func parseTargets(args []string) ([]monitor.Target, error) {
	if len(args) == 0 {
		return nil, ErrNoTargets
	}

	targets := make([]monitor.Target, 0, len(args))

	for _, arg := range args {
		id, address, found := strings.Cut(arg, "=")
		if !found {
			address = id
		}

		if address == "" {
			return nil, fmt.Errorf("invalid target %q: empty address", arg)
		}

		targets = append(targets, monitor.Target{ID: id, Address: address})
	}

	return targets, nil
}

func printResults(output io.Writer, targets []monitor.Target, results []monitor.Result) error {
	tw := tabwriter.NewWriter(output, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(tw, "ID\tADDRESS\tSTATUS")

	for i, result := range results {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", result.ID, targets[i].Address, result.State)
	}

	return tw.Flush()
}

type printingReporter struct {
	output  io.Writer
	targets []monitor.Target
	errCh   chan error
}

func (reporter *printingReporter) StatusUpdates(ctx context.Context, results []monitor.Result) {
	_, _ = fmt.Fprintf(reporter.output, "\n%s\n", time.Now().Format(time.RFC3339))

	if err := printResults(reporter.output, reporter.targets, results); err != nil {
		reporter.MonitoringError(ctx, err)
	}
}

func (reporter *printingReporter) MonitoringError(ctx context.Context, err error) {
	select {
	case reporter.errCh <- err:
	default:
		// The first error already ends the command
	}
}
