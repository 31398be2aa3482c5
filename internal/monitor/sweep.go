package monitor

import (
	"context"
	"fmt"
	"github.com/adminpanel/relay/internal/prober"
	"golang.org/x/sync/errgroup"
	"time"
)

type sweepConfig struct {
	probeTimeout time.Duration
	concurrency  int
}

type SweepOption func(*sweepConfig)

func WithSweepProbeTimeout(timeout time.Duration) SweepOption {
	return func(config *sweepConfig) {
		config.probeTimeout = timeout
	}
}

func WithSweepConcurrency(n int) SweepOption {
	return func(config *sweepConfig) {
		config.concurrency = n
	}
}

// Sweep probes every target concurrently and returns one result per target,
// in the order the targets were given.
//
// Targets sharing an ID are probed once, using the last address listed for that ID,
// and all of them report that probe's state.
func Sweep(ctx context.Context, hostProber prober.Prober, targets []Target, opts ...SweepOption) ([]Result, error) {
	config := sweepConfig{
		probeTimeout: prober.DefaultTimeout,
		concurrency:  DefaultMaxConcurrentProbes,
	}

	for _, opt := range opts {
		opt(&config)
	}

	// Distinct IDs in order of first appearance, each with its latest address
	indexByID := make(map[string]int, len(targets))
	var addresses []string

	for _, target := range targets {
		if idx, ok := indexByID[target.ID]; ok {
			addresses[idx] = target.Address
			continue
		}

		indexByID[target.ID] = len(addresses)
		addresses = append(addresses, target.Address)
	}

	states := make([]State, len(addresses))

	group, groupCtx := errgroup.WithContext(ctx)
	if config.concurrency > 0 {
		group.SetLimit(config.concurrency)
	}

	for idx, address := range addresses {
		idx, address := idx, address

		group.Go(func() (err error) {
			defer func() {
				if recovered := recover(); recovered != nil {
					err = fmt.Errorf("%w: probing %q: %v", ErrSweepFailed, address, recovered)
				}
			}()

			probeCtx, cancel := context.WithTimeout(groupCtx, config.probeTimeout)
			defer cancel()

			if hostProber.Probe(probeCtx, address) {
				states[idx] = Online
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]Result, len(targets))

	for i, target := range targets {
		results[i] = Result{
			ID:    target.ID,
			State: states[indexByID[target.ID]],
		}
	}

	return results, nil
}
