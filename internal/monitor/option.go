package monitor

import (
	"go.uber.org/zap"
	"time"
)

type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		scheduler.logger = logger
	}
}

// WithInterval sets the idle gap between the end of one sweep and the start of the next.
func WithInterval(interval time.Duration) Option {
	return func(scheduler *Scheduler) {
		scheduler.interval = interval
	}
}

func WithProbeTimeout(timeout time.Duration) Option {
	return func(scheduler *Scheduler) {
		scheduler.probeTimeout = timeout
	}
}

func WithMaxConcurrentProbes(n int) Option {
	return func(scheduler *Scheduler) {
		scheduler.maxConcurrentProbes = n
	}
}
