package monitor

import (
	"context"
	"errors"
	"github.com/adminpanel/relay/internal/prober"
	"go.uber.org/zap"
	"sync"
	"time"
)

const (
	DefaultInterval            = 10 * time.Second
	DefaultMaxConcurrentProbes = 256
)

var ErrSweepFailed = errors.New("monitoring sweep failed")

type State int

const (
	Offline State = iota
	Online
)

func (state State) String() string {
	if state == Online {
		return "online"
	}

	return "offline"
}

// Target is an opaque identifier paired with the address that should be probed for it.
type Target struct {
	ID      string
	Address string
}

type Result struct {
	ID    string
	State State
}

// Reporter receives the output of a monitoring job. Both methods are called from the
// job's own goroutine and should return promptly once ctx is done.
type Reporter interface {
	StatusUpdates(ctx context.Context, results []Result)
	MonitoringError(ctx context.Context, err error)
}

type Scheduler struct {
	logger              *zap.Logger
	prober              prober.Prober
	reporter            Reporter
	interval            time.Duration
	probeTimeout        time.Duration
	maxConcurrentProbes int

	jobLock sync.Mutex
	job     *job
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(hostProber prober.Prober, reporter Reporter, opts ...Option) *Scheduler {
	scheduler := &Scheduler{
		prober:   hostProber,
		reporter: reporter,
	}

	for _, opt := range opts {
		opt(scheduler)
	}

	if scheduler.logger == nil {
		scheduler.logger = zap.NewNop()
	}
	if scheduler.interval <= 0 {
		scheduler.interval = DefaultInterval
	}
	if scheduler.probeTimeout <= 0 {
		scheduler.probeTimeout = prober.DefaultTimeout
	}
	if scheduler.maxConcurrentProbes <= 0 {
		scheduler.maxConcurrentProbes = DefaultMaxConcurrentProbes
	}

	return scheduler
}

// Start replaces the running job (if any) with a new one watching targets.
// The first sweep begins immediately.
func (scheduler *Scheduler) Start(targets []Target) {
	scheduler.jobLock.Lock()
	defer scheduler.jobLock.Unlock()

	scheduler.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	newJob := &job{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// The job owns its copy so the caller is free to reuse the slice
	ownTargets := make([]Target, len(targets))
	copy(ownTargets, targets)

	go scheduler.run(ctx, newJob, ownTargets)

	scheduler.job = newJob
}

// Stop cancels the running job and waits for it to exit, so no results
// are reported once it returns. Stopping an idle scheduler is a no-op.
func (scheduler *Scheduler) Stop() {
	scheduler.jobLock.Lock()
	defer scheduler.jobLock.Unlock()

	scheduler.stopLocked()
}

func (scheduler *Scheduler) Running() bool {
	scheduler.jobLock.Lock()
	defer scheduler.jobLock.Unlock()

	if scheduler.job == nil {
		return false
	}

	select {
	case <-scheduler.job.done:
		return false
	default:
		return true
	}
}

func (scheduler *Scheduler) stopLocked() {
	if scheduler.job == nil {
		return
	}

	scheduler.job.cancel()
	<-scheduler.job.done

	scheduler.job = nil
}

func (scheduler *Scheduler) run(ctx context.Context, job *job, targets []Target) {
	defer close(job.done)
	defer job.cancel()

	logger := scheduler.logger.With(zap.Int("targets", len(targets)))
	logger.Debug("monitoring job started")

	for {
		results, err := scheduler.sweep(ctx, targets)
		if ctx.Err() != nil {
			logger.Debug("monitoring job stopped")
			return
		}
		if err != nil {
			logger.Warn("monitoring job failed", zap.Error(err))
			scheduler.reporter.MonitoringError(ctx, err)
			return
		}

		scheduler.reporter.StatusUpdates(ctx, results)

		// The period is the idle gap since the last emission
		timer := time.NewTimer(scheduler.interval)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("monitoring job stopped")
			return
		}
	}
}

func (scheduler *Scheduler) sweep(ctx context.Context, targets []Target) ([]Result, error) {
	return Sweep(ctx, scheduler.prober, targets,
		WithSweepProbeTimeout(scheduler.probeTimeout),
		WithSweepConcurrency(scheduler.maxConcurrentProbes),
	)
}
