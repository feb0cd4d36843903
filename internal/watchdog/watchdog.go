// Package watchdog recovers runs and pipelines abandoned by crashed or wedged
// workers. Sweeps run on a timer and only ever transition records through
// conditional status updates, so a legitimate completion racing a sweep always
// wins.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/events"
	"strategy-validation-lab/internal/observability"
	"strategy-validation-lab/internal/queue"
	"strategy-validation-lab/internal/storage"
)

// Default sweep cadence and thresholds.
const (
	DefaultInterval       = 15 * time.Minute
	DefaultStaleThreshold = 6 * time.Hour
	DefaultBootGrace      = 5 * time.Minute

	// A PENDING run missing its queued job is reaped once it is older than
	// the orphan grace, covering the insert-then-enqueue window.
	DefaultOrphanGrace = 15 * time.Minute
)

// Sweep names used in logs and metrics labels.
const (
	sweepStaleRuns         = "stale_runs"
	sweepOrphanedPending   = "orphaned_pending"
	sweepOrphanedPipelines = "orphaned_pipelines"
)

// Options configures a Watchdog. Zero durations take the defaults.
type Options struct {
	Runs      storage.OptimizationRunStore
	Pipelines storage.PipelineStore
	Queue     queue.Queue
	Bus       events.Bus

	Interval       time.Duration
	StaleThreshold time.Duration
	BootGrace      time.Duration
	OrphanGrace    time.Duration

	Logger zerolog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Watchdog runs the periodic recovery sweeps.
type Watchdog struct {
	runs      storage.OptimizationRunStore
	pipelines storage.PipelineStore
	queue     queue.Queue
	bus       events.Bus

	interval       time.Duration
	staleThreshold time.Duration
	bootGrace      time.Duration
	orphanGrace    time.Duration

	now func() time.Time
	log zerolog.Logger
}

// New creates a Watchdog from Options.
func New(opts Options) (*Watchdog, error) {
	if opts.Runs == nil {
		return nil, errors.New("watchdog: run store is required")
	}
	if opts.Pipelines == nil {
		return nil, errors.New("watchdog: pipeline store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("watchdog: queue is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("watchdog: event bus is required")
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleThreshold == 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.BootGrace == 0 {
		opts.BootGrace = DefaultBootGrace
	}
	if opts.OrphanGrace == 0 {
		opts.OrphanGrace = DefaultOrphanGrace
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Watchdog{
		runs:           opts.Runs,
		pipelines:      opts.Pipelines,
		queue:          opts.Queue,
		bus:            opts.Bus,
		interval:       opts.Interval,
		staleThreshold: opts.StaleThreshold,
		bootGrace:      opts.BootGrace,
		orphanGrace:    opts.OrphanGrace,
		now:            opts.Now,
		log:            opts.Logger.With().Str("component", "watchdog").Logger(),
	}, nil
}

// Run sweeps on the configured interval until the context is cancelled. The
// first sweep waits out the boot grace so restarts do not flag workers that
// are still resuming.
func (w *Watchdog) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.bootGrace):
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().
		Dur("interval", w.interval).
		Dur("stale_threshold", w.staleThreshold).
		Msg("watchdog started")

	for {
		w.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs every recovery pass once. Errors on individual records are
// logged and counted; they never abort the rest of the sweep.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.sweepStaleRuns(ctx)
	w.sweepOrphanedPending(ctx)
	w.sweepOrphanedPipelines(ctx)

	observability.DefaultMetrics.WatchdogSweeps.Inc()
	observability.DefaultMetrics.WatchdogLastSweepAt.Set(float64(w.now().Unix()))
}

// sweepStaleRuns fails RUNNING runs whose heartbeat is older than the
// staleness threshold.
func (w *Watchdog) sweepStaleRuns(ctx context.Context) {
	runs, err := w.runs.ListByStatus(ctx, domain.RunStatusRunning)
	if err != nil {
		w.sweepError(sweepStaleRuns, err)
		return
	}

	now := w.now()
	for _, run := range runs {
		age := run.HeartbeatAge(now)
		if age <= w.staleThreshold {
			continue
		}
		w.failRun(ctx, sweepStaleRuns, run,
			fmt.Sprintf("stale run: no heartbeat for %s (%s)", age.Round(time.Second), progressOf(run)))
	}
}

// sweepOrphanedPending fails PENDING runs whose queued job vanished, and
// PENDING runs stuck longer than the staleness threshold even with a job
// still queued.
func (w *Watchdog) sweepOrphanedPending(ctx context.Context) {
	runs, err := w.runs.ListByStatus(ctx, domain.RunStatusPending)
	if err != nil {
		w.sweepError(sweepOrphanedPending, err)
		return
	}

	now := w.now()
	for _, run := range runs {
		age := now.Sub(run.CreatedAt)
		queued, err := w.queue.Contains(ctx, run.ID)
		if err != nil {
			w.sweepError(sweepOrphanedPending, fmt.Errorf("check job for run %s: %w", run.ID, err))
			continue
		}

		switch {
		case !queued && age > w.orphanGrace:
			w.failRun(ctx, sweepOrphanedPending, run,
				fmt.Sprintf("orphaned pending run: queued job missing after %s", age.Round(time.Second)))
		case queued && age > w.staleThreshold:
			w.failRun(ctx, sweepOrphanedPending, run,
				fmt.Sprintf("stuck pending run: queued for %s without pickup", age.Round(time.Second)))
		}
	}
}

// sweepOrphanedPipelines fails RUNNING pipelines stuck in OPTIMIZE with no
// optimization run ever recorded.
func (w *Watchdog) sweepOrphanedPipelines(ctx context.Context) {
	pipelines, err := w.pipelines.ListByStatus(ctx, domain.PipelineStatusRunning)
	if err != nil {
		w.sweepError(sweepOrphanedPipelines, err)
		return
	}

	now := w.now()
	for _, p := range pipelines {
		if p.CurrentStage != domain.StageOptimize || p.ActiveStageRef != "" {
			continue
		}
		age := now.Sub(p.CreatedAt)
		if age <= w.staleThreshold {
			continue
		}

		reason := fmt.Sprintf("orphaned pipeline: no optimization run recorded after %s", age.Round(time.Second))
		won, err := w.pipelines.UpdateStatusIf(ctx, p.ID,
			[]domain.PipelineStatus{domain.PipelineStatusRunning}, domain.PipelineStatusFailed, reason)
		if err != nil {
			w.sweepError(sweepOrphanedPipelines, fmt.Errorf("fail pipeline %s: %w", p.ID, err))
			continue
		}
		if !won {
			continue
		}

		observability.RecordWatchdogFailure(sweepOrphanedPipelines)
		observability.RecordPipelineFinished(string(domain.PipelineStatusFailed))
		w.log.Warn().Str("pipeline_id", p.ID).Str("reason", reason).Msg("pipeline failed by watchdog")
	}
}

// failRun conditionally fails a run and emits the failure event only when
// this sweep won the transition.
func (w *Watchdog) failRun(ctx context.Context, sweep string, run *domain.OptimizationRun, reason string) {
	won, err := w.runs.UpdateStatusIf(ctx, run.ID,
		[]domain.RunStatus{domain.RunStatusRunning, domain.RunStatusPending},
		domain.RunStatusFailed, reason)
	if err != nil {
		w.sweepError(sweep, fmt.Errorf("fail run %s: %w", run.ID, err))
		return
	}
	if !won {
		// The run reached a terminal state between the query and the update.
		return
	}

	observability.RecordWatchdogFailure(sweep)
	observability.RecordRunFinished(string(domain.RunStatusFailed))

	event := domain.OptimizationFailedEvent{
		RunID:      run.ID,
		PipelineID: run.PipelineID,
		Reason:     reason,
	}
	if err := w.bus.Publish(ctx, domain.TopicOptimizationFailed, event); err != nil {
		w.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to publish failure event")
	}

	w.log.Warn().
		Str("run_id", run.ID).
		Str("sweep", sweep).
		Str("reason", reason).
		Msg("run failed by watchdog")
}

func (w *Watchdog) sweepError(sweep string, err error) {
	observability.DefaultMetrics.WatchdogSweepErrors.Inc()
	w.log.Error().Err(err).Str("sweep", sweep).Msg("sweep error")
}

// progressOf renders how far a run got for failure reasons.
func progressOf(run *domain.OptimizationRun) string {
	if run.CombinationsTested == 0 {
		return "no progress"
	}
	return fmt.Sprintf("%d/%d combinations", run.CombinationsTested, run.TotalCombinations)
}
