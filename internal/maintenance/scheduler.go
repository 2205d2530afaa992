// Package maintenance runs the engine's background upkeep jobs — periodic
// checkpointing, secondary-index rebuilds, and MVCC version-chain pruning —
// on a cron schedule.
//
// What: a Scheduler wrapping a single *cron.Cron that drives
// engine.Engine.Checkpoint, engine.Engine.RebuildIndexes, and
// engine.Engine.PruneVersions at configurable intervals, each bounded by a
// timeout and tracked so an overrunning run is skipped rather than stacked.
// How: grounded directly on tinySQL's internal/storage/scheduler.go: the
// same robfig/cron/v3 scheduler, the same no-overlap tracking via a
// running-jobs map guarded by a mutex, and the same context.WithTimeout
// bound per job execution. tinySQL schedules arbitrary user-defined SQL
// jobs with cron expressions or fixed intervals; this package has exactly
// three fixed jobs, each expressed as "@every <interval>" rather than a
// general cron expression, since none of them are user-configurable on a
// calendar schedule (§4.7/§4.4/§4.5's maintenance concerns, not the user's).
// Why: checkpointing, index rebuilds, and version pruning must happen
// without blocking request-serving goroutines, and must never let a slow
// run pile up behind the next tick.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/internal/driftlog"
	"github.com/driftdb/driftdb/internal/engine"
)

// Scheduler owns the cron runtime driving the engine's background jobs.
type Scheduler struct {
	eng  *engine.Engine
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New builds a Scheduler for eng. Call Start to register and begin running
// jobs, and Stop to drain in-flight runs before shutdown.
func New(eng *engine.Engine) *Scheduler {
	return &Scheduler{
		eng:     eng,
		cron:    cron.New(cron.WithSeconds()),
		log:     driftlog.For("maintenance"),
		running: map[string]bool{},
	}
}

// Start registers the checkpoint, index-rebuild, and version-pruning jobs
// at the intervals named in cfg and begins the cron runtime. An interval of
// zero disables that job entirely.
func (s *Scheduler) Start(cfg engine.Config) error {
	if cfg.CheckpointInterval > 0 {
		if err := s.register("checkpoint", cfg.CheckpointInterval, func(context.Context) error {
			return s.eng.Checkpoint()
		}); err != nil {
			return err
		}
	}
	if cfg.IndexRebuildInterval > 0 {
		if err := s.register("index-rebuild", cfg.IndexRebuildInterval, func(context.Context) error {
			return s.eng.RebuildIndexes()
		}); err != nil {
			return err
		}
	}
	if cfg.PruneInterval > 0 {
		if err := s.register("version-prune", cfg.PruneInterval, func(context.Context) error {
			pruned := s.eng.PruneVersions()
			s.log.Debug().Int("pruned", pruned).Msg("pruned version chains")
			return nil
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop asks the cron runtime to stop scheduling new runs and blocks until
// any job already in flight returns.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) register(name string, interval time.Duration, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.wrap(name, interval, fn))
	return err
}

// wrap bounds fn by a per-run timeout equal to its own interval and skips
// starting a new run while the previous one for the same name is still
// executing, mirroring tinySQL's executeJob no-overlap guard.
func (s *Scheduler) wrap(name string, timeout time.Duration, fn func(context.Context) error) func() {
	return func() {
		s.mu.Lock()
		if s.running[name] {
			s.mu.Unlock()
			s.log.Warn().Str("job", name).Msg("previous run still in flight, skipping")
			return
		}
		s.running[name] = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.running, name)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("maintenance job failed")
			return
		}
		s.log.Debug().Str("job", name).Dur("elapsed", time.Since(start)).Msg("maintenance job completed")
	}
}
