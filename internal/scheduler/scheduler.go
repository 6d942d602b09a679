// Package scheduler runs the periodic sync pass and housekeeping tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/premiumsync/internal/model"
)

// Syncer runs a sync pass.
type Syncer interface {
	Sync(ctx context.Context, trigger model.SyncTrigger) (model.SyncRun, error)
}

type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Scheduler fires sync passes on a fixed interval. Nothing runs until
// waitReady returns, and a pass that is still running when the next one is
// due causes that one to be skipped.
type Scheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	syncer    Syncer
	waitReady func(context.Context) error
	cfg       Config
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *slog.Logger
}

func New(syncer Syncer, waitReady func(context.Context) error, cfg Config, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		syncer:    syncer,
		waitReady: waitReady,
		cfg:       cfg,
		logger:    logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// AddTask registers fn on a cron spec such as "@hourly". Call it before Start.
func (s *Scheduler) AddTask(spec, name string, fn func(context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Debug("running task", "task", name)
		fn(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start waits for readiness in the background, optionally runs one pass,
// then starts the interval schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Interval < time.Second {
		return errors.New("scheduler: sync interval must be at least one second")
	}
	if _, err := s.cron.AddFunc("@every "+s.cfg.Interval.String(), s.runScheduled); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}

	s.mu.Lock()
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	// Tie the job context to the caller as well as to Stop.
	stop := context.AfterFunc(ctx, s.cancel)

	go func() {
		defer close(done)
		defer stop()

		if err := s.waitReady(s.ctx); err != nil {
			s.logger.Info("scheduler stopped before the bot was ready")
			return
		}
		if s.cfg.RunOnStart {
			s.runScheduled()
		}
		if s.ctx.Err() != nil {
			return
		}
		s.cron.Start()
		s.logger.Info("sync scheduler started", "interval", s.cfg.Interval)
		<-s.ctx.Done()
	}()
	return nil
}

// Stop cancels pending work and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.cancel()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runScheduled() {
	if s.ctx.Err() != nil {
		return
	}
	// Errors are logged and reported by the engine; the next tick retries.
	_, _ = s.syncer.Sync(s.ctx, model.SyncTriggerScheduled)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
