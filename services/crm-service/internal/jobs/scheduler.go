// Package jobs fires the dispatcher and ledger sweeps on cron schedules. Each run holds a named
// lock so replicas never run the same sweep concurrently.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	otelx "github.com/KAMASDM/cryocrm/libs/otel"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
)

var ErrUnknownJob = errors.New("unknown job")

// Locker is satisfied by redisx.Locker.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Job is one named sweep. Run returns slog attributes summarizing what it did.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) ([]any, error)
}

type Config struct {
	Location *time.Location
	LockTTL  time.Duration
	// Timeout bounds a single run. Zero means LockTTL.
	Timeout time.Duration
}

type Scheduler struct {
	logger *slog.Logger
	locker Locker
	cfg    Config

	mu   sync.Mutex
	jobs map[string]Job
	// order keeps registration order for Run.
	order []string
}

func NewScheduler(logger *slog.Logger, locker Locker, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.LockTTL
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Scheduler{
		logger: logger,
		locker: locker,
		cfg:    cfg,
		jobs:   map[string]Job{},
	}
}

// Register validates the cron spec and adds the job. Registering a name twice replaces it.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	if _, err := cron.ParseStandard(j.Schedule); err != nil {
		return fmt.Errorf("job %s: schedule %q: %w", j.Name, j.Schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; !ok {
		s.order = append(s.order, j.Name)
	}
	s.jobs[j.Name] = j
	return nil
}

// RunOnce runs the named job now if its lock is free. A held lock is not an error.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	release, ok, err := s.locker.TryLock(ctx, "crm.job."+name, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("lock job %s: %w", name, err)
	}
	if !ok {
		s.logger.Debug("job skipped, lock held", "job", name)
		return nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("job lock release failed", "job", name, "err", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	runCtx, span := otelx.StartSpan(runCtx, "crm-jobs", "crm.job."+name, attribute.String("job.name", name))

	start := time.Now()
	attrs, err := j.Run(runCtx)
	otelx.EndSpan(span, err)

	attrs = append([]any{"job", name, "duration_ms", time.Since(start).Milliseconds()}, attrs...)
	if err != nil {
		s.logger.Error("job failed", append(attrs, "err", err)...)
		return err
	}
	s.logger.Info("job finished", attrs...)
	return nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)

	s.mu.Lock()
	for _, name := range s.order {
		j := s.jobs[name]
		if _, err := c.AddFunc(j.Schedule, func() { _ = s.RunOnce(ctx, j.Name) }); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("schedule job %s: %w", j.Name, err)
		}
		s.logger.Info("job scheduled", "job", j.Name, "schedule", j.Schedule)
	}
	s.mu.Unlock()

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

// LocalLocker is an in-process Locker for single-replica deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]time.Time{}, now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.held[name]; ok && until.After(now) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	l.held[name] = until
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[name].Equal(until) {
			delete(l.held, name)
		}
		return nil
	}, true, nil
}
