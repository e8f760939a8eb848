package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work a scheduled job performs.
type JobFunc func(ctx context.Context) error

type job struct {
	id       cron.EntryID
	schedule string
	fn       JobFunc
}

// Scheduler runs named maintenance jobs (keep-alive pings, knowledge
// re-ingestion) on cron schedules. A job that is still running when its
// next tick arrives skips that tick.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]job
	ctx    context.Context
	logger *slog.Logger
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:   make(map[string]job),
		ctx:    context.Background(),
		logger: logger,
	}
}

// Start begins the cron scheduler. Blocks until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.JobCount())

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// AddJob registers fn under name. The schedule is a standard 5-field cron
// expression or a descriptor such as "@every 10m". Re-adding a name
// replaces the earlier job.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() {
		if err := s.Run(s.context(), name); err != nil {
			s.logger.Warn("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.id)
	}
	s.jobs[name] = job{id: id, schedule: schedule, fn: fn}
	s.logger.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// Run executes the named job immediately.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	s.logger.Debug("job running", "job", name)
	return j.fn(ctx)
}

// RemoveJob unregisters a job. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		s.cron.Remove(j.id)
		delete(s.jobs, name)
	}
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// JobCount returns the total number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Ping returns a job that GETs url and fails on a non-2xx status. It keeps
// the hosting instance warm.
func Ping(client *http.Client, url string, logger *slog.Logger) JobFunc {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("scheduler: ping: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("scheduler: ping %s: %w", url, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("scheduler: ping %s: HTTP %d", url, resp.StatusCode)
		}
		logger.Debug("keep-alive ok", "url", url)
		return nil
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
