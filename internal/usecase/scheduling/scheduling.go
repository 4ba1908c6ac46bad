// Package scheduling runs the control plane's recurring maintenance jobs
// (coordinator refresh, discovery, health sweeps) on cron or interval
// schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"switchboard/internal/infra/config"
)

// taskTimeout bounds a single run of any task.
const taskTimeout = 2 * time.Minute

// Action is the work a task performs.
type Action func(ctx context.Context) error

// TaskStatus is a read-only view of one scheduled task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Action    string    `json:"action"`
	Next      time.Time `json:"next,omitzero"`
	LastRun   time.Time `json:"lastRun,omitzero"`
	LastError string    `json:"lastError,omitempty"`
	Runs      int       `json:"runs"`
}

type task struct {
	cfg     config.ScheduledTaskConfig
	fn      Action
	entryID cron.EntryID
	lastRun time.Time
	lastErr error
	runs    int
}

// Scheduler runs named tasks. A task whose previous run is still in flight
// skips its next tick instead of overlapping.
type Scheduler struct {
	cron    *cron.Cron
	actions map[string]Action
	tasks   map[string]*task
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		actions: make(map[string]Action),
		tasks:   make(map[string]*task),
		logger:  logger,
	}
}

// RegisterAction binds an action name (see config.Action*) to its work.
func (s *Scheduler) RegisterAction(name string, fn Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = fn
}

// AddTask schedules a configured task. The schedule is a cron expression or
// a positive duration.
func (s *Scheduler) AddTask(cfg config.ScheduledTaskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[cfg.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", cfg.Name)
	}
	fn, ok := s.actions[cfg.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", cfg.Action, cfg.Name)
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", cfg.Schedule, cfg.Name, err)
	}

	t := &task{cfg: cfg, fn: fn}
	t.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.runScheduled(t) }))
	s.tasks[cfg.Name] = t

	s.logger.Info("task added to scheduler", "name", cfg.Name, "schedule", cfg.Schedule, "action", cfg.Action)
	return nil
}

// AddTasks schedules every task, stopping at the first error.
func (s *Scheduler) AddTasks(tasks []config.ScheduledTaskConfig) error {
	for _, t := range tasks {
		if err := s.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runScheduled(t *task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", t.cfg.Name)
		return
	}
	s.execute(ctx, t)
}

// execute runs t once under taskTimeout and records the outcome.
func (s *Scheduler) execute(ctx context.Context, t *task) error {
	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	start := time.Now()
	err := t.fn(taskCtx)

	s.mu.Lock()
	t.lastRun = start
	t.lastErr = err
	t.runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled task failed", "task", t.cfg.Name, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("scheduled task completed", "task", t.cfg.Name, "duration", time.Since(start))
	}
	return err
}

// Trigger runs a task immediately on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	return s.execute(ctx, t)
}

// Tasks returns the status of every task ordered by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := TaskStatus{
			Name:     t.cfg.Name,
			Schedule: t.cfg.Schedule,
			Action:   t.cfg.Action,
			LastRun:  t.lastRun,
			Runs:     t.runs,
		}
		if t.lastErr != nil {
			st.LastError = t.lastErr.Error()
		}
		if s.started {
			st.Next = s.cron.Entry(t.entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule parses a cron expression (five fields or a descriptor such as
// "@hourly") and falls back to a positive duration such as "30s".
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// cronLogger adapts slog to cron.Logger for the job wrappers.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
