package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs Task on a cron schedule. PreCheck, when set, is consulted
// before every run; a failing PreCheck skips that run.
type Scheduler struct {
	OnError  NotifyFunc // called on precheck or task error
	Task     TaskFunc   // task callback
	PreCheck TaskFunc   // condition check callback

	parser cron.Parser
	cron   *cron.Cron

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	entry    cron.EntryID
	skipNext bool
	running  bool
}

func NewScheduler(task, preCheck TaskFunc, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		OnError:  onError,
		Task:     task,
		PreCheck: preCheck,
		parser:   parser,
		cron:     cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{})),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	logrus.Debug("scheduler started")
}

// Stop stops the scheduler. A task already running is not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	logrus.Debug("scheduler stopped")
}

// Schedule replaces the schedule. An empty expression disables it.
func (s *Scheduler) Schedule(cronExpr string) error {
	var sh cron.Schedule
	if cronExpr != "" {
		var err error
		sh, err = s.parser.Parse(cronExpr)
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if sh.Next(time.Now()).IsZero() {
			return fmt.Errorf("invalid cron expression: %q never fires", cronExpr)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.expr = cronExpr
	s.schedule = sh
	s.skipNext = false
	if sh != nil {
		s.entry = s.cron.Schedule(sh, cron.FuncJob(s.run))
	}
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return fmt.Errorf("no active schedule to skip")
	}
	s.skipNext = true
	return nil
}

// Status returns the cron expression and the time of the next run that
// will actually execute. next is zero when nothing is scheduled.
func (s *Scheduler) Status() (expr string, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == nil {
		return s.expr, time.Time{}
	}
	next = s.schedule.Next(time.Now())
	if s.skipNext {
		next = s.schedule.Next(next)
	}
	return s.expr, next
}

// NextRuns returns the next n run times of the current schedule.
func (s *Scheduler) NextRuns(n int) []time.Time {
	_, next := s.Status()
	if next.IsZero() {
		return nil
	}

	s.mu.Lock()
	sh := s.schedule
	s.mu.Unlock()

	runs := []time.Time{next}
	for len(runs) < n {
		next = sh.Next(next)
		if next.IsZero() {
			break
		}
		runs = append(runs, next)
	}
	return runs
}

func (s *Scheduler) run() {
	s.mu.Lock()
	skip := s.skipNext
	s.skipNext = false
	s.mu.Unlock()

	if skip {
		logrus.Info("skipping scheduled task as requested")
		return
	}

	if s.PreCheck != nil {
		if err := s.PreCheck(); err != nil {
			logrus.WithError(err).Warn("precheck failed, skipping scheduled task")
			s.sendError(fmt.Errorf("precheck failed: %w", err))
			return
		}
	}

	logrus.Info("running scheduled task")
	if err := s.Task(); err != nil {
		s.sendError(fmt.Errorf("task failed: %w", err))
	}
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}

	go s.OnError(err)
}

// cronLogger routes cron's internal logs to logrus.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(kvFields(keysAndValues)).Trace("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logrus.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
