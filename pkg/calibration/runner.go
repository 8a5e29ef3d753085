package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/events"
)

var (
	ErrRunInProgress = errors.New("calibration already in progress")
	ErrRunNotRunning = errors.New("calibration not running")
)

// Publisher receives runner events. *events.EventHub implements it.
type Publisher interface {
	Publish(name string, payload any)
}

// Job is the body of a run. It appends to the records of run and reports
// skipped speeds or rounds through run.ReportFailure.
type Job func(ctx context.Context, run *Run) error

// Run is the per-run handle passed to a Job.
type Run struct {
	Kind             Kind
	SpeedReports     *Records[SpeedReport]
	PositionCompares *Records[PositionCompare]

	runner *Runner
}

// ReportFailure records a failed speed or round.
func (r *Run) ReportFailure(subject string, err error) {
	r.runner.mu.Lock()
	r.runner.status.Failures++
	r.runner.mu.Unlock()

	r.runner.publish(events.CalibrationFailure, events.CalibrationFailureEvent{
		Kind:    string(r.Kind),
		Subject: subject,
		Error:   err.Error(),
		Ts:      r.runner.now().Unix(),
	})
}

// Runner executes one calibration run at a time on its own goroutine.
type Runner struct {
	pub Publisher
	now func() time.Time

	speedReports     *Records[SpeedReport]
	positionCompares *Records[PositionCompare]

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner returns an idle runner publishing to pub, which may be nil.
func NewRunner(pub Publisher) *Runner {
	r := &Runner{
		pub:              pub,
		now:              time.Now,
		speedReports:     NewRecords[SpeedReport](),
		positionCompares: NewRecords[PositionCompare](),
		status:           Status{Phase: PhaseIdle},
	}
	r.speedReports.OnAppend(func(item SpeedReport) { r.publishRecord(item) })
	r.positionCompares.OnAppend(func(item PositionCompare) { r.publishRecord(item) })
	return r
}

// Start clears the records of the previous run and runs job in the
// background. It fails with ErrRunInProgress while another run is active.
func (r *Runner) Start(kind Kind, axis AxisType, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Phase == PhaseRunning {
		return ErrRunInProgress
	}

	r.speedReports.Reset()
	r.positionCompares.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	from := r.status.Phase
	r.status = Status{
		Kind:      kind,
		Phase:     PhaseRunning,
		Axis:      axis.String(),
		StartedAt: r.now(),
		CanCancel: true,
	}
	r.publishPhase(kind, from, PhaseRunning, "")

	run := &Run{
		Kind:             kind,
		SpeedReports:     r.speedReports,
		PositionCompares: r.positionCompares,
		runner:           r,
	}
	go r.execute(ctx, run, job, r.done)

	return nil
}

func (r *Runner) execute(ctx context.Context, run *Run, job Job, done chan struct{}) {
	defer close(done)

	log := logrus.WithFields(logrus.Fields{
		"kind":      run.Kind,
		"operation": "calibration",
	})
	log.Info("calibration started")

	err := job(ctx, run)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()

	phase := PhaseCompleted
	message := ""
	switch {
	case err == nil:
		log.WithField("failures", r.status.Failures).Info("calibration completed")
	case errors.Is(err, context.Canceled):
		phase = PhaseCanceled
		message = "canceled by user"
		log.Info("calibration canceled")
	default:
		phase = PhaseError
		message = err.Error()
		log.WithError(err).Error("calibration failed")
	}

	r.status.Phase = phase
	r.status.Message = message
	r.status.FinishedAt = r.now()
	r.status.CanCancel = false
	r.publishPhase(run.Kind, PhaseRunning, phase, message)
}

// Cancel stops the active run. Records appended so far are kept. It fails
// with ErrRunNotRunning when no run is active.
func (r *Runner) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Phase != PhaseRunning {
		return ErrRunNotRunning
	}
	r.status.Message = "cancel requested"
	r.status.CanCancel = false
	r.cancel()
	return nil
}

// Wait blocks until the active run, if any, has finished.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Status returns the state of the active or last run.
func (r *Runner) Status() Status {
	r.mu.Lock()
	st := r.status
	r.mu.Unlock()

	st.Records = r.recordCount(st.Kind)
	return st
}

// Results returns the records of the active or last run.
func (r *Runner) Results() Results {
	r.mu.Lock()
	kind := r.status.Kind
	r.mu.Unlock()

	res := Results{Kind: kind}
	switch kind {
	case KindPanSweep, KindTiltSweep:
		res.SpeedReports = r.speedReports.Snapshot()
	case KindQuickCheck:
		res.PositionCompares = NewPositionCompareViews(r.positionCompares.Snapshot())
	}
	return res
}

func (r *Runner) recordCount(kind Kind) int {
	switch kind {
	case KindPanSweep, KindTiltSweep:
		return r.speedReports.Len()
	case KindQuickCheck:
		return r.positionCompares.Len()
	}
	return 0
}

func (r *Runner) publishPhase(kind Kind, from, to Phase, message string) {
	r.publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		Kind:    string(kind),
		From:    string(from),
		To:      string(to),
		Message: message,
		Ts:      r.now().Unix(),
	})
}

func (r *Runner) publishRecord(item any) {
	if r.pub == nil {
		return
	}
	b, err := json.Marshal(item)
	if err != nil {
		logrus.WithError(err).Error("failed to marshal calibration record")
		return
	}

	r.mu.Lock()
	kind := r.status.Kind
	r.mu.Unlock()

	r.pub.Publish(events.CalibrationRecord, events.CalibrationRecordEvent{
		Kind:   string(kind),
		Index:  r.recordCount(kind) - 1,
		Record: b,
		Ts:     r.now().Unix(),
	})
}

func (r *Runner) publish(name string, payload any) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(name, payload)
}
