package calibration

import (
	"math"
	"time"

	"github.com/panlab/ptcal/pkg/protocol"
)

// AxisType selects the axis a run targets.
type AxisType = protocol.Axis

// Kind identifies a calibration routine.
type Kind string

const (
	KindPanSweep   Kind = "PanSweep"
	KindTiltSweep  Kind = "TiltSweep"
	KindQuickCheck Kind = "QuickCheck"
)

// Phase is the lifecycle state of the runner.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseRunning   Phase = "Running"
	PhaseCompleted Phase = "Completed"
	PhaseCanceled  Phase = "Canceled"
	PhaseError     Phase = "Error"
)

// Action defines user actions on a run.
type Action string

const (
	ActionStart           Action = "Start"
	ActionCancel          Action = "Cancel"
	ActionSchedule        Action = "Schedule"
	ActionScheduleDisable Action = "ScheduleDisable"
)

// SpeedReport is the outcome of one speed in a sweep.
type SpeedReport struct {
	Speed    float64 `json:"speed"`
	Distance float64 `json:"distance"` // degrees traveled
	Elapsed  float64 `json:"elapsed"`  // milliseconds
}

// PositionCompare is the outcome of one quick-check round.
type PositionCompare struct {
	DegreePerSecond float64 `json:"degreePerSecond"`
	MoveTime        int     `json:"moveTime"` // milliseconds
	ActualPosition  float64 `json:"actualPosition"`
	TargetPosition  float64 `json:"targetPosition"`
}

// DifferencePerSecond is the position error normalized per second of move time.
func (p PositionCompare) DifferencePerSecond() float64 {
	if p.MoveTime <= 0 {
		return 0
	}
	return math.Abs(p.ActualPosition-p.TargetPosition) / (float64(p.MoveTime) / 1000)
}

// TolerancePercent is how far, relative to the commanded speed, a round may
// be off before it is flagged.
const TolerancePercent = 5

// OutOfTolerance reports whether the error exceeds TolerancePercent of the
// commanded speed.
func (p PositionCompare) OutOfTolerance() bool {
	return p.DifferencePerSecond() > p.DegreePerSecond/100*TolerancePercent
}

// Status is the view of the runner exposed via HTTP and the CLI.
type Status struct {
	Kind       Kind      `json:"kind,omitempty"`
	Phase      Phase     `json:"phase"`
	Axis       string    `json:"axis,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Records    int       `json:"records"`
	Failures   int       `json:"failures"`
	Message    string    `json:"message,omitempty"`
	CanCancel  bool      `json:"canCancel"`

	// Schedule and ScheduledAt describe the cron-triggered quick check. They
	// are filled in by the daemon.
	Schedule    string    `json:"schedule,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Results is the record sequence of the current or last run.
type Results struct {
	Kind             Kind                  `json:"kind,omitempty"`
	SpeedReports     []SpeedReport         `json:"speedReports,omitempty"`
	PositionCompares []PositionCompareView `json:"positionCompares,omitempty"`
}

// PositionCompareView adds the derived fields to a PositionCompare.
type PositionCompareView struct {
	PositionCompare
	DifferencePerSecond float64 `json:"differencePerSecond"`
	OutOfTolerance      bool    `json:"outOfTolerance"`
}

// NewPositionCompareViews derives the view of each record.
func NewPositionCompareViews(items []PositionCompare) []PositionCompareView {
	views := make([]PositionCompareView, 0, len(items))
	for _, p := range items {
		views = append(views, PositionCompareView{
			PositionCompare:     p,
			DifferencePerSecond: p.DifferencePerSecond(),
			OutOfTolerance:      p.OutOfTolerance(),
		})
	}
	return views
}

// ScheduleRequest sets the cron expression of scheduled quick checks. An
// empty Cron disables them. QuickCheck replaces the stored parameters when
// set.
type ScheduleRequest struct {
	Cron       string            `json:"cron"`
	QuickCheck *QuickCheckParams `json:"quickCheck,omitempty"`
}

// ScheduleResponse lists the next runs of a schedule.
type ScheduleResponse struct {
	Cron     string      `json:"cron"`
	NextRuns []time.Time `json:"nextRuns,omitempty"`
}
