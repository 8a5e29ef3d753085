package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/protocol"
)

// ErrDistanceExceeded is returned for a speed whose threshold lies beyond
// the plan's MaxDistance.
var ErrDistanceExceeded = errors.New("travel distance exceeds the axis range")

// Mover is the part of a motion controller a sweep needs.
type Mover interface {
	GoToStartPosition(ctx context.Context, target float64) error
	Start(ctx context.Context, speed, endPosition float64) error
}

// Regime switches the end position and timeout once the sweep reaches
// FromSpeed.
type Regime struct {
	FromSpeed   float64
	Timeout     time.Duration
	EndPosition float64
}

// SweepPlan describes one threshold search.
type SweepPlan struct {
	Axis   AxisType
	Origin float64
	Speeds []float64
	// InitialDistance and Step are in degrees.
	InitialDistance float64
	Step            float64
	Timeout         time.Duration
	Regime          *Regime
	// MaxDistance bounds the search for a single speed. Zero means unbounded.
	MaxDistance float64
}

// SweepOptions carries the hooks of a sweep. All fields are optional.
type SweepOptions struct {
	Now func() time.Time
	// OnFailure is called for every speed that could not be measured.
	OnFailure func(speed float64, err error)
}

// PanReducedRegime is the faster-speed regime of the pan sweep. It is not
// part of PanSweepPlan unless enabled explicitly.
var PanReducedRegime = Regime{
	FromSpeed:   20.0,
	Timeout:     2000 * time.Millisecond,
	EndPosition: 0,
}

// PanSweepPlan returns the pan sweep: speeds 0.1 to 99.9 from -100 degrees.
func PanSweepPlan() SweepPlan {
	speeds := make([]float64, 0, 999)
	for i := 1; i < 1000; i++ {
		speeds = append(speeds, float64(i)/10)
	}
	return SweepPlan{
		Axis:            protocol.AxisPan,
		Origin:          -100,
		Speeds:          speeds,
		InitialDistance: 2,
		Step:            2,
		Timeout:         4000 * time.Millisecond,
		MaxDistance:     270,
	}
}

// TiltSweepPlan returns the tilt sweep: speeds 1 to 254 from -15 degrees,
// with a shorter timeout from speed 200 on.
func TiltSweepPlan() SweepPlan {
	speeds := make([]float64, 0, 254)
	for i := 1; i < 255; i++ {
		speeds = append(speeds, float64(i))
	}
	return SweepPlan{
		Axis:            protocol.AxisTilt,
		Origin:          -15,
		Speeds:          speeds,
		InitialDistance: 2,
		Step:            2,
		Timeout:         2000 * time.Millisecond,
		Regime: &Regime{
			FromSpeed:   200,
			Timeout:     1000 * time.Millisecond,
			EndPosition: 0,
		},
		MaxDistance: 105,
	}
}

// Sweep runs the threshold search of plan. For every speed it finds the
// smallest distance from the origin whose move takes at least the timeout,
// and appends it to records. The distance reached carries over to the next
// speed, whether or not that speed could be measured.
//
// A speed that fails is reported through opts.OnFailure and skipped. Once a
// speed exceeds MaxDistance, the remaining speeds of the same regime fail
// with ErrDistanceExceeded without moving the head. Sweep returns the number
// of failed speeds, and ctx.Err() when canceled.
func Sweep(ctx context.Context, mover Mover, plan SweepPlan, records *Records[SpeedReport], opts SweepOptions) (int, error) {
	if len(plan.Speeds) == 0 {
		return 0, fmt.Errorf("sweep plan has no speeds")
	}
	if plan.Step <= 0 {
		return 0, fmt.Errorf("sweep step must be positive, got %v", plan.Step)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	log := logrus.WithFields(logrus.Fields{
		"axis":   plan.Axis,
		"origin": plan.Origin,
	})

	timeout := plan.Timeout
	startDistance := plan.InitialDistance
	distance := startDistance
	inRegime := false
	exceeded := false
	failures := 0

	fail := func(speed float64, err error) {
		failures++
		log.WithError(err).WithField("speed", speed).Warn("failed to measure speed, skipping")
		if opts.OnFailure != nil {
			opts.OnFailure(speed, err)
		}
	}

	for _, speed := range plan.Speeds {
		if plan.Regime != nil && !inRegime && speed >= plan.Regime.FromSpeed {
			inRegime = true
			timeout = plan.Regime.Timeout
			startDistance = plan.Regime.EndPosition - plan.Origin
			distance = startDistance
			exceeded = false
			log.WithFields(logrus.Fields{
				"speed":   speed,
				"timeout": timeout,
			}).Info("entering reduced sweep regime")
		}

		if exceeded {
			if err := ctx.Err(); err != nil {
				return failures, err
			}
			fail(speed, fmt.Errorf("%w: slower speed already exceeded %v degrees", ErrDistanceExceeded, plan.MaxDistance))
			continue
		}

		report, reached, err := sweepSpeed(ctx, mover, plan, speed, distance, timeout, now)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return failures, ctxErr
			}
			fail(speed, err)
			if errors.Is(err, ErrDistanceExceeded) {
				exceeded = true
			} else {
				distance = reached
			}
			continue
		}

		log.WithFields(logrus.Fields{
			"speed":    report.Speed,
			"distance": report.Distance,
			"elapsed":  report.Elapsed,
		}).Debug("speed measured")
		records.Append(report)
		distance = report.Distance
	}

	return failures, nil
}

// sweepSpeed searches the threshold of one speed starting at distance. It
// also returns the last distance tried.
func sweepSpeed(ctx context.Context, mover Mover, plan SweepPlan, speed, distance float64, timeout time.Duration, now func() time.Time) (SpeedReport, float64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return SpeedReport{}, distance, err
		}
		if plan.MaxDistance > 0 && distance > plan.MaxDistance {
			return SpeedReport{}, distance, fmt.Errorf("%w: %v > %v degrees", ErrDistanceExceeded, distance, plan.MaxDistance)
		}

		if err := mover.GoToStartPosition(ctx, plan.Origin); err != nil {
			return SpeedReport{}, distance, fmt.Errorf("failed to go to origin: %w", err)
		}
		t0 := now()
		if err := mover.Start(ctx, speed, plan.Origin+distance); err != nil {
			return SpeedReport{}, distance, fmt.Errorf("failed to move %v degrees: %w", distance, err)
		}
		elapsed := now().Sub(t0)

		if elapsed < timeout {
			distance += plan.Step
			continue
		}

		return SpeedReport{
			Speed:    speed,
			Distance: distance,
			Elapsed:  float64(elapsed) / float64(time.Millisecond),
		}, distance, nil
	}
}
