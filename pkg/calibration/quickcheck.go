package calibration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/protocol"
)

// Positioner is the part of a motion controller the quick check needs.
type Positioner interface {
	GoToStartPosition(ctx context.Context, target float64) error
	Move(ctx context.Context, degreesPerSecond float64, milliseconds int) error
	ReadPosition(ctx context.Context) (float64, error)
}

// QuickCheckParams configures a quick check.
type QuickCheckParams struct {
	Axis            AxisType `json:"axis"`
	StartPosition   float64  `json:"startPosition"`
	DegreePerSecond float64  `json:"degreePerSecond"`
	MoveTime        int      `json:"moveTime"` // milliseconds
	Rounds          int      `json:"rounds,omitempty"`
	Trials          int      `json:"trials,omitempty"`
	// Step is added to DegreePerSecond after every round.
	Step float64 `json:"step,omitempty"`
	// SettleMargin is waited on top of MoveTime before reading the position.
	SettleMargin time.Duration `json:"settleMargin,omitempty"`
}

// DefaultQuickCheckParams returns 80 rounds of 3 trials of one-second moves
// at 1 degree per second, speeding up by 0.5 per round.
func DefaultQuickCheckParams() QuickCheckParams {
	return QuickCheckParams{
		Axis:            protocol.AxisPan,
		StartPosition:   0,
		DegreePerSecond: 1,
		MoveTime:        1000,
		Rounds:          80,
		Trials:          3,
		Step:            0.5,
		SettleMargin:    300 * time.Millisecond,
	}
}

// WithDefaults fills the loop parameters left zero. The start position,
// speed and move time are taken as given.
func (p QuickCheckParams) WithDefaults() QuickCheckParams {
	def := DefaultQuickCheckParams()
	if p.Rounds <= 0 {
		p.Rounds = def.Rounds
	}
	if p.Trials <= 0 {
		p.Trials = def.Trials
	}
	if p.Step == 0 {
		p.Step = def.Step
	}
	if p.SettleMargin <= 0 {
		p.SettleMargin = def.SettleMargin
	}
	return p
}

// Validate checks the parameters a caller must provide.
func (p QuickCheckParams) Validate() error {
	if p.MoveTime <= 0 {
		return fmt.Errorf("move time must be positive, got %d", p.MoveTime)
	}
	if p.DegreePerSecond == 0 {
		return fmt.Errorf("degree per second must not be zero")
	}
	return nil
}

// QuickCheckOptions carries the hooks of a quick check. All fields are
// optional.
type QuickCheckOptions struct {
	// Sleep waits for d and returns ctx.Err() if ctx is done first.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnFailure is called for every round that was skipped.
	OnFailure func(round int, err error)
}

// QuickCheck compares where the head ends up after timed moves against where
// it should be. Each round averages params.Trials moves at one speed and
// appends a PositionCompare; the speed then grows by params.Step.
//
// A failed round is reported through opts.OnFailure and skipped. QuickCheck
// returns the number of skipped rounds, and ctx.Err() when canceled. Records
// appended before cancellation are kept.
func QuickCheck(ctx context.Context, pos Positioner, params QuickCheckParams, records *Records[PositionCompare], opts QuickCheckOptions) (int, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return 0, err
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	log := logrus.WithFields(logrus.Fields{
		"axis":          params.Axis,
		"startPosition": params.StartPosition,
		"moveTime":      params.MoveTime,
	})

	if err := pos.GoToStartPosition(ctx, params.StartPosition); err != nil {
		return 0, fmt.Errorf("failed to go to start position: %w", err)
	}

	wait := time.Duration(params.MoveTime)*time.Millisecond + params.SettleMargin
	dps := params.DegreePerSecond
	failures := 0

	for round := 0; round < params.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return failures, err
		}

		target := params.StartPosition + dps*float64(params.MoveTime)/1000
		positions := make([]float64, 0, params.Trials)
		var roundErr error
		for trial := 0; trial < params.Trials; trial++ {
			p, err := quickCheckTrial(ctx, pos, params, dps, wait, sleep)
			if err != nil {
				roundErr = err
				break
			}
			positions = append(positions, p)
		}

		if roundErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return failures, ctxErr
			}
			failures++
			log.WithError(roundErr).WithFields(logrus.Fields{
				"round":           round,
				"degreePerSecond": dps,
			}).Warn("quick check round failed, skipping")
			if opts.OnFailure != nil {
				opts.OnFailure(round, roundErr)
			}
			dps += params.Step
			continue
		}

		item := PositionCompare{
			DegreePerSecond: dps,
			MoveTime:        params.MoveTime,
			ActualPosition:  roundTo(average(positions), 2),
			TargetPosition:  target,
		}
		log.WithFields(logrus.Fields{
			"round":          round,
			"actualPosition": item.ActualPosition,
			"targetPosition": item.TargetPosition,
		}).Debug("quick check round done")
		records.Append(item)

		dps += params.Step
	}

	return failures, nil
}

func quickCheckTrial(ctx context.Context, pos Positioner, params QuickCheckParams, dps float64, wait time.Duration, sleep func(context.Context, time.Duration) error) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := pos.GoToStartPosition(ctx, params.StartPosition); err != nil {
		return 0, fmt.Errorf("failed to go to start position: %w", err)
	}
	if err := pos.Move(ctx, dps, params.MoveTime); err != nil {
		return 0, fmt.Errorf("failed to move: %w", err)
	}
	if err := sleep(ctx, wait); err != nil {
		return 0, err
	}
	return pos.ReadPosition(ctx)
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
