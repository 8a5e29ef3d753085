package calibration

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panlab/ptcal/pkg/motion"
	"github.com/panlab/ptcal/pkg/protocol"
	"github.com/panlab/ptcal/pkg/simulator"
)

// fakeMover moves at speed degrees per second on a virtual clock.
type fakeMover struct {
	clock    *simulator.Clock
	position float64
	starts   []float64 // end positions passed to Start
	failOnce map[float64]error
	onStart  func(n int)
}

func newFakeMover() *fakeMover {
	return &fakeMover{clock: simulator.NewClock(), failOnce: map[float64]error{}}
}

func (f *fakeMover) GoToStartPosition(_ context.Context, target float64) error {
	f.position = target
	return nil
}

func (f *fakeMover) Start(ctx context.Context, speed, endPosition float64) error {
	f.starts = append(f.starts, endPosition)
	if f.onStart != nil {
		f.onStart(len(f.starts))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := f.failOnce[speed]; ok {
		delete(f.failOnce, speed)
		return err
	}
	seconds := math.Abs(endPosition-f.position) / speed
	f.clock.Advance(time.Duration(seconds * float64(time.Second)))
	f.position = endPosition
	return nil
}

func TestSweepFindsSmallestDistance(t *testing.T) {
	mover := newFakeMover()
	records := NewRecords[SpeedReport]()
	plan := SweepPlan{
		Axis:            protocol.AxisPan,
		Origin:          -100,
		Speeds:          []float64{1, 2},
		InitialDistance: 2,
		Step:            2,
		Timeout:         4 * time.Second,
	}

	failures, err := Sweep(context.Background(), mover, plan, records, SweepOptions{Now: mover.clock.Now})
	require.NoError(t, err)
	assert.Equal(t, 0, failures)

	assert.Equal(t, []SpeedReport{
		{Speed: 1, Distance: 4, Elapsed: 4000},
		{Speed: 2, Distance: 8, Elapsed: 4000},
	}, records.Snapshot())
	// The second speed starts from the distance found for the first one.
	assert.Equal(t, []float64{-98, -96, -96, -94, -92}, mover.starts)
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	mover := newFakeMover()
	mover.failOnce[2] = &motion.LimitReachedError{Type: protocol.LimitPanMax}
	records := NewRecords[SpeedReport]()
	plan := SweepPlan{
		Origin:          -100,
		Speeds:          []float64{1, 2, 3},
		InitialDistance: 2,
		Step:            2,
		Timeout:         4 * time.Second,
	}

	var failed []float64
	failures, err := Sweep(context.Background(), mover, plan, records, SweepOptions{
		Now: mover.clock.Now,
		OnFailure: func(speed float64, err error) {
			failed = append(failed, speed)
			_, ok := motion.IsLimitReached(err)
			assert.True(t, ok)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
	assert.Equal(t, []float64{2}, failed)

	got := records.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Speed)
	assert.Equal(t, SpeedReport{Speed: 3, Distance: 12, Elapsed: 4000}, got[1])
	// The failed speed leaves the distance where it stopped, and the next
	// speed carries on from there.
	assert.Equal(t, []float64{-98, -96, -96, -96, -94, -92, -90, -88}, mover.starts)
}

func TestSweepStopsClimbingAfterDistanceExceeded(t *testing.T) {
	mover := newFakeMover()
	records := NewRecords[SpeedReport]()
	plan := SweepPlan{
		Origin:          0,
		Speeds:          []float64{1, 2, 3, 4},
		InitialDistance: 2,
		Step:            2,
		Timeout:         10 * time.Second,
		MaxDistance:     6,
		Regime:          &Regime{FromSpeed: 4, Timeout: time.Second, EndPosition: 2},
	}

	var failed []float64
	failures, err := Sweep(context.Background(), mover, plan, records, SweepOptions{
		Now: mover.clock.Now,
		OnFailure: func(speed float64, err error) {
			failed = append(failed, speed)
			assert.ErrorIs(t, err, ErrDistanceExceeded)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, failures)
	assert.Equal(t, []float64{1, 2, 3}, failed)
	// Only speed 1 climbs. The regime change starts a fresh search.
	assert.Equal(t, []float64{2, 4, 6, 2, 4}, mover.starts)
	assert.Equal(t, []SpeedReport{{Speed: 4, Distance: 4, Elapsed: 1000}}, records.Snapshot())
}

func TestSweepRegime(t *testing.T) {
	mover := newFakeMover()
	records := NewRecords[SpeedReport]()
	plan := SweepPlan{
		Axis:            protocol.AxisTilt,
		Origin:          -15,
		Speeds:          []float64{1, 2},
		InitialDistance: 2,
		Step:            2,
		Timeout:         2 * time.Second,
		Regime:          &Regime{FromSpeed: 2, Timeout: time.Second, EndPosition: 0},
	}

	_, err := Sweep(context.Background(), mover, plan, records, SweepOptions{Now: mover.clock.Now})
	require.NoError(t, err)

	assert.Equal(t, []SpeedReport{
		{Speed: 1, Distance: 2, Elapsed: 2000},
		{Speed: 2, Distance: 15, Elapsed: 7500},
	}, records.Snapshot())
	assert.Equal(t, []float64{-13, 0}, mover.starts)
}

func TestSweepMaxDistance(t *testing.T) {
	mover := newFakeMover()
	records := NewRecords[SpeedReport]()
	plan := SweepPlan{
		Origin:          0,
		Speeds:          []float64{1},
		InitialDistance: 2,
		Step:            2,
		Timeout:         10 * time.Second,
		MaxDistance:     6,
	}

	var gotErr error
	failures, err := Sweep(context.Background(), mover, plan, records, SweepOptions{
		Now:       mover.clock.Now,
		OnFailure: func(_ float64, err error) { gotErr = err },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
	assert.ErrorIs(t, gotErr, ErrDistanceExceeded)
	assert.Equal(t, 0, records.Len())
	assert.Len(t, mover.starts, 3)
}

func TestSweepCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mover := newFakeMover()
	mover.onStart = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	records := NewRecords[SpeedReport]()
	plan := SweepPlan{
		Origin:          0,
		Speeds:          []float64{1, 2, 3},
		InitialDistance: 2,
		Step:            2,
		Timeout:         2 * time.Second,
	}

	_, err := Sweep(ctx, mover, plan, records, SweepOptions{Now: mover.clock.Now})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, mover.starts, 3, "no move may start after cancellation")
	assert.Equal(t, 1, records.Len())
}

func TestSweepInvalidPlan(t *testing.T) {
	records := NewRecords[SpeedReport]()
	_, err := Sweep(context.Background(), newFakeMover(), SweepPlan{Step: 2}, records, SweepOptions{})
	assert.Error(t, err)
	_, err = Sweep(context.Background(), newFakeMover(), SweepPlan{Speeds: []float64{1}}, records, SweepOptions{})
	assert.Error(t, err)
}

func TestSweepPlans(t *testing.T) {
	pan := PanSweepPlan()
	require.Len(t, pan.Speeds, 999)
	assert.Equal(t, 0.1, pan.Speeds[0])
	assert.Equal(t, 99.9, pan.Speeds[len(pan.Speeds)-1])
	assert.Equal(t, 20.0, pan.Speeds[199])
	assert.Equal(t, -100.0, pan.Origin)
	assert.Equal(t, 4*time.Second, pan.Timeout)
	assert.Nil(t, pan.Regime)

	tilt := TiltSweepPlan()
	require.Len(t, tilt.Speeds, 254)
	assert.Equal(t, 1.0, tilt.Speeds[0])
	assert.Equal(t, 254.0, tilt.Speeds[len(tilt.Speeds)-1])
	assert.Equal(t, -15.0, tilt.Origin)
	assert.Equal(t, 2*time.Second, tilt.Timeout)
	require.NotNil(t, tilt.Regime)
	assert.Equal(t, 200.0, tilt.Regime.FromSpeed)
	assert.Equal(t, time.Second, tilt.Regime.Timeout)
}

func TestSweepWithSimulatedHead(t *testing.T) {
	clock := simulator.NewClock()
	dev, err := simulator.New(simulator.Options{Now: clock.Now})
	require.NoError(t, err)
	client, err := protocol.NewClient(dev, protocol.ControlTypeAlturos)
	require.NoError(t, err)
	ctrl, err := motion.Open(client, protocol.AxisTilt, motion.Options{
		Now:          clock.Now,
		Sleep:        clock.Sleep,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer ctrl.Close()

	plan := TiltSweepPlan()
	// A quarter degree per second per speed unit: 1 and 2 degrees per second.
	plan.Speeds = []float64{4, 8}

	records := NewRecords[SpeedReport]()
	failures, err := Sweep(context.Background(), ctrl, plan, records, SweepOptions{Now: clock.Now})
	require.NoError(t, err)
	assert.Equal(t, 0, failures)

	got := records.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, 4.0, got[0].Distance)
	assert.Equal(t, 6.0, got[1].Distance)
	for _, r := range got {
		assert.GreaterOrEqual(t, r.Elapsed, 2000.0)
	}
}
