package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionCompareTolerance(t *testing.T) {
	tests := []struct {
		name        string
		compare     PositionCompare
		wantDiff    float64
		wantOutside bool
	}{
		{
			name:     "exact",
			compare:  PositionCompare{DegreePerSecond: 10, MoveTime: 1000, ActualPosition: 10, TargetPosition: 10},
			wantDiff: 0,
		},
		{
			name:     "within five percent",
			compare:  PositionCompare{DegreePerSecond: 10, MoveTime: 2000, ActualPosition: 20.8, TargetPosition: 20},
			wantDiff: 0.4,
		},
		{
			name:        "beyond five percent",
			compare:     PositionCompare{DegreePerSecond: 10, MoveTime: 1000, ActualPosition: 9.4, TargetPosition: 10},
			wantDiff:    0.6,
			wantOutside: true,
		},
		{
			name:     "zero move time",
			compare:  PositionCompare{DegreePerSecond: 10, ActualPosition: 5, TargetPosition: 0},
			wantDiff: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantDiff, tt.compare.DifferencePerSecond(), 1e-9)
			assert.Equal(t, tt.wantOutside, tt.compare.OutOfTolerance())
		})
	}
}

func TestNewPositionCompareViews(t *testing.T) {
	views := NewPositionCompareViews([]PositionCompare{
		{DegreePerSecond: 1, MoveTime: 1000, ActualPosition: 1.5, TargetPosition: 1},
	})
	if assert.Len(t, views, 1) {
		assert.InDelta(t, 0.5, views[0].DifferencePerSecond, 1e-9)
		assert.True(t, views[0].OutOfTolerance)
	}
}
