package simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panlab/ptcal/pkg/protocol"
)

func newTestHead(t *testing.T, ct protocol.ControlType) (*Device, *protocol.Client, *Clock) {
	t.Helper()
	clock := NewClock()
	dev, err := New(Options{ControlType: ct, Now: clock.Now})
	require.NoError(t, err)
	client, err := protocol.NewClient(dev, ct)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return dev, client, clock
}

func query(t *testing.T, c *protocol.Client) protocol.Response {
	t.Helper()
	resp, err := c.Send(protocol.Command{Kind: protocol.CommandQueryPosition}, time.Second)
	require.NoError(t, err)
	require.True(t, resp.ChecksumValid)
	return resp
}

func TestTimedMove(t *testing.T) {
	for _, ct := range []protocol.ControlType{protocol.ControlTypeEneo, protocol.ControlTypeAlturos} {
		t.Run(string(ct), func(t *testing.T) {
			_, c, clock := newTestHead(t, ct)

			resp, err := c.Send(protocol.Command{Kind: protocol.CommandTimedMove, Axis: protocol.AxisPan, Speed: 10, Duration: 2 * time.Second}, time.Second)
			require.NoError(t, err)
			assert.Equal(t, protocol.ResponseAcknowledge, resp.Type)

			clock.Advance(time.Second)
			assert.InDelta(t, 10, query(t, c).Position.Pan, 0.01)

			clock.Advance(5 * time.Second)
			assert.InDelta(t, 20, query(t, c).Position.Pan, 0.01)
		})
	}
}

func TestMoveToScalesSpeed(t *testing.T) {
	_, c, clock := newTestHead(t, protocol.ControlTypeEneo)

	// Tilt moves 0.25 degrees per second per speed unit.
	_, err := c.Send(protocol.Command{Kind: protocol.CommandMoveTo, Axis: protocol.AxisTilt, Position: 20, Speed: 8}, time.Second)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	assert.InDelta(t, 10, query(t, c).Position.Tilt, 0.01)
}

func TestLimitOverrun(t *testing.T) {
	_, c, clock := newTestHead(t, protocol.ControlTypeAlturos)

	_, err := c.Send(protocol.Command{Kind: protocol.CommandGoto, Axis: protocol.AxisPan, Position: 200}, time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	resp := query(t, c)
	require.Equal(t, protocol.ResponseLimitOverrun, resp.Type)
	assert.Equal(t, protocol.LimitPanMax, resp.LimitOverrun)

	// Reported once, then the clamped position.
	resp = query(t, c)
	require.Equal(t, protocol.ResponsePosition, resp.Type)
	assert.InDelta(t, 170, resp.Position.Pan, 0.01)
}

func TestFaultInjection(t *testing.T) {
	dev, c, _ := newTestHead(t, protocol.ControlTypeEneo)

	dev.CorruptReplies(1)
	resp, err := c.Send(protocol.Command{Kind: protocol.CommandQueryPosition}, time.Second)
	require.NoError(t, err)
	assert.False(t, resp.ChecksumValid)
	assert.EqualValues(t, 1, c.ChecksumFailures())

	dev.DropReplies(1)
	_, err = c.Send(protocol.Command{Kind: protocol.CommandQueryPosition}, time.Second)
	assert.ErrorIs(t, err, protocol.ErrTimeout)

	dev.InjectGarbage([]byte{0x00, 0x42})
	assert.Equal(t, protocol.ResponsePosition, query(t, c).Type)

	dev.SetPosition(protocol.AxisTilt, -12.5)
	assert.Equal(t, protocol.Position{Tilt: -12.5}, dev.Position())
	assert.Len(t, dev.Commands(), 3)
}
