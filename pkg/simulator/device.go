// Package simulator provides an in-memory pan-tilt head that speaks the
// device side of the protocol. Motion is computed from an injectable clock,
// so tests can drive it deterministically.
package simulator

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/protocol"
)

var errClosed = errors.New("simulator: device closed")

// Options configures a simulated head.
type Options struct {
	ControlType protocol.ControlType
	// Now is the clock motion is computed against. Defaults to time.Now.
	Now func() time.Time

	PanMin, PanMax   float64
	TiltMin, TiltMax float64
	// GotoSpeed is the speed of absolute moves, in degrees per second.
	GotoSpeed float64
	// DegreesPerSpeedUnit converts the speed of a move-to command into
	// degrees per second, per axis.
	PanDegreesPerSpeedUnit  float64
	TiltDegreesPerSpeedUnit float64
}

// DefaultOptions returns the geometry of a typical head.
func DefaultOptions() Options {
	return Options{
		ControlType:             protocol.ControlTypeEneo,
		Now:                     time.Now,
		PanMin:                  -170,
		PanMax:                  170,
		TiltMin:                 -90,
		TiltMax:                 90,
		GotoSpeed:               200,
		PanDegreesPerSpeedUnit:  1,
		TiltDegreesPerSpeedUnit: 0.25,
	}
}

type axisState struct {
	from, to float64
	started  time.Time
	velocity float64 // degrees per second, always positive; 0 means at rest
	overrun  protocol.LimitOverrunType
}

func (a *axisState) position(now time.Time) float64 {
	if a.velocity == 0 {
		return a.to
	}
	travel := a.velocity * now.Sub(a.started).Seconds()
	span := math.Abs(a.to - a.from)
	if travel >= span {
		return a.to
	}
	if a.to < a.from {
		return a.from - travel
	}
	return a.from + travel
}

func (a *axisState) arrived(now time.Time) bool {
	return a.position(now) == a.to
}

// Device is a simulated head. It implements protocol.Channel.
type Device struct {
	opts    Options
	dialect *protocol.Dialect

	mu       sync.Mutex
	axes     [2]axisState
	pending  []byte
	commands []protocol.Command
	closed   bool

	garbage     []byte
	corruptNext int
	dropNext    int
}

// New returns a simulated head at position 0/0.
func New(opts Options) (*Device, error) {
	def := DefaultOptions()
	if opts.ControlType == "" {
		opts.ControlType = def.ControlType
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.PanMin == 0 && opts.PanMax == 0 {
		opts.PanMin, opts.PanMax = def.PanMin, def.PanMax
	}
	if opts.TiltMin == 0 && opts.TiltMax == 0 {
		opts.TiltMin, opts.TiltMax = def.TiltMin, def.TiltMax
	}
	if opts.GotoSpeed <= 0 {
		opts.GotoSpeed = def.GotoSpeed
	}
	if opts.PanDegreesPerSpeedUnit <= 0 {
		opts.PanDegreesPerSpeedUnit = def.PanDegreesPerSpeedUnit
	}
	if opts.TiltDegreesPerSpeedUnit <= 0 {
		opts.TiltDegreesPerSpeedUnit = def.TiltDegreesPerSpeedUnit
	}

	d, err := protocol.DialectFor(opts.ControlType)
	if err != nil {
		return nil, err
	}
	return &Device{opts: opts, dialect: d}, nil
}

// SetPosition places an axis at pos, at rest.
func (d *Device) SetPosition(axis protocol.Axis, pos float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.axes[axis] = axisState{from: pos, to: pos}
}

// Position returns the current position of both axes.
func (d *Device) Position() protocol.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.positionLocked()
}

// Commands returns every command received so far, in order.
func (d *Device) Commands() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Command(nil), d.commands...)
}

// CorruptReplies flips the checksum of the next n replies.
func (d *Device) CorruptReplies(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corruptNext += n
}

// DropReplies swallows the next n replies.
func (d *Device) DropReplies(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropNext += n
}

// InjectGarbage queues line noise in front of the next reply.
func (d *Device) InjectGarbage(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.garbage = append(d.garbage, b...)
}

func (d *Device) Write(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errClosed
	}

	cmd, err := d.dialect.DecodeCommand(frame)
	if err != nil {
		logrus.WithError(err).Debug("simulator: rejecting command")
		d.reply(protocol.Response{Type: protocol.ResponseError, ErrorCode: protocol.ErrorCodeUnknownCommand})
		return nil
	}
	d.commands = append(d.commands, cmd)
	d.reply(d.execute(cmd))
	return nil
}

func (d *Device) Read(time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errClosed
	}
	if len(d.pending) == 0 {
		return nil, protocol.ErrTimeout
	}
	b := d.pending
	d.pending = nil
	return b, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) execute(cmd protocol.Command) protocol.Response {
	now := d.opts.Now()
	ack := protocol.Response{Type: protocol.ResponseAcknowledge}

	if cmd.Kind != protocol.CommandQueryPosition && cmd.Axis > protocol.AxisTilt {
		return protocol.Response{Type: protocol.ResponseError, ErrorCode: protocol.ErrorCodeBadParameter}
	}

	switch cmd.Kind {
	case protocol.CommandGoto:
		d.startMove(cmd.Axis, cmd.Position, d.opts.GotoSpeed, now)
		return ack
	case protocol.CommandMoveTo:
		velocity := math.Abs(cmd.Speed) * d.degreesPerUnit(cmd.Axis)
		if velocity == 0 {
			return protocol.Response{Type: protocol.ResponseError, ErrorCode: protocol.ErrorCodeBadParameter}
		}
		d.startMove(cmd.Axis, cmd.Position, velocity, now)
		return ack
	case protocol.CommandTimedMove:
		a := &d.axes[cmd.Axis]
		from := a.position(now)
		target := from + cmd.Speed*cmd.Duration.Seconds()
		d.startMove(cmd.Axis, target, math.Abs(cmd.Speed), now)
		return ack
	case protocol.CommandStop:
		a := &d.axes[cmd.Axis]
		pos := a.position(now)
		*a = axisState{from: pos, to: pos}
		return ack
	case protocol.CommandQueryPosition:
		for i := range d.axes {
			a := &d.axes[i]
			if a.overrun != 0 && a.arrived(now) {
				t := a.overrun
				a.overrun = 0
				return protocol.Response{Type: protocol.ResponseLimitOverrun, LimitOverrun: t}
			}
		}
		return protocol.Response{Type: protocol.ResponsePosition, Position: d.positionLocked()}
	}
	return protocol.Response{Type: protocol.ResponseError, ErrorCode: protocol.ErrorCodeUnknownCommand}
}

func (d *Device) startMove(axis protocol.Axis, target, velocity float64, now time.Time) {
	a := &d.axes[axis]
	from := a.position(now)

	lo, hi := d.opts.PanMin, d.opts.PanMax
	minType, maxType := protocol.LimitPanMin, protocol.LimitPanMax
	if axis == protocol.AxisTilt {
		lo, hi = d.opts.TiltMin, d.opts.TiltMax
		minType, maxType = protocol.LimitTiltMin, protocol.LimitTiltMax
	}

	var overrun protocol.LimitOverrunType
	switch {
	case target < lo:
		target, overrun = lo, minType
	case target > hi:
		target, overrun = hi, maxType
	}

	*a = axisState{from: from, to: target, started: now, velocity: velocity, overrun: overrun}
	if from == target {
		a.velocity = 0
	}
}

func (d *Device) degreesPerUnit(axis protocol.Axis) float64 {
	if axis == protocol.AxisTilt {
		return d.opts.TiltDegreesPerSpeedUnit
	}
	return d.opts.PanDegreesPerSpeedUnit
}

func (d *Device) positionLocked() protocol.Position {
	now := d.opts.Now()
	return protocol.Position{
		Pan:  d.axes[protocol.AxisPan].position(now),
		Tilt: d.axes[protocol.AxisTilt].position(now),
	}
}

func (d *Device) reply(resp protocol.Response) {
	if d.dropNext > 0 {
		d.dropNext--
		return
	}
	frame := protocol.EncodeResponse(resp)
	if d.corruptNext > 0 {
		d.corruptNext--
		frame[len(frame)-1]++
	}
	if len(d.garbage) > 0 {
		d.pending = append(d.pending, d.garbage...)
		d.garbage = nil
	}
	d.pending = append(d.pending, frame...)
}
