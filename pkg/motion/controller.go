// Package motion drives one axis of a pan-tilt head on top of the protocol
// client: absolute and timed moves, arrival detection and position tracking.
package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/protocol"
)

// Options tunes a controller. Zero values are replaced by defaults.
type Options struct {
	// ResponseTimeout bounds the wait for a single reply.
	ResponseTimeout time.Duration
	// SettleTimeout bounds GoToStartPosition.
	SettleTimeout time.Duration
	// MoveTimeout bounds Start.
	MoveTimeout time.Duration
	// PollInterval is the delay between position polls.
	PollInterval time.Duration
	// Tolerance is the distance in degrees at which a target counts as reached.
	Tolerance float64
	// PositionRetries is how many consecutive transient poll failures are
	// retried before giving up.
	PositionRetries int

	// Now and Sleep are clock seams. Sleep must return ctx.Err() when ctx
	// is done before d elapses.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		ResponseTimeout: 500 * time.Millisecond,
		SettleTimeout:   30 * time.Second,
		MoveTimeout:     2 * time.Minute,
		PollInterval:    20 * time.Millisecond,
		Tolerance:       0.05,
		PositionRetries: 5,
		Now:             time.Now,
		Sleep:           SleepContext,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = def.ResponseTimeout
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = def.SettleTimeout
	}
	if o.MoveTimeout <= 0 {
		o.MoveTimeout = def.MoveTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.Tolerance <= 0 {
		o.Tolerance = def.Tolerance
	}
	if o.PositionRetries <= 0 {
		o.PositionRetries = def.PositionRetries
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	if o.Sleep == nil {
		o.Sleep = def.Sleep
	}
	return o
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Controller drives one axis. It owns its protocol client for its lifetime.
type Controller struct {
	client *protocol.Client
	axis   protocol.Axis
	opts   Options
	log    *logrus.Entry

	mu          sync.RWMutex
	last        protocol.Position
	hasPosition bool
	closed      bool
}

// Open acquires client and returns a controller for axis. The client's
// control type selects the command dialect. Close must be called to hand
// the client back.
func Open(client *protocol.Client, axis protocol.Axis, opts Options) (*Controller, error) {
	if err := client.Acquire(); err != nil {
		return nil, err
	}
	return &Controller{
		client: client,
		axis:   axis,
		opts:   opts.withDefaults(),
		log: logrus.WithFields(logrus.Fields{
			"axis":        axis,
			"controlType": client.ControlType(),
		}),
	}, nil
}

// Axis returns the axis the controller drives.
func (c *Controller) Axis() protocol.Axis {
	return c.axis
}

// LastPosition returns the axis coordinate of the last checksum-valid
// position reply.
func (c *Controller) LastPosition() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last.Of(c.axis)
}

// LastKnown returns the last trusted position of both axes, and whether any
// position has been received yet.
func (c *Controller) LastKnown() (protocol.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.hasPosition
}

// GoToStartPosition moves the axis to target at full speed and blocks until
// the head reports arrival.
func (c *Controller) GoToStartPosition(ctx context.Context, target float64) error {
	if err := c.issueMove(ctx, protocol.Command{Kind: protocol.CommandGoto, Axis: c.axis, Position: target}); err != nil {
		return err
	}
	return c.waitArrival(ctx, target, c.opts.SettleTimeout)
}

// Start moves the axis to endPosition at speed and blocks until it arrives.
// A limit overrun is returned as *LimitReachedError.
func (c *Controller) Start(ctx context.Context, speed, endPosition float64) error {
	if err := c.issueMove(ctx, protocol.Command{Kind: protocol.CommandMoveTo, Axis: c.axis, Speed: speed, Position: endPosition}); err != nil {
		return err
	}
	return c.waitArrival(ctx, endPosition, c.opts.MoveTimeout)
}

// Move starts a timed move and returns once the head acknowledged it. The
// duration is enforced by the head.
func (c *Controller) Move(ctx context.Context, degreesPerSecond float64, milliseconds int) error {
	return c.issueMove(ctx, protocol.Command{
		Kind:     protocol.CommandTimedMove,
		Axis:     c.axis,
		Speed:    degreesPerSecond,
		Duration: time.Duration(milliseconds) * time.Millisecond,
	})
}

// ReadPosition polls the head and returns the refreshed LastPosition.
func (c *Controller) ReadPosition(ctx context.Context) (float64, error) {
	pos, err := c.poll(ctx)
	if err != nil {
		return 0, err
	}
	return pos.Of(c.axis), nil
}

// Stop halts the axis.
func (c *Controller) Stop() error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.expectAck(protocol.Command{Kind: protocol.CommandStop, Axis: c.axis})
}

// Close stops the axis and releases the protocol client.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.expectAck(protocol.Command{Kind: protocol.CommandStop, Axis: c.axis})
	if err != nil {
		c.log.WithError(err).Warn("failed to stop axis while closing controller")
	}
	c.client.Release()
	return nil
}

// ChecksumFailures returns how many replies on the client failed checksum
// validation so far.
func (c *Controller) ChecksumFailures() uint64 {
	return c.client.ChecksumFailures()
}

// Release gives the protocol client back without stopping the axis.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Release()
}

func (c *Controller) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// issueMove sends a move command once. Moves are never resent: the head may
// already be executing them.
func (c *Controller) issueMove(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	err := c.expectAck(cmd)
	if err == nil {
		return nil
	}
	if errors.Is(err, protocol.ErrChecksumInvalid) {
		// The head most likely accepted the command; arrival polling or
		// the following position read will tell.
		c.log.WithField("command", cmd.Kind).Warn("move acknowledgement failed checksum, continuing unconfirmed")
		return nil
	}
	return fmt.Errorf("%s command failed: %w", cmd.Kind, err)
}

func (c *Controller) expectAck(cmd protocol.Command) error {
	resp, err := c.client.Send(cmd, c.opts.ResponseTimeout)
	if err != nil {
		return err
	}
	if !resp.ChecksumValid {
		return protocol.ErrChecksumInvalid
	}
	switch resp.Type {
	case protocol.ResponseAcknowledge:
		return nil
	case protocol.ResponseLimitOverrun:
		return &LimitReachedError{Type: resp.LimitOverrun}
	case protocol.ResponseError:
		return &DeviceError{Command: cmd.Kind, Code: resp.ErrorCode}
	default:
		return fmt.Errorf("unexpected %s reply to %s command", resp.Type, cmd.Kind)
	}
}

// poll queries the position, retrying transient failures. Only a
// checksum-valid Position reply updates LastPosition.
func (c *Controller) poll(ctx context.Context) (protocol.Position, error) {
	if c.isClosed() {
		return protocol.Position{}, ErrClosed
	}

	cmd := protocol.Command{Kind: protocol.CommandQueryPosition}
	for attempt := 0; ; attempt++ {
		resp, err := c.client.Send(cmd, c.opts.ResponseTimeout)
		if err == nil && !resp.ChecksumValid {
			err = protocol.ErrChecksumInvalid
		}
		if err == nil {
			switch resp.Type {
			case protocol.ResponsePosition:
				c.mu.Lock()
				c.last = resp.Position
				c.hasPosition = true
				c.mu.Unlock()
				return resp.Position, nil
			case protocol.ResponseLimitOverrun:
				return protocol.Position{}, &LimitReachedError{Type: resp.LimitOverrun}
			case protocol.ResponseError:
				return protocol.Position{}, &DeviceError{Command: cmd.Kind, Code: resp.ErrorCode}
			default:
				return protocol.Position{}, fmt.Errorf("unexpected %s reply to %s command", resp.Type, cmd.Kind)
			}
		}

		if !protocol.IsTransient(err) {
			return protocol.Position{}, err
		}
		if attempt >= c.opts.PositionRetries {
			return protocol.Position{}, fmt.Errorf("%w: %d position polls failed: %w", ErrPositionUnreachable, attempt+1, err)
		}

		c.log.WithError(err).WithField("attempt", attempt+1).Debug("position poll failed, retrying")
		if err := c.opts.Sleep(ctx, c.opts.PollInterval); err != nil {
			return protocol.Position{}, err
		}
	}
}

func (c *Controller) waitArrival(ctx context.Context, target float64, timeout time.Duration) error {
	start := c.opts.Now()
	for {
		pos, err := c.poll(ctx)
		if err != nil {
			return err
		}
		current := pos.Of(c.axis)
		if math.Abs(current-target) <= c.opts.Tolerance {
			return nil
		}
		if c.opts.Now().Sub(start) >= timeout {
			return fmt.Errorf("%w: at %.2f after %s, want %.2f", ErrPositionUnreachable, current, timeout, target)
		}
		if err := c.opts.Sleep(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
}
