package protocol

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Channel is the raw byte link to the device.
type Channel interface {
	// Write sends one complete frame.
	Write(frame []byte) error
	// Read blocks for at most timeout and returns whatever bytes arrived.
	// It returns ErrTimeout if nothing arrived.
	Read(timeout time.Duration) ([]byte, error)
	Close() error
}

// ErrChannelBusy is returned when a second owner tries to acquire a client.
var ErrChannelBusy = errors.New("channel is already owned by another controller")

// Client sends one command and reads exactly one reply at a time.
type Client struct {
	ch      Channel
	dialect *Dialect
	now     func() time.Time

	mu  sync.Mutex
	buf []byte

	owned            atomic.Bool
	checksumFailures atomic.Uint64
}

// NewClient returns a client speaking the dialect of controlType over ch.
func NewClient(ch Channel, controlType ControlType) (*Client, error) {
	d, err := DialectFor(controlType)
	if err != nil {
		return nil, err
	}
	return &Client{
		ch:      ch,
		dialect: d,
		now:     time.Now,
	}, nil
}

// ControlType returns the dialect the client speaks.
func (c *Client) ControlType() ControlType {
	return c.dialect.ControlType
}

// Acquire marks the client as exclusively owned.
func (c *Client) Acquire() error {
	if !c.owned.CompareAndSwap(false, true) {
		return ErrChannelBusy
	}
	return nil
}

// Release gives up ownership.
func (c *Client) Release() {
	c.owned.Store(false)
}

// Owned reports whether a controller currently holds the client.
func (c *Client) Owned() bool {
	return c.owned.Load()
}

// ChecksumFailures returns how many replies failed checksum validation.
func (c *Client) ChecksumFailures() uint64 {
	return c.checksumFailures.Load()
}

// Close closes the underlying channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = nil
	return c.ch.Close()
}

// Send writes cmd and waits up to timeout for one reply. It never retries.
func (c *Client) Send(cmd Command, timeout time.Duration) (Response, error) {
	frame, err := c.dialect.Encode(cmd)
	if err != nil {
		return Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) > 0 {
		logrus.WithField("bytes", len(c.buf)).Debug("discarding stale bytes before sending command")
		c.buf = c.buf[:0]
	}

	logrus.WithFields(logrus.Fields{
		"command": cmd.Kind,
		"frame":   frame,
	}).Trace("sending command")

	if err := c.ch.Write(frame); err != nil {
		return Response{}, pkgerrors.Wrapf(err, "failed to write %s command", cmd.Kind)
	}

	deadline := c.now().Add(timeout)
	for {
		resp, ok, err := c.nextFrame()
		if ok {
			if err == nil {
				logrus.WithFields(logrus.Fields{
					"type":          resp.Type,
					"checksumValid": resp.ChecksumValid,
				}).Trace("received response")
			}
			return resp, err
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return Response{}, ErrTimeout
		}
		b, err := c.ch.Read(remaining)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return Response{}, ErrTimeout
			}
			return Response{}, pkgerrors.Wrapf(err, "failed to read reply to %s command", cmd.Kind)
		}
		c.buf = append(c.buf, b...)
	}
}

// nextFrame extracts the first complete frame from the buffer, dropping any
// garbage in front of it. ok is false when more bytes are needed.
func (c *Client) nextFrame() (resp Response, ok bool, err error) {
	for {
		i := bytes.IndexByte(c.buf, StartMarker)
		if i < 0 {
			if len(c.buf) > 0 {
				logrus.WithField("bytes", len(c.buf)).Trace("discarding bytes without start marker")
			}
			c.buf = c.buf[:0]
			return Response{}, false, nil
		}
		if i > 0 {
			logrus.WithField("bytes", i).Trace("discarding bytes before start marker")
			c.buf = c.buf[i:]
		}

		size := frameSize(c.buf)
		if size < 0 {
			// Not a real header, resync on the next marker.
			c.buf = c.buf[1:]
			continue
		}
		if size == 0 || len(c.buf) < size {
			// The candidate may be a truncated fragment sitting in front of
			// a complete reply. Prefer the reply over waiting.
			if j := c.validFrameAfterStart(); j > 0 {
				logrus.WithField("bytes", j).Trace("discarding truncated frame before valid frame")
				c.buf = c.buf[j:]
				continue
			}
			return Response{}, false, nil
		}

		frame := c.buf[:size]
		if _, valid, err := splitFrame(frame); err == nil && !valid {
			if j := c.validFrameAfterStart(); j > 0 {
				logrus.WithField("bytes", j).Trace("discarding corrupt frame before valid frame")
				c.buf = c.buf[j:]
				continue
			}
		}
		resp, err := Decode(frame)
		if errors.Is(err, ErrMalformedFrame) {
			c.buf = c.buf[1:]
			continue
		}
		c.buf = c.buf[size:]
		if err == nil && !resp.ChecksumValid {
			c.checksumFailures.Add(1)
		}
		return resp, true, err
	}
}

// validFrameAfterStart returns the offset of the first start marker past
// buf[0] that begins a complete, checksum-valid frame, or -1.
func (c *Client) validFrameAfterStart() int {
	for j := 1; j < len(c.buf); j++ {
		if c.buf[j] != StartMarker {
			continue
		}
		size := frameSize(c.buf[j:])
		if size <= 0 || len(c.buf)-j < size {
			continue
		}
		if _, valid, err := splitFrame(c.buf[j : j+size]); err == nil && valid {
			return j
		}
	}
	return -1
}
