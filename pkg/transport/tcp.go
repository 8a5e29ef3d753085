package transport

import (
	"errors"
	"net"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/protocol"
)

const dialTimeout = 5 * time.Second

// TCP is a channel over a TCP connection, e.g. a serial-over-IP bridge.
type TCP struct {
	conn net.Conn
}

// DialTCP connects to a head reachable at address (host:port).
func DialTCP(address string) (protocol.Channel, error) {
	if address == "" {
		return nil, errors.New("address is required")
	}
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to %s", address)
	}
	logrus.WithField("address", address).Info("connected to pan-tilt head")
	return NewTCP(conn), nil
}

// NewTCP wraps an established connection.
func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn}
}

func (t *TCP) Write(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		return err
	}
	if _, err := t.conn.Write(frame); err != nil {
		return pkgerrors.Wrapf(err, "failed to write to %s", t.conn.RemoteAddr())
	}
	return nil
}

func (t *TCP) Read(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, readChunkSize)
	n, err := t.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, protocol.ErrTimeout
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read from %s", t.conn.RemoteAddr())
	}
	return nil, protocol.ErrTimeout
}

func (t *TCP) Close() error {
	return t.conn.Close()
}
