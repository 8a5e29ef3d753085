// Package transport provides the concrete byte channels a pan-tilt head can
// be reached over.
package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	tarm "github.com/tarm/serial"
	"go.bug.st/serial"

	"github.com/panlab/ptcal/pkg/protocol"
)

// Serial drivers.
const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"
)

const readChunkSize = 64

// SerialConfig configures a serial channel.
type SerialConfig struct {
	Port     string
	BaudRate int
	// Driver selects the serial library. Empty means DriverBugst.
	Driver string
}

// Serial is a channel over a serial port opened with go.bug.st/serial.
type Serial struct {
	port serial.Port
	name string
}

// OpenSerial opens a serial channel with 8N1 framing.
func OpenSerial(cfg SerialConfig) (protocol.Channel, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port is required")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}

	switch cfg.Driver {
	case "", DriverBugst:
	case DriverTarm:
		return openTarm(cfg)
	default:
		return nil, fmt.Errorf("unknown serial driver %q", cfg.Driver)
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open serial port %s", cfg.Port)
	}

	logrus.WithFields(logrus.Fields{
		"port":     cfg.Port,
		"baudRate": cfg.BaudRate,
		"driver":   DriverBugst,
	}).Info("serial port opened")

	return &Serial{port: port, name: cfg.Port}, nil
}

func (s *Serial) Write(frame []byte) error {
	if _, err := s.port.Write(frame); err != nil {
		return pkgerrors.Wrapf(err, "failed to write to %s", s.name)
	}
	return nil
}

func (s *Serial) Read(timeout time.Duration) ([]byte, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set read timeout on %s", s.name)
	}
	buf := make([]byte, readChunkSize)
	n, err := s.port.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, pkgerrors.Wrapf(err, "failed to read from %s", s.name)
	}
	// go.bug.st/serial returns 0 bytes without an error on timeout.
	if n == 0 {
		return nil, protocol.ErrTimeout
	}
	return buf[:n], nil
}

func (s *Serial) Close() error {
	logrus.WithField("port", s.name).Info("closing serial port")
	return s.port.Close()
}

// tarmSerial is a channel over github.com/tarm/serial. That library fixes the
// read timeout when the port is opened, so each Read loops until either
// data arrives or the caller's timeout passes.
type tarmSerial struct {
	port *tarm.Port
	name string
	poll time.Duration
}

func openTarm(cfg SerialConfig) (protocol.Channel, error) {
	poll := 50 * time.Millisecond
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		ReadTimeout: poll,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open serial port %s", cfg.Port)
	}

	logrus.WithFields(logrus.Fields{
		"port":     cfg.Port,
		"baudRate": cfg.BaudRate,
		"driver":   DriverTarm,
	}).Info("serial port opened")

	return &tarmSerial{port: port, name: cfg.Port, poll: poll}, nil
}

func (s *tarmSerial) Write(frame []byte) error {
	if _, err := s.port.Write(frame); err != nil {
		return pkgerrors.Wrapf(err, "failed to write to %s", s.name)
	}
	return nil
}

func (s *tarmSerial) Read(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, pkgerrors.Wrapf(err, "failed to read from %s", s.name)
		}
		if !time.Now().Add(s.poll).Before(deadline) {
			return nil, protocol.ErrTimeout
		}
	}
}

func (s *tarmSerial) Close() error {
	logrus.WithField("port", s.name).Info("closing serial port")
	return s.port.Close()
}
