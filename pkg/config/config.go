package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/calibration"
)

// Transport names.
const (
	TransportSerial    = "serial"
	TransportTCP       = "tcp"
	TransportSimulator = "simulator"
)

type Config interface {
	// Transport is how the daemon reaches the head: serial, tcp or simulator.
	Transport() string
	SerialPort() string
	BaudRate() int
	SerialDriver() string
	// Address is the host:port of a serial-over-TCP bridge.
	Address() string
	ControlType() string

	ResponseTimeout() time.Duration
	SettleTimeout() time.Duration
	PollInterval() time.Duration
	PositionRetries() int

	PanReducedRegime() bool
	QuickCheckCron() string
	ScheduledQuickCheck() calibration.QuickCheckParams

	SetPanReducedRegime(bool)
	SetQuickCheckCron(string)
	SetScheduledQuickCheck(calibration.QuickCheckParams)

	// Validate checks that the values can be used to open a session.
	Validate() error
	LogrusFields() logrus.Fields

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
