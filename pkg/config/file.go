package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/protocol"
	"github.com/panlab/ptcal/pkg/transport"
	"github.com/panlab/ptcal/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Transport:         ptr.To(TransportSerial),
		SerialPort:        ptr.To("/dev/ttyUSB0"),
		BaudRate:          ptr.To(9600),
		SerialDriver:      ptr.To(transport.DriverBugst),
		Address:           ptr.To(""),
		ControlType:       ptr.To(string(protocol.ControlTypeEneo)),
		ResponseTimeoutMs: ptr.To(500),
		SettleTimeoutMs:   ptr.To(30000),
		PollIntervalMs:    ptr.To(20),
		PositionRetries:   ptr.To(5),
		// The reduced pan regime changes sweep results. It stays opt-in.
		PanReducedRegime: ptr.To(false),
		QuickCheckCron:   ptr.To(""),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	Transport           *string                       `json:"transport,omitempty"`
	SerialPort          *string                       `json:"serialPort,omitempty"`
	BaudRate            *int                          `json:"baudRate,omitempty"`
	SerialDriver        *string                       `json:"serialDriver,omitempty"`
	Address             *string                       `json:"address,omitempty"`
	ControlType         *string                       `json:"controlType,omitempty"`
	ResponseTimeoutMs   *int                          `json:"responseTimeoutMs,omitempty"`
	SettleTimeoutMs     *int                          `json:"settleTimeoutMs,omitempty"`
	PollIntervalMs      *int                          `json:"pollIntervalMs,omitempty"`
	PositionRetries     *int                          `json:"positionRetries,omitempty"`
	PanReducedRegime    *bool                         `json:"panReducedRegime,omitempty"`
	QuickCheckCron      *string                       `json:"quickCheckCron,omitempty"`
	ScheduledQuickCheck *calibration.QuickCheckParams `json:"scheduledQuickCheck,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		Transport:           ptr.To(c.Transport()),
		SerialPort:          ptr.To(c.SerialPort()),
		BaudRate:            ptr.To(c.BaudRate()),
		SerialDriver:        ptr.To(c.SerialDriver()),
		Address:             ptr.To(c.Address()),
		ControlType:         ptr.To(c.ControlType()),
		ResponseTimeoutMs:   ptr.To(int(c.ResponseTimeout() / time.Millisecond)),
		SettleTimeoutMs:     ptr.To(int(c.SettleTimeout() / time.Millisecond)),
		PollIntervalMs:      ptr.To(int(c.PollInterval() / time.Millisecond)),
		PositionRetries:     ptr.To(c.PositionRetries()),
		PanReducedRegime:    ptr.To(c.PanReducedRegime()),
		QuickCheckCron:      ptr.To(c.QuickCheckCron()),
		ScheduledQuickCheck: ptr.To(c.ScheduledQuickCheck()),
	}

	return rawConfig, nil
}

// read runs fn with the raw config under the read lock.
func (f *File) read(fn func(c *RawFileConfig)) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	fn(f.c)
}

func (f *File) Transport() string {
	var v string
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.Transport, *defaultFileConfig.Transport) })
	return v
}

func (f *File) SerialPort() string {
	var v string
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.SerialPort, *defaultFileConfig.SerialPort) })
	return v
}

func (f *File) BaudRate() int {
	var v int
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.BaudRate, *defaultFileConfig.BaudRate) })
	return v
}

func (f *File) SerialDriver() string {
	var v string
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.SerialDriver, *defaultFileConfig.SerialDriver) })
	return v
}

func (f *File) Address() string {
	var v string
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.Address, *defaultFileConfig.Address) })
	return v
}

func (f *File) ControlType() string {
	var v string
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.ControlType, *defaultFileConfig.ControlType) })
	return v
}

func (f *File) ResponseTimeout() time.Duration {
	var ms int
	f.read(func(c *RawFileConfig) { ms = ptr.Deref(c.ResponseTimeoutMs, *defaultFileConfig.ResponseTimeoutMs) })
	return time.Duration(ms) * time.Millisecond
}

func (f *File) SettleTimeout() time.Duration {
	var ms int
	f.read(func(c *RawFileConfig) { ms = ptr.Deref(c.SettleTimeoutMs, *defaultFileConfig.SettleTimeoutMs) })
	return time.Duration(ms) * time.Millisecond
}

func (f *File) PollInterval() time.Duration {
	var ms int
	f.read(func(c *RawFileConfig) { ms = ptr.Deref(c.PollIntervalMs, *defaultFileConfig.PollIntervalMs) })
	return time.Duration(ms) * time.Millisecond
}

func (f *File) PositionRetries() int {
	var v int
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.PositionRetries, *defaultFileConfig.PositionRetries) })
	return v
}

func (f *File) PanReducedRegime() bool {
	var v bool
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.PanReducedRegime, *defaultFileConfig.PanReducedRegime) })
	return v
}

func (f *File) QuickCheckCron() string {
	var v string
	f.read(func(c *RawFileConfig) { v = ptr.Deref(c.QuickCheckCron, *defaultFileConfig.QuickCheckCron) })
	return v
}

// ScheduledQuickCheck returns the parameters of cron-triggered quick checks,
// with loop defaults filled in.
func (f *File) ScheduledQuickCheck() calibration.QuickCheckParams {
	p := calibration.DefaultQuickCheckParams()
	f.read(func(c *RawFileConfig) {
		if c.ScheduledQuickCheck != nil {
			p = c.ScheduledQuickCheck.WithDefaults()
		}
	})
	return p
}

func (f *File) SetPanReducedRegime(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.PanReducedRegime = &b
}

func (f *File) SetQuickCheckCron(expr string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.QuickCheckCron = &expr
}

func (f *File) SetScheduledQuickCheck(p calibration.QuickCheckParams) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.ScheduledQuickCheck = &p
}

// cronParser accepts the same expressions as the daemon scheduler.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (f *File) Validate() error {
	switch t := f.Transport(); t {
	case TransportSerial:
		if f.SerialPort() == "" {
			return pkgerrors.New("serialPort must be set for the serial transport")
		}
		if f.BaudRate() <= 0 {
			return pkgerrors.Errorf("invalid baudRate %d", f.BaudRate())
		}
		switch d := f.SerialDriver(); d {
		case transport.DriverBugst, transport.DriverTarm:
		default:
			return pkgerrors.Errorf("unknown serialDriver %q, must be %s or %s", d, transport.DriverBugst, transport.DriverTarm)
		}
	case TransportTCP:
		if f.Address() == "" {
			return pkgerrors.New("address must be set for the tcp transport")
		}
	case TransportSimulator:
	default:
		return pkgerrors.Errorf("unknown transport %q", t)
	}

	if _, err := protocol.ParseControlType(f.ControlType()); err != nil {
		return pkgerrors.Wrap(err, "invalid controlType")
	}
	if f.ResponseTimeout() <= 0 || f.SettleTimeout() <= 0 || f.PollInterval() <= 0 {
		return pkgerrors.New("timeouts and poll interval must be positive")
	}
	if f.PositionRetries() < 1 {
		return pkgerrors.Errorf("positionRetries must be at least 1, got %d", f.PositionRetries())
	}
	if expr := f.QuickCheckCron(); expr != "" {
		if _, err := cronParser.Parse(expr); err != nil {
			return pkgerrors.Wrapf(err, "invalid quickCheckCron %q", expr)
		}
	}
	return nil
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"transport":        f.Transport(),
		"serialPort":       f.SerialPort(),
		"baudRate":         f.BaudRate(),
		"serialDriver":     f.SerialDriver(),
		"address":          f.Address(),
		"controlType":      f.ControlType(),
		"responseTimeout":  f.ResponseTimeout(),
		"settleTimeout":    f.SettleTimeout(),
		"pollInterval":     f.PollInterval(),
		"positionRetries":  f.PositionRetries(),
		"panReducedRegime": f.PanReducedRegime(),
		"quickCheckCron":   f.QuickCheckCron(),
	}
}
