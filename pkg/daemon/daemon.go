package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/config"
	"github.com/panlab/ptcal/pkg/events"
	"github.com/panlab/ptcal/pkg/motion"
	"github.com/panlab/ptcal/pkg/protocol"
	"github.com/panlab/ptcal/pkg/simulator"
	"github.com/panlab/ptcal/pkg/transport"
)

// ErrDeviceUnavailable is returned when the device channel cannot be opened.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Options are the seams of a Daemon. Zero values use the wall clock and the
// configured transport.
type Options struct {
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// OpenChannel opens the device channel described by the config.
	OpenChannel func(conf config.Config) (protocol.Channel, error)
}

// Daemon owns the device session and the calibration runner, and serves
// them over HTTP.
type Daemon struct {
	conf      config.Config
	hub       *events.EventHub
	runner    *calibration.Runner
	scheduler *Scheduler
	opts      Options

	mu     sync.Mutex
	client *protocol.Client
	// stale is set when the session was asked to close while a controller
	// held it. The last controller to let go closes it.
	stale bool
}

// New returns a daemon using conf. The device channel is opened on first use.
func New(conf config.Config, opts Options) *Daemon {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = motion.SleepContext
	}
	d := &Daemon{
		conf: conf,
		hub:  events.NewEventHub(),
		opts: opts,
	}
	if d.opts.OpenChannel == nil {
		d.opts.OpenChannel = d.openChannel
	}
	d.runner = calibration.NewRunner(d.hub)
	d.scheduler = NewScheduler(d.scheduledQuickCheck, d.schedulePreCheck, d.onScheduleError)
	return d
}

func (d *Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/version", getVersion)
	router.GET("/config", d.getConfig)
	router.GET("/position", d.getPosition)
	router.GET("/events", d.getEvents)

	cal := router.Group("/calibration")
	cal.GET("/status", d.getCalibrationStatus)
	cal.GET("/results", d.getCalibrationResults)
	cal.POST("/pan-sweep", d.postPanSweep)
	cal.POST("/tilt-sweep", d.postTiltSweep)
	cal.POST("/quick-check", d.postQuickCheck)
	cal.POST("/cancel", d.postCancel)
	cal.PUT("/schedule", d.setSchedule)
	cal.POST("/schedule/skip", d.skipSchedule)

	return router
}

// openChannel opens the transport named by the config.
func (d *Daemon) openChannel(conf config.Config) (protocol.Channel, error) {
	switch conf.Transport() {
	case config.TransportSerial:
		return transport.OpenSerial(transport.SerialConfig{
			Port:     conf.SerialPort(),
			BaudRate: conf.BaudRate(),
			Driver:   conf.SerialDriver(),
		})
	case config.TransportTCP:
		return transport.DialTCP(conf.Address())
	case config.TransportSimulator:
		ct, err := protocol.ParseControlType(conf.ControlType())
		if err != nil {
			return nil, err
		}
		logrus.Warn("using the built-in simulator, no hardware will move")
		return simulator.New(simulator.Options{ControlType: ct, Now: d.opts.Now})
	default:
		return nil, pkgerrors.Errorf("unknown transport %q", conf.Transport())
	}
}

// session returns the protocol client, opening the channel if needed.
func (d *Daemon) session() (*protocol.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionLocked()
}

func (d *Daemon) sessionLocked() (*protocol.Client, error) {
	if d.client != nil {
		return d.client, nil
	}

	ct, err := protocol.ParseControlType(d.conf.ControlType())
	if err != nil {
		return nil, err
	}
	ch, err := d.opts.OpenChannel(d.conf)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s channel: %w", ErrDeviceUnavailable, d.conf.Transport(), err)
	}
	client, err := protocol.NewClient(ch, ct)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"transport":   d.conf.Transport(),
		"controlType": ct,
	}).Info("device session opened")
	d.client = client
	return client, nil
}

// openController opens a motion controller for axis on the device session.
// The session lock is held throughout, so closeSession never sees a client
// that is about to be acquired.
func (d *Daemon) openController(axis protocol.Axis) (*motion.Controller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	client, err := d.sessionLocked()
	if err != nil {
		return nil, err
	}
	return motion.Open(client, axis, d.motionOptions())
}

// releaseController closes ctrl, stopping the axis unless stop is false,
// and closes the session if it went stale meanwhile.
func (d *Daemon) releaseController(ctrl *motion.Controller, stop bool) {
	if stop {
		if err := ctrl.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close motion controller")
		}
	} else {
		ctrl.Release()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stale {
		d.closeSessionLocked()
	}
}

// closeSession closes the device channel. The next run reopens it, picking
// up config changes. A session held by a controller is closed once that
// controller is released.
func (d *Daemon) closeSession() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return
	}
	if d.client.Owned() {
		d.stale = true
		logrus.Info("device session in use, closing it after the current run")
		return
	}
	d.closeSessionLocked()
}

func (d *Daemon) closeSessionLocked() {
	d.stale = false
	if d.client == nil {
		return
	}
	if err := d.client.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close device channel")
	}
	d.client = nil
	logrus.Info("device session closed")
}

func (d *Daemon) motionOptions() motion.Options {
	return motion.Options{
		ResponseTimeout: d.conf.ResponseTimeout(),
		SettleTimeout:   d.conf.SettleTimeout(),
		PollInterval:    d.conf.PollInterval(),
		PositionRetries: d.conf.PositionRetries(),
		Now:             d.opts.Now,
		Sleep:           d.opts.Sleep,
	}
}

// reload re-reads the config. The device session is reopened lazily once
// no controller holds it.
func (d *Daemon) reload() error {
	if err := d.conf.Load(); err != nil {
		return err
	}
	if err := d.conf.Validate(); err != nil {
		return err
	}
	if err := d.scheduler.Schedule(d.conf.QuickCheckCron()); err != nil {
		return err
	}
	d.closeSession()
	return nil
}

// Shutdown cancels any active run and releases the device.
func (d *Daemon) Shutdown() {
	d.scheduler.Stop()
	if err := d.runner.Cancel(); err == nil {
		logrus.Info("waiting for the active calibration to stop")
	}
	d.runner.Wait()
	d.closeSession()
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to parse config during startup")
	}
	if err := conf.Validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config %s", configPath)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")
	if conf.PanReducedRegime() {
		logrus.Warn("panReducedRegime is enabled: pan sweeps switch to a 2000ms timeout from speed 20.0")
	}

	d := New(conf, Options{})
	if err := d.scheduler.Schedule(conf.QuickCheckCron()); err != nil {
		return err
	}
	d.scheduler.Start()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := d.reload()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler:           d.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Remove a stale socket left by a crashed daemon.
	if _, err := os.Stat(unixSocketPath); err == nil {
		if err := os.Remove(unixSocketPath); err != nil {
			return pkgerrors.Wrapf(err, "failed to remove stale socket %s", unixSocketPath)
		}
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", unixSocketPath)
	}

	if allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to change permissions of %s", unixSocketPath)
		}
	}

	// Serve HTTP on unix socket
	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	select {
	case sig := <-sigc:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
	case err := <-serveErr:
		logrus.WithError(err).Error("http server failed, shutting down")
	}

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	d.Shutdown()

	logrus.Info("exiting")
	return nil
}
