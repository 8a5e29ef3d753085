package daemon

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/config"
	"github.com/panlab/ptcal/pkg/motion"
	"github.com/panlab/ptcal/pkg/protocol"
	"github.com/panlab/ptcal/pkg/version"
)

// abortWithError writes err as the JSON body and records it for ginLogger.
func abortWithError(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.Error(err)
	c.Abort()
}

// statusCodeFor maps run and device errors to HTTP status codes.
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, calibration.ErrRunInProgress),
		errors.Is(err, calibration.ErrRunNotRunning),
		errors.Is(err, protocol.ErrChannelBusy):
		return http.StatusConflict
	case errors.Is(err, ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrTimeout),
		errors.Is(err, motion.ErrPositionUnreachable):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (d *Daemon) getPosition(c *gin.Context) {
	pos, err := d.readPosition(c.Request.Context())
	if err != nil {
		logrus.Errorf("getPosition failed: %v", err)
		abortWithError(c, statusCodeFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, pos)
}

func (d *Daemon) getEvents(c *gin.Context) {
	d.hub.ServeWebSocket(c.Writer, c.Request)
}

func (d *Daemon) getCalibrationStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.calibrationStatus())
}

func (d *Daemon) getCalibrationResults(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.runner.Results())
}

func (d *Daemon) postPanSweep(c *gin.Context) {
	if err := d.startSweep(calibration.KindPanSweep, d.panSweepPlan()); err != nil {
		logrus.Errorf("postPanSweep failed: %v", err)
		abortWithError(c, statusCodeFor(err), err)
		return
	}
	logrus.Info("pan sweep started")
	c.IndentedJSON(http.StatusCreated, "pan sweep started")
}

func (d *Daemon) postTiltSweep(c *gin.Context) {
	if err := d.startSweep(calibration.KindTiltSweep, calibration.TiltSweepPlan()); err != nil {
		logrus.Errorf("postTiltSweep failed: %v", err)
		abortWithError(c, statusCodeFor(err), err)
		return
	}
	logrus.Info("tilt sweep started")
	c.IndentedJSON(http.StatusCreated, "tilt sweep started")
}

func (d *Daemon) postQuickCheck(c *gin.Context) {
	var params calibration.QuickCheckParams
	if err := c.ShouldBindJSON(&params); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := params.WithDefaults().Validate(); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	if err := d.startQuickCheck(params); err != nil {
		logrus.Errorf("postQuickCheck failed: %v", err)
		abortWithError(c, statusCodeFor(err), err)
		return
	}
	logrus.WithField("axis", params.Axis).Info("quick check started")
	c.IndentedJSON(http.StatusCreated, "quick check started")
}

func (d *Daemon) postCancel(c *gin.Context) {
	if err := d.runner.Cancel(); err != nil {
		abortWithError(c, statusCodeFor(err), err)
		return
	}
	logrus.Info("calibration cancel requested")
	c.IndentedJSON(http.StatusOK, "cancel requested")
}

func (d *Daemon) setSchedule(c *gin.Context) {
	var req calibration.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	runs, err := d.schedule(req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, calibration.ScheduleResponse{Cron: req.Cron, NextRuns: runs})
}

func (d *Daemon) skipSchedule(c *gin.Context) {
	if err := d.scheduler.Skip(); err != nil {
		abortWithError(c, http.StatusConflict, err)
		return
	}
	_, next := d.scheduler.Status()
	c.IndentedJSON(http.StatusOK, next)
}
