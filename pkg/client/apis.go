package client

import (
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/config"
	"github.com/panlab/ptcal/pkg/protocol"
)

func getJSON[T any](c *Client, path string, what string) (*T, error) {
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s", what)
	}

	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	return getJSON[config.RawFileConfig](c, "/config", "config")
}

func (c *Client) GetVersion() (string, error) {
	v, err := getJSON[string](c, "/version", "version")
	if err != nil {
		return "", err
	}
	return *v, nil
}

// GetPosition reads the current head position. The daemon answers 409
// while a calibration owns the device.
func (c *Client) GetPosition() (*protocol.Position, error) {
	return getJSON[protocol.Position](c, "/position", "position")
}

// ===== Calibration APIs =====

func (c *Client) GetCalibrationStatus() (*calibration.Status, error) {
	return getJSON[calibration.Status](c, "/calibration/status", "calibration status")
}

func (c *Client) GetCalibrationResults() (*calibration.Results, error) {
	return getJSON[calibration.Results](c, "/calibration/results", "calibration results")
}

func (c *Client) StartPanSweep() (string, error) {
	return c.Post("/calibration/pan-sweep", "")
}

func (c *Client) StartTiltSweep() (string, error) {
	return c.Post("/calibration/tilt-sweep", "")
}

func (c *Client) StartQuickCheck(params calibration.QuickCheckParams) (string, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return c.Post("/calibration/quick-check", string(payload))
}

func (c *Client) CancelCalibration() (string, error) {
	return c.Post("/calibration/cancel", "")
}

// SetSchedule sets the cron expression of scheduled quick checks. An empty
// expression disables them.
func (c *Client) SetSchedule(req calibration.ScheduleRequest) (*calibration.ScheduleResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/calibration/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}

	var resp calibration.ScheduleResponse
	if err := json.Unmarshal([]byte(ret), &resp); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule response")
	}
	return &resp, nil
}

// SkipSchedule skips the next scheduled quick check and returns the time of
// the one after it.
func (c *Client) SkipSchedule() (time.Time, error) {
	ret, err := c.Post("/calibration/schedule/skip", "")
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to skip schedule")
	}

	var next time.Time
	if err := json.Unmarshal([]byte(ret), &next); err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to unmarshal next run")
	}
	return next, nil
}
