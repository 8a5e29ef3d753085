package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/config"
)

type statusJSON struct {
	Calibration   statusCalibrationJSON `json:"calibration"`
	Configuration statusConfigJSON      `json:"configuration"`
}

type statusCalibrationJSON struct {
	Kind       string                     `json:"kind,omitempty"`
	Phase      string                     `json:"phase"`
	Axis       string                     `json:"axis,omitempty"`
	StartedAt  *time.Time                 `json:"startedAt"`
	FinishedAt *time.Time                 `json:"finishedAt"`
	Records    int                        `json:"records"`
	Failures   int                        `json:"failures"`
	CanCancel  bool                       `json:"canCancel"`
	Message    string                     `json:"message"`
	Schedule   statusCalibrationSchedJSON `json:"schedule"`
}

type statusCalibrationSchedJSON struct {
	Enabled     bool       `json:"enabled"`
	Cron        string     `json:"cron"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

type statusConfigJSON struct {
	Transport        string `json:"transport"`
	Endpoint         string `json:"endpoint"`
	ControlType      string `json:"controlType"`
	PanReducedRegime bool   `json:"panReducedRegime"`
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func buildStatusJSON(st *calibration.Status, cfg config.Config) statusJSON {
	endpoint := ""
	switch cfg.Transport() {
	case config.TransportSerial:
		endpoint = cfg.SerialPort()
	case config.TransportTCP:
		endpoint = cfg.Address()
	}

	out := statusJSON{
		Calibration: statusCalibrationJSON{
			Kind:      string(st.Kind),
			Phase:     string(st.Phase),
			Axis:      st.Axis,
			Records:   st.Records,
			Failures:  st.Failures,
			CanCancel: st.CanCancel,
			Message:   st.Message,
			Schedule: statusCalibrationSchedJSON{
				Enabled: st.Schedule != "",
				Cron:    st.Schedule,
			},
		},
		Configuration: statusConfigJSON{
			Transport:        cfg.Transport(),
			Endpoint:         endpoint,
			ControlType:      cfg.ControlType(),
			PanReducedRegime: cfg.PanReducedRegime(),
		},
	}
	if st.Phase != calibration.PhaseIdle {
		out.Calibration.StartedAt = timeOrNil(st.StartedAt)
	}
	if st.Phase != calibration.PhaseRunning {
		out.Calibration.FinishedAt = timeOrNil(st.FinishedAt)
	}
	if st.Schedule != "" {
		out.Calibration.Schedule.ScheduledAt = timeOrNil(st.ScheduledAt)
	}
	return out
}

func printStatusJSON(cmd *cobra.Command, st *calibration.Status, cfg config.Config) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(buildStatusJSON(st, cfg))
}
