package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/events"
	"github.com/panlab/ptcal/pkg/motion"
	"github.com/panlab/ptcal/pkg/protocol"
)

// withController opens a motion controller for axis on the device session,
// runs fn with it and closes it again, stopping the axis.
func (d *Daemon) withController(axis protocol.Axis, fn func(ctrl *motion.Controller) error) error {
	ctrl, err := d.openController(axis)
	if err != nil {
		return err
	}
	defer d.releaseController(ctrl, true)

	err = fn(ctrl)
	if n := ctrl.ChecksumFailures(); n > 0 {
		logrus.WithField("checksumFailures", n).Debug("session checksum failures so far")
	}
	return err
}

func (d *Daemon) panSweepPlan() calibration.SweepPlan {
	plan := calibration.PanSweepPlan()
	if d.conf.PanReducedRegime() {
		regime := calibration.PanReducedRegime
		plan.Regime = &regime
		logrus.WithField("fromSpeed", regime.FromSpeed).Warn("pan sweep uses the reduced regime")
	}
	return plan
}

func (d *Daemon) startSweep(kind calibration.Kind, plan calibration.SweepPlan) error {
	// Fail fast on a device that cannot be opened instead of starting a run
	// that errors out right away.
	if _, err := d.session(); err != nil {
		return err
	}

	return d.runner.Start(kind, plan.Axis, func(ctx context.Context, run *calibration.Run) error {
		return d.withController(plan.Axis, func(ctrl *motion.Controller) error {
			failures, err := calibration.Sweep(ctx, ctrl, plan, run.SpeedReports, calibration.SweepOptions{
				Now: d.opts.Now,
				OnFailure: func(speed float64, err error) {
					run.ReportFailure(fmt.Sprintf("speed %v", speed), err)
				},
			})
			logrus.WithFields(logrus.Fields{
				"kind":     kind,
				"records":  run.SpeedReports.Len(),
				"failures": failures,
			}).Info("sweep finished")
			return err
		})
	})
}

func (d *Daemon) startQuickCheck(params calibration.QuickCheckParams) error {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return err
	}
	if _, err := d.session(); err != nil {
		return err
	}

	return d.runner.Start(calibration.KindQuickCheck, params.Axis, func(ctx context.Context, run *calibration.Run) error {
		return d.withController(params.Axis, func(ctrl *motion.Controller) error {
			failures, err := calibration.QuickCheck(ctx, ctrl, params, run.PositionCompares, calibration.QuickCheckOptions{
				Sleep: d.opts.Sleep,
				OnFailure: func(round int, err error) {
					run.ReportFailure(fmt.Sprintf("round %d", round+1), err)
				},
			})
			outside := 0
			for _, p := range run.PositionCompares.Snapshot() {
				if p.OutOfTolerance() {
					outside++
				}
			}
			logrus.WithFields(logrus.Fields{
				"records":        run.PositionCompares.Len(),
				"outOfTolerance": outside,
				"failures":       failures,
			}).Info("quick check finished")
			return err
		})
	})
}

// readPosition polls the head once without sending any motion command. It
// fails with protocol.ErrChannelBusy while a run owns the device.
func (d *Daemon) readPosition(ctx context.Context) (protocol.Position, error) {
	ctrl, err := d.openController(protocol.AxisPan)
	if err != nil {
		return protocol.Position{}, err
	}
	defer d.releaseController(ctrl, false)

	if _, err := ctrl.ReadPosition(ctx); err != nil {
		return protocol.Position{}, err
	}
	pos, _ := ctrl.LastKnown()
	return pos, nil
}

func (d *Daemon) calibrationStatus() calibration.Status {
	st := d.runner.Status()
	st.Schedule, st.ScheduledAt = d.scheduler.Status()
	return st
}

// schedule sets the cron expression for scheduled quick checks and returns
// the next run times.
func (d *Daemon) schedule(req calibration.ScheduleRequest) ([]time.Time, error) {
	var params calibration.QuickCheckParams
	if req.QuickCheck != nil {
		params = req.QuickCheck.WithDefaults()
		if err := params.Validate(); err != nil {
			return nil, fmt.Errorf("invalid quick check parameters: %w", err)
		}
	}

	if err := d.scheduler.Schedule(req.Cron); err != nil {
		return nil, err
	}
	if req.QuickCheck != nil {
		d.conf.SetScheduledQuickCheck(params)
	}
	d.conf.SetQuickCheckCron(req.Cron)
	if err := d.conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	if req.Cron == "" {
		logrus.Info("quick check schedule disabled")
		return nil, nil
	}

	runs := d.scheduler.NextRuns(3)
	entry := logrus.WithField("cron", req.Cron)
	if len(runs) > 0 {
		entry = entry.WithField("nextRun", runs[0])
	}
	entry.Info("quick check scheduled")
	return runs, nil
}

func (d *Daemon) scheduledQuickCheck() error {
	return d.startQuickCheck(d.conf.ScheduledQuickCheck())
}

func (d *Daemon) schedulePreCheck() error {
	if d.runner.Status().Phase == calibration.PhaseRunning {
		return calibration.ErrRunInProgress
	}
	return nil
}

func (d *Daemon) onScheduleError(data any) {
	err, ok := data.(error)
	if !ok {
		return
	}
	logrus.WithError(err).Error("scheduled quick check failed")
	d.hub.Publish(events.ScheduleError, events.ScheduleErrorEvent{
		Error: err.Error(),
		Ts:    d.opts.Now().Unix(),
	})
}
