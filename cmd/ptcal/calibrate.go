package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/events"
	"github.com/panlab/ptcal/pkg/protocol"
)

func NewSweepCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Measure the travel each speed needs to move for a full timeout",
		Long: `Run a threshold sweep on one axis.

For every speed the head goes back to the origin and moves further each trial
until the move takes at least the timeout. The speed, distance and elapsed
time are recorded.`,
		GroupID: gCalibration,
	}

	newSub := func(use string, start func() (string, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: "Start a " + use + " sweep",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := start(); err != nil {
					return fmt.Errorf("failed to start %s sweep: %w", use, err)
				}
				cmd.Printf("%s sweep started.\n", use)
				if wait {
					return followRun(cmd.OutOrStdout())
				}
				return nil
			},
		}
	}

	cmd.PersistentFlags().BoolVarP(&wait, "wait", "w", false, "Follow the run until it finishes")
	cmd.AddCommand(
		newSub("pan", func() (string, error) { return apiClient.StartPanSweep() }),
		newSub("tilt", func() (string, error) { return apiClient.StartTiltSweep() }),
	)
	return cmd
}

func NewQuickCheckCommand() *cobra.Command {
	params := calibration.DefaultQuickCheckParams()
	axis := params.Axis.String()
	var wait bool

	cmd := &cobra.Command{
		Use:     "quick-check [degrees-per-second]",
		Aliases: []string{"qc"},
		Short:   "Check that timed moves land where the speed says they should",
		Long: `Run a quick check on one axis.

Each round does a few timed moves from the start position at one speed and
compares the averaged landing position with start + speed * time. The speed
grows by --step every round.`,
		Example: `  ptcal quick-check --axis tilt 2
  ptcal quick-check --move-time 500 --rounds 10 --wait`,
		GroupID: gCalibration,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				dps, err := parseFloatArg(args, "degrees per second")
				if err != nil {
					return err
				}
				params.DegreePerSecond = dps
			}
			a, err := protocol.ParseAxis(axis)
			if err != nil {
				return err
			}
			params.Axis = a
			if err := params.Validate(); err != nil {
				return err
			}

			if _, err := apiClient.StartQuickCheck(params); err != nil {
				return fmt.Errorf("failed to start quick check: %w", err)
			}
			cmd.Println("Quick check started.")
			if wait {
				return followRun(cmd.OutOrStdout())
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&axis, "axis", axis, "axis to check (pan, tilt)")
	f.Float64Var(&params.StartPosition, "start", params.StartPosition, "start position in degrees")
	f.IntVar(&params.MoveTime, "move-time", params.MoveTime, "duration of each timed move in milliseconds")
	f.IntVar(&params.Rounds, "rounds", params.Rounds, "number of rounds")
	f.IntVar(&params.Trials, "trials", params.Trials, "moves averaged per round")
	f.Float64Var(&params.Step, "step", params.Step, "speed increment per round in degrees per second")
	f.DurationVar(&params.SettleMargin, "settle-margin", params.SettleMargin, "extra wait after each move before reading the position")
	f.BoolVarP(&wait, "wait", "w", false, "Follow the run until it finishes")
	return cmd
}

func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel",
		Short:   "Cancel the running calibration",
		Long:    "Cancel the running calibration. Records measured so far are kept.",
		GroupID: gCalibration,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.CancelCalibration(); err != nil {
				return fmt.Errorf("failed to cancel calibration: %w", err)
			}
			cmd.Println("Cancel requested.")
			return nil
		},
	}
}

func NewResultsCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "results",
		Short:   "Show the records of the current or last calibration",
		GroupID: gCalibration,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := apiClient.GetCalibrationResults()
			if err != nil {
				return fmt.Errorf("failed to get results: %w", err)
			}
			if asJSON {
				b, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}
			return printResults(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

func printResults(out io.Writer, res *calibration.Results) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	switch res.Kind {
	case calibration.KindPanSweep, calibration.KindTiltSweep:
		fmt.Fprintf(w, "SPEED\tDISTANCE (°)\tELAPSED (ms)\n")
		for _, r := range res.SpeedReports {
			fmt.Fprintf(w, "%g\t%g\t%.0f\n", r.Speed, r.Distance, r.Elapsed)
		}
	case calibration.KindQuickCheck:
		fmt.Fprintf(w, "SPEED (°/s)\tMOVE (ms)\tTARGET (°)\tACTUAL (°)\tDIFF (°/s)\tRESULT\n")
		for _, p := range res.PositionCompares {
			result := color.GreenString("ok")
			if p.OutOfTolerance {
				result = color.RedString("out of tolerance")
			}
			fmt.Fprintf(w, "%g\t%d\t%.2f\t%.2f\t%.3f\t%s\n",
				p.DegreePerSecond, p.MoveTime, p.TargetPosition, p.ActualPosition, p.DifferencePerSecond, result)
		}
	default:
		fmt.Fprintln(w, "No calibration has run yet.")
	}

	return w.Flush()
}

// followRun prints events of the active run until it leaves the Running
// phase or the user interrupts.
func followRun(out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- apiClient.WatchEvents(ctx, func(ev events.Event) error {
			fmt.Fprintln(out, formatEvent(ev))
			return nil
		})
	}()

	// The run may finish before the event stream is subscribed, so the
	// status is polled as well.
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watchErr:
			if err != nil {
				logrus.WithError(err).Warn("event stream ended, polling status only")
			}
			watchErr = nil
		case <-tick.C:
			st, err := apiClient.GetCalibrationStatus()
			if err != nil {
				return err
			}
			if st.Phase != calibration.PhaseRunning {
				fmt.Fprintf(out, "Calibration %s with %d records.\n", phaseText(st.Phase), st.Records)
				return nil
			}
		}
	}
}

func formatEvent(ev events.Event) string {
	ts := time.Now().Format(time.TimeOnly)

	switch ev.Name {
	case events.CalibrationPhase:
		p, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
		if err != nil {
			break
		}
		line := fmt.Sprintf("%s %s %s -> %s", ts, p.Kind, p.From, phaseText(calibration.Phase(p.To)))
		if p.Message != "" {
			line += ": " + p.Message
		}
		return line
	case events.CalibrationRecord:
		r, err := events.DecodeAs[events.CalibrationRecordEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s %s record #%d %s", ts, r.Kind, r.Index+1, string(r.Record))
	case events.CalibrationFailure:
		f, err := events.DecodeAs[events.CalibrationFailureEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s %s %s failed: %s", ts, f.Kind, f.Subject, color.RedString(f.Error))
	case events.ScheduleError:
		e, err := events.DecodeAs[events.ScheduleErrorEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s scheduled quick check failed: %s", ts, color.RedString(e.Error))
	}
	return fmt.Sprintf("%s %s %s", ts, ev.Name, string(ev.Data))
}

func phaseText(p calibration.Phase) string {
	switch p {
	case calibration.PhaseCompleted:
		return color.GreenString(string(p))
	case calibration.PhaseError:
		return color.RedString(string(p))
	case calibration.PhaseCanceled:
		return color.YellowString(string(p))
	}
	return string(p)
}
