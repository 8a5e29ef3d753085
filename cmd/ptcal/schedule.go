package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/protocol"
)

func NewScheduleCommand() *cobra.Command {
	params := calibration.DefaultQuickCheckParams()
	axis := ""

	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the quick check schedule",
		Long: `Manage the quick check schedule.

The schedule command can be used in multiple ways:
  ptcal schedule 'minute hour day month weekday' Set schedule with cron expression
  ptcal schedule disable                         Disable the schedule
  ptcal schedule skip                            Skip next run
  ptcal schedule show                            Show current schedule

The parameter flags replace the stored quick check parameters when any of
them is given.`,
		Example: `  ptcal schedule '0 3 * * *' (At 03:00 every day)
  ptcal schedule '@every 6h' --axis tilt --dps 2
  ptcal schedule '0 3 * * 1' (At 03:00 on Monday)`,
		GroupID: gCalibration,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}

			req := calibration.ScheduleRequest{Cron: args[0]}
			if cmd.Flags().Changed("axis") || cmd.Flags().Changed("dps") ||
				cmd.Flags().Changed("start") || cmd.Flags().Changed("move-time") ||
				cmd.Flags().Changed("rounds") {
				if axis != "" {
					a, err := protocol.ParseAxis(axis)
					if err != nil {
						return err
					}
					params.Axis = a
				}
				req.QuickCheck = &params
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, req)
		},
	}

	f := cmd.Flags()
	f.StringVar(&axis, "axis", "", "axis of the scheduled quick check (pan, tilt)")
	f.Float64Var(&params.DegreePerSecond, "dps", params.DegreePerSecond, "first speed in degrees per second")
	f.Float64Var(&params.StartPosition, "start", params.StartPosition, "start position in degrees")
	f.IntVar(&params.MoveTime, "move-time", params.MoveTime, "duration of each timed move in milliseconds")
	f.IntVar(&params.Rounds, "rounds", params.Rounds, "number of rounds")

	// Add subcommands
	cmd.AddCommand(
		newScheduleDisableCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable the quick check schedule",
		Long:  "Disable the scheduled quick check.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleDisable(cmd)
		},
	}
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled quick check",
		Long:  "Skip the next scheduled quick check.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleSkip(cmd)
		},
	}
	return cmd
}

func newScheduleShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current quick check schedule",
		Long:  "Show the current quick check schedule and the next run time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleShow(cmd)
		},
	}
	return cmd
}

func runScheduleSet(cmd *cobra.Command, req calibration.ScheduleRequest) error {
	if req.Cron == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	resp, err := apiClient.SetSchedule(req)
	if err != nil {
		return err
	}
	cmd.Printf("Quick check scheduled. Next %d run(s):\n", len(resp.NextRuns))
	for _, run := range resp.NextRuns {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule(calibration.ScheduleRequest{}); err != nil {
		return err
	}
	cmd.Println("Quick check schedule disabled.")
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	next, err := apiClient.SkipSchedule()
	if err != nil {
		return err
	}
	cmd.Printf("Next scheduled run skipped. The following run is at %s.\n", next.Local().Format(time.DateTime))
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetCalibrationStatus()
	if err != nil {
		return err
	}
	if st.Schedule == "" {
		cmd.Println("Quick check schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", st.Schedule)
	if !st.ScheduledAt.IsZero() {
		cmd.Printf("Next run: %s\n", st.ScheduledAt.Local().Format(time.DateTime))
	}
	return nil
}
