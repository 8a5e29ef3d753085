package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/panlab/ptcal/pkg/calibration"
	"github.com/panlab/ptcal/pkg/config"
	"github.com/panlab/ptcal/pkg/events"
)

type statusData struct {
	status *calibration.Status
	config *config.RawFileConfig
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	st, err := apiClient.GetCalibrationStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration status: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{status: st, config: conf}, nil
}

func NewStatusCommand() *cobra.Command {
	var (
		asJSON bool
		watch  bool
	)

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of ptcal",
		Long:    `Get the calibration status, schedule and device configuration.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if watch {
				return watchEvents(cmd)
			}

			data, err := fetchStatusData()
			if err != nil {
				return err
			}
			conf := config.NewFileFromConfig(data.config, "")

			if asJSON {
				return printStatusJSON(cmd, data.status, conf)
			}

			st := data.status
			cmd.Println(bold("Calibration:"))
			cmd.Printf("  Phase: %s\n", bold("%s", phaseText(st.Phase)))
			if st.Kind != "" {
				cmd.Printf("  Kind: %s\n", bold("%s", st.Kind))
				cmd.Printf("  Axis: %s\n", bold("%s", st.Axis))
			}
			if !st.StartedAt.IsZero() {
				cmd.Printf("  Started: %s (%s ago)\n", st.StartedAt.Local().Format(time.DateTime), time.Since(st.StartedAt).Round(time.Second))
			}
			if !st.FinishedAt.IsZero() && st.Phase != calibration.PhaseRunning {
				cmd.Printf("  Finished: %s\n", st.FinishedAt.Local().Format(time.DateTime))
			}
			cmd.Printf("  Records: %s  Failures: %s\n", bold("%d", st.Records), bold("%d", st.Failures))
			cmd.Printf("  Can cancel: %s\n", bool2Text(st.CanCancel))
			if st.Message != "" {
				cmd.Printf("  Message: %s\n", st.Message)
			}

			cmd.Println()
			cmd.Println(bold("Scheduled quick check:"))
			if st.Schedule == "" {
				cmd.Println("  Not scheduled.")
			} else {
				cmd.Printf("  Cron: %s\n", bold("%s", st.Schedule))
				if !st.ScheduledAt.IsZero() {
					cmd.Printf("  Next run: %s\n", bold("%s", st.ScheduledAt.Local().Format(time.DateTime)))
				}
				qc := conf.ScheduledQuickCheck()
				cmd.Printf("  Parameters: axis %s, start %g°, %g°/s, %d ms, %d rounds\n",
					qc.Axis, qc.StartPosition, qc.DegreePerSecond, qc.MoveTime, qc.Rounds)
			}

			cmd.Println()
			cmd.Println(bold("Device configuration:"))
			cmd.Printf("  Transport: %s\n", bold("%s", conf.Transport()))
			switch conf.Transport() {
			case config.TransportSerial:
				cmd.Printf("  Serial port: %s (%d baud, %s driver)\n", bold("%s", conf.SerialPort()), conf.BaudRate(), conf.SerialDriver())
			case config.TransportTCP:
				cmd.Printf("  Address: %s\n", bold("%s", conf.Address()))
			}
			cmd.Printf("  Control type: %s\n", bold("%s", conf.ControlType()))
			cmd.Printf("  Response timeout: %s\n", conf.ResponseTimeout())
			cmd.Printf("  Settle timeout: %s\n", conf.SettleTimeout())
			cmd.Printf("  Reduced pan regime: %s\n", bool2Text(conf.PanReducedRegime()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream daemon events until interrupted")
	return cmd
}

func watchEvents(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Println("Watching daemon events, press Ctrl-C to stop.")
	return apiClient.WatchEvents(ctx, func(ev events.Event) error {
		cmd.Println(formatEvent(ev))
		return nil
	})
}
