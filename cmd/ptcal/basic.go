package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/panlab/ptcal/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{annotationLocal: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewPositionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "position",
		Aliases: []string{"pos"},
		Short:   "Read the current head position",
		Long: `Read the current pan and tilt position from the head.

This fails while a calibration is running, because the run owns the device.`,
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pos, err := apiClient.GetPosition()
			if err != nil {
				return fmt.Errorf("failed to read position: %w", err)
			}
			cmd.Printf("Pan:  %s\n", bold("%.2f°", pos.Pan))
			cmd.Printf("Tilt: %s\n", bold("%.2f°", pos.Tilt))
			return nil
		},
	}
}

// getVersion returns the client and daemon versions.
func getVersion() (string, string, error) {
	daemonVersion, err := apiClient.GetVersion()
	if err != nil {
		return version.Version, "", err
	}
	return version.Version, daemonVersion, nil
}
