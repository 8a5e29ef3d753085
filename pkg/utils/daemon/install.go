// Package daemon installs the ptcal daemon as a systemd service.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"
)

const unitName = "ptcal.service"

var (
	unitPath = "/etc/systemd/system/" + unitName

	// systemctl runs systemctl with args. Replaced in tests.
	systemctl = func(args ...string) error {
		out, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return nil
	}
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=ptcal pan-tilt calibration daemon
After=network.target

[Service]
ExecStart={{.Executable}} daemon --config {{.ConfigPath}} --daemon-socket {{.SocketPath}}{{if .AllowNonRootAccess}} --always-allow-non-root-access{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`))

// UnitOptions are the daemon flags written into the service unit.
type UnitOptions struct {
	Executable         string
	ConfigPath         string
	SocketPath         string
	AllowNonRootAccess bool
}

// RenderUnit returns the systemd unit for opts.
func RenderUnit(opts UnitOptions) (string, error) {
	var sb strings.Builder
	if err := unitTemplate.Execute(&sb, opts); err != nil {
		return "", fmt.Errorf("failed to render unit: %w", err)
	}
	return sb.String(), nil
}

// Install writes the service unit for the current executable, then enables
// and starts it. opts.Executable is filled in.
func Install(opts UnitOptions) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	err = os.Chmod(exePath, 0755)
	if err != nil {
		return fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)
	opts.Executable = exePath

	unit, err := RenderUnit(opts)
	if err != nil {
		return err
	}

	logrus.Infof("writing service unit to %s", filepath.Dir(unitPath))

	// mkdir -p
	err = os.MkdirAll(filepath.Dir(unitPath), 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(unitPath), err)
	}

	// warn if the file already exists
	_, err = os.Stat(unitPath)
	if err == nil {
		logrus.Warnf("%s already exists, overwriting", unitPath)
	}

	err = os.WriteFile(unitPath, []byte(unit), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", unitPath, err)
	}

	logrus.Infof("starting ptcal")

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	if err := systemctl("enable", "--now", unitName); err != nil {
		return fmt.Errorf("failed to start %s: %w", unitName, err)
	}

	return nil
}
