package motion

import (
	"errors"
	"fmt"

	"github.com/panlab/ptcal/pkg/protocol"
)

// ErrPositionUnreachable is returned when the head does not report arrival
// in time, or when position polls keep failing.
var ErrPositionUnreachable = errors.New("position unreachable")

// ErrClosed is returned by a controller after Close.
var ErrClosed = errors.New("controller closed")

// LimitReachedError is returned when the head reports a limit overrun.
type LimitReachedError struct {
	Type protocol.LimitOverrunType
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("limit reached: %s", e.Type)
}

// DeviceError is an Error reply to a command.
type DeviceError struct {
	Command protocol.CommandKind
	Code    protocol.ErrorCode
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %s command: %s", e.Command, e.Code)
}

// IsLimitReached reports whether err carries a limit overrun and returns its type.
func IsLimitReached(err error) (protocol.LimitOverrunType, bool) {
	var le *LimitReachedError
	if errors.As(err, &le) {
		return le.Type, true
	}
	return 0, false
}
