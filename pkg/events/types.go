package events

import "encoding/json"

// Event name constants
const (
	CalibrationPhase   = "calibration.phase"
	CalibrationRecord  = "calibration.record"
	CalibrationFailure = "calibration.failure"
	ScheduleError      = "schedule.error"
)

// Event is a generic event from the daemon.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// CalibrationPhaseEvent is the typed payload for calibration.phase.
type CalibrationPhaseEvent struct {
	Kind    string `json:"kind"`
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// CalibrationRecordEvent is the typed payload for calibration.record.
// Record holds a speed report or a position compare, depending on Kind.
type CalibrationRecordEvent struct {
	Kind   string          `json:"kind"`
	Index  int             `json:"index"`
	Record json.RawMessage `json:"record"`
	Ts     int64           `json:"ts"`
}

// CalibrationFailureEvent is the typed payload for calibration.failure. A
// failure skips one speed or round; the run goes on.
type CalibrationFailureEvent struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Error   string `json:"error"`
	Ts      int64  `json:"ts"`
}

// ScheduleErrorEvent is the typed payload for schedule.error.
type ScheduleErrorEvent struct {
	Error string `json:"error"`
	Ts    int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
