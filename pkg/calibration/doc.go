// Package calibration measures the real-world motion response of a pan-tilt
// head. It contains:
//
//   - Sweep: the threshold search behind the pan and tilt speed sweeps
//   - QuickCheck: the timed-move positional accuracy check
//   - Records: append-only result sequences readable while a run is active
//   - Runner: the single worker that executes one run at a time
//
// The record and status types are shared across daemon, client and CLI code
// to keep JSON contracts consistent.
package calibration
