// Package protocol implements the framed request/response protocol spoken by
// the pan-tilt head: frame codec, checksum, typed replies and a synchronous
// client.
package protocol

import (
	"errors"
	"fmt"
	"math"
)

// Frame layout, both directions:
//
//	0xA5 | LEN | TYPE | PAYLOAD (LEN-1 bytes) | CHECKSUM
//
// LEN counts TYPE and PAYLOAD. CHECKSUM is the low byte of the sum of LEN,
// TYPE and PAYLOAD.
const (
	StartMarker = 0xA5

	frameOverhead = 3 // marker, length, checksum
	maxBodyLength = 64
	minFrameSize  = frameOverhead + 1
)

var (
	// ErrTimeout is returned when no complete frame arrives in time.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrChecksumInvalid marks a reply whose data cannot be trusted.
	ErrChecksumInvalid = errors.New("checksum invalid")
	// ErrUnrecognizedFrame indicates a protocol or firmware mismatch.
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
	// ErrMalformedFrame is returned for byte sequences that are not a frame at all.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrDecode is returned when a checksum-valid frame carries an invalid payload.
	ErrDecode = errors.New("failed to decode frame")
)

func checksum(body []byte) byte {
	var sum byte
	sum += byte(len(body))
	for _, b := range body {
		sum += b
	}
	return sum
}

func encodeFrame(typ byte, payload []byte) []byte {
	body := make([]byte, 0, len(payload)+1)
	body = append(body, typ)
	body = append(body, payload...)

	frame := make([]byte, 0, len(body)+frameOverhead)
	frame = append(frame, StartMarker, byte(len(body)))
	frame = append(frame, body...)
	frame = append(frame, checksum(body))
	return frame
}

// splitFrame validates the framing and returns the body (TYPE + PAYLOAD).
func splitFrame(frame []byte) ([]byte, bool, error) {
	if len(frame) < minFrameSize {
		return nil, false, fmt.Errorf("%w: %d bytes is too short", ErrMalformedFrame, len(frame))
	}
	if frame[0] != StartMarker {
		return nil, false, fmt.Errorf("%w: missing start marker, got 0x%02X", ErrMalformedFrame, frame[0])
	}
	n := int(frame[1])
	if n == 0 || n > maxBodyLength {
		return nil, false, fmt.Errorf("%w: invalid body length %d", ErrMalformedFrame, n)
	}
	if len(frame) != n+frameOverhead {
		return nil, false, fmt.Errorf("%w: length field says %d bytes, frame has %d", ErrMalformedFrame, n+frameOverhead, len(frame))
	}
	body := frame[2 : 2+n]
	return body, checksum(body) == frame[len(frame)-1], nil
}

// frameSize returns the size of the frame starting at buf[0], or 0 if the
// header is not complete yet, or -1 if the header cannot start a frame.
func frameSize(buf []byte) int {
	if len(buf) < 2 {
		return 0
	}
	n := int(buf[1])
	if n == 0 || n > maxBodyLength {
		return -1
	}
	return n + frameOverhead
}

func toCentidegrees(deg float64) int32 {
	return int32(math.Round(deg * 100))
}

func fromCentidegrees(v int32) float64 {
	return float64(v) / 100
}
