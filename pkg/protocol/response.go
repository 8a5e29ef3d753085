package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ResponseType identifies the kind of reply the device sent.
type ResponseType uint8

const (
	ResponseAcknowledge  ResponseType = 0x01
	ResponsePosition     ResponseType = 0x02
	ResponseLimitOverrun ResponseType = 0x03
	ResponseError        ResponseType = 0x04
)

func (t ResponseType) String() string {
	switch t {
	case ResponseAcknowledge:
		return "Acknowledge"
	case ResponsePosition:
		return "Position"
	case ResponseLimitOverrun:
		return "LimitOverrun"
	case ResponseError:
		return "Error"
	default:
		return fmt.Sprintf("ResponseType(0x%02X)", uint8(t))
	}
}

func (t ResponseType) known() bool {
	return t >= ResponseAcknowledge && t <= ResponseError
}

// LimitOverrunType identifies which mechanical limit was hit.
type LimitOverrunType uint8

const (
	LimitPanMin  LimitOverrunType = 1
	LimitPanMax  LimitOverrunType = 2
	LimitTiltMin LimitOverrunType = 3
	LimitTiltMax LimitOverrunType = 4
)

func (t LimitOverrunType) String() string {
	switch t {
	case LimitPanMin:
		return "PanMin"
	case LimitPanMax:
		return "PanMax"
	case LimitTiltMin:
		return "TiltMin"
	case LimitTiltMax:
		return "TiltMax"
	default:
		return fmt.Sprintf("LimitOverrunType(%d)", uint8(t))
	}
}

// Axis returns the axis the limit belongs to.
func (t LimitOverrunType) Axis() Axis {
	if t == LimitTiltMin || t == LimitTiltMax {
		return AxisTilt
	}
	return AxisPan
}

// ErrorCode is the device-reported reason carried by an Error reply.
type ErrorCode uint8

const (
	ErrorCodeUnknownCommand ErrorCode = 0x01
	ErrorCodeBadParameter   ErrorCode = 0x02
	ErrorCodeBusy           ErrorCode = 0x03
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeUnknownCommand:
		return "unknown command"
	case ErrorCodeBadParameter:
		return "bad parameter"
	case ErrorCodeBusy:
		return "busy"
	default:
		return fmt.Sprintf("error code 0x%02X", uint8(c))
	}
}

// Position is an absolute pan/tilt position in degrees.
type Position struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
}

// Of returns the coordinate of the given axis.
func (p Position) Of(axis Axis) float64 {
	if axis == AxisTilt {
		return p.Tilt
	}
	return p.Pan
}

// Response is one decoded device reply. Only the payload field matching Type
// is meaningful. A response with ChecksumValid == false carries untrusted
// data and must not be used to update any state.
type Response struct {
	Type          ResponseType
	ChecksumValid bool

	Position     Position         // ResponsePosition
	LimitOverrun LimitOverrunType // ResponseLimitOverrun
	ErrorCode    ErrorCode        // ResponseError
}

const positionPayloadSize = 8

// Decode decodes exactly one frame (start marker through checksum).
//
// A checksum mismatch is not an error: the returned response has
// ChecksumValid set to false. Unknown response types fail with
// ErrUnrecognizedFrame.
func Decode(frame []byte) (Response, error) {
	body, checksumValid, err := splitFrame(frame)
	if err != nil {
		return Response{}, err
	}

	typ := ResponseType(body[0])
	if !typ.known() {
		return Response{}, fmt.Errorf("%w: type 0x%02X", ErrUnrecognizedFrame, body[0])
	}

	resp := Response{Type: typ, ChecksumValid: checksumValid}
	if err := decodePayload(&resp, body[1:]); err != nil {
		if !checksumValid {
			// Payload of a corrupted frame is noise. Hand back the
			// untrusted response without data.
			return Response{Type: typ}, nil
		}
		return Response{}, err
	}

	return resp, nil
}

func decodePayload(resp *Response, payload []byte) error {
	switch resp.Type {
	case ResponseAcknowledge:
		return nil
	case ResponsePosition:
		if len(payload) != positionPayloadSize {
			return fmt.Errorf("%w: position payload has %d bytes, want %d", ErrDecode, len(payload), positionPayloadSize)
		}
		resp.Position = Position{
			Pan:  fromCentidegrees(int32(binary.BigEndian.Uint32(payload[0:4]))),
			Tilt: fromCentidegrees(int32(binary.BigEndian.Uint32(payload[4:8]))),
		}
	case ResponseLimitOverrun:
		if len(payload) != 1 {
			return fmt.Errorf("%w: limit overrun payload has %d bytes, want 1", ErrDecode, len(payload))
		}
		t := LimitOverrunType(payload[0])
		if t < LimitPanMin || t > LimitTiltMax {
			return fmt.Errorf("%w: limit overrun sub-type %d out of range", ErrDecode, payload[0])
		}
		resp.LimitOverrun = t
	case ResponseError:
		if len(payload) != 1 {
			return fmt.Errorf("%w: error payload has %d bytes, want 1", ErrDecode, len(payload))
		}
		resp.ErrorCode = ErrorCode(payload[0])
	}
	return nil
}

// EncodeResponse builds a reply frame. It is used by the simulator and tests.
func EncodeResponse(resp Response) []byte {
	var payload []byte
	switch resp.Type {
	case ResponsePosition:
		payload = make([]byte, positionPayloadSize)
		binary.BigEndian.PutUint32(payload[0:4], uint32(toCentidegrees(resp.Position.Pan)))
		binary.BigEndian.PutUint32(payload[4:8], uint32(toCentidegrees(resp.Position.Tilt)))
	case ResponseLimitOverrun:
		payload = []byte{byte(resp.LimitOverrun)}
	case ResponseError:
		payload = []byte{byte(resp.ErrorCode)}
	}
	return encodeFrame(byte(resp.Type), payload)
}

// IsTransient reports whether err is line noise or a missing reply, i.e.
// something a position poll may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrChecksumInvalid)
}
