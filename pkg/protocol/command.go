package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Axis selects a physical axis of the head.
type Axis uint8

const (
	AxisPan  Axis = 0
	AxisTilt Axis = 1
)

func (a Axis) String() string {
	if a == AxisTilt {
		return "tilt"
	}
	return "pan"
}

// ParseAxis parses "pan" or "tilt".
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pan":
		return AxisPan, nil
	case "tilt":
		return AxisTilt, nil
	default:
		return AxisPan, fmt.Errorf("unknown axis %q, must be pan or tilt", s)
	}
}

func (a Axis) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Axis) UnmarshalText(b []byte) error {
	v, err := ParseAxis(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// CommandKind enumerates the operations the head understands.
type CommandKind uint8

const (
	// CommandGoto moves an axis to an absolute position at maximum speed.
	CommandGoto CommandKind = iota
	// CommandMoveTo moves an axis to an absolute position at a given speed.
	CommandMoveTo
	// CommandTimedMove moves an axis at a given speed for a given duration.
	CommandTimedMove
	// CommandQueryPosition asks for the current position of both axes.
	CommandQueryPosition
	// CommandStop stops an axis.
	CommandStop

	commandKindCount
)

func (k CommandKind) String() string {
	switch k {
	case CommandGoto:
		return "goto"
	case CommandMoveTo:
		return "move-to"
	case CommandTimedMove:
		return "timed-move"
	case CommandQueryPosition:
		return "query-position"
	case CommandStop:
		return "stop"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// Command is a dialect-independent device command.
type Command struct {
	Kind     CommandKind
	Axis     Axis
	Position float64       // degrees; Goto, MoveTo
	Speed    float64       // signed; MoveTo (axis speed units), TimedMove (degrees per second)
	Duration time.Duration // TimedMove
}

// ControlType selects the command dialect spoken by a hardware model.
type ControlType string

const (
	ControlTypeEneo    ControlType = "eneo"
	ControlTypeAlturos ControlType = "alturos"
)

// ParseControlType validates a control type name.
func ParseControlType(s string) (ControlType, error) {
	switch ControlType(strings.ToLower(strings.TrimSpace(s))) {
	case ControlTypeEneo:
		return ControlTypeEneo, nil
	case ControlTypeAlturos:
		return ControlTypeAlturos, nil
	default:
		return "", fmt.Errorf("unknown control type %q", s)
	}
}

// Dialect maps commands to opcodes and wire units for one control type.
type Dialect struct {
	ControlType ControlType
	opcodes     [commandKindCount]byte
	speedScale  float64
}

var dialects = map[ControlType]*Dialect{
	ControlTypeEneo: {
		ControlType: ControlTypeEneo,
		opcodes:     [commandKindCount]byte{0x10, 0x11, 0x12, 0x13, 0x14},
		speedScale:  10,
	},
	ControlTypeAlturos: {
		ControlType: ControlTypeAlturos,
		opcodes:     [commandKindCount]byte{0x20, 0x21, 0x22, 0x23, 0x24},
		speedScale:  100,
	},
}

// DialectFor returns the dialect of a control type.
func DialectFor(t ControlType) (*Dialect, error) {
	d, ok := dialects[t]
	if !ok {
		return nil, fmt.Errorf("unknown control type %q", t)
	}
	return d, nil
}

// Encode builds the request frame for cmd.
func (d *Dialect) Encode(cmd Command) ([]byte, error) {
	if cmd.Kind >= commandKindCount {
		return nil, fmt.Errorf("unsupported command %s", cmd.Kind)
	}

	var payload []byte
	switch cmd.Kind {
	case CommandGoto:
		payload = binary.BigEndian.AppendUint32([]byte{byte(cmd.Axis)}, uint32(toCentidegrees(cmd.Position)))
	case CommandMoveTo:
		speed, err := d.encodeSpeed(cmd.Speed)
		if err != nil {
			return nil, err
		}
		payload = binary.BigEndian.AppendUint16([]byte{byte(cmd.Axis)}, uint16(speed))
		payload = binary.BigEndian.AppendUint32(payload, uint32(toCentidegrees(cmd.Position)))
	case CommandTimedMove:
		speed, err := d.encodeSpeed(cmd.Speed)
		if err != nil {
			return nil, err
		}
		ms := cmd.Duration.Milliseconds()
		if ms < 0 || ms > math.MaxUint16 {
			return nil, fmt.Errorf("move duration %s out of range", cmd.Duration)
		}
		payload = binary.BigEndian.AppendUint16([]byte{byte(cmd.Axis)}, uint16(speed))
		payload = binary.BigEndian.AppendUint16(payload, uint16(ms))
	case CommandStop:
		payload = []byte{byte(cmd.Axis)}
	}

	return encodeFrame(d.opcodes[cmd.Kind], payload), nil
}

// DecodeCommand parses a request frame. It is the device side of Encode.
func (d *Dialect) DecodeCommand(frame []byte) (Command, error) {
	body, ok, err := splitFrame(frame)
	if err != nil {
		return Command{}, err
	}
	if !ok {
		return Command{}, ErrChecksumInvalid
	}

	kind := commandKindCount
	for k, op := range d.opcodes {
		if op == body[0] {
			kind = CommandKind(k)
			break
		}
	}
	if kind == commandKindCount {
		return Command{}, fmt.Errorf("%w: opcode 0x%02X", ErrUnrecognizedFrame, body[0])
	}

	p := body[1:]
	want := map[CommandKind]int{CommandGoto: 5, CommandMoveTo: 7, CommandTimedMove: 5, CommandQueryPosition: 0, CommandStop: 1}[kind]
	if len(p) != want {
		return Command{}, fmt.Errorf("%w: %s payload has %d bytes, want %d", ErrDecode, kind, len(p), want)
	}

	cmd := Command{Kind: kind}
	if len(p) > 0 {
		cmd.Axis = Axis(p[0])
	}
	switch kind {
	case CommandGoto:
		cmd.Position = fromCentidegrees(int32(binary.BigEndian.Uint32(p[1:5])))
	case CommandMoveTo:
		cmd.Speed = float64(int16(binary.BigEndian.Uint16(p[1:3]))) / d.speedScale
		cmd.Position = fromCentidegrees(int32(binary.BigEndian.Uint32(p[3:7])))
	case CommandTimedMove:
		cmd.Speed = float64(int16(binary.BigEndian.Uint16(p[1:3]))) / d.speedScale
		cmd.Duration = time.Duration(binary.BigEndian.Uint16(p[3:5])) * time.Millisecond
	}
	return cmd, nil
}

func (d *Dialect) encodeSpeed(speed float64) (int16, error) {
	v := math.Round(speed * d.speedScale)
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("speed %.2f out of range for %s", speed, d.ControlType)
	}
	return int16(v), nil
}
