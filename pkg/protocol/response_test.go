package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFrames() map[string]Response {
	return map[string]Response{
		"ack":          {Type: ResponseAcknowledge, ChecksumValid: true},
		"position":     {Type: ResponsePosition, ChecksumValid: true, Position: Position{Pan: -100.25, Tilt: 12.5}},
		"limitOverrun": {Type: ResponseLimitOverrun, ChecksumValid: true, LimitOverrun: LimitTiltMax},
		"error":        {Type: ResponseError, ChecksumValid: true, ErrorCode: ErrorCodeBusy},
	}
}

func TestDecodeValidFrames(t *testing.T) {
	for name, want := range validFrames() {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(EncodeResponse(want))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDecodeCorruptedChecksum(t *testing.T) {
	for name, want := range validFrames() {
		t.Run(name, func(t *testing.T) {
			frame := EncodeResponse(want)
			for _, delta := range []byte{1, 0x80, 0xFF} {
				corrupted := append([]byte(nil), frame...)
				corrupted[len(corrupted)-1] += delta

				got, err := Decode(corrupted)
				require.NoError(t, err)
				assert.False(t, got.ChecksumValid)
				assert.Equal(t, want.Type, got.Type)
			}
		})
	}
}

func TestDecodeUnrecognizedType(t *testing.T) {
	for b := 0; b < 256; b++ {
		typ := ResponseType(b)
		if typ.known() {
			continue
		}
		frame := encodeFrame(byte(b), nil)
		_, err := Decode(frame)
		if !errors.Is(err, ErrUnrecognizedFrame) {
			t.Fatalf("type 0x%02X: expected ErrUnrecognizedFrame, got %v", b, err)
		}

		// A bad checksum does not turn a protocol mismatch into line noise.
		frame[len(frame)-1]++
		if _, err := Decode(frame); !errors.Is(err, ErrUnrecognizedFrame) {
			t.Fatalf("type 0x%02X with bad checksum: expected ErrUnrecognizedFrame, got %v", b, err)
		}
	}
}

func TestDecodeLimitOverrunSubType(t *testing.T) {
	tests := []struct {
		name    string
		subType byte
		wantErr bool
	}{
		{name: "zero", subType: 0, wantErr: true},
		{name: "pan min", subType: 1},
		{name: "tilt max", subType: 4},
		{name: "past tilt max", subType: 5, wantErr: true},
		{name: "max byte", subType: 0xFF, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := encodeFrame(byte(ResponseLimitOverrun), []byte{tt.subType})
			got, err := Decode(frame)
			if tt.wantErr {
				if !errors.Is(err, ErrDecode) {
					t.Fatalf("expected ErrDecode, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.LimitOverrun != LimitOverrunType(tt.subType) {
				t.Fatalf("expected sub-type %d, got %d", tt.subType, got.LimitOverrun)
			}
		})
	}
}

func TestDecodeLimitOverrunSubTypeWithBadChecksum(t *testing.T) {
	frame := encodeFrame(byte(ResponseLimitOverrun), []byte{9})
	frame[len(frame)-1]++

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.False(t, got.ChecksumValid)
	assert.Equal(t, LimitOverrunType(0), got.LimitOverrun)
}

func TestDecodeMalformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":         nil,
		"no marker":     {0x00, 0x01, 0x01, 0x02},
		"zero length":   {StartMarker, 0x00, 0x01, 0x00},
		"short":         {StartMarker, 0x03, 0x01, 0x04},
		"trailing data": append(EncodeResponse(Response{Type: ResponseAcknowledge}), 0x00),
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	for _, ct := range []ControlType{ControlTypeEneo, ControlTypeAlturos} {
		d, err := DialectFor(ct)
		require.NoError(t, err)

		cmds := []Command{
			{Kind: CommandGoto, Axis: AxisPan, Position: -100},
			{Kind: CommandMoveTo, Axis: AxisTilt, Speed: -25.5, Position: 12.34},
			{Kind: CommandTimedMove, Axis: AxisPan, Speed: 1.5, Duration: time.Second},
			{Kind: CommandQueryPosition},
			{Kind: CommandStop, Axis: AxisTilt},
		}
		for _, cmd := range cmds {
			frame, err := d.Encode(cmd)
			require.NoError(t, err)
			got, err := d.DecodeCommand(frame)
			require.NoError(t, err, "%s %s", ct, cmd.Kind)
			assert.Equal(t, cmd, got, "%s %s", ct, cmd.Kind)
		}
	}
}

func TestEncodeSpeedOutOfRange(t *testing.T) {
	d, err := DialectFor(ControlTypeAlturos)
	require.NoError(t, err)
	_, err = d.Encode(Command{Kind: CommandMoveTo, Speed: 400})
	assert.Error(t, err)
}
