package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/panlab/ptcal/pkg/protocol"
)

func TestTCPReadWrite(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	ch := NewTCP(local)
	defer ch.Close()

	go func() {
		buf := make([]byte, 16)
		n, err := remote.Read(buf)
		if err != nil {
			return
		}
		_, _ = remote.Write(buf[:n])
	}()

	if err := ch.Write([]byte{0xA5, 0x01, 0x13, 0x14}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	b, err := ch.Read(time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(b) != 4 || b[0] != 0xA5 {
		t.Fatalf("unexpected echo %v", b)
	}
}

func TestTCPReadTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	ch := NewTCP(local)
	defer ch.Close()

	if _, err := ch.Read(20 * time.Millisecond); !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestOpenSerialValidation(t *testing.T) {
	if _, err := OpenSerial(SerialConfig{}); err == nil {
		t.Fatalf("expected error for missing port")
	}
	if _, err := OpenSerial(SerialConfig{Port: "/dev/null", Driver: "unknown"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
