package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := wire.NewPingFrame("alice", 3, "hello")
	if err != nil {
		t.Fatalf("NewPingFrame failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Kind != frame.Kind || got.From != frame.From || got.Seq != frame.Seq {
		t.Errorf("Envelope mismatch after round trip: %+v", got)
	}
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint64(1); seq <= 3; seq++ {
		frame, _ := wire.NewPingFrame("alice", seq, "m")
		if err := WriteFrame(&buf, frame); err != nil {
			t.Fatalf("WriteFrame %d failed: %v", seq, err)
		}
	}
	for seq := uint64(1); seq <= 3; seq++ {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", seq, err)
		}
		if got.Seq != seq {
			t.Errorf("Frame %d read out of order: seq %d", seq, got.Seq)
		}
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], constants.MaxFrameSize+1)
	buf.Write(prefix[:])

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("Accepted a frame above the protocol maximum")
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("Accepted a zero-length frame")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.Write([]byte("short"))

	if _, err := ReadFrame(&buf); err == nil {
		t.Error("Accepted a truncated payload")
	}
}

func TestEphemeralTLSConfig(t *testing.T) {
	cfg, err := EphemeralTLSConfig()
	if err != nil {
		t.Fatalf("EphemeralTLSConfig failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Expected one certificate, got %d", len(cfg.Certificates))
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != constants.ALPNProtocol {
		t.Errorf("ALPN protocols = %v, want [%s]", cfg.NextProtos, constants.ALPNProtocol)
	}

	client := ClientTLSConfig()
	if !client.InsecureSkipVerify {
		t.Error("Client config verifies certificates; there is no trust model to verify against")
	}
}
