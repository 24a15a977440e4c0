package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	original := Announcement{
		DeviceID:    uuid.NewString(),
		DisplayName: "Living Room PC",
		ListenPort:  47701,
	}

	raw, err := EncodeAnnouncement(original)
	if err != nil {
		t.Fatalf("EncodeAnnouncement failed: %v", err)
	}

	decoded, err := DecodeAnnouncement(raw)
	if err != nil {
		t.Fatalf("DecodeAnnouncement failed: %v", err)
	}
	if decoded != original {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestAnnouncementRoundTripNonASCIIName(t *testing.T) {
	original := Announcement{
		DeviceID:    uuid.NewString(),
		DisplayName: "Büro — дом",
		ListenPort:  1,
	}

	raw, err := EncodeAnnouncement(original)
	if err != nil {
		t.Fatalf("EncodeAnnouncement failed: %v", err)
	}
	decoded, err := DecodeAnnouncement(raw)
	if err != nil {
		t.Fatalf("DecodeAnnouncement failed: %v", err)
	}
	if decoded.DisplayName != original.DisplayName {
		t.Fatalf("display name mismatch: got %q, want %q", decoded.DisplayName, original.DisplayName)
	}
}

func TestEncodeAnnouncementRejectsInvalidFields(t *testing.T) {
	valid := Announcement{DeviceID: uuid.NewString(), DisplayName: "x", ListenPort: 9999}

	bad := valid
	bad.DeviceID = "not-a-uuid"
	if _, err := EncodeAnnouncement(bad); err == nil {
		t.Fatalf("expected error for invalid device ID")
	}

	bad = valid
	bad.DeviceID = uuid.Nil.String()
	if _, err := EncodeAnnouncement(bad); err == nil {
		t.Fatalf("expected error for nil device ID")
	}

	bad = valid
	bad.DisplayName = strings.Repeat("n", MaxDisplayNameLen+1)
	if _, err := EncodeAnnouncement(bad); err == nil {
		t.Fatalf("expected error for oversized display name")
	}

	bad = valid
	bad.ListenPort = 0
	if _, err := EncodeAnnouncement(bad); err == nil {
		t.Fatalf("expected error for port 0")
	}

	bad = valid
	bad.ListenPort = 70000
	if _, err := EncodeAnnouncement(bad); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestDecodeAnnouncementRejectsVersionMismatch(t *testing.T) {
	raw, err := EncodeAnnouncement(Announcement{
		DeviceID:    uuid.NewString(),
		DisplayName: "peer",
		ListenPort:  47701,
	})
	if err != nil {
		t.Fatalf("EncodeAnnouncement failed: %v", err)
	}
	raw[0] = ProtocolVersion + 1

	if _, err := DecodeAnnouncement(raw); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeAnnouncementRejectsMalformedInput(t *testing.T) {
	valid, err := EncodeAnnouncement(Announcement{
		DeviceID:    uuid.NewString(),
		DisplayName: "peer",
		ListenPort:  47701,
	})
	if err != nil {
		t.Fatalf("EncodeAnnouncement failed: %v", err)
	}

	truncatedName := append([]byte(nil), valid...)
	truncatedName[17] = 200 // name length beyond frame end

	inputs := [][]byte{
		nil,
		{},
		{ProtocolVersion},
		valid[:len(valid)-1],
		append(append([]byte(nil), valid...), 0x00),
		truncatedName,
		bytes.Repeat([]byte{0x00}, announcementMinLen),
	}

	for i, input := range inputs {
		_, err := DecodeAnnouncement(input)
		if err == nil {
			t.Fatalf("input %d: expected decode error", i)
		}
		if !errors.Is(err, ErrMalformedFrame) && !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("input %d: expected ErrMalformedFrame or ErrUnsupportedVersion, got %v", i, err)
		}
	}

	nilID := append([]byte(nil), valid...)
	for i := 1; i <= deviceIDLen; i++ {
		nilID[i] = 0
	}
	if _, err := DecodeAnnouncement(nilID); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for nil device ID, got %v", err)
	}
}

func TestDecodeAnnouncementNeverPanicsOnArbitraryBytes(t *testing.T) {
	for size := 0; size < 64; size++ {
		input := make([]byte, size)
		for i := range input {
			input[i] = byte(i*31 + size*17)
		}
		if size > 0 {
			input[0] = ProtocolVersion
		}
		// Only checking the decoder stays within bounds; errors are expected.
		_, _ = DecodeAnnouncement(input)
	}
}
