package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the current wire protocol version for both
	// announcement and transfer control frames.
	ProtocolVersion = 1
	// MaxDisplayNameLen bounds the UTF-8 display name in an announcement.
	MaxDisplayNameLen = 255

	deviceIDLen        = 16
	announcementMinLen = 1 + deviceIDLen + 1 + 2
)

var (
	// ErrMalformedFrame indicates a frame that violates the wire grammar.
	ErrMalformedFrame = errors.New("wire: malformed frame")
	// ErrUnsupportedVersion indicates a protocol version mismatch.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
)

// Announcement is the connectionless presence frame a peer broadcasts on the
// discovery port: identity plus the TCP port its transfer listener is on.
type Announcement struct {
	DeviceID    string
	DisplayName string
	ListenPort  int
}

// EncodeAnnouncement serializes an announcement into its fixed binary layout:
// version(1) | deviceID(16) | nameLen(1) | name(UTF-8) | listenPort(2, BE).
// It fails only for structures that cannot be represented on the wire.
func EncodeAnnouncement(a Announcement) ([]byte, error) {
	id, err := uuid.Parse(a.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("encode announcement: invalid device ID %q: %w", a.DeviceID, err)
	}
	if id == uuid.Nil {
		return nil, errors.New("encode announcement: device ID must not be the nil UUID")
	}

	name := []byte(a.DisplayName)
	if len(name) > MaxDisplayNameLen {
		return nil, fmt.Errorf("encode announcement: display name exceeds %d bytes", MaxDisplayNameLen)
	}
	if a.ListenPort <= 0 || a.ListenPort > 65535 {
		return nil, fmt.Errorf("encode announcement: listen port %d out of range", a.ListenPort)
	}

	buf := make([]byte, 0, announcementMinLen+len(name))
	buf = append(buf, ProtocolVersion)
	buf = append(buf, id[:]...)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(a.ListenPort))
	buf = append(buf, port[:]...)

	return buf, nil
}

// DecodeAnnouncement parses an announcement frame. Arbitrary input is safe:
// any length or bounds violation yields ErrMalformedFrame, a version byte
// other than ProtocolVersion yields ErrUnsupportedVersion.
func DecodeAnnouncement(raw []byte) (Announcement, error) {
	if len(raw) < announcementMinLen {
		return Announcement{}, fmt.Errorf("%w: announcement too short (%d bytes)", ErrMalformedFrame, len(raw))
	}
	if raw[0] != ProtocolVersion {
		return Announcement{}, fmt.Errorf("%w: got version %d, want %d", ErrUnsupportedVersion, raw[0], ProtocolVersion)
	}

	var id uuid.UUID
	copy(id[:], raw[1:1+deviceIDLen])
	if id == uuid.Nil {
		return Announcement{}, fmt.Errorf("%w: nil device ID", ErrMalformedFrame)
	}

	nameLen := int(raw[1+deviceIDLen])
	if len(raw) != announcementMinLen+nameLen {
		return Announcement{}, fmt.Errorf("%w: length %d does not match name length %d", ErrMalformedFrame, len(raw), nameLen)
	}

	nameStart := 1 + deviceIDLen + 1
	name := raw[nameStart : nameStart+nameLen]
	if !utf8.Valid(name) {
		return Announcement{}, fmt.Errorf("%w: display name is not valid UTF-8", ErrMalformedFrame)
	}

	port := binary.BigEndian.Uint16(raw[nameStart+nameLen:])
	if port == 0 {
		return Announcement{}, fmt.Errorf("%w: listen port 0", ErrMalformedFrame)
	}

	return Announcement{
		DeviceID:    id.String(),
		DisplayName: string(name),
		ListenPort:  int(port),
	}, nil
}
