package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxControlFrameSize bounds a single control frame payload. Chunk data
	// travels as raw bytes after a chunk_header frame and is not subject to
	// this limit.
	MaxControlFrameSize = 64 * 1024
	// MaxChunkPayloadSize bounds the raw payload following a chunk_header.
	MaxChunkPayloadSize = 4 * 1024 * 1024
)

const (
	TypeOffer       = "offer"
	TypeAccept      = "accept"
	TypeReject      = "reject"
	TypeChunkHeader = "chunk_header"
	TypeAck         = "ack"
	TypeComplete    = "complete"
	TypeAbort       = "abort"
)

// Reject reasons carried on Reject frames.
const (
	RejectDeclined            = "declined"
	RejectBusy                = "busy"
	RejectVersionMismatch     = "version_mismatch"
	RejectUnsupportedChecksum = "unsupported_checksum"
)

// Abort causes carried on Abort frames and session events.
const (
	AbortChecksumMismatch = "checksum_mismatch"
	AbortSequencingError  = "sequencing_error"
	AbortTimeout          = "timeout"
	AbortIOFailure        = "io_failure"
	AbortCancelled        = "cancelled"
)

// ErrFrameTooLarge indicates a control frame payload exceeds MaxControlFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds max size")

// Envelope identifies the control message type.
type Envelope struct {
	Type string `json:"type"`
}

// Offer proposes one file transfer. Immutable once sent.
type Offer struct {
	Type              string `json:"type"`
	TransferID        string `json:"transfer_id"`
	ProtocolVersion   int    `json:"protocol_version"`
	FromDeviceID      string `json:"from_device_id"`
	FromDeviceName    string `json:"from_device_name"`
	FileName          string `json:"file_name"`
	FileSize          int64  `json:"file_size"`
	ChecksumAlgorithm string `json:"checksum_algorithm"`
	Checksum          string `json:"checksum"`
	Timestamp         int64  `json:"timestamp"`
}

// Accept signals the receiver will take the file. ResumeFrom is the first
// sequence number the receiver expects; zero means from scratch.
type Accept struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkSize  int    `json:"chunk_size"`
	ResumeFrom uint64 `json:"resume_from"`
	Timestamp  int64  `json:"timestamp"`
}

// Reject declines an offer without transferring bytes.
type Reject struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason"`
	Timestamp  int64  `json:"timestamp"`
}

// ChunkHeader announces one chunk; exactly PayloadLength raw bytes follow
// this frame on the connection.
type ChunkHeader struct {
	Type          string `json:"type"`
	TransferID    string `json:"transfer_id"`
	Sequence      uint64 `json:"sequence"`
	PayloadLength int    `json:"payload_length"`
	IsFinal       bool   `json:"is_final"`
}

// Ack reports the highest contiguous sequence number the receiver has
// persisted. Confirmed-progress only; acks never trigger retransmission.
type Ack struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	AckThrough uint64 `json:"ack_through"`
	Timestamp  int64  `json:"timestamp"`
}

// Complete reports successful receipt and checksum verification.
type Complete struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// Abort terminates a session with a cause code.
type Abort struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Cause      string `json:"cause"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// EncodeControl marshals a control message to its JSON payload.
func EncodeControl(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}

// DecodeControlType extracts the "type" field from a control payload.
func DecodeControlType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return envelope.Type, nil
}

// DecodeControl unmarshals a control payload into the given message struct.
func DecodeControl(payload []byte, message any) error {
	if err := json.Unmarshal(payload, message); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// WriteFrame writes one length-prefixed control frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxControlFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// WriteControl marshals a control message and writes it as one frame.
func WriteControl(w io.Writer, message any) error {
	payload, err := EncodeControl(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadFrame reads one length-prefixed control frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxControlFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
