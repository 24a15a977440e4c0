package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lanshare/wire"
)

// serveInbound owns one accepted connection from the handshake through the
// terminal state of the session it carries.
func (m *Manager) serveInbound(conn net.Conn) {
	defer m.wg.Done()
	defer m.untrackConn(conn)
	defer conn.Close()

	payload, err := wire.ReadFrameWithTimeout(conn, m.opts.HandshakeTimeout)
	if err != nil {
		log.Printf("transfer: inbound handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	msgType, err := wire.DecodeControlType(payload)
	if err != nil || msgType != wire.TypeOffer {
		log.Printf("transfer: inbound connection from %s did not open with an offer", conn.RemoteAddr())
		return
	}

	var offer wire.Offer
	if err := wire.DecodeControl(payload, &offer); err != nil {
		return
	}

	fileName, ok := sanitizeFileName(offer.FileName)
	if !ok || offer.TransferID == "" || offer.FileSize < 0 || offer.FromDeviceID == "" {
		log.Printf("transfer: dropping malformed offer from %s", conn.RemoteAddr())
		return
	}

	if offer.ProtocolVersion != wire.ProtocolVersion {
		m.writeReject(conn, offer.TransferID, wire.RejectVersionMismatch)
		return
	}
	if _, err := newHasher(offer.ChecksumAlgorithm); err != nil {
		m.writeReject(conn, offer.TransferID, wire.RejectUnsupportedChecksum)
		return
	}
	if !m.tryAcquireSlot() {
		m.writeReject(conn, offer.TransferID, wire.RejectBusy)
		return
	}
	defer m.releaseSlot()

	request := Request{
		TransferID:        offer.TransferID,
		FileName:          fileName,
		FileSize:          offer.FileSize,
		ChecksumAlgorithm: offer.ChecksumAlgorithm,
		Checksum:          strings.ToLower(offer.Checksum),
		PeerDeviceID:      offer.FromDeviceID,
		PeerDeviceName:    offer.FromDeviceName,
	}

	session := newSession(request, RoleReceiver, m.emit)
	session.attachConn(conn)
	if err := m.register(session); err != nil {
		log.Printf("transfer: rejecting offer %s: %v", offer.TransferID, err)
		m.writeReject(conn, offer.TransferID, wire.RejectDeclined)
		return
	}
	session.announce()

	var accepted bool
	select {
	case accepted = <-session.decision:
	case <-time.After(m.opts.DecisionTimeout):
		accepted = false
	}

	if !accepted {
		m.writeReject(conn, offer.TransferID, wire.RejectDeclined)
		if session.isCancelled() {
			session.finish(StateAborted, wire.AbortCancelled)
		} else {
			session.finish(StateRejected, wire.RejectDeclined)
		}
		return
	}

	m.receive(session, conn)
}

// announce emits an event for the session's current state without changing it.
// Used to surface a freshly registered inbound offer.
func (s *Session) announce() {
	s.mu.Lock()
	event := s.eventLocked()
	s.mu.Unlock()
	s.emit(event)
}

// receive runs the data phase of an accepted inbound session. Chunks land in
// a .part file at sequence*chunkSize; the file is renamed into place only
// after the checksum verifies.
func (m *Manager) receive(s *Session, conn net.Conn) {
	hasher, err := newHasher(s.request.ChecksumAlgorithm)
	if err != nil {
		m.failReceive(s, conn, "", false, wire.AbortIOFailure, err.Error())
		return
	}

	chunkSize := m.opts.ChunkSize
	key := checkpointKey(s.request)
	tempPath := filepath.Join(m.opts.DownloadDir, s.request.FileName+".part")

	var resumeFrom uint64
	var received int64
	if m.opts.Checkpoints != nil {
		if cp, err := m.opts.Checkpoints.GetCheckpoint(key); err == nil && cp != nil {
			if from, bytes, ok := m.rehashCheckpoint(hasher, cp); ok {
				resumeFrom, received = from, bytes
				tempPath = cp.TempPath
				log.Printf("transfer: resuming %s from chunk %d (%d bytes)", s.request.TransferID, resumeFrom, received)
			} else if h, err := newHasher(s.request.ChecksumAlgorithm); err == nil {
				// Checkpoint unusable; start over with a clean digest.
				hasher = h
			}
		}
	}

	flags := os.O_CREATE | os.O_RDWR
	if resumeFrom == 0 {
		// Not resuming, so any .part left behind by an earlier crashed run
		// holds bytes this transfer will never overwrite. Start clean.
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(tempPath, flags, 0o644)
	if err != nil {
		m.failReceive(s, conn, "", false, wire.AbortIOFailure, "open partial file")
		return
	}
	defer out.Close()
	if err := out.Truncate(s.request.FileSize); err != nil {
		m.failReceive(s, conn, tempPath, false, wire.AbortIOFailure, "size partial file")
		return
	}
	s.setProgress(received)

	accept := wire.Accept{
		Type:       wire.TypeAccept,
		TransferID: s.request.TransferID,
		ChunkSize:  chunkSize,
		ResumeFrom: resumeFrom,
		Timestamp:  time.Now().Unix(),
	}
	if err := wire.WriteControl(conn, accept); err != nil {
		m.failReceive(s, conn, tempPath, true, s.abortCauseFor(err), "send accept")
		return
	}
	s.transition(StateAccepted)

	expected := resumeFrom
	buf := make([]byte, chunkSize)

	for {
		payload, err := wire.ReadFrameWithTimeout(conn, m.opts.IdleTimeout)
		if err != nil {
			m.failReceive(s, conn, tempPath, true, s.abortCauseFor(err), "read frame")
			return
		}

		msgType, err := wire.DecodeControlType(payload)
		if err != nil {
			m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure, "malformed frame")
			return
		}

		switch msgType {
		case wire.TypeAbort:
			var abort wire.Abort
			if err := wire.DecodeControl(payload, &abort); err != nil {
				abort.Cause = wire.AbortIOFailure
			}
			if !m.resumableCause(abort.Cause) {
				m.cleanupPartial(s, tempPath)
			}
			s.finish(StateAborted, abort.Cause)
			return

		case wire.TypeChunkHeader:
			var header wire.ChunkHeader
			if err := wire.DecodeControl(payload, &header); err != nil {
				m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure, "malformed chunk header")
				return
			}
			if header.TransferID != s.request.TransferID {
				m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure, "chunk for unknown transfer")
				return
			}
			if header.Sequence != expected {
				// A gap means data was lost in flight; the partial file
				// cannot be trusted past this point.
				m.failReceive(s, conn, tempPath, false, wire.AbortSequencingError,
					fmt.Sprintf("expected chunk %d, got %d", expected, header.Sequence))
				return
			}
			if header.PayloadLength < 0 || header.PayloadLength > chunkSize ||
				header.PayloadLength > wire.MaxChunkPayloadSize ||
				(header.PayloadLength == 0 && !header.IsFinal) {
				m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure, "invalid chunk length")
				return
			}
			if received+int64(header.PayloadLength) > s.request.FileSize {
				m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure, "payload exceeds declared file size")
				return
			}

			chunk := buf[:header.PayloadLength]
			if header.PayloadLength > 0 {
				if err := conn.SetReadDeadline(time.Now().Add(m.opts.IdleTimeout)); err == nil {
					_, err = io.ReadFull(conn, chunk)
					_ = conn.SetReadDeadline(time.Time{})
				}
				if err != nil {
					m.failReceive(s, conn, tempPath, true, s.abortCauseFor(err), "read chunk payload")
					return
				}
				if _, err := out.WriteAt(chunk, int64(header.Sequence)*int64(chunkSize)); err != nil {
					m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure, "write chunk")
					return
				}
				hasher.Write(chunk)
			}

			s.transition(StateInProgress)
			received += int64(header.PayloadLength)
			expected = header.Sequence + 1
			s.addProgress(header.PayloadLength)

			ack := wire.Ack{
				Type:       wire.TypeAck,
				TransferID: s.request.TransferID,
				AckThrough: header.Sequence,
				Timestamp:  time.Now().Unix(),
			}
			if err := wire.WriteControl(conn, ack); err != nil {
				m.failReceive(s, conn, tempPath, true, s.abortCauseFor(err), "send ack")
				return
			}

			if m.opts.Checkpoints != nil && !header.IsFinal && expected%checkpointEvery == 0 {
				_ = m.opts.Checkpoints.UpsertCheckpoint(Checkpoint{
					Key:              key,
					NextSequence:     expected,
					BytesTransferred: received,
					TempPath:         tempPath,
					UpdatedAt:        time.Now(),
				})
			}

			if !header.IsFinal {
				continue
			}

			if received != s.request.FileSize {
				m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure,
					fmt.Sprintf("received %d of %d bytes", received, s.request.FileSize))
				return
			}

			digest := hex.EncodeToString(hasher.Sum(nil))
			if !strings.EqualFold(digest, s.request.Checksum) {
				m.failReceive(s, conn, tempPath, false, wire.AbortChecksumMismatch, "digest does not match offer")
				return
			}

			if err := m.finalize(out, tempPath, s.request.FileName); err != nil {
				m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure, "finalize file")
				return
			}
			if m.opts.Checkpoints != nil {
				_ = m.opts.Checkpoints.DeleteCheckpoint(key)
			}
			complete := wire.Complete{
				Type:       wire.TypeComplete,
				TransferID: s.request.TransferID,
				Timestamp:  time.Now().Unix(),
			}
			if err := wire.WriteControl(conn, complete); err != nil {
				log.Printf("transfer: %s completed but complete frame failed: %v", s.request.TransferID, err)
			}
			s.finish(StateCompleted, "")
			return

		default:
			m.failReceive(s, conn, tempPath, true, wire.AbortIOFailure,
				fmt.Sprintf("unexpected %s frame during data phase", msgType))
			return
		}
	}
}

// rehashCheckpoint validates a stored checkpoint against the partial file on
// disk and replays its bytes into the digest. Returns ok=false when the
// checkpoint cannot be trusted.
func (m *Manager) rehashCheckpoint(hasher hash.Hash, cp *Checkpoint) (uint64, int64, bool) {
	if cp.BytesTransferred <= 0 || cp.NextSequence == 0 {
		return 0, 0, false
	}
	info, err := os.Stat(cp.TempPath)
	if err != nil || info.Size() < cp.BytesTransferred {
		return 0, 0, false
	}
	f, err := os.Open(cp.TempPath)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	if err := hashPrefix(hasher, f, cp.BytesTransferred); err != nil {
		return 0, 0, false
	}
	return cp.NextSequence, cp.BytesTransferred, true
}

// failReceive sends a best-effort abort frame, cleans up the partial file
// according to the cause, and moves the session to Aborted.
func (m *Manager) failReceive(s *Session, conn net.Conn, tempPath string, preservable bool, cause, message string) {
	if s.isCancelled() {
		cause = wire.AbortCancelled
	}
	m.writeAbort(conn, s.request.TransferID, cause, message)
	if tempPath != "" && (!preservable || !m.resumableCause(cause)) {
		m.cleanupPartial(s, tempPath)
	}
	s.finish(StateAborted, cause)
}

// resumableCause reports whether a partial file may be kept for a later
// resume. Only transport-level failures qualify, and only with a store.
func (m *Manager) resumableCause(cause string) bool {
	if m.opts.Checkpoints == nil {
		return false
	}
	return cause == wire.AbortTimeout || cause == wire.AbortIOFailure
}

func (m *Manager) cleanupPartial(s *Session, tempPath string) {
	if tempPath == "" {
		return
	}
	_ = os.Remove(tempPath)
	if m.opts.Checkpoints != nil {
		_ = m.opts.Checkpoints.DeleteCheckpoint(checkpointKey(s.request))
	}
}

// finalize syncs the partial file and renames it to a non-clobbering final
// path in the download directory.
func (m *Manager) finalize(out *os.File, tempPath, fileName string) error {
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	finalPath, err := uniquePath(filepath.Join(m.opts.DownloadDir, fileName))
	if err != nil {
		return err
	}
	return os.Rename(tempPath, finalPath)
}

// uniquePath returns path itself when free, otherwise "name (n).ext" with
// the lowest free n.
func uniquePath(path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; i < 10000; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s", path)
}

// sanitizeFileName strips any path components from an offered file name and
// rejects names that cannot safely land in the download directory.
func sanitizeFileName(name string) (string, bool) {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", false
	}
	return name, true
}

// abortCauseFor maps a transport error to an abort cause, honoring local
// cancellation first since Cancel closes the connection out from under us.
func (s *Session) abortCauseFor(err error) string {
	if s.isCancelled() {
		return wire.AbortCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wire.AbortTimeout
	}
	return wire.AbortIOFailure
}
