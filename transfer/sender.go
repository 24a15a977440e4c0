package transfer

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"lanshare/wire"
)

// runOutbound drives one queued outbound session: wait for a transfer slot,
// dial the peer, then hand the connection to the send loop.
func (m *Manager) runOutbound(s *Session) {
	defer m.wg.Done()

	// Hash before taking a slot so a large file does not hold up the queue.
	digest, err := FileChecksum(s.sourcePath, s.request.ChecksumAlgorithm)
	if err != nil {
		log.Printf("transfer: checksum %s: %v", s.sourcePath, err)
		s.finish(StateAborted, wire.AbortIOFailure)
		return
	}
	s.setChecksum(digest)

	select {
	case m.slots <- struct{}{}:
	case <-s.cancelled:
		s.finish(StateAborted, wire.AbortCancelled)
		return
	case <-m.done:
		s.finish(StateAborted, wire.AbortCancelled)
		return
	}
	defer m.releaseSlot()

	identity, ok := m.lookupPeer(s.request.PeerDeviceID)
	if !ok {
		s.finish(StateAborted, CausePeerUnreachable)
		return
	}

	address := net.JoinHostPort(identity.Address, fmt.Sprintf("%d", identity.Port))
	conn, err := net.DialTimeout("tcp", address, m.opts.DialTimeout)
	if err != nil {
		if s.isCancelled() {
			s.finish(StateAborted, wire.AbortCancelled)
		} else {
			log.Printf("transfer: dial %s (%s): %v", s.request.PeerDeviceID, address, err)
			s.finish(StateAborted, CausePeerUnreachable)
		}
		return
	}
	defer conn.Close()
	s.attachConn(conn)

	m.send(s, conn)
}

// send runs the offer handshake and data phase of an outbound session.
func (m *Manager) send(s *Session, conn net.Conn) {
	offer := wire.Offer{
		Type:              wire.TypeOffer,
		TransferID:        s.request.TransferID,
		ProtocolVersion:   wire.ProtocolVersion,
		FromDeviceID:      m.opts.SelfDeviceID,
		FromDeviceName:    m.opts.SelfDeviceName,
		FileName:          s.request.FileName,
		FileSize:          s.request.FileSize,
		ChecksumAlgorithm: s.request.ChecksumAlgorithm,
		Checksum:          s.request.Checksum,
		Timestamp:         time.Now().Unix(),
	}
	if err := wire.WriteControl(conn, offer); err != nil {
		s.finish(StateAborted, s.abortCauseFor(err))
		return
	}

	// The receiver may sit on the offer until a human answers, so the
	// response window is much wider than the per-frame idle timeout.
	payload, err := wire.ReadFrameWithTimeout(conn, m.opts.ResponseTimeout)
	if err != nil {
		s.finish(StateAborted, s.abortCauseFor(err))
		return
	}
	msgType, err := wire.DecodeControlType(payload)
	if err != nil {
		s.finish(StateAborted, wire.AbortIOFailure)
		return
	}

	var accept wire.Accept
	switch msgType {
	case wire.TypeReject:
		var reject wire.Reject
		if err := wire.DecodeControl(payload, &reject); err != nil || reject.Reason == "" {
			reject.Reason = wire.RejectDeclined
		}
		s.finish(StateRejected, reject.Reason)
		return
	case wire.TypeAccept:
		if err := wire.DecodeControl(payload, &accept); err != nil {
			s.finish(StateAborted, wire.AbortIOFailure)
			return
		}
	case wire.TypeAbort:
		var abort wire.Abort
		if err := wire.DecodeControl(payload, &abort); err != nil {
			abort.Cause = wire.AbortIOFailure
		}
		s.finish(StateAborted, abort.Cause)
		return
	default:
		s.finish(StateAborted, wire.AbortIOFailure)
		return
	}

	chunkSize := accept.ChunkSize
	if chunkSize <= 0 || chunkSize > wire.MaxChunkPayloadSize {
		m.writeAbort(conn, s.request.TransferID, wire.AbortIOFailure, "unusable chunk size")
		s.finish(StateAborted, wire.AbortIOFailure)
		return
	}
	totalChunks := s.request.FileSize / int64(chunkSize)
	if s.request.FileSize%int64(chunkSize) != 0 || totalChunks == 0 {
		totalChunks++
	}

	// Bound the resume point before multiplying so a hostile peer cannot
	// overflow the byte offset into a negative value.
	resumeFrom := accept.ResumeFrom
	if resumeFrom >= uint64(totalChunks) {
		m.writeAbort(conn, s.request.TransferID, wire.AbortIOFailure, "resume point beyond file size")
		s.finish(StateAborted, wire.AbortIOFailure)
		return
	}
	resumedBytes := int64(resumeFrom) * int64(chunkSize)
	s.transition(StateAccepted)
	s.setProgress(resumedBytes)

	file, err := os.Open(s.sourcePath)
	if err != nil {
		m.writeAbort(conn, s.request.TransferID, wire.AbortIOFailure, "open source file")
		s.finish(StateAborted, wire.AbortIOFailure)
		return
	}
	defer file.Close()

	// Drain acks and catch an abort or complete while we stream. Without
	// this the receiver's ack writes would eventually fill both socket
	// buffers and deadlock the data phase.
	completeCh := make(chan struct{})
	abortCh := make(chan wire.Abort, 1)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			payload, err := wire.ReadFrame(conn)
			if err != nil {
				readErrCh <- err
				return
			}
			msgType, err := wire.DecodeControlType(payload)
			if err != nil {
				readErrCh <- err
				return
			}
			switch msgType {
			case wire.TypeAck:
				// Confirmed-progress only; nothing to retransmit.
			case wire.TypeComplete:
				close(completeCh)
				return
			case wire.TypeAbort:
				var abort wire.Abort
				if err := wire.DecodeControl(payload, &abort); err != nil {
					abort.Cause = wire.AbortIOFailure
				}
				abortCh <- abort
				return
			}
		}
	}()

	s.transition(StateInProgress)

	buf := make([]byte, chunkSize)
	for seq := resumeFrom; seq < uint64(totalChunks); seq++ {
		select {
		case abort := <-abortCh:
			s.finish(StateAborted, abort.Cause)
			return
		case err := <-readErrCh:
			s.finish(StateAborted, s.abortCauseFor(err))
			return
		case <-s.cancelled:
			m.writeAbort(conn, s.request.TransferID, wire.AbortCancelled, "")
			s.finish(StateAborted, wire.AbortCancelled)
			return
		default:
		}

		offset := int64(seq) * int64(chunkSize)
		length := s.request.FileSize - offset
		if length > int64(chunkSize) {
			length = int64(chunkSize)
		}
		if length < 0 {
			length = 0
		}

		chunk := buf[:length]
		if length > 0 {
			if _, err := file.ReadAt(chunk, offset); err != nil {
				m.writeAbort(conn, s.request.TransferID, wire.AbortIOFailure, "read source file")
				s.finish(StateAborted, wire.AbortIOFailure)
				return
			}
		}

		header := wire.ChunkHeader{
			Type:          wire.TypeChunkHeader,
			TransferID:    s.request.TransferID,
			Sequence:      seq,
			PayloadLength: int(length),
			IsFinal:       seq == uint64(totalChunks)-1,
		}
		if err := m.writeChunk(conn, header, chunk); err != nil {
			// A failed write often means the receiver aborted and closed;
			// give its abort frame a moment to surface the real cause.
			select {
			case abort := <-abortCh:
				s.finish(StateAborted, abort.Cause)
			case <-time.After(500 * time.Millisecond):
				s.finish(StateAborted, s.abortCauseFor(err))
			}
			return
		}
		s.addProgress(int(length))
	}

	select {
	case <-completeCh:
		s.finish(StateCompleted, "")
	case abort := <-abortCh:
		s.finish(StateAborted, abort.Cause)
	case err := <-readErrCh:
		s.finish(StateAborted, s.abortCauseFor(err))
	case <-s.cancelled:
		m.writeAbort(conn, s.request.TransferID, wire.AbortCancelled, "")
		s.finish(StateAborted, wire.AbortCancelled)
	case <-time.After(m.opts.CompleteTimeout):
		m.writeAbort(conn, s.request.TransferID, wire.AbortTimeout, "no completion from receiver")
		s.finish(StateAborted, wire.AbortTimeout)
	}
}

// writeChunk writes a chunk header frame followed by its raw payload under
// one write deadline.
func (m *Manager) writeChunk(conn net.Conn, header wire.ChunkHeader, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.IdleTimeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})

	if err := wire.WriteControl(conn, header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := conn.Write(payload)
	return err
}
