package transfer

import (
	"net"
	"sync"
	"time"
)

// State is the lifecycle state of one transfer session.
type State string

const (
	StateProposed   State = "proposed"
	StateAccepted   State = "accepted"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateRejected   State = "rejected"
	StateAborted    State = "aborted"
)

// terminal reports whether no further transition is allowed out of s.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateAborted
}

// Role distinguishes the two ends of a session.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// CausePeerUnreachable is the local abort cause when the peer's advertised
// address cannot be reached. It never appears on the wire.
const CausePeerUnreachable = "peer_unreachable"

// Request identifies one logical file movement. Immutable once created.
type Request struct {
	TransferID        string
	FileName          string
	FileSize          int64
	ChecksumAlgorithm string
	Checksum          string
	PeerDeviceID      string
	PeerDeviceName    string
}

// Status is an immutable snapshot of one session, safe to hand out.
type Status struct {
	TransferID       string
	Role             Role
	State            State
	PeerDeviceID     string
	PeerDeviceName   string
	FileName         string
	BytesTransferred int64
	TotalBytes       int64
	// Cause explains a Rejected or Aborted terminal state.
	Cause string
}

// Event reports a session state transition or byte-progress delta.
type Event struct {
	TransferID        string
	Role              Role
	State             State
	PeerDeviceID      string
	PeerDeviceName    string
	FileName          string
	FileSize          int64
	ChecksumAlgorithm string
	BytesTransferred  int64
	Cause             string
}

// Session tracks one transfer end to end. The owning goroutine (the sender
// or receiver loop) is the only writer of progress; state transitions are
// linearized through the session mutex so Cancel is safe from any state.
type Session struct {
	request Request
	role    Role

	emit func(Event)

	mu               sync.Mutex
	state            State
	cause            string
	bytesTransferred int64
	conn             net.Conn
	sourcePath       string

	// decision carries the local accept/reject verdict for inbound offers.
	decision     chan bool
	decisionOnce sync.Once

	cancelOnce sync.Once
	cancelled  chan struct{}

	terminalAt time.Time
}

func newSession(request Request, role Role, emit func(Event)) *Session {
	return &Session{
		request:   request,
		role:      role,
		emit:      emit,
		state:     StateProposed,
		decision:  make(chan bool, 1),
		cancelled: make(chan struct{}),
	}
}

// Status returns a consistent snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		TransferID:       s.request.TransferID,
		Role:             s.role,
		State:            s.state,
		PeerDeviceID:     s.request.PeerDeviceID,
		PeerDeviceName:   s.request.PeerDeviceName,
		FileName:         s.request.FileName,
		BytesTransferred: s.bytesTransferred,
		TotalBytes:       s.request.FileSize,
		Cause:            s.cause,
	}
}

// Cancel requests the session move to Aborted. Safe from any state,
// including before any bytes have moved; a second call is a no-op.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
	})
	s.respond(false)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		// Unblocks any read or write the data loop is parked on.
		_ = conn.Close()
	}
}

func (s *Session) isCancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// respond delivers the local accept/reject decision at most once.
func (s *Session) respond(accept bool) {
	s.decisionOnce.Do(func() {
		s.decision <- accept
	})
}

func (s *Session) attachConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	alreadyCancelled := s.isCancelled()
	s.mu.Unlock()

	if alreadyCancelled {
		_ = conn.Close()
	}
}

// transition moves the session to a non-terminal state and emits an event.
// Returns false without emitting when the session is already terminal.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	if s.state.terminal() || s.state == to {
		s.mu.Unlock()
		return !s.state.terminal()
	}
	s.state = to
	event := s.eventLocked()
	s.mu.Unlock()

	s.emit(event)
	return true
}

// finish moves the session to a terminal state with an optional cause.
// The first terminal transition wins; later ones are ignored.
func (s *Session) finish(to State, cause string) bool {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.cause = cause
	s.terminalAt = time.Now()
	event := s.eventLocked()
	s.mu.Unlock()

	s.emit(event)
	return true
}

// addProgress accumulates transferred bytes and emits a progress event.
func (s *Session) addProgress(n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.bytesTransferred += int64(n)
	event := s.eventLocked()
	s.mu.Unlock()

	s.emit(event)
}

// setChecksum fills in the source digest once hashing finishes. Sender side
// only, before the offer goes out.
func (s *Session) setChecksum(digest string) {
	s.mu.Lock()
	s.request.Checksum = digest
	s.mu.Unlock()
}

func (s *Session) setProgress(bytes int64) {
	s.mu.Lock()
	s.bytesTransferred = bytes
	s.mu.Unlock()
}

func (s *Session) eventLocked() Event {
	return Event{
		TransferID:        s.request.TransferID,
		Role:              s.role,
		State:             s.state,
		PeerDeviceID:      s.request.PeerDeviceID,
		PeerDeviceName:    s.request.PeerDeviceName,
		FileName:          s.request.FileName,
		FileSize:          s.request.FileSize,
		ChecksumAlgorithm: s.request.ChecksumAlgorithm,
		BytesTransferred:  s.bytesTransferred,
		Cause:             s.cause,
	}
}

func (s *Session) terminalSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.terminal() {
		return time.Time{}, false
	}
	return s.terminalAt, true
}
