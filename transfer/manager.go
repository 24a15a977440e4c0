// Package transfer implements the file transfer engine: the listener,
// session lifecycle, concurrency slots, and the sender and receiver data
// loops that move chunks over TCP.
package transfer

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanshare/registry"
	"lanshare/wire"
)

const (
	DefaultChunkSize        = 256 * 1024
	DefaultMaxConcurrent    = 4
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDecisionTimeout  = 2 * time.Minute
	DefaultResponseTimeout  = DefaultDecisionTimeout + 30*time.Second
	DefaultCompleteTimeout  = 2 * time.Minute
	DefaultIdleTimeout      = 30 * time.Second
	DefaultTerminalGrace    = 2 * time.Minute

	eventBufferSize = 256
	janitorInterval = 30 * time.Second
)

var (
	ErrNotRunning      = errors.New("transfer: manager not running")
	ErrPeerUnreachable = errors.New("transfer: peer unreachable")
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	ErrInvalidState    = errors.New("transfer: operation not valid in current state")
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	SelfDeviceID   string
	SelfDeviceName string

	// ListenAddress is the TCP address for inbound sessions, ":0" by default.
	ListenAddress string
	DownloadDir   string

	// ChecksumAlgorithm names the digest used for outbound offers.
	ChecksumAlgorithm string
	ChunkSize         int
	MaxConcurrent     int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// DecisionTimeout bounds how long an inbound offer waits for a local
	// accept or reject before being declined.
	DecisionTimeout time.Duration
	// ResponseTimeout bounds how long an outbound offer waits for the
	// peer's accept or reject.
	ResponseTimeout time.Duration
	CompleteTimeout time.Duration
	IdleTimeout     time.Duration
	// TerminalGrace is how long finished sessions stay queryable.
	TerminalGrace time.Duration

	// LookupPeer resolves a device ID to its current address.
	LookupPeer func(deviceID string) (registry.Identity, bool)

	// Checkpoints enables receive-side resume when non-nil.
	Checkpoints CheckpointStore
}

func (o Options) withDefaults() Options {
	if o.ListenAddress == "" {
		o.ListenAddress = ":0"
	}
	if o.ChecksumAlgorithm == "" {
		o.ChecksumAlgorithm = ChecksumSHA256
	}
	if o.ChunkSize <= 0 || o.ChunkSize > wire.MaxChunkPayloadSize {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.DecisionTimeout <= 0 {
		o.DecisionTimeout = DefaultDecisionTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.CompleteTimeout <= 0 {
		o.CompleteTimeout = DefaultCompleteTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.TerminalGrace <= 0 {
		o.TerminalGrace = DefaultTerminalGrace
	}
	return o
}

// Manager owns all transfer sessions for one device.
type Manager struct {
	opts Options

	mu           sync.RWMutex
	sessions     map[string]*Session
	conns        map[net.Conn]struct{}
	running      bool
	eventsClosed bool

	listener net.Listener
	slots    chan struct{}
	events   chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds a Manager. The download directory is created if missing.
func NewManager(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	if opts.SelfDeviceID == "" {
		return nil, errors.New("transfer: options require a device ID")
	}
	if opts.DownloadDir == "" {
		return nil, errors.New("transfer: options require a download directory")
	}
	if _, err := newHasher(opts.ChecksumAlgorithm); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("transfer: create download dir: %w", err)
	}

	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
		conns:    make(map[net.Conn]struct{}),
		slots:    make(chan struct{}, opts.MaxConcurrent),
		events:   make(chan Event, eventBufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start binds the listener and begins accepting inbound sessions.
func (m *Manager) Start() error {
	var startErr error
	m.startOnce.Do(func() {
		listener, err := net.Listen("tcp", m.opts.ListenAddress)
		if err != nil {
			startErr = fmt.Errorf("transfer: listen on %s: %w", m.opts.ListenAddress, err)
			return
		}
		m.listener = listener

		m.mu.Lock()
		m.running = true
		m.mu.Unlock()

		m.wg.Add(2)
		go m.acceptLoop()
		go m.janitorLoop()

		log.Printf("transfer: listening on %s", listener.Addr())
	})
	return startErr
}

// Stop cancels every live session, stops the listener, and closes the event
// channel once all session goroutines have drained.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.running = false
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		conns := make([]net.Conn, 0, len(m.conns))
		for conn := range m.conns {
			conns = append(conns, conn)
		}
		m.mu.Unlock()

		close(m.done)
		if m.listener != nil {
			_ = m.listener.Close()
		}
		for _, s := range sessions {
			s.Cancel()
		}
		for _, conn := range conns {
			_ = conn.Close()
		}

		m.wg.Wait()

		m.mu.Lock()
		m.eventsClosed = true
		close(m.events)
		m.mu.Unlock()
	})
}

// Port returns the bound listener port, or zero before Start.
func (m *Manager) Port() int {
	if m.listener == nil {
		return 0
	}
	if addr, ok := m.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Events returns the session event stream. Slow consumers lose events
// rather than stalling transfers.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Send queues an outbound transfer of the file at sourcePath to the given
// peer and returns the new transfer ID. The call never blocks on the
// network; hashing, dialing, and the handshake all happen asynchronously.
func (m *Manager) Send(peerDeviceID, sourcePath string) (string, error) {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return "", ErrNotRunning
	}

	identity, ok := m.lookupPeer(peerDeviceID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPeerUnreachable, peerDeviceID)
	}

	absPath, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", fmt.Errorf("transfer: resolve %s: %w", sourcePath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("transfer: stat %s: %w", sourcePath, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("transfer: %s is not a regular file", sourcePath)
	}

	request := Request{
		TransferID:        uuid.NewString(),
		FileName:          filepath.Base(absPath),
		FileSize:          info.Size(),
		ChecksumAlgorithm: m.opts.ChecksumAlgorithm,
		PeerDeviceID:      peerDeviceID,
		PeerDeviceName:    identity.DisplayName,
	}

	session := newSession(request, RoleSender, m.emit)
	session.sourcePath = absPath
	if err := m.registerOutbound(session); err != nil {
		return "", err
	}
	session.announce()

	go m.runOutbound(session)

	return request.TransferID, nil
}

// Respond delivers the local verdict on an inbound offer.
func (m *Manager) Respond(transferID string, accept bool) error {
	session, ok := m.session(transferID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	status := session.Status()
	if status.Role != RoleReceiver {
		return fmt.Errorf("%w: %s is an outbound transfer", ErrInvalidState, transferID)
	}
	if status.State != StateProposed {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, transferID, status.State)
	}
	session.respond(accept)
	return nil
}

// Cancel aborts a session from any non-terminal state. Cancelling a
// finished session is a no-op.
func (m *Manager) Cancel(transferID string) error {
	session, ok := m.session(transferID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	session.Cancel()
	return nil
}

// Status returns a snapshot of one session.
func (m *Manager) Status(transferID string) (Status, bool) {
	session, ok := m.session(transferID)
	if !ok {
		return Status{}, false
	}
	return session.Status(), true
}

// Sessions returns snapshots of all tracked sessions, newest grace-period
// terminals included, sorted by transfer ID for stable output.
func (m *Manager) Sessions() []Status {
	m.mu.RLock()
	statuses := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		statuses = append(statuses, s.Status())
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].TransferID < statuses[j].TransferID
	})
	return statuses
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
				log.Printf("transfer: accept: %v", err)
				return
			}
		}
		m.mu.Lock()
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go m.serveInbound(conn)
	}
}

func (m *Manager) untrackConn(conn net.Conn) {
	m.mu.Lock()
	delete(m.conns, conn)
	m.mu.Unlock()
}

// janitorLoop evicts terminal sessions once their grace period passes.
func (m *Manager) janitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for id, s := range m.sessions {
				if since, ok := s.terminalSince(); ok && now.Sub(since) > m.opts.TerminalGrace {
					delete(m.sessions, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	if _, exists := m.sessions[s.request.TransferID]; exists {
		return fmt.Errorf("transfer: duplicate transfer ID %s", s.request.TransferID)
	}
	m.sessions[s.request.TransferID] = s
	return nil
}

// registerOutbound registers a sender session and reserves its goroutine
// slot in the wait group under the same lock, so Stop cannot slip between
// the registration and the spawn.
func (m *Manager) registerOutbound(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	if _, exists := m.sessions[s.request.TransferID]; exists {
		return fmt.Errorf("transfer: duplicate transfer ID %s", s.request.TransferID)
	}
	m.sessions[s.request.TransferID] = s
	m.wg.Add(1)
	return nil
}

func (m *Manager) session(transferID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[transferID]
	return s, ok
}

func (m *Manager) lookupPeer(deviceID string) (registry.Identity, bool) {
	if m.opts.LookupPeer == nil {
		return registry.Identity{}, false
	}
	return m.opts.LookupPeer(deviceID)
}

func (m *Manager) tryAcquireSlot() bool {
	select {
	case m.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) releaseSlot() {
	<-m.slots
}

// emit publishes an event without ever blocking a transfer loop. The read
// lock fences against Stop closing the channel mid-send.
func (m *Manager) emit(event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- event:
	default:
	}
}

func (m *Manager) writeReject(conn net.Conn, transferID, reason string) {
	reject := wire.Reject{
		Type:       wire.TypeReject,
		TransferID: transferID,
		Reason:     reason,
		Timestamp:  time.Now().Unix(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if err := wire.WriteControl(conn, reject); err != nil {
		log.Printf("transfer: send reject for %s: %v", transferID, err)
	}
}

func (m *Manager) writeAbort(conn net.Conn, transferID, cause, message string) {
	abort := wire.Abort{
		Type:       wire.TypeAbort,
		TransferID: transferID,
		Cause:      cause,
		Message:    message,
		Timestamp:  time.Now().Unix(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	_ = wire.WriteControl(conn, abort)
}
