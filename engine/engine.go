// Package engine assembles discovery, the peer registry, transfers, and
// persistence behind one facade. Every method returns quickly; all network
// work happens on internal goroutines and surfaces through the event stream.
package engine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanshare/config"
	"lanshare/discovery"
	"lanshare/registry"
	"lanshare/storage"
	"lanshare/transfer"
)

const subscriberBufferSize = 64

var (
	ErrNotStarted     = errors.New("engine: not started")
	ErrAlreadyStarted = errors.New("engine: already started")
)

// Event is the unified stream surfaced to subscribers. Exactly one of Peer
// or Transfer is set.
type Event struct {
	Peer     *registry.Event
	Transfer *transfer.Event
}

// Options configures an Engine.
type Options struct {
	Config *config.DeviceConfig
	// Store persists transfer history and resume checkpoints. Optional;
	// without it the engine runs fully in memory.
	Store *storage.Store
}

// Engine is the single entry point applications drive.
type Engine struct {
	cfg   *config.DeviceConfig
	store *storage.Store

	registry *registry.Registry
	manager  *transfer.Manager

	mu          sync.Mutex
	started     bool
	beacon      *discovery.Beacon
	mdns        *discovery.MDNSBackend
	subscribers map[int]chan Event
	nextSubID   int

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates the configuration and builds an engine. Nothing touches the
// network until Start.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine: options require a config")
	}
	if err := uuid.Validate(cfg.DeviceID); err != nil {
		return nil, fmt.Errorf("engine: invalid device ID %q: %w", cfg.DeviceID, err)
	}
	if cfg.DeviceName == "" {
		return nil, errors.New("engine: config requires a device name")
	}

	reg, err := registry.New(registry.Options{
		SelfDeviceID: cfg.DeviceID,
		StaleAfter:   time.Duration(cfg.PeerStaleSecs) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	listenAddress := ":0"
	if cfg.PortMode == config.PortModeFixed && cfg.ListeningPort > 0 {
		listenAddress = fmt.Sprintf(":%d", cfg.ListeningPort)
	}

	var checkpoints transfer.CheckpointStore
	if opts.Store != nil && cfg.EnableResume {
		checkpoints = opts.Store
	}

	manager, err := transfer.NewManager(transfer.Options{
		SelfDeviceID:      cfg.DeviceID,
		SelfDeviceName:    cfg.DeviceName,
		ListenAddress:     listenAddress,
		DownloadDir:       cfg.DownloadDirectory,
		ChecksumAlgorithm: cfg.ChecksumAlgorithm,
		ChunkSize:         cfg.ChunkSize,
		MaxConcurrent:     cfg.MaxConcurrentTransfers,
		LookupPeer: func(deviceID string) (registry.Identity, bool) {
			record, ok := reg.Lookup(deviceID)
			return record.Identity, ok
		},
		Checkpoints: checkpoints,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:         cfg,
		store:       opts.Store,
		registry:    reg,
		manager:     manager,
		subscribers: make(map[int]chan Event),
	}, nil
}

// Start brings up the transfer listener and the peer registry and begins
// pumping events. Discovery stays off until StartDiscovery.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	if err := e.manager.Start(); err != nil {
		return err
	}
	e.registry.Start()

	e.wg.Add(2)
	go e.pumpPeerEvents()
	go e.pumpTransferEvents()

	log.Printf("engine: started as %q (%s), transfer port %d",
		e.cfg.DeviceName, e.cfg.DeviceID, e.manager.Port())
	return nil
}

// Stop shuts down discovery, transfers, and the registry, then closes all
// subscriber channels.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.StopDiscovery()
		e.manager.Stop()
		e.registry.Stop()
		e.wg.Wait()

		e.mu.Lock()
		for id, ch := range e.subscribers {
			close(ch)
			delete(e.subscribers, id)
		}
		e.started = false
		e.mu.Unlock()
	})
}

// StartDiscovery begins announcing this device and listening for peers.
// Calling it while discovery is already running is a no-op.
func (e *Engine) StartDiscovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	if e.beacon != nil {
		return nil
	}

	beacon, err := discovery.NewBeacon(discovery.Config{
		GroupAddress:     e.cfg.MulticastGroup,
		AnnounceInterval: time.Duration(e.cfg.AnnounceIntervalSecs) * time.Second,
		SelfDeviceID:     e.cfg.DeviceID,
		DeviceName:       e.cfg.DeviceName,
		ListenPort:       e.manager.Port(),
	}, e.registry)
	if err != nil {
		return err
	}
	if err := beacon.Start(); err != nil {
		return err
	}
	e.beacon = beacon

	if e.cfg.EnableMDNS {
		mdns, err := discovery.NewMDNSBackend(discovery.MDNSConfig{
			SelfDeviceID: e.cfg.DeviceID,
			DeviceName:   e.cfg.DeviceName,
			ListenPort:   e.manager.Port(),
		}, e.registry)
		if err == nil {
			err = mdns.Start()
		}
		if err != nil {
			// The beacon alone is enough for discovery; mDNS is additive.
			log.Printf("engine: mdns backend unavailable: %v", err)
		} else {
			e.mdns = mdns
		}
	}

	return nil
}

// StopDiscovery stops announcing and listening. Known peers stay in the
// registry and age out through the normal staleness sweep.
func (e *Engine) StopDiscovery() {
	e.mu.Lock()
	beacon, mdns := e.beacon, e.mdns
	e.beacon, e.mdns = nil, nil
	e.mu.Unlock()

	if beacon != nil {
		beacon.Stop()
	}
	if mdns != nil {
		mdns.Stop()
	}
}

// ListPeers returns the current registry snapshot.
func (e *Engine) ListPeers() []registry.Record {
	return e.registry.Snapshot()
}

// SendFile queues an outbound transfer and returns its ID immediately.
func (e *Engine) SendFile(peerDeviceID, sourcePath string) (string, error) {
	return e.manager.Send(peerDeviceID, sourcePath)
}

// RespondToOffer accepts or rejects an inbound transfer offer.
func (e *Engine) RespondToOffer(transferID string, accept bool) error {
	return e.manager.Respond(transferID, accept)
}

// CancelTransfer aborts a transfer in any non-terminal state.
func (e *Engine) CancelTransfer(transferID string) error {
	return e.manager.Cancel(transferID)
}

// TransferStatus returns a snapshot of one transfer.
func (e *Engine) TransferStatus(transferID string) (transfer.Status, bool) {
	return e.manager.Status(transferID)
}

// Transfers returns snapshots of all tracked transfers.
func (e *Engine) Transfers() []transfer.Status {
	return e.manager.Sessions()
}

// TransferPort returns the bound TCP port for inbound transfers.
func (e *Engine) TransferPort() int {
	return e.manager.Port()
}

// Subscribe registers an event consumer. The returned cancel func detaches
// it; a slow consumer loses events rather than stalling the engine.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if sub, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(sub)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) pumpPeerEvents() {
	defer e.wg.Done()

	for event := range e.registry.Events() {
		event := event
		e.publish(Event{Peer: &event})
	}
}

func (e *Engine) pumpTransferEvents() {
	defer e.wg.Done()

	for event := range e.manager.Events() {
		event := event
		e.recordTransfer(event)
		e.publish(Event{Transfer: &event})
	}
}

func (e *Engine) publish(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// recordTransfer mirrors session events into the history table. The upsert
// leaves started_at untouched after the first insert.
func (e *Engine) recordTransfer(event transfer.Event) {
	if e.store == nil {
		return
	}

	direction := storage.DirectionSend
	if event.Role == transfer.RoleReceiver {
		direction = storage.DirectionReceive
	}

	record := storage.TransferRecord{
		TransferID:        event.TransferID,
		Direction:         direction,
		PeerDeviceID:      event.PeerDeviceID,
		PeerDeviceName:    event.PeerDeviceName,
		FileName:          event.FileName,
		FileSize:          event.FileSize,
		ChecksumAlgorithm: event.ChecksumAlgorithm,
		State:             string(event.State),
		Cause:             event.Cause,
		BytesTransferred:  event.BytesTransferred,
		StartedAt:         time.Now().Unix(),
	}
	switch event.State {
	case transfer.StateCompleted, transfer.StateRejected, transfer.StateAborted:
		finished := time.Now().Unix()
		record.FinishedAt = &finished
	}

	if err := e.store.UpsertTransfer(record); err != nil {
		log.Printf("engine: record transfer %s: %v", event.TransferID, err)
	}
}
