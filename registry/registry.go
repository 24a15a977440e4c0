// Package registry holds the in-memory table of peers currently visible on
// the network. It is the single owner of peer liveness state: discovery
// backends feed it announcements, everything else reads immutable snapshots.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultStaleAfter marks a peer Stale after this long with no announcement.
	DefaultStaleAfter = 12 * time.Second
	// DefaultSweepInterval is the background staleness sweep cadence.
	DefaultSweepInterval = 3 * time.Second
)

// Status is a peer's liveness as judged by the staleness sweep.
type Status string

const (
	StatusOnline Status = "online"
	StatusStale  Status = "stale"
)

// EventType identifies registry updates.
type EventType string

const (
	// EventPeerUpserted is emitted when a peer appears or its identity changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerStale is emitted when a peer misses enough announcements.
	EventPeerStale EventType = "peer_stale"
	// EventPeerRemoved is emitted when a stale peer is evicted.
	EventPeerRemoved EventType = "peer_removed"
)

// Event carries registry updates for engine/UI consumers.
type Event struct {
	Type   EventType
	Record Record
}

// Identity is how a peer addresses itself. DeviceID is the only safe
// equality key; address and port may change across restarts.
type Identity struct {
	DeviceID    string
	DisplayName string
	Address     string
	Port        int
}

// Record is one registry entry. Owned exclusively by the Registry; callers
// only ever see copies.
type Record struct {
	Identity Identity
	LastSeen time.Time
	Status   Status
}

// Options controls registry behavior.
type Options struct {
	// SelfDeviceID suppresses the local instance's own announcements.
	SelfDeviceID  string
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	return out
}

// Registry is the peer table. Upserts and sweeps are linearized through one
// mutex; Snapshot returns atomically captured copies.
type Registry struct {
	opts Options

	mu           sync.RWMutex
	records      map[string]Record
	eventsClosed bool

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a registry with defaults applied.
func New(opts Options) (*Registry, error) {
	if strings.TrimSpace(opts.SelfDeviceID) == "" {
		return nil, errors.New("registry: self device ID is required")
	}

	return &Registry{
		opts:    opts.withDefaults(),
		records: make(map[string]Record),
		events:  make(chan Event, 128),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the background staleness sweep.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.sweepLoop()
	})
}

// Stop halts the sweep loop and closes the event channel.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		// Emitters hold the read lock while sending, so taking the write
		// lock here fences the close against in-flight emits.
		r.mu.Lock()
		r.eventsClosed = true
		close(r.events)
		r.mu.Unlock()
	})
}

// Events provides asynchronous registry updates. Delivery is best-effort:
// a full channel drops events rather than blocking the registry.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Upsert inserts or refreshes a peer record from an announcement.
// Announcements carrying the local device ID are discarded.
func (r *Registry) Upsert(identity Identity, now time.Time) {
	if identity.DeviceID == "" || identity.DeviceID == r.opts.SelfDeviceID {
		return
	}

	r.mu.Lock()
	previous, exists := r.records[identity.DeviceID]
	record := Record{
		Identity: identity,
		LastSeen: now,
		Status:   StatusOnline,
	}
	r.records[identity.DeviceID] = record
	changed := !exists || previous.Identity != identity || previous.Status != StatusOnline
	r.mu.Unlock()

	if changed {
		r.emit(Event{Type: EventPeerUpserted, Record: record})
	}
}

// Sweep marks records Stale once their lastSeen is older than StaleAfter and
// evicts records older than twice that. The doubled eviction window keeps a
// briefly silent peer visible as Stale instead of flapping in and out.
func (r *Registry) Sweep(now time.Time) {
	var staled, removed []Record

	r.mu.Lock()
	for id, record := range r.records {
		age := now.Sub(record.LastSeen)
		switch {
		case age > 2*r.opts.StaleAfter:
			delete(r.records, id)
			removed = append(removed, record)
		case age > r.opts.StaleAfter && record.Status != StatusStale:
			record.Status = StatusStale
			r.records[id] = record
			staled = append(staled, record)
		}
	}
	r.mu.Unlock()

	for _, record := range staled {
		r.emit(Event{Type: EventPeerStale, Record: record})
	}
	for _, record := range removed {
		r.emit(Event{Type: EventPeerRemoved, Record: record})
	}
}

// Snapshot returns a sorted copy of all current records.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.DisplayName == out[j].Identity.DisplayName {
			return out[i].Identity.DeviceID < out[j].Identity.DeviceID
		}
		return out[i].Identity.DisplayName < out[j].Identity.DisplayName
	})
	return out
}

// Lookup returns a copy of one record by device ID.
func (r *Registry) Lookup(deviceID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[deviceID]
	return record, ok
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

func (r *Registry) emit(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.eventsClosed {
		return
	}

	select {
	case r.events <- event:
	default:
	}
}
