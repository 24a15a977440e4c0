package discovery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"lanshare/registry"
	"lanshare/wire"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_lanshare._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// DefaultBrowseInterval is the background mDNS browse cadence.
	DefaultBrowseInterval = 10 * time.Second
	// DefaultBrowseTimeout bounds each browse operation.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the optional zeroconf discovery backend.
type MDNSConfig struct {
	Service        string
	Domain         string
	BrowseInterval time.Duration
	BrowseTimeout  time.Duration

	SelfDeviceID string
	DeviceName   string
	ListenPort   int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = MDNSService
	}
	if out.Domain == "" {
		out.Domain = MDNSDomain
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.registerFn == nil {
		out.registerFn = func(instance, service, domain string, port int, text []string) (*zeroconf.Server, error) {
			return zeroconf.Register(instance, service, domain, port, text, nil)
		}
	}
	return out
}

// MDNSBackend registers the local instance over mDNS and browses for peers,
// feeding discoveries into the same sink as the beacon.
type MDNSBackend struct {
	cfg  MDNSConfig
	sink Sink

	server *zeroconf.Server
	browse browseFunc

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMDNSBackend creates the zeroconf backend feeding the given sink.
func NewMDNSBackend(cfg MDNSConfig, sink Sink) (*MDNSBackend, error) {
	out := cfg.withDefaults()
	if err := (Config{
		SelfDeviceID: out.SelfDeviceID,
		DeviceName:   out.DeviceName,
		ListenPort:   out.ListenPort,
	}).validate(); err != nil {
		return nil, err
	}

	browse := out.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &MDNSBackend{
		cfg:    out,
		sink:   sink,
		browse: browse,
	}, nil
}

// Start registers the mDNS service and begins background browsing.
func (m *MDNSBackend) Start() error {
	m.startOnce.Do(func() {
		txt := []string{
			"device_id=" + m.cfg.SelfDeviceID,
			"version=" + strconv.Itoa(wire.ProtocolVersion),
		}

		server, err := m.cfg.registerFn(m.cfg.DeviceName, m.cfg.Service, m.cfg.Domain, m.cfg.ListenPort, txt)
		if err != nil {
			m.startErr = err
			return
		}
		m.server = server

		m.ctx, m.cancel = context.WithCancel(context.Background())
		m.wg.Add(1)
		go m.browseLoop()
	})
	return m.startErr
}

// Stop unregisters the service and halts browsing.
func (m *MDNSBackend) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		if m.server != nil {
			m.server.Shutdown()
		}
	})
}

func (m *MDNSBackend) browseLoop() {
	defer m.wg.Done()

	m.runBrowse()

	ticker := time.NewTicker(m.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runBrowse()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *MDNSBackend) runBrowse() {
	browseCtx, cancel := context.WithTimeout(m.ctx, m.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-browseCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				if identity, ok := parseServiceEntry(entry); ok {
					m.sink.Upsert(identity, time.Now())
				}
			}
		}
	}()

	// Browse failures end this window early; the next tick retries.
	_ = m.browse(browseCtx, m.cfg.Service, m.cfg.Domain, entries)

	<-browseCtx.Done()
	<-collectorDone
}

func parseServiceEntry(entry *zeroconf.ServiceEntry) (registry.Identity, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" {
		return registry.Identity{}, false
	}
	if version, err := strconv.Atoi(txt["version"]); err != nil || version != wire.ProtocolVersion {
		return registry.Identity{}, false
	}
	if entry.Port <= 0 {
		return registry.Identity{}, false
	}

	address := ""
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && ip.String() != "" {
			address = ip.String()
			break
		}
	}
	if address == "" {
		for _, ip := range entry.AddrIPv6 {
			if ip != nil && ip.String() != "" {
				address = ip.String()
				break
			}
		}
	}
	if address == "" {
		return registry.Identity{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return registry.Identity{
		DeviceID:    deviceID,
		DisplayName: name,
		Address:     address,
		Port:        entry.Port,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
