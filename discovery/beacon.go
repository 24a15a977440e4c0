// Package discovery advertises the local instance on the LAN and feeds
// announcements from other instances into the peer registry. The primary
// mechanism is a connectionless UDP beacon; an mDNS backend can run
// alongside it for zeroconf-aware networks.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"lanshare/registry"
	"lanshare/wire"
)

const (
	// DefaultGroupAddress is the multicast group and fixed discovery port
	// announcements are sent to.
	DefaultGroupAddress = "239.192.76.83:47700"
	// DefaultAnnounceInterval is the presence broadcast cadence.
	DefaultAnnounceInterval = 4 * time.Second

	// maxDatagramSize bounds one announcement datagram read. The frame
	// grammar caps announcements well below this.
	maxDatagramSize = 512
)

// Sink receives decoded peer announcements. Satisfied by *registry.Registry.
type Sink interface {
	Upsert(identity registry.Identity, now time.Time)
}

// Config controls beacon behavior.
type Config struct {
	// GroupAddress is "host:port". A multicast host joins the group; a
	// unicast host binds it directly, which tests use for loopback runs.
	GroupAddress     string
	AnnounceInterval time.Duration

	SelfDeviceID string
	DeviceName   string
	// ListenPort is the advertised TCP transfer port.
	ListenPort int
}

func (c Config) withDefaults() Config {
	out := c
	if out.GroupAddress == "" {
		out.GroupAddress = DefaultGroupAddress
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("discovery: self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("discovery: device name is required")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return errors.New("discovery: listen port must be in 1..65535")
	}
	return nil
}

// Beacon periodically multicasts the local announcement and listens for
// announcements from other instances.
type Beacon struct {
	cfg  Config
	sink Sink

	recvConn *net.UDPConn
	sendConn *net.UDPConn

	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBeacon creates a beacon feeding the given sink.
func NewBeacon(cfg Config, sink Sink) (*Beacon, error) {
	out := cfg.withDefaults()
	if err := out.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("discovery: sink is required")
	}

	// Fail fast on identities the codec cannot represent.
	if _, err := wire.EncodeAnnouncement(wire.Announcement{
		DeviceID:    out.SelfDeviceID,
		DisplayName: out.DeviceName,
		ListenPort:  out.ListenPort,
	}); err != nil {
		return nil, err
	}

	return &Beacon{
		cfg:  out,
		sink: sink,
		done: make(chan struct{}),
	}, nil
}

// Start binds the discovery sockets and launches the announce and listen
// loops.
func (b *Beacon) Start() error {
	b.startOnce.Do(func() {
		b.startErr = b.start()
	})
	return b.startErr
}

func (b *Beacon) start() error {
	group, err := net.ResolveUDPAddr("udp4", b.cfg.GroupAddress)
	if err != nil {
		return fmt.Errorf("resolve discovery group %q: %w", b.cfg.GroupAddress, err)
	}

	if group.IP.IsMulticast() {
		b.recvConn, err = net.ListenMulticastUDP("udp4", nil, group)
	} else {
		b.recvConn, err = net.ListenUDP("udp4", group)
	}
	if err != nil {
		return fmt.Errorf("listen on discovery port: %w", err)
	}
	_ = b.recvConn.SetReadBuffer(1 << 16)

	b.sendConn, err = net.DialUDP("udp4", nil, group)
	if err != nil {
		_ = b.recvConn.Close()
		return fmt.Errorf("open discovery send socket: %w", err)
	}

	if group.IP.IsMulticast() {
		packetConn := ipv4.NewPacketConn(b.sendConn)
		// Announcements are LAN-local; keep them off routed segments and
		// rely on the registry's self-suppression instead of loopback.
		_ = packetConn.SetMulticastTTL(1)
		_ = packetConn.SetMulticastLoopback(false)
	}

	b.wg.Add(2)
	go b.announceLoop()
	go b.listenLoop()

	return nil
}

// Stop cancels both loops and closes the sockets. No sink mutation happens
// after Stop returns.
func (b *Beacon) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.recvConn != nil {
			_ = b.recvConn.Close()
		}
		if b.sendConn != nil {
			_ = b.sendConn.Close()
		}
		b.wg.Wait()
	})
}

// Dropped reports how many received datagrams failed to decode. Noisy or
// foreign traffic on the discovery port is expected, so drops are counted,
// not errored.
func (b *Beacon) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Beacon) announceLoop() {
	defer b.wg.Done()

	frame, err := wire.EncodeAnnouncement(wire.Announcement{
		DeviceID:    b.cfg.SelfDeviceID,
		DisplayName: b.cfg.DeviceName,
		ListenPort:  b.cfg.ListenPort,
	})
	if err != nil {
		// Validated in NewBeacon; unreachable in practice.
		return
	}

	ticker := time.NewTicker(b.cfg.AnnounceInterval)
	defer ticker.Stop()

	// Announce immediately so peers learn about us before the first tick.
	_, _ = b.sendConn.Write(frame)

	for {
		select {
		case <-ticker.C:
			_, _ = b.sendConn.Write(frame)
		case <-b.done:
			return
		}
	}
}

func (b *Beacon) listenLoop() {
	defer b.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := b.recvConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		b.handleDatagram(buf[:n], src)
	}
}

func (b *Beacon) handleDatagram(data []byte, src *net.UDPAddr) {
	announcement, err := wire.DecodeAnnouncement(data)
	if err != nil {
		b.dropped.Add(1)
		return
	}

	select {
	case <-b.done:
		return
	default:
	}

	b.sink.Upsert(registry.Identity{
		DeviceID:    announcement.DeviceID,
		DisplayName: announcement.DisplayName,
		Address:     src.IP.String(),
		Port:        announcement.ListenPort,
	}, time.Now())
}
