package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  MDNSService,
			Domain:   MDNSDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func TestMDNSBackendFeedsSink(t *testing.T) {
	sink := &captureSink{}
	var registered int32

	backend, err := NewMDNSBackend(MDNSConfig{
		SelfDeviceID:   uuid.NewString(),
		DeviceName:     "self",
		ListenPort:     47701,
		BrowseInterval: time.Hour,
		BrowseTimeout:  30 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string) (*zeroconf.Server, error) {
			atomic.AddInt32(&registered, 1)
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 5001, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}, sink)
	if err != nil {
		t.Fatalf("NewMDNSBackend failed: %v", err)
	}
	if err := backend.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer backend.Stop()

	if atomic.LoadInt32(&registered) != 1 {
		t.Fatalf("expected service registration")
	}

	waitForCondition(t, 2*time.Second, func() bool {
		for _, identity := range sink.snapshot() {
			if identity.DeviceID == "peer-1" && identity.DisplayName == "Bob" &&
				identity.Address == "10.0.0.2" && identity.Port == 5001 {
				return true
			}
		}
		return false
	})
}

func TestMDNSBackendIgnoresEntriesWithoutIdentity(t *testing.T) {
	sink := &captureSink{}

	backend, err := NewMDNSBackend(MDNSConfig{
		SelfDeviceID:   uuid.NewString(),
		DeviceName:     "self",
		ListenPort:     47701,
		BrowseInterval: time.Hour,
		BrowseTimeout:  30 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			missingID := testServiceEntry("", "NoID", 5001, "10.0.0.2")
			wrongVersion := testServiceEntry("peer-2", "OldVersion", 5002, "10.0.0.3")
			wrongVersion.Text = []string{"device_id=peer-2", "version=99"}
			noAddress := testServiceEntry("peer-3", "NoAddr", 5003, "10.0.0.4")
			noAddress.AddrIPv4 = nil

			entries <- missingID
			entries <- wrongVersion
			entries <- noAddress
			<-ctx.Done()
			return nil
		},
	}, sink)
	if err != nil {
		t.Fatalf("NewMDNSBackend failed: %v", err)
	}
	if err := backend.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	backend.Stop()

	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("expected no upserts, got %+v", got)
	}
}

func TestParseServiceEntryFallsBackToHostName(t *testing.T) {
	entry := testServiceEntry("peer-1", "", 5001, "10.0.0.2")
	entry.HostName = "bob-laptop.local"

	identity, ok := parseServiceEntry(entry)
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if identity.DisplayName != "bob-laptop.local" {
		t.Fatalf("expected hostname fallback, got %q", identity.DisplayName)
	}
}
