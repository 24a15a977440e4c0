package engine

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"lanshare/config"
	"lanshare/registry"
	"lanshare/storage"
	"lanshare/transfer"
	"lanshare/wire"
)

func testConfig(t *testing.T, name string) *config.DeviceConfig {
	t.Helper()

	return &config.DeviceConfig{
		DeviceID:          uuid.NewString(),
		DeviceName:        name,
		PortMode:          config.PortModeAutomatic,
		DownloadDirectory: filepath.Join(t.TempDir(), "downloads"),
		ChunkSize:         8 * 1024,
		EnableMDNS:        false,
	}
}

func startEngine(t *testing.T, cfg *config.DeviceConfig, store *storage.Store) *Engine {
	t.Helper()

	eng, err := New(Options{Config: cfg, Store: store})
	if err != nil {
		t.Fatalf("New(%s): %v", cfg.DeviceName, err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start(%s): %v", cfg.DeviceName, err)
	}
	t.Cleanup(eng.Stop)
	return eng
}

// introduce seeds each engine's registry with the other's identity, standing
// in for a completed discovery exchange.
func introduce(a, b *Engine) {
	now := time.Now()
	a.registry.Upsert(registry.Identity{
		DeviceID:    b.cfg.DeviceID,
		DisplayName: b.cfg.DeviceName,
		Address:     "127.0.0.1",
		Port:        b.TransferPort(),
	}, now)
	b.registry.Upsert(registry.Identity{
		DeviceID:    a.cfg.DeviceID,
		DisplayName: a.cfg.DeviceName,
		Address:     "127.0.0.1",
		Port:        a.TransferPort(),
	}, now)
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig(t, "alpha")
	eng := startEngine(t, cfg, nil)

	if err := eng.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if eng.TransferPort() == 0 {
		t.Fatal("transfer port not bound after Start")
	}

	eng.Stop()
	eng.Stop()
}

func TestStartDiscoveryRequiresStart(t *testing.T) {
	eng, err := New(Options{Config: testConfig(t, "alpha")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.StartDiscovery(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("StartDiscovery before Start = %v, want ErrNotStarted", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New without config succeeded")
	}

	cfg := testConfig(t, "alpha")
	cfg.DeviceID = "not-a-uuid"
	if _, err := New(Options{Config: cfg}); err == nil {
		t.Fatal("New with invalid device ID succeeded")
	}
}

func TestSendFileBetweenEngines(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sender := startEngine(t, testConfig(t, "alpha"), store)
	receiver := startEngine(t, testConfig(t, "beta"), nil)
	introduce(sender, receiver)

	content := make([]byte, 20*1024)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}
	sourcePath := filepath.Join(t.TempDir(), "album.zip")
	if err := os.WriteFile(sourcePath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	events, cancel := receiver.Subscribe()
	defer cancel()

	transferID, err := sender.SendFile(receiver.cfg.DeviceID, sourcePath)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	// The offer must surface on the receiver's event stream.
	var offered bool
	deadline := time.After(5 * time.Second)
	for !offered {
		select {
		case event := <-events:
			if event.Transfer != nil &&
				event.Transfer.TransferID == transferID &&
				event.Transfer.State == transfer.StateProposed {
				offered = true
			}
		case <-deadline:
			t.Fatal("no offer event before timeout")
		}
	}

	if err := receiver.RespondToOffer(transferID, true); err != nil {
		t.Fatalf("RespondToOffer: %v", err)
	}

	waitForCondition(t, 10*time.Second, func() bool {
		status, ok := sender.TransferStatus(transferID)
		return ok && status.State == transfer.StateCompleted
	})

	got, err := os.ReadFile(filepath.Join(receiver.cfg.DownloadDirectory, "album.zip"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("received content does not match source")
	}

	// The sender's store tracked the transfer to completion.
	waitForCondition(t, 5*time.Second, func() bool {
		record, err := store.GetTransfer(transferID)
		return err == nil && record.State == "completed"
	})
	record, err := store.GetTransfer(transferID)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if record.Direction != storage.DirectionSend || record.FinishedAt == nil {
		t.Fatalf("unexpected history row: %+v", record)
	}
	if record.ChecksumAlgorithm != transfer.ChecksumSHA256 {
		t.Fatalf("recorded algorithm = %q, want %q", record.ChecksumAlgorithm, transfer.ChecksumSHA256)
	}
	if record.BytesTransferred != int64(len(content)) {
		t.Fatalf("recorded bytes = %d, want %d", record.BytesTransferred, len(content))
	}
}

func TestSendFileToUnknownPeer(t *testing.T) {
	eng := startEngine(t, testConfig(t, "alpha"), nil)

	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SendFile("no-such-peer", path); !errors.Is(err, transfer.ErrPeerUnreachable) {
		t.Fatalf("SendFile = %v, want ErrPeerUnreachable", err)
	}
}

func TestRespondToUnknownTransfer(t *testing.T) {
	eng := startEngine(t, testConfig(t, "alpha"), nil)

	if err := eng.RespondToOffer("missing", true); !errors.Is(err, transfer.ErrUnknownTransfer) {
		t.Fatalf("RespondToOffer = %v, want ErrUnknownTransfer", err)
	}
	if err := eng.CancelTransfer("missing"); !errors.Is(err, transfer.ErrUnknownTransfer) {
		t.Fatalf("CancelTransfer = %v, want ErrUnknownTransfer", err)
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	eng := startEngine(t, testConfig(t, "alpha"), nil)

	events, cancel := eng.Subscribe()
	cancel()

	select {
	case _, open := <-events:
		if open {
			t.Fatal("channel delivered an event after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Cancelling twice must not panic.
	cancel()
}

func freeUDPPort(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// TestDiscoveryFeedsPeerList drives the full path from a raw announcement
// datagram through the beacon and registry to ListPeers and a transfer.
func TestDiscoveryFeedsPeerList(t *testing.T) {
	peerEngine := startEngine(t, testConfig(t, "alpha"), nil)

	cfg := testConfig(t, "beta")
	cfg.MulticastGroup = fmt.Sprintf("127.0.0.1:%d", freeUDPPort(t))
	listening := startEngine(t, cfg, nil)
	if err := listening.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	// A second call is a no-op.
	if err := listening.StartDiscovery(); err != nil {
		t.Fatalf("repeat StartDiscovery: %v", err)
	}

	frame, err := wire.EncodeAnnouncement(wire.Announcement{
		DeviceID:    peerEngine.cfg.DeviceID,
		DisplayName: peerEngine.cfg.DeviceName,
		ListenPort:  peerEngine.TransferPort(),
	})
	if err != nil {
		t.Fatalf("encode announcement: %v", err)
	}

	conn, err := net.Dial("udp4", cfg.MulticastGroup)
	if err != nil {
		t.Fatalf("dial beacon: %v", err)
	}
	defer conn.Close()

	waitForCondition(t, 5*time.Second, func() bool {
		_, _ = conn.Write(frame)
		for _, record := range listening.ListPeers() {
			if record.Identity.DeviceID == peerEngine.cfg.DeviceID {
				return true
			}
		}
		return false
	})

	// The discovered address is good enough to transfer through.
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("discovered"), 0o644); err != nil {
		t.Fatal(err)
	}
	transferID, err := listening.SendFile(peerEngine.cfg.DeviceID, path)
	if err != nil {
		t.Fatalf("SendFile to discovered peer: %v", err)
	}
	waitForCondition(t, 5*time.Second, func() bool {
		for _, status := range peerEngine.Transfers() {
			if status.TransferID == transferID && status.State == transfer.StateProposed {
				return true
			}
		}
		return false
	})
	if err := peerEngine.RespondToOffer(transferID, true); err != nil {
		t.Fatalf("RespondToOffer: %v", err)
	}
	waitForCondition(t, 10*time.Second, func() bool {
		status, ok := listening.TransferStatus(transferID)
		return ok && status.State == transfer.StateCompleted
	})

	listening.StopDiscovery()
}
