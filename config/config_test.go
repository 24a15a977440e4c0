package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestResolveDataDirOverride(t *testing.T) {
	override := t.TempDir()
	t.Setenv("LANSHARE_DATA_DIR", override)

	dir, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir: %v", err)
	}
	if dir != override {
		t.Fatalf("data dir = %q, want override %q", dir, override)
	}
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("LANSHARE_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	if cfgPath != ConfigPath(dataDir) {
		t.Fatalf("config path = %q, want %q", cfgPath, ConfigPath(dataDir))
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if _, err := os.Stat(DefaultDownloadDir(dataDir)); err != nil {
		t.Fatalf("download directory not created: %v", err)
	}

	if uuid.Validate(cfg.DeviceID) != nil {
		t.Fatalf("device ID %q is not a UUID", cfg.DeviceID)
	}
	if cfg.DeviceName == "" {
		t.Fatal("device name is empty")
	}
	if cfg.PortMode != PortModeAutomatic {
		t.Fatalf("port mode = %q, want %q", cfg.PortMode, PortModeAutomatic)
	}
	if cfg.DownloadDirectory != DefaultDownloadDir(dataDir) {
		t.Fatalf("download directory = %q, want default", cfg.DownloadDirectory)
	}
	if !cfg.EnableMDNS || !cfg.EnableResume {
		t.Fatal("mdns and resume should default to enabled")
	}
}

func TestLoadOrCreateIsStable(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("LANSHARE_DATA_DIR", dataDir)

	first, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	second, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}

	if first.DeviceID != second.DeviceID {
		t.Fatalf("device ID changed across loads: %q vs %q", first.DeviceID, second.DeviceID)
	}
}

func TestNormalizeRepairsInvalidFields(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("LANSHARE_DATA_DIR", dataDir)

	cfgPath := ConfigPath(dataDir)
	broken := &DeviceConfig{
		DeviceID:               "not-a-uuid",
		PortMode:               "random",
		ListeningPort:          -5,
		AnnounceIntervalSecs:   -1,
		PeerStaleSecs:          -1,
		ChunkSize:              -1,
		MaxConcurrentTransfers: -1,
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		t.Fatalf("EnsureDataDirectories: %v", err)
	}
	if err := Save(cfgPath, broken); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	if uuid.Validate(cfg.DeviceID) != nil {
		t.Fatalf("device ID not repaired: %q", cfg.DeviceID)
	}
	if cfg.PortMode != PortModeAutomatic || cfg.ListeningPort != 0 {
		t.Fatalf("port settings not repaired: %q/%d", cfg.PortMode, cfg.ListeningPort)
	}
	if cfg.AnnounceIntervalSecs != 0 || cfg.PeerStaleSecs != 0 || cfg.ChunkSize != 0 || cfg.MaxConcurrentTransfers != 0 {
		t.Fatal("negative tuning knobs not repaired")
	}
	if cfg.DownloadDirectory == "" {
		t.Fatal("download directory not filled in")
	}

	// The repaired config must have been written back.
	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load after repair: %v", err)
	}
	if reloaded.DeviceID != cfg.DeviceID {
		t.Fatal("repaired config not persisted")
	}
}

func TestFixedPortModeKeepsPort(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("LANSHARE_DATA_DIR", dataDir)

	if err := EnsureDataDirectories(dataDir); err != nil {
		t.Fatalf("EnsureDataDirectories: %v", err)
	}
	cfgPath := ConfigPath(dataDir)
	if err := Save(cfgPath, &DeviceConfig{
		DeviceID:      uuid.NewString(),
		DeviceName:    "bench",
		PortMode:      PortModeFixed,
		ListeningPort: 51000,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.PortMode != PortModeFixed || cfg.ListeningPort != 51000 {
		t.Fatalf("fixed port lost: %q/%d", cfg.PortMode, cfg.ListeningPort)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &DeviceConfig{
		DeviceID:          uuid.NewString(),
		DeviceName:        "desk",
		PortMode:          PortModeFixed,
		ListeningPort:     50123,
		DownloadDirectory: "/tmp/downloads",
		ChecksumAlgorithm: "blake2b-256",
	}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *cfg {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, cfg)
	}
}
