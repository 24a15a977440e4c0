package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"lanshare/config"
	"lanshare/engine"
	"lanshare/registry"
	"lanshare/storage"
	"lanshare/transfer"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadDirectory)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	eng, err := engine.New(engine.Options{Config: cfg, Store: store})
	if err != nil {
		log.Fatalf("startup failed while building engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		log.Fatalf("startup failed while starting engine: %v", err)
	}
	defer eng.Stop()
	fmt.Printf("Transfer Port:   %d\n", eng.TransferPort())

	if err := eng.StartDiscovery(); err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		fmt.Println("Discovery:       running")
	}

	events, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	go logEvents(events)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logEvents(events <-chan engine.Event) {
	for event := range events {
		switch {
		case event.Peer != nil:
			logPeerEvent(*event.Peer)
		case event.Transfer != nil:
			logTransferEvent(*event.Transfer)
		}
	}
}

func logPeerEvent(event registry.Event) {
	switch event.Type {
	case registry.EventPeerUpserted:
		log.Printf("discovery: peer available id=%s name=%q addr=%s port=%d",
			event.Record.Identity.DeviceID, event.Record.Identity.DisplayName, event.Record.Identity.Address, event.Record.Identity.Port)
	case registry.EventPeerRemoved:
		log.Printf("discovery: peer removed id=%s", event.Record.Identity.DeviceID)
	default:
		log.Printf("discovery: event=%s id=%s", event.Type, event.Record.Identity.DeviceID)
	}
}

func logTransferEvent(event transfer.Event) {
	switch event.State {
	case transfer.StateProposed:
		if event.Role == transfer.RoleReceiver {
			log.Printf("transfer: inbound offer id=%s file=%q size=%d from=%q",
				event.TransferID, event.FileName, event.FileSize, event.PeerDeviceName)
		} else {
			log.Printf("transfer: queued id=%s file=%q to=%q",
				event.TransferID, event.FileName, event.PeerDeviceName)
		}
	case transfer.StateInProgress:
		log.Printf("transfer: progress id=%s %d/%d bytes",
			event.TransferID, event.BytesTransferred, event.FileSize)
	case transfer.StateCompleted:
		log.Printf("transfer: completed id=%s file=%q", event.TransferID, event.FileName)
	case transfer.StateRejected, transfer.StateAborted:
		log.Printf("transfer: %s id=%s cause=%s", event.State, event.TransferID, event.Cause)
	default:
		log.Printf("transfer: %s id=%s", event.State, event.TransferID)
	}
}
