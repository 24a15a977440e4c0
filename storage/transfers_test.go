package storage

import (
	"errors"
	"testing"
	"time"
)

func sampleTransfer(id string) TransferRecord {
	return TransferRecord{
		TransferID:        id,
		Direction:         DirectionSend,
		PeerDeviceID:      "peer-1",
		PeerDeviceName:    "laptop",
		FileName:          "report.pdf",
		FileSize:          4096,
		ChecksumAlgorithm: "sha256",
		State:             "proposed",
		StartedAt:         time.Now().Unix(),
	}
}

func TestUpsertAndGetTransfer(t *testing.T) {
	store := openTestStore(t)

	record := sampleTransfer("t-1")
	if err := store.UpsertTransfer(record); err != nil {
		t.Fatalf("UpsertTransfer: %v", err)
	}

	got, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if got.FileName != record.FileName || got.State != "proposed" || got.FinishedAt != nil {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestUpsertTransferRefreshesMutableFields(t *testing.T) {
	store := openTestStore(t)

	record := sampleTransfer("t-1")
	if err := store.UpsertTransfer(record); err != nil {
		t.Fatalf("insert: %v", err)
	}

	finished := time.Now().Unix()
	record.State = "completed"
	record.BytesTransferred = record.FileSize
	record.FinishedAt = &finished
	if err := store.UpsertTransfer(record); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if got.State != "completed" {
		t.Fatalf("state = %q, want completed", got.State)
	}
	if got.BytesTransferred != record.FileSize {
		t.Fatalf("bytes = %d, want %d", got.BytesTransferred, record.FileSize)
	}
	if got.FinishedAt == nil || *got.FinishedAt != finished {
		t.Fatalf("finished_at = %v, want %d", got.FinishedAt, finished)
	}
}

func TestUpsertTransferValidation(t *testing.T) {
	store := openTestStore(t)

	cases := []struct {
		name   string
		mutate func(*TransferRecord)
	}{
		{"missing id", func(r *TransferRecord) { r.TransferID = "" }},
		{"bad direction", func(r *TransferRecord) { r.Direction = "upload" }},
		{"missing peer", func(r *TransferRecord) { r.PeerDeviceID = "" }},
		{"missing file name", func(r *TransferRecord) { r.FileName = "" }},
		{"bad state", func(r *TransferRecord) { r.State = "paused" }},
	}

	for _, tc := range cases {
		record := sampleTransfer("t-x")
		tc.mutate(&record)
		if err := store.UpsertTransfer(record); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestGetTransferNotFound(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.GetTransfer("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTransfer(missing) = %v, want ErrNotFound", err)
	}
}

func TestListTransfersNewestFirst(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().Unix()
	for i, id := range []string{"t-old", "t-mid", "t-new"} {
		record := sampleTransfer(id)
		record.StartedAt = base + int64(i)
		if err := store.UpsertTransfer(record); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	records, err := store.ListTransfers(2)
	if err != nil {
		t.Fatalf("ListTransfers: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d rows, want 2", len(records))
	}
	if records[0].TransferID != "t-new" || records[1].TransferID != "t-mid" {
		t.Fatalf("unexpected order: %s, %s", records[0].TransferID, records[1].TransferID)
	}
}

func TestPruneTransfersBefore(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().Unix()
	old := sampleTransfer("t-old")
	old.StartedAt = base - 1000
	recent := sampleTransfer("t-recent")
	recent.StartedAt = base

	for _, record := range []TransferRecord{old, recent} {
		if err := store.UpsertTransfer(record); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	pruned, err := store.PruneTransfersBefore(base - 500)
	if err != nil {
		t.Fatalf("PruneTransfersBefore: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d rows, want 1", pruned)
	}
	if _, err := store.GetTransfer("t-old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old transfer survived pruning")
	}
	if _, err := store.GetTransfer("t-recent"); err != nil {
		t.Fatalf("recent transfer lost: %v", err)
	}
}
