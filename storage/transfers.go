package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Transfer direction values.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

var validStates = map[string]bool{
	"proposed":    true,
	"accepted":    true,
	"in_progress": true,
	"completed":   true,
	"rejected":    true,
	"aborted":     true,
}

// TransferRecord is one row of transfer history.
type TransferRecord struct {
	TransferID        string
	Direction         string
	PeerDeviceID      string
	PeerDeviceName    string
	FileName          string
	FileSize          int64
	ChecksumAlgorithm string
	State             string
	Cause             string
	BytesTransferred  int64
	StartedAt         int64
	FinishedAt        *int64
}

func (r TransferRecord) validate() error {
	if r.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if r.Direction != DirectionSend && r.Direction != DirectionReceive {
		return fmt.Errorf("invalid direction %q", r.Direction)
	}
	if r.PeerDeviceID == "" {
		return errors.New("peer_device_id is required")
	}
	if r.FileName == "" {
		return errors.New("file_name is required")
	}
	if !validStates[r.State] {
		return fmt.Errorf("invalid state %q", r.State)
	}
	return nil
}

// UpsertTransfer inserts a transfer row or refreshes its mutable fields.
// Called once per session event, so the row always mirrors the latest state.
func (s *Store) UpsertTransfer(record TransferRecord) error {
	if err := record.validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_device_id,
			peer_device_name,
			file_name,
			file_size,
			checksum_algorithm,
			state,
			cause,
			bytes_transferred,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			state             = excluded.state,
			cause             = excluded.cause,
			bytes_transferred = excluded.bytes_transferred,
			finished_at       = excluded.finished_at`,
		record.TransferID,
		record.Direction,
		record.PeerDeviceID,
		record.PeerDeviceName,
		record.FileName,
		record.FileSize,
		record.ChecksumAlgorithm,
		record.State,
		record.Cause,
		record.BytesTransferred,
		record.StartedAt,
		nullInt64(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q: %w", record.TransferID, err)
	}

	return nil
}

// GetTransfer returns one transfer row by ID.
func (s *Store) GetTransfer(transferID string) (*TransferRecord, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT transfer_id, direction, peer_device_id, peer_device_name,
			file_name, file_size, checksum_algorithm, state, cause,
			bytes_transferred, started_at, finished_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transfer %q: %w", transferID, err)
	}
	return record, nil
}

// ListTransfers returns the most recent transfers, newest first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT transfer_id, direction, peer_device_id, peer_device_name,
			file_name, file_size, checksum_algorithm, state, cause,
			bytes_transferred, started_at, finished_at
		FROM transfers
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var records []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}

// PruneTransfersBefore deletes history rows that started before the cutoff
// and returns how many were removed.
func (s *Store) PruneTransfersBefore(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*TransferRecord, error) {
	var record TransferRecord
	var finishedAt sql.NullInt64

	if err := row.Scan(
		&record.TransferID,
		&record.Direction,
		&record.PeerDeviceID,
		&record.PeerDeviceName,
		&record.FileName,
		&record.FileSize,
		&record.ChecksumAlgorithm,
		&record.State,
		&record.Cause,
		&record.BytesTransferred,
		&record.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		record.FinishedAt = &finishedAt.Int64
	}
	return &record, nil
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}
