package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanshare/transfer"
)

// Store satisfies transfer.CheckpointStore so interrupted receives can
// resume across restarts.
var _ transfer.CheckpointStore = (*Store)(nil)

// GetCheckpoint returns the stored checkpoint or (nil, nil) when none
// exists for the key.
func (s *Store) GetCheckpoint(key string) (*transfer.Checkpoint, error) {
	if key == "" {
		return nil, errors.New("checkpoint key is required")
	}

	var cp transfer.Checkpoint
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT checkpoint_key, next_sequence, bytes_transferred, temp_path, updated_at
		FROM transfer_checkpoints
		WHERE checkpoint_key = ?`,
		key,
	).Scan(&cp.Key, &cp.NextSequence, &cp.BytesTransferred, &cp.TempPath, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint %q: %w", key, err)
	}

	cp.UpdatedAt = time.Unix(updatedAt, 0)
	return &cp, nil
}

// UpsertCheckpoint saves or refreshes a resume point.
func (s *Store) UpsertCheckpoint(cp transfer.Checkpoint) error {
	if cp.Key == "" {
		return errors.New("checkpoint key is required")
	}
	if cp.TempPath == "" {
		return errors.New("checkpoint temp path is required")
	}

	updatedAt := cp.UpdatedAt.Unix()
	if cp.UpdatedAt.IsZero() {
		updatedAt = time.Now().Unix()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_checkpoints (
			checkpoint_key, next_sequence, bytes_transferred, temp_path, updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_key) DO UPDATE SET
			next_sequence     = excluded.next_sequence,
			bytes_transferred = excluded.bytes_transferred,
			temp_path         = excluded.temp_path,
			updated_at        = excluded.updated_at`,
		cp.Key,
		cp.NextSequence,
		cp.BytesTransferred,
		cp.TempPath,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint %q: %w", cp.Key, err)
	}

	return nil
}

// DeleteCheckpoint removes a resume point. Deleting a missing key is not an
// error.
func (s *Store) DeleteCheckpoint(key string) error {
	if key == "" {
		return errors.New("checkpoint key is required")
	}

	if _, err := s.db.Exec(`DELETE FROM transfer_checkpoints WHERE checkpoint_key = ?`, key); err != nil {
		return fmt.Errorf("delete checkpoint %q: %w", key, err)
	}
	return nil
}

// PruneCheckpointsBefore drops resume points not touched since the cutoff.
func (s *Store) PruneCheckpointsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfer_checkpoints WHERE updated_at < ?`,
		cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}
