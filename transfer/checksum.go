package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Supported checksum algorithm identifiers as they appear in offer frames.
const (
	ChecksumSHA256  = "sha256"
	ChecksumBLAKE2b = "blake2b-256"
)

// ErrUnsupportedChecksum indicates an offer named an algorithm this build
// cannot verify.
var ErrUnsupportedChecksum = errors.New("transfer: unsupported checksum algorithm")

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumBLAKE2b:
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, fmt.Errorf("transfer: init blake2b: %w", err)
		}
		return h, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChecksum, algorithm)
	}
}

// FileChecksum hashes the file at path with the named algorithm and returns
// the digest as lowercase hex.
func FileChecksum(path, algorithm string) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("transfer: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("transfer: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashPrefix feeds the first n bytes of r into h. Used when resuming a
// partially received file so the running digest matches a fresh start.
func hashPrefix(h hash.Hash, r io.Reader, n int64) error {
	copied, err := io.CopyN(h, r, n)
	if err != nil {
		return fmt.Errorf("transfer: rehash partial file: %w", err)
	}
	if copied != n {
		return fmt.Errorf("transfer: rehash partial file: short read (%d of %d bytes)", copied, n)
	}
	return nil
}
