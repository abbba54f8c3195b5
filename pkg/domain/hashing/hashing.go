// Package hashing produces the content digests used as the deduplication
// key. Identical bytes yield identical digests regardless of file name,
// path, or containing archive.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const chunkSize = 64 * 1024

// FileDigest streams the file through SHA-256 in fixed-size chunks so memory
// stays flat for arbitrarily large inputs. An unreadable file is an error;
// a file that cannot be hashed cannot be safely deduplicated.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, chunkSize)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Digest hashes in-memory bytes with the same function as FileDigest.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
