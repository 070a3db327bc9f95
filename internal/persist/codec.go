// Package persist saves the published routing table so a restarted gateway
// can serve from the last known-good snapshot before its first probes finish.
package persist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/devrev/boundary-gateway/internal/snapshot"
)

var (
	// ErrNoSnapshot means the store holds nothing yet.
	ErrNoSnapshot = errors.New("no persisted snapshot")

	// ErrCorrupt means a stored blob failed its checksum or did not decode.
	ErrCorrupt = errors.New("persisted snapshot is corrupt")
)

const checksumSize = 4

var crcTable = crc32.MakeTable(crc32.IEEE)

// Encode serializes s and appends a CRC32 of the payload.
func Encode(s *snapshot.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	out := make([]byte, len(payload), len(payload)+checksumSize)
	copy(out, payload)
	return binary.LittleEndian.AppendUint32(out, crc32.Checksum(payload, crcTable)), nil
}

// Decode verifies the trailing checksum and unmarshals the payload.
func Decode(blob []byte) (*snapshot.Snapshot, error) {
	if len(blob) < checksumSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrCorrupt, len(blob))
	}
	payload := blob[:len(blob)-checksumSize]
	want := binary.LittleEndian.Uint32(blob[len(blob)-checksumSize:])
	if got := crc32.Checksum(payload, crcTable); got != want {
		return nil, fmt.Errorf("%w: checksum %08x, expected %08x", ErrCorrupt, got, want)
	}

	var s snapshot.Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.Subnets == nil {
		return nil, fmt.Errorf("%w: no subnet table", ErrCorrupt)
	}
	return &s, nil
}
