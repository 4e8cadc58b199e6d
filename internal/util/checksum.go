package util

import (
	"encoding/binary"
	"hash/crc32"

	syncerrors "github.com/devrev/tiersync/internal/errors"
)

// Framing for payloads written to plain files: [payload][crc32 little endian].
// The footer only detects torn or corrupted writes.

// FooterSize is the number of bytes appended by Seal
const FooterSize = 4

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes the CRC32 (IEEE) of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// Seal returns payload followed by its checksum footer
func Seal(payload []byte) []byte {
	out := make([]byte, len(payload)+FooterSize)
	copy(out, payload)
	binary.LittleEndian.PutUint32(out[len(payload):], ComputeChecksum(payload))
	return out
}

// Open validates the footer and returns the payload without it.
// name identifies the source in the error.
func Open(name string, sealed []byte) ([]byte, error) {
	if len(sealed) < FooterSize {
		return nil, syncerrors.CorruptedData("payload shorter than checksum footer", nil).
			WithDetail("source", name)
	}
	n := len(sealed) - FooterSize
	payload := sealed[:n]
	if ComputeChecksum(payload) != binary.LittleEndian.Uint32(sealed[n:]) {
		return nil, syncerrors.CorruptedData("checksum mismatch", nil).
			WithDetail("source", name)
	}
	return payload, nil
}
