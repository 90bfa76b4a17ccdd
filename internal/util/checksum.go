package util

import (
	"crypto/subtle"
	"hash/crc32"

	"golang.org/x/crypto/blake2b"
)

// Checksum utilities for data integrity validation.
// CRC32 (IEEE) is used where a fast non-cryptographic hash is enough, such as
// placement; chunk contents are protected by 32-byte BLAKE2b digests.

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// DigestSize is the length of a chunk digest in bytes
const DigestSize = blake2b.Size256

// ComputeChecksum computes a CRC32 checksum for the given data
// Returns a 32-bit checksum value
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// Digest32 returns the BLAKE2b-256 digest of data
func Digest32(data []byte) [DigestSize]byte {
	return blake2b.Sum256(data)
}

// VerifyDigest compares two digests in constant time
func VerifyDigest(a, b [DigestSize]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// VerifyData reports whether data hashes to expected
func VerifyData(data []byte, expected [DigestSize]byte) bool {
	return VerifyDigest(Digest32(data), expected)
}
