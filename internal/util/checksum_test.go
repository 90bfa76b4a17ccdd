package util

import (
	"encoding/hex"
	"testing"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checksum1 := ComputeChecksum(tt.data)
			checksum2 := ComputeChecksum(tt.data)

			if checksum1 != checksum2 {
				t.Errorf("Checksums should be deterministic: %d != %d", checksum1, checksum2)
			}
		})
	}

	// Well-known IEEE value
	if got := ComputeChecksum([]byte("123456789")); got != 0xCBF43926 {
		t.Errorf("Unexpected CRC32 of check string: %#x", got)
	}
}

func TestDigest32(t *testing.T) {
	// BLAKE2b-256 of the empty input
	want := "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"
	got := Digest32(nil)
	if hex.EncodeToString(got[:]) != want {
		t.Errorf("Unexpected empty digest: %x", got)
	}

	a := Digest32([]byte("chunk"))
	b := Digest32([]byte("chunk"))
	if !VerifyDigest(a, b) {
		t.Error("Equal digests should verify")
	}

	c := Digest32([]byte("chunK"))
	if VerifyDigest(a, c) {
		t.Error("Different digests should not verify")
	}
}

func TestVerifyData(t *testing.T) {
	data := []byte("part payload")
	sum := Digest32(data)

	if !VerifyData(data, sum) {
		t.Error("Intact data should verify")
	}

	corrupted := append([]byte{}, data...)
	corrupted[3] ^= 0x01
	if VerifyData(corrupted, sum) {
		t.Error("Corrupted data should fail verification")
	}
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}

func BenchmarkDigest32(b *testing.B) {
	data := make([]byte, 64*1024)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Digest32(data)
	}
}
