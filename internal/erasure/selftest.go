package erasure

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// inverseOfTwo is 1/2 in GF(2^8) under polynomial 0x11d.
const inverseOfTwo = 0x8e

// SelfTest checks the codec for every (k, m) with 4 <= k+m < 16: data chunks
// pass through unchanged, every parity coefficient at row r and column c is
// the inverse of r xor c, and chunks dropped from a mix of data and parity
// are rebuilt exactly. A failure means persisted parity could not be
// trusted, so callers should refuse to start.
func SelfTest(logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := checkFieldPolynomial(); err != nil {
		logger.Error("Erasure self-test failed", zap.Error(err))
		return err
	}

	var testData [256]byte
	for i := range testData {
		testData[i] = byte(i)
	}

	configs := 0
	for total := 4; total < 16; total++ {
		for k := total / 2; k < total; k++ {
			m := total - k
			if err := selfTestConfig(testData[:], k, m); err != nil {
				logger.Error("Erasure self-test failed",
					zap.Int("data_chunks", k),
					zap.Int("parity_chunks", m),
					zap.Error(err))
				return err
			}
			configs++
		}
	}

	logger.Debug("Erasure self-test passed", zap.Int("configurations", configs))
	return nil
}

// checkFieldPolynomial encodes a single 1 byte with k=2, m=1. The parity
// coefficient of row 2 column 0 is 1/2, which pins the field polynomial.
func checkFieldPolynomial() error {
	codec, err := New(2, 1)
	if err != nil {
		return fmt.Errorf("erasure: self-test polynomial: %w", err)
	}
	shards := [][]byte{{1}, {0}, {0}}
	if err := codec.enc.Encode(shards); err != nil {
		return fmt.Errorf("erasure: self-test polynomial: %w", err)
	}
	if shards[2][0] != inverseOfTwo {
		return fmt.Errorf("erasure: self-test polynomial: parity %#x, want %#x", shards[2][0], inverseOfTwo)
	}
	return nil
}

func selfTestConfig(data []byte, k, m int) error {
	codec, err := New(k, m)
	if err != nil {
		return fmt.Errorf("erasure: self-test [d:%d,p:%d]: %w", k, m, err)
	}
	if err := checkGenerator(codec); err != nil {
		return err
	}

	chunkSize := ChunkSize(len(data), k)
	chunks, err := codec.Encode(data, chunkSize)
	if err != nil {
		return fmt.Errorf("erasure: self-test [d:%d,p:%d]: %w", k, m, err)
	}
	per := ceilDiv(len(data), k)
	for i := 0; i < k; i++ {
		start := i * per
		end := min(start+per, len(data))
		if start < len(data) && !bytes.Equal(chunks[i][:end-start], data[start:end]) {
			return fmt.Errorf("erasure: self-test [d:%d,p:%d]: data chunk %d altered", k, m, i)
		}
	}
	if ok, err := codec.Verify(chunks, chunkSize); err != nil || !ok {
		return fmt.Errorf("erasure: self-test [d:%d,p:%d]: parity does not verify: %v", k, m, err)
	}

	// Drop m chunks from the front of the data and parity runs.
	want := fingerprint(chunks)
	var missing []int
	for i := 0; i < (m+1)/2; i++ {
		missing = append(missing, i)
	}
	for i := 0; i < m/2; i++ {
		missing = append(missing, k+i)
	}
	for _, idx := range missing {
		chunks[idx] = nil
	}
	if err := codec.Reconstruct(chunks, chunkSize, missing); err != nil {
		return fmt.Errorf("erasure: self-test [d:%d,p:%d]: reconstruct: %w", k, m, err)
	}
	if got := fingerprint(chunks); got != want {
		return fmt.Errorf("erasure: self-test [d:%d,p:%d]: rebuilt fingerprint %#x, want %#x", k, m, got, want)
	}
	return nil
}

// checkGenerator encodes, for each data column c, a chunk whose byte i is
// (k+i) xor c. Parity chunk i then holds coeff(k+i, c) * ((k+i) xor c) at
// byte i, which is 1 exactly when the coefficient is the Cauchy inverse.
func checkGenerator(codec *Codec) error {
	k, m := codec.dataChunks, codec.parityChunks
	for col := 0; col < k; col++ {
		shards := make([][]byte, k+m)
		for i := range shards {
			shards[i] = make([]byte, m)
		}
		for i := 0; i < m; i++ {
			shards[col][i] = byte((k + i) ^ col)
		}
		if err := codec.enc.Encode(shards); err != nil {
			return fmt.Errorf("erasure: self-test [d:%d,p:%d]: %w", k, m, err)
		}
		for i := 0; i < m; i++ {
			if got := shards[k+i][i]; got != 1 {
				return fmt.Errorf("erasure: self-test [d:%d,p:%d]: coefficient row %d col %d is not 1/(r^c) (product %#x)", k, m, k+i, col, got)
			}
		}
	}
	return nil
}

// fingerprint hashes every chunk prefixed by its index.
func fingerprint(chunks [][]byte) uint64 {
	h := xxhash.New()
	for i, chunk := range chunks {
		_, _ = h.Write([]byte{byte(i)})
		_, _ = h.Write(chunk)
	}
	return h.Sum64()
}
