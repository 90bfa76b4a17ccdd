package erasure

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/buckets/internal/errors"
)

func validConfigs() [][2]int {
	var out [][2]int
	for k := 1; k <= MaxDataChunks; k++ {
		for m := 1; m <= MaxParityChunks; m++ {
			if k+m <= MaxTotalChunks {
				out = append(out, [2]int{k, m})
			}
		}
	}
	return out
}

func randomData(r *rand.Rand, size int) []byte {
	data := make([]byte, size)
	r.Read(data)
	return data
}

func cloneChunks(chunks [][]byte) [][]byte {
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		if c != nil {
			out[i] = append([]byte(nil), c...)
		}
	}
	return out
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		k, m int
	}{
		{"zero data", 0, 2},
		{"zero parity", 4, 0},
		{"too many data", 17, 2},
		{"too many parity", 2, 17},
		{"negative", -1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.k, tt.m)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
		})
	}

	codec, err := New(16, 16)
	require.NoError(t, err)
	assert.Equal(t, 32, codec.TotalChunks())
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, 0, ChunkSize(100, 0))
	assert.Equal(t, 0, ChunkSize(0, 4))
	assert.Equal(t, 16, ChunkSize(14, 4))
	assert.Equal(t, 16, ChunkSize(64, 4))
	assert.Equal(t, 32, ChunkSize(65, 4))

	for _, cfg := range validConfigs() {
		k := cfg[0]
		for _, size := range []int{1, 7, 100, 1000, 4097, 1 << 20} {
			cs := ChunkSize(size, k)
			require.Zero(t, cs%ChunkAlignment)
			require.GreaterOrEqual(t, cs, (size+k-1)/k)
		}
	}
}

func TestOverheadPct(t *testing.T) {
	assert.Equal(t, 50.0, OverheadPct(8, 4))
	assert.InDelta(t, 33.33, OverheadPct(12, 4), 0.01)
	assert.Equal(t, 25.0, OverheadPct(16, 4))
	assert.Equal(t, 0.0, OverheadPct(0, 4))
}

func TestEncodeDecode_RoundTripAllConfigs(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for _, cfg := range validConfigs() {
		k, m := cfg[0], cfg[1]
		codec, err := New(k, m)
		require.NoError(t, err)

		for _, size := range []int{0, 1, k - 1, k * 16, 3000} {
			data := randomData(r, size)
			chunkSize := ChunkSize(size, k)

			chunks, err := codec.Encode(data, chunkSize)
			require.NoError(t, err, "k=%d m=%d size=%d", k, m, size)
			require.Len(t, chunks, k+m)

			got, err := codec.Decode(chunks, chunkSize, size)
			require.NoError(t, err, "k=%d m=%d size=%d", k, m, size)
			require.True(t, bytes.Equal(data, got), "k=%d m=%d size=%d", k, m, size)
		}
	}
}

func TestDecode_MissingSubsets(t *testing.T) {
	r := rand.New(rand.NewSource(99))

	for _, cfg := range validConfigs() {
		k, m := cfg[0], cfg[1]
		codec, err := New(k, m)
		require.NoError(t, err)

		size := 1000 + r.Intn(3000)
		data := randomData(r, size)
		chunkSize := ChunkSize(size, k)
		encoded, err := codec.Encode(data, chunkSize)
		require.NoError(t, err)

		subsets := map[string][]int{
			"data only":   firstN(0, min(m, k)),
			"parity only": firstN(k, m),
			"mixed":       mixedSubset(k, m),
			"random":      r.Perm(k + m)[:m],
		}

		for name, missing := range subsets {
			chunks := cloneChunks(encoded)
			for _, idx := range missing {
				chunks[idx] = nil
			}
			got, err := codec.Decode(chunks, chunkSize, size)
			require.NoError(t, err, "k=%d m=%d %s %v", k, m, name, missing)
			require.True(t, bytes.Equal(data, got), "k=%d m=%d %s %v", k, m, name, missing)
			for i := range chunks {
				require.True(t, bytes.Equal(encoded[i], chunks[i]), "k=%d m=%d %s chunk %d", k, m, name, i)
			}
		}

		// One more than the parity count is unrecoverable.
		chunks := cloneChunks(encoded)
		for _, idx := range r.Perm(k + m)[:m+1] {
			chunks[idx] = nil
		}
		_, err = codec.Decode(chunks, chunkSize, size)
		require.Error(t, err)
		require.ErrorIs(t, err, errors.ErrNotEnoughChunks, "k=%d m=%d", k, m)
	}
}

func firstN(start, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

// mixedSubset alternates data and parity indices until m are chosen.
func mixedSubset(k, m int) []int {
	var out []int
	d, p := 0, k
	for len(out) < m {
		if len(out)%2 == 0 && d < k {
			out = append(out, d)
			d++
		} else if p < k+m {
			out = append(out, p)
			p++
		} else {
			out = append(out, d)
			d++
		}
	}
	return out
}

func TestDecode_HelloWorldScenario(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	data := []byte("Hello, World!\x00")
	require.Len(t, data, 14)
	chunkSize := ChunkSize(len(data), 4)
	require.Equal(t, 16, chunkSize)

	chunks, err := codec.Encode(data, chunkSize)
	require.NoError(t, err)

	chunks[1] = nil
	chunks[3] = nil

	got, err := codec.Decode(chunks, chunkSize, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEncode_ChunkSizeTooSmall(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	_, err = codec.Encode(make([]byte, 100), 16)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	// A larger chunk size than required is fine.
	chunks, err := codec.Encode(make([]byte, 100), 64)
	require.NoError(t, err)
	assert.Len(t, chunks[0], 64)
}

func TestEncode_DataChunksAreSystematic(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	data := []byte("abcdefghij")
	chunks, err := codec.Encode(data, 16)
	require.NoError(t, err)

	assert.Equal(t, []byte("abc"), chunks[0][:3])
	assert.Equal(t, []byte("def"), chunks[1][:3])
	assert.Equal(t, []byte("ghi"), chunks[2][:3])
	assert.Equal(t, []byte("j"), chunks[3][:1])
	assert.Equal(t, make([]byte, 13), chunks[0][3:])
}

func TestReconstruct_TargetedParity(t *testing.T) {
	codec, err := New(6, 3)
	require.NoError(t, err)

	data := randomData(rand.New(rand.NewSource(3)), 500)
	chunkSize := ChunkSize(len(data), 6)
	encoded, err := codec.Encode(data, chunkSize)
	require.NoError(t, err)

	chunks := cloneChunks(encoded)
	chunks[7] = nil
	chunks[2] = nil
	require.NoError(t, codec.Reconstruct(chunks, chunkSize, []int{2, 7}))
	assert.Equal(t, encoded[2], chunks[2])
	assert.Equal(t, encoded[7], chunks[7])

	// Listed indices are rebuilt even when a stale buffer is present.
	chunks[8] = make([]byte, chunkSize)
	require.NoError(t, codec.Reconstruct(chunks, chunkSize, []int{8}))
	assert.Equal(t, encoded[8], chunks[8])
}

func TestReconstruct_Errors(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)
	encoded, err := codec.Encode(make([]byte, 64), 16)
	require.NoError(t, err)

	err = codec.Reconstruct(cloneChunks(encoded), 16, []int{0, 1, 2})
	assert.ErrorIs(t, err, errors.ErrNotEnoughChunks)

	chunks := cloneChunks(encoded)
	chunks[4] = nil
	chunks[5] = nil
	err = codec.Reconstruct(chunks, 16, []int{0})
	assert.ErrorIs(t, err, errors.ErrNotEnoughChunks)

	err = codec.Reconstruct(cloneChunks(encoded), 16, []int{6})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	err = codec.Reconstruct(cloneChunks(encoded)[:5], 16, []int{0})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	bad := cloneChunks(encoded)
	bad[1] = bad[1][:8]
	err = codec.Reconstruct(bad, 16, []int{0})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

// mulGF multiplies in GF(2^8) modulo x^8+x^4+x^3+x^2+1 by shift and add.
func mulGF(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 != 0 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1d
		}
		b >>= 1
	}
	return p
}

func invGF(a byte) byte {
	for b := 1; b < 256; b++ {
		if mulGF(a, byte(b)) == 1 {
			return byte(b)
		}
	}
	return 0
}

// cauchyParity computes parity chunk r of k data chunks byte by byte with
// coefficients 1/(r xor c).
func cauchyParity(data [][]byte, r int) []byte {
	out := make([]byte, len(data[0]))
	for c, chunk := range data {
		coeff := invGF(byte(r ^ c))
		for i, b := range chunk {
			out[i] ^= mulGF(coeff, b)
		}
	}
	return out
}

func TestEncode_CauchyParityAllConfigs(t *testing.T) {
	data := []byte("Hello, World!\x00")

	for _, cfg := range validConfigs() {
		k, m := cfg[0], cfg[1]
		codec, err := New(k, m)
		require.NoError(t, err)

		chunkSize := ChunkSize(len(data), k)
		chunks, err := codec.Encode(data, chunkSize)
		require.NoError(t, err)

		for r := k; r < k+m; r++ {
			require.Equal(t, cauchyParity(chunks[:k], r), chunks[r], "k=%d m=%d parity %d", k, m, r)
		}

		ok, err := codec.Verify(chunks, chunkSize)
		require.NoError(t, err)
		assert.True(t, ok, "k=%d m=%d", k, m)

		// Rebuild the first m chunks from the rest.
		rebuilt := cloneChunks(chunks)
		missing := firstN(0, m)
		for _, idx := range missing {
			rebuilt[idx] = nil
		}
		require.NoError(t, codec.Reconstruct(rebuilt, chunkSize, missing), "k=%d m=%d", k, m)
		for i := range chunks {
			require.Equal(t, chunks[i], rebuilt[i], "k=%d m=%d chunk %d", k, m, i)
		}
	}
}

func TestReconstruct_ParityLeavesUnlistedGaps(t *testing.T) {
	codec, err := New(4, 3)
	require.NoError(t, err)

	data := randomData(rand.New(rand.NewSource(5)), 300)
	chunkSize := ChunkSize(len(data), 4)
	encoded, err := codec.Encode(data, chunkSize)
	require.NoError(t, err)

	chunks := cloneChunks(encoded)
	chunks[1] = nil
	chunks[5] = nil
	require.NoError(t, codec.Reconstruct(chunks, chunkSize, []int{5}))
	assert.Equal(t, encoded[5], chunks[5])
	assert.Nil(t, chunks[1])

	require.NoError(t, codec.Reconstruct(chunks, chunkSize, []int{1}))
	assert.Equal(t, encoded[1], chunks[1])
}

func TestReconstruct_EmptyObject(t *testing.T) {
	codec, err := New(2, 2)
	require.NoError(t, err)

	chunks, err := codec.Encode(nil, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	chunks[0] = nil
	chunks[3] = nil
	require.NoError(t, codec.Reconstruct(chunks, 0, []int{0, 3}))
	assert.Equal(t, []byte{}, chunks[0])
	assert.Equal(t, []byte{}, chunks[3])
}

func TestVerify(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	chunks, err := codec.Encode([]byte("verify the parity chunks"), 16)
	require.NoError(t, err)

	ok, err := codec.Verify(chunks, 16)
	require.NoError(t, err)
	assert.True(t, ok)

	chunks[5][0] ^= 0xff
	ok, err = codec.Verify(chunks, 16)
	require.NoError(t, err)
	assert.False(t, ok)

	chunks[2] = nil
	_, err = codec.Verify(chunks, 16)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestCheckFieldPolynomial(t *testing.T) {
	assert.Equal(t, byte(1), mulGF(2, inverseOfTwo))
	require.NoError(t, checkFieldPolynomial())
}

func TestSelfTest(t *testing.T) {
	require.NoError(t, SelfTest(zap.NewNop()))
	require.NoError(t, SelfTest(nil))
}

func BenchmarkEncode_8_4(b *testing.B) {
	codec, _ := New(8, 4)
	data := make([]byte, 1<<20)
	chunkSize := ChunkSize(len(data), 8)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encode(data, chunkSize)
	}
}
