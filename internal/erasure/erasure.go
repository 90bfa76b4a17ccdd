// Package erasure implements systematic Reed-Solomon coding over GF(2^8)
// using a Cauchy generator matrix.
//
// An object is split into k data chunks of equal, 16-byte aligned size and m
// parity chunks are derived from them. Any k of the k+m chunks are enough to
// recover the object. The field arithmetic comes from klauspost/reedsolomon:
// polynomial 0x11d, top k generator rows identity, row r >= k column c equal
// to 1/(r xor c).
package erasure

import (
	stderrors "errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/devrev/buckets/internal/errors"
)

const (
	MaxDataChunks   = 16
	MaxParityChunks = 16
	MaxTotalChunks  = 32

	// ChunkAlignment is the SIMD width chunk sizes are rounded up to.
	ChunkAlignment = 16
)

// Codec encodes and decodes chunks for one (k, m) configuration.
// A Codec is immutable after New and safe for concurrent use.
type Codec struct {
	dataChunks   int
	parityChunks int

	// enc caches the generator matrix, its multiplication tables and the
	// inverted matrices of past reconstructions.
	enc reedsolomon.Encoder
}

// New creates a codec for k data and m parity chunks
func New(dataChunks, parityChunks int) (*Codec, error) {
	if dataChunks < 1 || dataChunks > MaxDataChunks {
		return nil, errors.InvalidConfig(fmt.Sprintf("data chunks must be between 1 and %d, got %d", MaxDataChunks, dataChunks))
	}
	if parityChunks < 1 || parityChunks > MaxParityChunks {
		return nil, errors.InvalidConfig(fmt.Sprintf("parity chunks must be between 1 and %d, got %d", MaxParityChunks, parityChunks))
	}
	if dataChunks+parityChunks > MaxTotalChunks {
		return nil, errors.InvalidConfig(fmt.Sprintf("total chunks must not exceed %d, got %d", MaxTotalChunks, dataChunks+parityChunks))
	}

	enc, err := reedsolomon.New(dataChunks, parityChunks, reedsolomon.WithCauchyMatrix())
	if err != nil {
		return nil, errors.InvalidConfig(fmt.Sprintf("reed-solomon encoder [d:%d,p:%d]: %v", dataChunks, parityChunks, err))
	}

	return &Codec{
		dataChunks:   dataChunks,
		parityChunks: parityChunks,
		enc:          enc,
	}, nil
}

func (c *Codec) DataChunks() int   { return c.dataChunks }
func (c *Codec) ParityChunks() int { return c.parityChunks }
func (c *Codec) TotalChunks() int  { return c.dataChunks + c.parityChunks }

// ChunkSize returns the per-chunk size for dataSize bytes split k ways:
// ceil(dataSize/k) rounded up to ChunkAlignment. Returns 0 when k <= 0.
func ChunkSize(dataSize, dataChunks int) int {
	if dataChunks <= 0 || dataSize <= 0 {
		return 0
	}
	return alignUp(ceilDiv(dataSize, dataChunks), ChunkAlignment)
}

// OverheadPct returns the storage overhead of parity as a percentage of data
func OverheadPct(dataChunks, parityChunks int) float64 {
	if dataChunks <= 0 {
		return 0
	}
	return 100 * float64(parityChunks) / float64(dataChunks)
}

// Encode splits data into k data chunks of ceil(len/k) bytes (the last one
// short-filled), zero-pads each to chunkSize and computes m parity chunks.
// The returned slice has k+m entries: data chunks first, then parity.
func (c *Codec) Encode(data []byte, chunkSize int) ([][]byte, error) {
	if need := ChunkSize(len(data), c.dataChunks); chunkSize < need {
		return nil, errors.InvalidArgument(fmt.Sprintf("chunk size %d is smaller than required %d", chunkSize, need), nil)
	}

	if chunkSize == 0 {
		chunks := make([][]byte, c.TotalChunks())
		for i := range chunks {
			chunks[i] = []byte{}
		}
		return chunks, nil
	}

	per := ceilDiv(len(data), c.dataChunks)
	chunks := reedsolomon.AllocAligned(c.TotalChunks(), chunkSize)
	for i := 0; i < c.dataChunks; i++ {
		start := i * per
		if start >= len(data) {
			break
		}
		end := start + per
		if end > len(data) {
			end = len(data)
		}
		copy(chunks[i], data[start:end])
	}

	if err := c.enc.Encode(chunks); err != nil {
		return nil, errors.InternalError(fmt.Sprintf("encode [d:%d,p:%d]", c.dataChunks, c.parityChunks), err)
	}
	return chunks, nil
}

// Decode recovers the original dataSize bytes from chunks. A nil entry marks
// a missing chunk; missing entries are reconstructed in place.
func (c *Codec) Decode(chunks [][]byte, chunkSize, dataSize int) ([]byte, error) {
	if err := c.checkChunks(chunks, chunkSize); err != nil {
		return nil, err
	}
	if dataSize < 0 {
		return nil, errors.InvalidArgument("negative data size", nil)
	}
	per := ceilDiv(dataSize, c.dataChunks)
	if per > chunkSize {
		return nil, errors.InvalidArgument(fmt.Sprintf("data size %d does not fit chunk size %d", dataSize, chunkSize), nil)
	}

	var missing []int
	for i, chunk := range chunks {
		if chunk == nil {
			missing = append(missing, i)
		}
	}
	if available := len(chunks) - len(missing); available < c.dataChunks {
		return nil, errors.NotEnoughChunks(available, c.dataChunks)
	}
	if len(missing) > 0 {
		if err := c.Reconstruct(chunks, chunkSize, missing); err != nil {
			return nil, err
		}
	}

	out := make([]byte, dataSize)
	for i := 0; i < c.dataChunks; i++ {
		start := i * per
		if start >= dataSize {
			break
		}
		copy(out[start:], chunks[i][:per])
	}
	return out, nil
}

// Reconstruct regenerates the chunks listed in missing from k of the
// remaining chunks. Chunks listed as missing are overwritten, or allocated
// when nil; all other nil entries are treated as unavailable and left nil.
func (c *Codec) Reconstruct(chunks [][]byte, chunkSize int, missing []int) error {
	if err := c.checkChunks(chunks, chunkSize); err != nil {
		return err
	}
	n := c.TotalChunks()

	wanted := make([]bool, n)
	dataOnly := true
	for _, idx := range missing {
		if idx < 0 || idx >= n {
			return errors.InvalidArgument(fmt.Sprintf("chunk index %d out of range [0,%d)", idx, n), nil)
		}
		wanted[idx] = true
		if idx >= c.dataChunks {
			dataOnly = false
		}
	}
	if len(missing) > c.parityChunks {
		return errors.NotEnoughChunks(n-len(missing), c.dataChunks)
	}

	// The encoder sees only the usable chunks; rebuilt buffers are copied
	// into the listed slots afterwards.
	shards := make([][]byte, n)
	available := 0
	for i, chunk := range chunks {
		if !wanted[i] && chunk != nil {
			shards[i] = chunk
			available++
		}
	}
	if available < c.dataChunks {
		return errors.NotEnoughChunks(available, c.dataChunks)
	}

	if chunkSize == 0 {
		for _, idx := range missing {
			chunks[idx] = []byte{}
		}
		return nil
	}

	var err error
	if dataOnly {
		err = c.enc.ReconstructSome(shards, wanted)
	} else {
		// Parity is recomputed from every data chunk, so rebuild them all.
		err = c.enc.Reconstruct(shards)
	}
	if err != nil {
		if stderrors.Is(err, reedsolomon.ErrTooFewShards) {
			return errors.NotEnoughChunks(available, c.dataChunks)
		}
		return errors.MatrixSingular(fmt.Sprintf("reconstruct [d:%d,p:%d] chunks %v: %v", c.dataChunks, c.parityChunks, missing, err))
	}

	for _, idx := range missing {
		if chunks[idx] == nil || len(chunks[idx]) != chunkSize {
			chunks[idx] = make([]byte, chunkSize)
		}
		copy(chunks[idx], shards[idx])
	}
	return nil
}

// Verify reports whether the parity chunks match the data chunks. All
// chunks must be present.
func (c *Codec) Verify(chunks [][]byte, chunkSize int) (bool, error) {
	if err := c.checkChunks(chunks, chunkSize); err != nil {
		return false, err
	}
	for i, chunk := range chunks {
		if chunk == nil {
			return false, errors.InvalidArgument(fmt.Sprintf("chunk %d is missing", i), nil)
		}
	}
	if chunkSize == 0 {
		return true, nil
	}
	ok, err := c.enc.Verify(chunks)
	if err != nil {
		return false, errors.InternalError("verify parity", err)
	}
	return ok, nil
}

func (c *Codec) checkChunks(chunks [][]byte, chunkSize int) error {
	if len(chunks) != c.TotalChunks() {
		return errors.InvalidArgument(fmt.Sprintf("expected %d chunks, got %d", c.TotalChunks(), len(chunks)), nil)
	}
	if chunkSize < 0 {
		return errors.InvalidArgument("negative chunk size", nil)
	}
	for i, chunk := range chunks {
		if chunk != nil && len(chunk) != chunkSize {
			return errors.InvalidArgument(fmt.Sprintf("chunk %d has %d bytes, expected %d", i, len(chunk), chunkSize), nil)
		}
	}
	return nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func alignUp(v, align int) int {
	return (v + align - 1) / align * align
}
