package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/buckets/internal/errors"
)

const (
	XLMetaVersion     = "1.0.0"
	XLMetaFormat      = "xl"
	ErasureAlgorithm  = "ReedSolomon"
	ChecksumAlgorithm = "blake2b"

	// Reserved keys of the meta object
	MetaContentType = "content-type"
	MetaETag        = "etag"
)

// Digest is a 32-byte chunk checksum, hex encoded in JSON
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(d) {
		return fmt.Errorf("digest must be %d hex characters, got %d", 2*len(d), len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// StatInfo holds the attributes compared when looking for stale copies
type StatInfo struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ChecksumInfo is the digest of one chunk file
type ChecksumInfo struct {
	Algorithm string `json:"algo"`
	Hash      Digest `json:"hash"`
}

// ErasureInfo describes how an object was split into chunks.
// Chunk i is stored on disk slot Distribution[i] and hashes to Checksums[i].
type ErasureInfo struct {
	Algorithm    string         `json:"algorithm"`
	Data         int            `json:"data"`
	Parity       int            `json:"parity"`
	BlockSize    int64          `json:"blockSize"`
	Index        int            `json:"index"`
	Distribution []int          `json:"distribution"`
	Checksums    []ChecksumInfo `json:"checksums"`
}

// TotalChunks returns k+m
func (e *ErasureInfo) TotalChunks() int {
	return e.Data + e.Parity
}

// ObjectMetadata is the xl.meta record stored next to an object's chunks on
// every disk of its erasure set. Small objects carry their payload in Inline
// and have no Erasure section.
type ObjectMetadata struct {
	Version     string
	Format      string
	Stat        StatInfo
	Erasure     *ErasureInfo
	ContentType string
	ETag        string
	UserDefined map[string]string
	Inline      []byte
}

// xlMetaJSON is the on-disk shape of ObjectMetadata
type xlMetaJSON struct {
	Version string            `json:"version"`
	Format  string            `json:"format"`
	Stat    StatInfo          `json:"stat"`
	Erasure *ErasureInfo      `json:"erasure,omitempty"`
	Meta    map[string]string `json:"meta"`
	Inline  []byte            `json:"inline,omitempty"`
}

// NewObjectMetadata creates a record with the current version and format tags
func NewObjectMetadata(size int64, modTime time.Time) *ObjectMetadata {
	return &ObjectMetadata{
		Version:     XLMetaVersion,
		Format:      XLMetaFormat,
		Stat:        StatInfo{Size: size, ModTime: modTime.UTC()},
		UserDefined: make(map[string]string),
	}
}

// NewErasureInfo creates the erasure section with empty checksums for n chunks
func NewErasureInfo(dataChunks, parityChunks int, blockSize int64, index int, distribution []int) *ErasureInfo {
	n := dataChunks + parityChunks
	checksums := make([]ChecksumInfo, n)
	for i := range checksums {
		checksums[i].Algorithm = ChecksumAlgorithm
	}
	return &ErasureInfo{
		Algorithm:    ErasureAlgorithm,
		Data:         dataChunks,
		Parity:       parityChunks,
		BlockSize:    blockSize,
		Index:        index,
		Distribution: append([]int(nil), distribution...),
		Checksums:    checksums,
	}
}

// IsInline reports whether the payload is stored inside the record
func (m *ObjectMetadata) IsInline() bool {
	return m.Erasure == nil
}

// SameStat reports whether two copies describe the same object version
func (m *ObjectMetadata) SameStat(other *ObjectMetadata) bool {
	if other == nil {
		return false
	}
	return m.Stat.Size == other.Stat.Size && m.Stat.ModTime.Equal(other.Stat.ModTime)
}

// Clone returns a deep copy
func (m *ObjectMetadata) Clone() *ObjectMetadata {
	c := *m
	if m.Erasure != nil {
		e := *m.Erasure
		e.Distribution = append([]int(nil), m.Erasure.Distribution...)
		e.Checksums = append([]ChecksumInfo(nil), m.Erasure.Checksums...)
		c.Erasure = &e
	}
	if m.UserDefined != nil {
		c.UserDefined = make(map[string]string, len(m.UserDefined))
		for k, v := range m.UserDefined {
			c.UserDefined[k] = v
		}
	}
	if m.Inline != nil {
		c.Inline = append([]byte(nil), m.Inline...)
	}
	return &c
}

// Validate checks the structural invariants of the record
func (m *ObjectMetadata) Validate() error {
	if m.Version == "" || m.Format == "" {
		return errors.InvalidArgument("xl.meta: missing version or format", nil)
	}
	if m.Stat.Size < 0 {
		return errors.InvalidArgument(fmt.Sprintf("xl.meta: negative size %d", m.Stat.Size), nil)
	}

	if m.Erasure == nil {
		if int64(len(m.Inline)) != m.Stat.Size {
			return errors.InvalidArgument(fmt.Sprintf("xl.meta: inline payload has %d bytes, size is %d", len(m.Inline), m.Stat.Size), nil)
		}
		return nil
	}

	e := m.Erasure
	if len(m.Inline) > 0 {
		return errors.InvalidArgument("xl.meta: erasure coded object must not carry an inline payload", nil)
	}
	if e.Data < 1 || e.Parity < 1 {
		return errors.InvalidArgument(fmt.Sprintf("xl.meta: invalid erasure parameters data=%d parity=%d", e.Data, e.Parity), nil)
	}
	n := e.TotalChunks()
	if len(e.Distribution) != n || len(e.Checksums) != n {
		return errors.InvalidArgument(fmt.Sprintf("xl.meta: distribution has %d entries and checksums %d, want %d",
			len(e.Distribution), len(e.Checksums), n), nil)
	}
	seen := make([]bool, n)
	for _, slot := range e.Distribution {
		if slot < 0 || slot >= n || seen[slot] {
			return errors.InvalidArgument(fmt.Sprintf("xl.meta: distribution %v is not a permutation of [0,%d)", e.Distribution, n), nil)
		}
		seen[slot] = true
	}
	return nil
}

// MarshalJSON writes the record in the xl.meta document shape. Reserved keys
// are merged into the same meta object as user metadata.
func (m *ObjectMetadata) MarshalJSON() ([]byte, error) {
	meta := make(map[string]string, len(m.UserDefined)+2)
	for k, v := range m.UserDefined {
		meta[k] = v
	}
	if m.ContentType != "" {
		meta[MetaContentType] = m.ContentType
	}
	if m.ETag != "" {
		meta[MetaETag] = m.ETag
	}

	doc := xlMetaJSON{
		Version: m.Version,
		Format:  m.Format,
		Stat:    m.Stat,
		Erasure: m.Erasure,
		Meta:    meta,
	}
	if m.Erasure == nil {
		doc.Inline = m.Inline
	}
	return json.Marshal(doc)
}

func (m *ObjectMetadata) UnmarshalJSON(data []byte) error {
	var doc xlMetaJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	*m = ObjectMetadata{
		Version:     doc.Version,
		Format:      doc.Format,
		Stat:        doc.Stat,
		Erasure:     doc.Erasure,
		UserDefined: make(map[string]string, len(doc.Meta)),
		Inline:      doc.Inline,
	}
	for k, v := range doc.Meta {
		switch k {
		case MetaContentType:
			m.ContentType = v
		case MetaETag:
			m.ETag = v
		default:
			m.UserDefined[k] = v
		}
	}
	return nil
}

// Marshal serializes the record after validating it
func (m *ObjectMetadata) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.InternalError("xl.meta: encode", err)
	}
	return data, nil
}

// UnmarshalObjectMetadata parses and validates an xl.meta document
func UnmarshalObjectMetadata(data []byte) (*ObjectMetadata, error) {
	var m ObjectMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.CorruptedData("xl.meta: decode", err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.CorruptedData("xl.meta: invalid record", err)
	}
	return &m, nil
}
